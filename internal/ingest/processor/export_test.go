package processor

import "github.com/prometheus/client_golang/prometheus"

// RelocationErrors returns the relocation alarm counter of p.
func RelocationErrors(p *Processor) prometheus.Counter {
	return p.relocationErrors
}
