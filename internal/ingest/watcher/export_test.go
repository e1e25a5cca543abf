package watcher

import "github.com/prometheus/client_golang/prometheus"

// PendingFiles returns the pending files gauge of p.
func PendingFiles(p *Pool) prometheus.Gauge {
	return p.pendingFiles
}
