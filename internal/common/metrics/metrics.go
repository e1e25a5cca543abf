// Package metrics serves the daemon Prometheus registry and a liveness probe.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// MetricsPath is where the registry is exposed.
	MetricsPath = "/metrics"
	// HealthPath answers 200 as long as the server is serving.
	HealthPath = "/healthz"
)

// Server exposes a registry over HTTP.
type Server struct {
	listenAddr string
	httpServer *http.Server

	mu   sync.RWMutex
	addr net.Addr
}

// Config holds the configuration for the metrics server.
type Config struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// RuntimeCollectors registers the Go runtime and process collectors on the registry given to New.
	RuntimeCollectors bool
}

// New returns a server exposing the metrics gathered from reg.
// When cfg.RuntimeCollectors is set, reg must also be a prometheus.Registerer.
func New(cfg Config, reg prometheus.Gatherer) (*Server, error) {
	if cfg.RuntimeCollectors {
		r, ok := reg.(prometheus.Registerer)
		if !ok {
			return nil, fmt.Errorf("cannot register runtime collectors on %T", reg)
		}
		for _, c := range []prometheus.Collector{
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		} {
			if err := r.Register(c); err != nil {
				return nil, fmt.Errorf("failed to register runtime collector: %v", err)
			}
		}
	}

	mux := http.NewServeMux()
	mux.Handle(MetricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		ErrorLog:      slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn),
		ErrorHandling: promhttp.ContinueOnError,
	}))
	mux.HandleFunc(HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	listenAddr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	return &Server{
		listenAddr: listenAddr,
		httpServer: &http.Server{
			Addr:         listenAddr,
			Handler:      mux,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
	}, nil
}

// ListenAndServe binds the configured address and serves until the server is shut down or closed.
func (s *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.addr = l.Addr()
	s.mu.Unlock()
	slog.Debug("Metrics server listening", "addr", l.Addr().String())

	return s.httpServer.Serve(l)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Close stops the server immediately.
func (s *Server) Close() error {
	return s.httpServer.Close()
}

// Addr is the bound address, empty until ListenAndServe succeeded.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.addr == nil {
		return ""
	}
	return s.addr.String()
}
