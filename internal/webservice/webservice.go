// Package webservice exposes the event router over HTTP.
//
// Every request is translated into an HTTP-shaped event, except POST /invoke whose body is a raw event.
package webservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/ubuntu/invoice-ingest/internal/common/constants"
	"github.com/ubuntu/invoice-ingest/internal/ingest/events"
	"github.com/ubuntu/invoice-ingest/internal/webservice/metrics"
)

// InvokePath is the path accepting raw events.
const InvokePath = "/invoke"

type eventRouter interface {
	Route(ctx context.Context, e events.Event) events.Response
}

// StaticConfig holds the static configuration for the server.
type StaticConfig struct {
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	RequestTimeout time.Duration
	MaxHeaderBytes int
	MaxBodyBytes   int

	ListenHost string
	ListenPort int

	// Resource is only used to label metrics. It defaults to /notas.
	Resource string
}

// Server is the HTTP front of the event router.
type Server struct {
	httpServer *http.Server
	router     eventRouter
	maxBody    int64

	mu   sync.RWMutex
	addr net.Addr

	// This context is used to interrupt any action.
	// It must be the parent of gracefulCtx.
	ctx    context.Context
	cancel context.CancelFunc

	gracefulCtx    context.Context
	gracefulCancel context.CancelFunc
}

// New creates a new Server routing requests to r. Request metrics are registered in reg.
func New(ctx context.Context, r eventRouter, sc StaticConfig, reg prometheus.Registerer) (s *Server, err error) {
	defer func() {
		// Metric registration panics on duplicates.
		if p := recover(); p != nil {
			s, err = nil, fmt.Errorf("failed to register web service metrics: %v", p)
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	gCtx, gCancel := context.WithCancel(ctx)

	s = &Server{
		router:  r,
		maxBody: int64(sc.MaxBodyBytes),

		ctx:    ctx,
		cancel: cancel,

		gracefulCtx:    gCtx,
		gracefulCancel: gCancel,
	}
	if s.maxBody <= 0 {
		s.maxBody = 1 << 20
	}

	resource := sc.Resource
	if resource == "" {
		resource = constants.DefaultResourcePath
	}

	m := metrics.New(reg)
	mux := http.NewServeMux()
	mux.Handle("POST "+InvokePath, withRoute(func(string) string { return InvokePath }, m.Monitor("invoke", http.HandlerFunc(s.serveInvoke))))
	mux.Handle("/", withRoute(func(path string) string {
		if strings.Contains(path, resource) {
			return resource
		}
		return "other"
	}, m.Monitor("api", http.HandlerFunc(s.serveAPI))))

	handler := http.Handler(mux)
	if sc.RequestTimeout > 0 {
		handler = http.TimeoutHandler(mux, sc.RequestTimeout, "")
	}

	s.httpServer = &http.Server{
		Addr:           net.JoinHostPort(sc.ListenHost, fmt.Sprint(sc.ListenPort)),
		ReadTimeout:    sc.ReadTimeout,
		WriteTimeout:   sc.WriteTimeout,
		Handler:        handler,
		MaxHeaderBytes: sc.MaxHeaderBytes,
	}

	return s, nil
}

func withRoute(route func(path string) string, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		metrics.ApplyLabels(r, route(r.URL.Path))
		h.ServeHTTP(w, r)
	})
}

// Run starts the HTTP server and serves requests until Quit is called.
func (s *Server) Run() error {
	// already asked to quit?
	select {
	case <-s.gracefulCtx.Done():
		return errors.New("server is already shutting down")
	default:
	}

	l, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		s.cancel()
		return fmt.Errorf("failed to listen on %s: %v", s.httpServer.Addr, err)
	}
	s.mu.Lock()
	s.addr = l.Addr()
	s.mu.Unlock()
	slog.Info("Starting server", "addr", l.Addr().String())

	serverErr := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-s.gracefulCtx.Done():
		slog.Info("Graceful shutdown initiated")
		// Shutdown uses the parent ctx so that a forced Quit unblocks it immediately.
		if err := s.httpServer.Shutdown(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("Graceful shutdown failed", "err", err)
			return err
		}
		slog.Info("Server shut down gracefully")
		s.cancel()
		return nil

	case err := <-serverErr:
		s.cancel()
		if err != nil {
			slog.Error("Server encountered error", "err", err)
			return err
		}
		return nil
	}
}

// Quit shuts down the HTTP server. Unless force is set, in flight requests are allowed to complete.
func (s *Server) Quit(force bool) {
	if force {
		_ = s.httpServer.Close()
		s.cancel()
	} else {
		s.gracefulCancel()
	}
	slog.Info("Server quit", "force", force)
}

// Addr returns the address the server listens on, or nil before Run.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

func (s *Server) serveAPI(w http.ResponseWriter, r *http.Request) {
	reqID := uuid.NewString()

	body, ok := s.readBody(w, r, reqID)
	if !ok {
		return
	}

	// Lookups may pass the id in the query string, as request bodies are unusual on GET.
	if id := r.URL.Query().Get("id"); len(body) == 0 && id != "" {
		data, _ := json.Marshal(map[string]string{"id": id})
		body = data
	}

	req := &events.APIRequest{HTTPMethod: r.Method, Path: r.URL.Path, Body: string(body)}
	slog.Debug("Routing request", "req_id", reqID, "method", req.HTTPMethod, "path", req.Path)
	s.writeResponse(w, reqID, s.router.Route(r.Context(), events.Event{API: req}))
}

func (s *Server) serveInvoke(w http.ResponseWriter, r *http.Request) {
	reqID := uuid.NewString()

	body, ok := s.readBody(w, r, reqID)
	if !ok {
		return
	}

	e, err := events.Parse(body)
	if err != nil {
		slog.Warn("Rejecting invalid event", "req_id", reqID, "err", err)
		s.writeResponse(w, reqID, events.JSONResponse(http.StatusBadRequest, err.Error()))
		return
	}

	s.writeResponse(w, reqID, s.router.Route(r.Context(), e))
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request, reqID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		slog.Error("Error reading the request body", "req_id", reqID, "err", err)
		s.writeResponse(w, reqID, events.JSONResponse(http.StatusBadRequest, "Failed to read request body."))
		return nil, false
	}
	return body, true
}

func (s *Server) writeResponse(w http.ResponseWriter, reqID string, resp events.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-Id", reqID)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.WriteString(w, resp.Body); err != nil {
		slog.Warn("Failed to write response", "req_id", reqID, "err", err)
	}
}
