// Package ingest is responsible for running the invoice ingestion services in the background.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Service runs the batch file watcher, the web service and the metrics server together.
type Service struct {
	watcher       Watcher
	webServer     WebServer
	metricsServer MetricsServer

	// This context is used to interrupt any action.
	// It must be the parent of gracefulCtx.
	ctx    context.Context
	cancel context.CancelFunc

	// This context lets in flight work complete before interrupting.
	gracefulCtx    context.Context
	gracefulCancel context.CancelFunc

	maxDegradedDuration time.Duration

	// running is closed once Run has returned, or by Quit when Run never started.
	running     chan struct{}
	stopRunning sync.Once
	mu          sync.Mutex
	started     bool
}

// Watcher is an interface that defines the methods for a batch file watcher.
type Watcher interface {
	Run(ctx context.Context) error
}

// WebServer is an interface that defines the methods for the HTTP API server.
type WebServer interface {
	Run() error
	Quit(force bool)
}

// MetricsServer is an interface that defines the methods for a metrics server.
type MetricsServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
	Close() error
}

type options struct {
	maxDegradedDuration time.Duration
}

// Option is a function which tweaks the creation of the Service.
type Option func(*options)

var (
	// errServiceClosed is returned when the service is already closed.
	errServiceClosed = errors.New("service closed")

	// ErrTeardownTimeout is returned when the service takes too long to shut down.
	// A force Quit may be required to cleanup the service.
	ErrTeardownTimeout = errors.New("service teardown timed out")
)

// New creates a new ingest service.
// watcher may be nil when batch files are only announced through the web service.
func New(ctx context.Context, watcher Watcher, webServer WebServer, metricsServer MetricsServer, args ...Option) *Service {
	ctx, cancel := context.WithCancel(ctx)
	gCtx, gCancel := context.WithCancel(ctx)

	opts := options{
		maxDegradedDuration: 2 * time.Minute,
	}
	for _, arg := range args {
		arg(&opts)
	}

	return &Service{
		watcher:       watcher,
		webServer:     webServer,
		metricsServer: metricsServer,

		ctx:            ctx,
		cancel:         cancel,
		gracefulCtx:    gCtx,
		gracefulCancel: gCancel,

		maxDegradedDuration: opts.maxDegradedDuration,

		running: make(chan struct{}),
	}
}

// Run starts the ingest service.
//
// Returns once all sub-services have completed, or after an extended time being in a degraded state.
func (s *Service) Run() error {
	slog.Info("Ingest service started")

	s.mu.Lock()
	if s.gracefulCtx.Err() != nil || s.started {
		s.mu.Unlock()
		return errServiceClosed
	}
	s.started = true
	s.mu.Unlock()

	defer s.markStopped()
	defer s.cancel() // Ensure we cancel the context when done, regardless of result.

	runners := []func() error{s.runWeb, s.runMetrics}
	if s.watcher != nil {
		runners = append(runners, s.runWatcher)
	}

	done := make(chan error, len(runners))
	var wg sync.WaitGroup
	for _, run := range runners {
		wg.Add(1)
		go func() {
			defer wg.Done()
			done <- run()
		}()
	}
	allDone := make(chan struct{})
	go func() { wg.Wait(); close(allDone) }()

	// The first sub-service to return stops the others.
	err := <-done
	slog.Info("Waiting for ingest services to finish")

	timeout := time.After(s.maxDegradedDuration)
	for range len(runners) - 1 {
		select {
		case <-timeout:
			// We've waited for teardown for too long, give up even though errors may be lost.
			slog.Warn("Ingest service teardown timed out")
			return errors.Join(err, ErrTeardownTimeout)
		case e := <-done:
			err = errors.Join(err, e)
		}
	}
	<-allDone

	return err
}

func (s *Service) runWatcher() error {
	slog.Info("Starting batch file watcher")
	defer s.gracefulCancel() // Request stop if the watcher fails.

	if err := s.watcher.Run(s.gracefulCtx); err != nil && !errors.Is(err, s.gracefulCtx.Err()) {
		slog.Error("Batch file watcher encountered an error", "err", err)
		return fmt.Errorf("watcher error: %v", err)
	}
	slog.Info("Watcher stopped")
	return nil
}

func (s *Service) runWeb() error {
	slog.Info("Starting web service")
	defer s.gracefulCancel() // Request stop if the web service fails.

	webErrCh := make(chan error, 1)
	go func() {
		defer close(webErrCh)
		webErrCh <- s.webServer.Run()
	}()

	select {
	case <-s.ctx.Done():
		slog.Info("Closing web service", "reason", s.ctx.Err())
		s.webServer.Quit(true)
		return nil
	case <-s.gracefulCtx.Done():
		if s.ctx.Err() != nil {
			s.webServer.Quit(true)
			return nil
		}
		slog.Info("Graceful shutdown initiated for web service")
		s.webServer.Quit(false)
		select {
		case err := <-webErrCh:
			if err != nil {
				slog.Error("Web service graceful shutdown encountered error", "err", err)
				return fmt.Errorf("web service shutdown error: %v", err)
			}
		case <-s.ctx.Done():
			s.webServer.Quit(true)
			return nil
		}
	case err := <-webErrCh:
		if err != nil {
			slog.Error("Web service encountered error", "err", err)
			return fmt.Errorf("web service error: %v", err)
		}
	}
	slog.Info("Web service shut down gracefully")
	return nil
}

func (s *Service) runMetrics() error {
	slog.Info("Starting metrics server")
	defer s.gracefulCancel() // Request stop if metrics fail.

	metricsErrCh := make(chan error, 1)
	go func() {
		defer close(metricsErrCh)
		if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			metricsErrCh <- err
		}
	}()

	select {
	case <-s.ctx.Done():
		slog.Info("Closing metrics server", "reason", s.ctx.Err())
		s.metricsServer.Close()
		return nil
	case <-s.gracefulCtx.Done():
		if s.ctx.Err() != nil {
			s.metricsServer.Close()
			return nil
		}
		slog.Info("Graceful shutdown initiated for metrics server")
		if err := s.metricsServer.Shutdown(s.ctx); err != nil {
			slog.Error("Metrics server graceful shutdown encountered error", "err", err)
			return fmt.Errorf("metrics server shutdown error: %v", err)
		}
	case err := <-metricsErrCh:
		// No need to shutdown or close, just propagate the error.
		if err != nil {
			slog.Error("Metrics server encountered error", "err", err)
			return fmt.Errorf("metrics server error: %v", err)
		}
	}
	slog.Info("Metrics server shut down gracefully")
	return nil
}

// Quit stops the ingest service.
// Blocks until the service has finished running.
func (s *Service) Quit(force bool) {
	slog.Info("Stopping ingest service")

	if force {
		s.cancel()
		s.metricsServer.Close()
		s.webServer.Quit(true)
	} else {
		s.gracefulCancel()
	}

	s.mu.Lock()
	if !s.started {
		// Run will see the cancelled context and return without serving.
		s.markStopped()
	}
	s.mu.Unlock()

	<-s.running
}

func (s *Service) markStopped() {
	s.stopRunning.Do(func() { close(s.running) })
}
