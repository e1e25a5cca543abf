// Package processor ingests batch files announced by storage notifications.
//
// Each file is read from the object store, every valid record it holds is written to the record store,
// and the file is then relocated under the success or the error prefix.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/ubuntu/invoice-ingest/internal/common/constants"
	"github.com/ubuntu/invoice-ingest/internal/ingest/events"
	"github.com/ubuntu/invoice-ingest/internal/ingest/record"
)

type objectStore interface {
	Get(ctx context.Context, bucket, key string) ([]byte, error)
}

type recordStore interface {
	Put(ctx context.Context, r record.Record) error
}

type relocator interface {
	Relocate(ctx context.Context, bucket, key, prefix string) (string, error)
}

// FileStatus is the final state of a batch file after ingestion.
type FileStatus string

const (
	// StatusSkipped is used for files already under the error or success prefix.
	StatusSkipped FileStatus = "skipped"
	// StatusSucceeded is used for files whose valid records were all stored.
	StatusSucceeded FileStatus = "succeeded"
	// StatusFailed is used for files that could not be read, parsed or fully stored.
	StatusFailed FileStatus = "failed"
)

// FileResult describes what happened to one batch file.
type FileResult struct {
	Bucket string
	Key    string
	Status FileStatus
	// Destination is the key the file was relocated to, empty when skipped.
	Destination string
	// Persisted and Invalid count the records written and rejected.
	Persisted int
	Invalid   int
	// Err is the failure that sent the file to the error prefix, or the relocation failure.
	Err error
}

// Result is the outcome of ingesting one notification, in notification order.
type Result struct {
	Files []FileResult
}

// Config holds the prefixes files are relocated under.
type Config struct {
	ErrorPrefix   string
	SuccessPrefix string
}

// Processor ingests batch files.
type Processor struct {
	store     objectStore
	db        recordStore
	relocator relocator

	errorPrefix   string
	successPrefix string

	log *slog.Logger

	filesProcessed   *prometheus.CounterVec
	recordsProcessed *prometheus.CounterVec
	relocationErrors prometheus.Counter
	processDuration  prometheus.Histogram
}

type options struct {
	logger *slog.Logger
}

// Options represents an optional function to override Processor default values.
type Options func(*options)

// WithLogger sets the logger used by the processor.
func WithLogger(l *slog.Logger) Options {
	return func(o *options) {
		o.logger = l
	}
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailed
)

// Failures sending a file to the error prefix. FileResult.Err wraps exactly one of them.
var (
	// ErrFetch is used when the file could not be read from the object store.
	ErrFetch = errors.New("could not fetch file")
	// ErrNotBatch is used when the file content is not a JSON array.
	ErrNotBatch = errors.New("file is not a batch of records")
	// ErrStorageWrite is used when a valid record could not be written, abandoning the rest of the file.
	ErrStorageWrite = errors.New("could not store record")
)

// New creates a Processor and registers its metrics in reg.
func New(store objectStore, db recordStore, reloc relocator, cfg Config, reg prometheus.Registerer, args ...Options) (*Processor, error) {
	opts := options{
		logger: slog.Default(),
	}
	for _, opt := range args {
		opt(&opts)
	}

	if cfg.ErrorPrefix == "" {
		cfg.ErrorPrefix = constants.DefaultErrorPrefix
	}
	if cfg.SuccessPrefix == "" {
		cfg.SuccessPrefix = constants.DefaultSuccessPrefix
	}
	if cfg.ErrorPrefix == cfg.SuccessPrefix {
		return nil, fmt.Errorf("error and success prefixes must differ, both are %q", cfg.ErrorPrefix)
	}

	p := &Processor{
		store:     store,
		db:        db,
		relocator: reloc,

		errorPrefix:   strings.TrimSuffix(cfg.ErrorPrefix, "/"),
		successPrefix: strings.TrimSuffix(cfg.SuccessPrefix, "/"),

		log: opts.logger,

		filesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_processor_files_processed_total",
			Help: "Total number of batch files handled, by result.",
		}, []string{"result"}),
		recordsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_processor_records_total",
			Help: "Total number of records handled, by result.",
		}, []string{"result"}),
		relocationErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_processor_relocation_errors_total",
			Help: "Total number of batch files that could not be relocated. Any increase needs an operator.",
		}),
		processDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ingest_processor_process_duration_seconds",
			Help:    "Time taken to ingest one batch file.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
	}

	for _, c := range []prometheus.Collector{p.filesProcessed, p.recordsProcessed, p.relocationErrors, p.processDuration} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register processor metrics: %v", err)
		}
	}

	return p, nil
}

// Ingest processes every file of the notification sequentially, in order.
//
// Failures never abort the notification: they only decide where each file is relocated.
// If ctx is cancelled, the remaining files are left untouched for a later notification.
func (p Processor) Ingest(ctx context.Context, n events.Notification) Result {
	res := Result{Files: make([]FileResult, 0, len(n.Entries))}

	for _, e := range n.Entries {
		if err := ctx.Err(); err != nil {
			p.log.Warn("Ingestion interrupted, leaving remaining files in place", "err", err)
			break
		}

		start := time.Now()
		r := p.ingestFile(ctx, e)
		if r.Status != StatusSkipped {
			p.processDuration.Observe(time.Since(start).Seconds())
		}
		p.filesProcessed.WithLabelValues(string(r.Status)).Inc()
		res.Files = append(res.Files, r)
	}

	return res
}

func (p Processor) ingestFile(ctx context.Context, e events.Entry) FileResult {
	r := FileResult{Bucket: e.Bucket, Key: e.Key}
	log := p.log.With("bucket", e.Bucket, "key", e.Key)

	if strings.HasPrefix(e.Key, p.errorPrefix+"/") || strings.HasPrefix(e.Key, p.successPrefix+"/") {
		log.Info("Ignoring already processed file")
		r.Status = StatusSkipped
		return r
	}

	log.Info("Processing file")

	status, err := p.storeRecords(ctx, log, e, &r)
	prefix := p.successPrefix
	if status == outcomeFailed {
		log.Error("Failed to process file", "err", err)
		r.Err = err
		prefix = p.errorPrefix
	}

	dst, relocErr := p.relocator.Relocate(ctx, e.Bucket, e.Key, prefix)
	r.Destination = dst
	if relocErr != nil {
		p.relocationErrors.Inc()
		log.Error("Failed to relocate file", "destination", dst, "err", relocErr)
		r.Err = errors.Join(r.Err, relocErr)
	}

	r.Status = StatusSucceeded
	if status == outcomeFailed {
		r.Status = StatusFailed
	}
	log.Info("Finished processing file", "status", r.Status, "destination", dst, "persisted", r.Persisted, "invalid", r.Invalid)
	return r
}

// storeRecords writes all valid records of the file, stopping at the first write failure.
func (p Processor) storeRecords(ctx context.Context, log *slog.Logger, e events.Entry, r *FileResult) (outcome, error) {
	data, err := p.store.Get(ctx, e.Bucket, e.Key)
	if err != nil {
		return outcomeFailed, fmt.Errorf("%w: %w", ErrFetch, err)
	}

	values, err := record.ParseBatch(data)
	if err != nil {
		return outcomeFailed, fmt.Errorf("%w: %w", ErrNotBatch, err)
	}

	status := outcomeSuccess
	var putErr error
	for i, v := range values {
		o := record.Validate(v)
		if !o.Valid {
			r.Invalid++
			p.recordsProcessed.WithLabelValues("invalid").Inc()
			log.Warn("Skipping invalid record", "index", i, "reason", o.Reason)
			continue
		}

		rec, err := record.FromValue(v)
		if err != nil {
			r.Invalid++
			p.recordsProcessed.WithLabelValues("invalid").Inc()
			log.Warn("Skipping undecodable record", "index", i, "err", err)
			continue
		}

		if err := p.db.Put(ctx, rec); err != nil {
			p.recordsProcessed.WithLabelValues("failed").Inc()
			status = outcomeFailed
			putErr = fmt.Errorf("%w %d (id %q): %w", ErrStorageWrite, i, rec.ID, err)
			break
		}
		r.Persisted++
		p.recordsProcessed.WithLabelValues("persisted").Inc()
	}

	return status, putErr
}
