// Package watcher turns batch files written to a filesystem bucket into storage notifications.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/ubuntu/invoice-ingest/internal/common/constants"
	"github.com/ubuntu/invoice-ingest/internal/common/fileutils"
	"github.com/ubuntu/invoice-ingest/internal/ingest/events"
	"github.com/ubuntu/invoice-ingest/internal/ingest/processor"
)

// DefaultDebounce is how long the pool waits after the last file event before notifying.
const DefaultDebounce = 2 * time.Second

type bucketStore interface {
	Root() string
	List(ctx context.Context, bucket, prefix string) ([]string, error)
}

type ingester interface {
	Ingest(ctx context.Context, n events.Notification) processor.Result
}

// Pool watches the incoming prefix of a bucket and hands new batch files to the ingester.
type Pool struct {
	store    bucketStore
	ingester ingester

	bucket   string
	incoming string
	debounce time.Duration

	mu      sync.Mutex
	pending []string
	seen    map[string]struct{}

	flushWG sync.WaitGroup

	pendingFiles prometheus.Gauge
}

type options struct {
	debounce time.Duration
}

// Options represents an optional function to override Pool default values.
type Options func(*options)

// WithDebounce overrides the quiet period after which pending files are notified.
func WithDebounce(d time.Duration) Options {
	return func(o *options) {
		o.debounce = d
	}
}

// New creates a pool watching bucket/incoming in store.
// An empty incoming prefix defaults to constants.DefaultIncomingPrefix.
func New(store bucketStore, bucket, incoming string, ing ingester, reg prometheus.Registerer, args ...Options) (*Pool, error) {
	opts := options{debounce: DefaultDebounce}
	for _, opt := range args {
		opt(&opts)
	}

	if bucket == "" {
		return nil, errors.New("no bucket to watch")
	}
	if incoming == "" {
		incoming = constants.DefaultIncomingPrefix
	}
	incoming = strings.Trim(incoming, "/")

	pendingFiles := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ingest_watcher_pending_files",
		Help: "Number of batch files seen by the watcher and waiting to be ingested.",
	})
	if err := reg.Register(pendingFiles); err != nil {
		return nil, fmt.Errorf("failed to register pending files gauge: %v", err)
	}

	return &Pool{
		store:        store,
		ingester:     ing,
		bucket:       bucket,
		incoming:     incoming,
		debounce:     opts.debounce,
		seen:         make(map[string]struct{}),
		pendingFiles: pendingFiles,
	}, nil
}

// Run watches the incoming prefix until the context is canceled.
//
// Files already present are notified first. Every new batch file is then notified exactly once,
// grouped with the other files created during the same burst of events.
//
// Always returns a non-nil error, which is either a context error or a watcher error.
func (p *Pool) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	bucketDir := filepath.Join(p.store.Root(), p.bucket)
	dir := filepath.Join(bucketDir, filepath.FromSlash(p.incoming))
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create watched directory: %v", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %v", err)
	}
	defer w.Close()

	if err := p.addTree(w, bucketDir, dir); err != nil {
		return err
	}
	slog.Info("Watching for batch files", "bucket", p.bucket, "dir", dir)

	keys, err := p.store.List(ctx, p.bucket, p.incoming+"/")
	if err != nil {
		return fmt.Errorf("failed to list existing batch files: %v", err)
	}
	for _, k := range keys {
		p.add(k)
	}

	debounceTimer := time.NewTimer(p.debounce)
	defer debounceTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Context canceled, stopping watcher")
			p.flushWG.Wait()
			return ctx.Err()

		case event, ok := <-w.Events:
			if !ok {
				return errors.New("watcher events channel closed unexpectedly")
			}
			if !p.handle(w, bucketDir, event) {
				continue
			}
			if !debounceTimer.Stop() {
				select {
				case <-debounceTimer.C:
				default:
				}
			}
			debounceTimer.Reset(p.debounce)

		case <-debounceTimer.C:
			n := p.take()
			if len(n.Entries) == 0 {
				continue
			}
			p.flushWG.Add(1)
			go func() {
				defer p.flushWG.Done()
				p.flush(ctx, n)
			}()

		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("watcher errors channel closed unexpectedly")
			}
			slog.Error("Filesystem watcher error", "err", err)
		}
	}
}

// handle reacts to one filesystem event and reports whether a batch file became pending.
func (p *Pool) handle(w *fsnotify.Watcher, bucketDir string, event fsnotify.Event) bool {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return false
	}

	info, err := os.Stat(event.Name)
	if err != nil {
		// Already moved away, most likely by a previous ingestion.
		return false
	}
	if info.IsDir() {
		if !event.Has(fsnotify.Create) {
			return false
		}
		if err := p.addTree(w, bucketDir, event.Name); err != nil {
			slog.Warn("Failed to watch new directory", "dir", event.Name, "err", err)
		}
		return true
	}

	key, ok := p.keyFor(bucketDir, event.Name)
	if !ok {
		return false
	}
	return p.add(key)
}

// addTree watches dir and its subdirectories, and marks the batch files they already hold as pending.
func (p *Pool) addTree(w *fsnotify.Watcher, bucketDir, dir string) error {
	return filepath.WalkDir(dir, func(name string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			if key, ok := p.keyFor(bucketDir, name); ok {
				p.add(key)
			}
			return nil
		}
		if err := w.Add(name); err != nil {
			return fmt.Errorf("failed to add directory %s to watcher: %v", name, err)
		}
		return nil
	})
}

// keyFor returns the object key of a batch file path inside the bucket.
func (p *Pool) keyFor(bucketDir, name string) (string, bool) {
	base := filepath.Base(name)
	if filepath.Ext(base) != constants.BatchFileExtension {
		return "", false
	}
	if fileutils.IsTemp(base) {
		return "", false
	}
	rel, err := filepath.Rel(bucketDir, name)
	if err != nil || !filepath.IsLocal(rel) {
		return "", false
	}
	key := filepath.ToSlash(rel)
	if !strings.HasPrefix(key, p.incoming+"/") {
		return "", false
	}
	return key, true
}

// add marks key as pending unless it already was. It reports whether key was added.
func (p *Pool) add(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.seen[key]; ok {
		return false
	}
	p.seen[key] = struct{}{}
	p.pending = append(p.pending, key)
	p.pendingFiles.Set(float64(len(p.pending)))
	return true
}

// take empties the pending list into a notification.
func (p *Pool) take() events.Notification {
	p.mu.Lock()
	defer p.mu.Unlock()

	var n events.Notification
	for _, key := range p.pending {
		n.Entries = append(n.Entries, events.Entry{Bucket: p.bucket, Key: key})
	}
	p.pending = nil
	return n
}

// flush ingests n, then forgets its keys so that a file written again under the same key is picked up.
func (p *Pool) flush(ctx context.Context, n events.Notification) {
	slog.Info("Ingesting batch files", "bucket", p.bucket, "count", len(n.Entries))
	res := p.ingester.Ingest(ctx, n)

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range n.Entries {
		delete(p.seen, e.Key)
	}
	p.pendingFiles.Set(float64(len(p.pending)))

	for _, f := range res.Files {
		if f.Err != nil {
			slog.Warn("Batch file not fully ingested", "bucket", f.Bucket, "key", f.Key, "status", f.Status, "err", f.Err)
		}
	}
}
