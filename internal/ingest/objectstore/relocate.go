package objectstore

import (
	"context"
	"log/slog"
	"path"
	"strings"
	"time"
)

// TimestampLayout is the layout of the timestamp prepended to relocated object names.
const TimestampLayout = "20060102150405"

// Relocator moves objects under a destination prefix, stamping them with the relocation time.
type Relocator struct {
	store Store
	now   func() time.Time
	log   *slog.Logger
}

type options struct {
	now    func() time.Time
	logger *slog.Logger
}

// Options represents an optional function to override Relocator default values.
type Options func(*options)

// WithNow overrides the clock used to stamp relocated objects.
func WithNow(now func() time.Time) Options {
	return func(o *options) {
		o.now = now
	}
}

// WithLogger sets the logger used by the relocator.
func WithLogger(l *slog.Logger) Options {
	return func(o *options) {
		o.logger = l
	}
}

// NewRelocator creates a Relocator operating on store.
func NewRelocator(store Store, args ...Options) *Relocator {
	opts := options{
		now:    time.Now,
		logger: slog.Default(),
	}

	for _, opt := range args {
		opt(&opts)
	}

	return &Relocator{
		store: store,
		now:   opts.now,
		log:   opts.logger,
	}
}

// DestinationKey returns the key of an object relocated under prefix at the given time:
// {prefix}/{timestamp}_{basename}.
func DestinationKey(key, prefix string, at time.Time) string {
	return strings.TrimSuffix(prefix, "/") + "/" + at.Format(TimestampLayout) + "_" + path.Base(key)
}

// Relocate copies bucket/key under prefix and deletes the original.
//
// The object store offers no atomic rename: if the delete fails, the object is left at both locations.
// Any failure is returned as a *RelocationError and is not retried.
func (r Relocator) Relocate(ctx context.Context, bucket, key, prefix string) (string, error) {
	dst := DestinationKey(key, prefix, r.now())
	r.log.Info("Relocating file", "bucket", bucket, "key", key, "destination", dst)

	if err := r.store.Copy(ctx, bucket, key, dst); err != nil {
		return dst, &RelocationError{Op: "copy", Bucket: bucket, Key: key, Destination: dst, Err: err}
	}
	if err := r.store.Delete(ctx, bucket, key); err != nil {
		return dst, &RelocationError{Op: "delete", Bucket: bucket, Key: key, Destination: dst, Err: err}
	}

	return dst, nil
}
