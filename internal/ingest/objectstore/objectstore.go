// Package objectstore defines the object store used as a landing area for batch files,
// and the relocation of those files once processed.
package objectstore

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned by backends when the requested object does not exist.
var ErrNotFound = errors.New("object not found")

// Store is the set of object store operations needed to read and relocate batch files.
type Store interface {
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Copy(ctx context.Context, bucket, srcKey, dstKey string) error
	Delete(ctx context.Context, bucket, key string) error
}

// RelocationError is returned when moving an object to its destination failed.
//
// When Op is "delete", the copy succeeded and the object now exists at both Key and Destination.
type RelocationError struct {
	Op          string
	Bucket      string
	Key         string
	Destination string
	Err         error
}

func (e *RelocationError) Error() string {
	return fmt.Sprintf("failed to relocate %s/%s to %s: %s failed: %v", e.Bucket, e.Key, e.Destination, e.Op, e.Err)
}

func (e *RelocationError) Unwrap() error {
	return e.Err
}
