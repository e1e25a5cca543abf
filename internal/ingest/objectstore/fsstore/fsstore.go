// Package fsstore implements an object store backed by a local directory.
//
// Each bucket is a directory under the store root, and each key is a slash separated path inside it.
package fsstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"

	"github.com/ubuntu/decorate"
	"github.com/ubuntu/invoice-ingest/internal/common/fileutils"
	"github.com/ubuntu/invoice-ingest/internal/ingest/objectstore"
)

// Store is an object store rooted at a local directory.
type Store struct {
	root string
}

// New returns a Store rooted at dir.
func New(dir string) *Store {
	return &Store{root: dir}
}

// Root returns the directory the store is rooted at.
func (s Store) Root() string {
	return s.root
}

// Path returns the local path of bucket/key.
// Keys escaping the bucket directory are rejected.
func (s Store) Path(bucket, key string) (string, error) {
	if bucket == "" || !filepath.IsLocal(bucket) || filepath.Base(bucket) != bucket {
		return "", fmt.Errorf("invalid bucket name %q", bucket)
	}
	p := filepath.FromSlash(key)
	if key == "" || !filepath.IsLocal(p) {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(s.root, bucket, p), nil
}

// Get returns the content of bucket/key.
func (s Store) Get(_ context.Context, bucket, key string) (data []byte, err error) {
	defer decorate.OnError(&err, "could not get object %s/%s", bucket, key)

	p, err := s.Path(bucket, key)
	if err != nil {
		return nil, err
	}

	data, err = os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, objectstore.ErrNotFound
	}
	return data, err
}

// Put writes data to bucket/key, creating intermediate directories.
func (s Store) Put(_ context.Context, bucket, key string, data []byte) (err error) {
	defer decorate.OnError(&err, "could not put object %s/%s", bucket, key)

	p, err := s.Path(bucket, key)
	if err != nil {
		return err
	}
	return fileutils.AtomicWriteAll(p, data)
}

// Copy copies bucket/srcKey to bucket/dstKey, overwriting any existing destination.
func (s Store) Copy(ctx context.Context, bucket, srcKey, dstKey string) (err error) {
	defer decorate.OnError(&err, "could not copy object %s/%s to %s", bucket, srcKey, dstKey)

	data, err := s.Get(ctx, bucket, srcKey)
	if err != nil {
		return err
	}
	return s.Put(ctx, bucket, dstKey, data)
}

// Delete removes bucket/key. Deleting a missing object is not an error.
func (s Store) Delete(_ context.Context, bucket, key string) (err error) {
	defer decorate.OnError(&err, "could not delete object %s/%s", bucket, key)

	p, err := s.Path(bucket, key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// List returns the sorted keys of all objects in bucket starting with prefix.
// Temporary files left by interrupted writes are ignored.
func (s Store) List(_ context.Context, bucket, prefix string) (keys []string, err error) {
	defer decorate.OnError(&err, "could not list objects in %s", bucket)

	dir, err := s.Path(bucket, ".")
	if err != nil {
		return nil, err
	}

	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && p == dir {
				return fs.SkipAll
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		if fileutils.IsTemp(d.Name()) {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slices.Sort(keys)
	return keys, nil
}
