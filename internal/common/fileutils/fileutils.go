// Package fileutils writes files so that readers and watchers never observe partial content.
package fileutils

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// tempPattern names the files AtomicWrite creates before renaming them.
const tempPattern = "tmp-*.tmp"

// IsTemp reports whether name is a file AtomicWrite is still writing.
func IsTemp(name string) bool {
	matched, _ := filepath.Match(tempPattern, filepath.Base(name))
	return matched
}

// AtomicWrite writes data to path through a temporary file in the same directory renamed over path.
// An existing file is replaced. Not atomic on Windows.
func AtomicWrite(path string, data []byte) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), tempPattern)
	if err != nil {
		return fmt.Errorf("could not create temporary file: %v", err)
	}
	defer func() {
		_ = tmp.Close()
		if err == nil {
			return
		}
		if rmErr := os.Remove(tmp.Name()); rmErr != nil && !os.IsNotExist(rmErr) {
			slog.Warn("Failed to remove temporary file", "file", tmp.Name(), "err", rmErr)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("could not write to temporary file: %v", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("could not flush temporary file: %v", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("could not close temporary file: %v", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("could not rename temporary file: %v", err)
	}
	return nil
}

// AtomicWriteAll is like AtomicWrite, creating any missing parent directory first.
func AtomicWriteAll(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("could not create parent directory: %v", err)
	}
	return AtomicWrite(path, data)
}
