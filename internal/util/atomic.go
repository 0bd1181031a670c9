// Package util provides small file helpers shared by the overstory stores.
package util

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// AtomicWriteJSON writes v as indented JSON to path atomically.
// Readers see either the previous file or the new one, never a truncated mix.
func AtomicWriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", filepath.Base(path), err)
	}
	return AtomicWriteFile(path, append(data, '\n'), 0o644)
}

// EnsureDirAndWriteJSON is AtomicWriteJSON that first creates missing parent
// directories.
func EnsureDirAndWriteJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return AtomicWriteJSON(path, v)
}

// AtomicWriteFile stages data in a sibling temp file, fsyncs it and renames
// it over path. The temp file never outlives a failed write.
func AtomicWriteFile(path string, data []byte, perm os.FileMode) (err error) {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
		}
	}()

	if _, err = f.Write(data); err != nil {
		return err
	}
	if err = f.Sync(); err != nil {
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	// CreateTemp always uses 0600.
	if err = os.Chmod(tmp, perm); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// QuarantineFile renames path to path.corrupt-<unix-seconds> and returns the
// new name, keeping unparseable bytes around for inspection.
func QuarantineFile(path string, now time.Time) (string, error) {
	dest := fmt.Sprintf("%s.corrupt-%d", path, now.Unix())
	if err := os.Rename(path, dest); err != nil {
		return "", err
	}
	return dest, nil
}
