// Package atomicfile provides a file handle that only becomes visible at
// its final path when Close succeeds, so a reader never observes a
// partially written record.
package atomicfile

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// File is an *os.File-backed writer that renames its temp file onto path on
// Close. A failed Close (including a failed rename) leaves path untouched.
type File struct {
	f        *os.File
	path     string
	tempPath string
	closed   bool
}

// New creates a temp file alongside path and returns a handle that will
// atomically replace path with the temp file's content on Close.
func New(path string, perm os.FileMode) (*File, error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create temp file for %q", path)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, errors.Wrapf(err, "failed to chmod temp file for %q", path)
	}
	return &File{f: tmp, path: path, tempPath: tmp.Name()}, nil
}

// Write implements io.Writer.
func (f *File) Write(p []byte) (int, error) {
	return f.f.Write(p)
}

// Close flushes and renames the temp file onto the final path. Calling
// Close more than once is a no-op after the first call.
func (f *File) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true

	if err := f.f.Sync(); err != nil {
		f.f.Close()
		os.Remove(f.tempPath)
		return errors.Wrapf(err, "failed to sync %q", f.tempPath)
	}
	if err := f.f.Close(); err != nil {
		os.Remove(f.tempPath)
		return errors.Wrapf(err, "failed to close %q", f.tempPath)
	}
	if err := os.Rename(f.tempPath, f.path); err != nil {
		os.Remove(f.tempPath)
		return errors.Wrapf(err, "failed to rename %q to %q", f.tempPath, f.path)
	}
	return nil
}

// Abort discards the temp file without touching the final path. Safe to
// call after Close (no-op).
func (f *File) Abort() error {
	if f.closed {
		return nil
	}
	f.closed = true
	f.f.Close()
	return os.Remove(f.tempPath)
}

// WriteFile is a convenience wrapper for the common write-all-then-close
// pattern used by record persistence.
func WriteFile(path string, perm os.FileMode, data []byte) error {
	f, err := New(path, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Abort()
		return errors.Wrapf(err, "failed to write %q", path)
	}
	return f.Close()
}
