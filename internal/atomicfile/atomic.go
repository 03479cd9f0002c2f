// Package atomicfile writes files through a temp file in the same directory and a rename,
// so readers never observe a partially written file.
package atomicfile

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"
)

// File is a pending write. Exactly one of Commit or Abort must be called.
type File struct {
	path string
	tmp  *os.File
	done bool
}

func Create(path string) (*File, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".experian-tmp-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	return &File{path: path, tmp: tmp}, nil
}

func (f *File) Write(p []byte) (int, error) {
	return f.tmp.Write(p)
}

func (f *File) WriteString(s string) (int, error) {
	return io.WriteString(f.tmp, s)
}

func (f *File) Path() string {
	return f.path
}

// Commit flushes the temp file and renames it over the destination.
func (f *File) Commit() error {
	if f.done {
		return fmt.Errorf("atomic write %s: already finished", f.path)
	}
	f.done = true
	tmpName := f.tmp.Name()

	if err := f.tmp.Sync(); err != nil {
		_ = f.tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("atomic rename: %w", err)
	}
	return nil
}

// Abort discards the temp file. Calling it after Commit is a no-op.
func (f *File) Abort() {
	if f.done {
		return
	}
	f.done = true
	_ = f.tmp.Close()
	_ = os.Remove(f.tmp.Name())
}

// WriteYAML marshals data and replaces path with it atomically.
func WriteYAML(path string, data any) error {
	content, err := yamlv3.Marshal(data)
	if err != nil {
		return fmt.Errorf("yaml marshal: %w", err)
	}
	var v any
	if err := yamlv3.Unmarshal(content, &v); err != nil {
		return fmt.Errorf("yaml validation failed: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	f, err := Create(path)
	if err != nil {
		return err
	}
	if _, err := f.Write(content); err != nil {
		f.Abort()
		return fmt.Errorf("write temp file: %w", err)
	}
	return f.Commit()
}
