package eventbot

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/lmittmann/tint"
)

const storeFileMode fs.FileMode = 0o644

// documentNormalizer is implemented by store documents that need nil maps
// replaced after decoding (ex: a file containing `null`).
type documentNormalizer interface {
	normalize()
}

// JSONStore persists a single document of type T as a pretty-printed JSON
// file. Every read-modify-write runs under one mutex, and every write
// replaces the whole file via a temp file and rename.
type JSONStore[T any] struct {
	path   string
	newDoc func() T
	logger *slog.Logger

	mu  sync.Mutex
	doc T
}

// NewJSONStore returns a store for the file at path. newDoc builds the
// empty skeleton used when the file is missing or malformed.
func NewJSONStore[T any](path string, newDoc func() T, logger *slog.Logger) *JSONStore[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &JSONStore[T]{
		path:   path,
		newDoc: newDoc,
		doc:    newDoc(),
		logger: logger.With(loggerNameKey, "json_store", "path", path),
	}
}

// Path returns the file path backing the store
func (s *JSONStore[T]) Path() string {
	return s.path
}

// Load reads the file into memory. A missing file is created with an
// empty skeleton. A malformed file is logged and replaced in memory by the
// skeleton; the file itself is left alone until the next write.
func (s *JSONStore[T]) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.doc = s.newDoc()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		s.logger.Error("unable to create store directory", tint.Err(err))
		return &TransientIOError{Op: "mkdir", Path: s.path, Err: err}
	}

	data, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		s.logger.Info("store file missing, creating")
		return s.writeLocked()
	case err != nil:
		s.logger.Error("unable to read store file", tint.Err(err))
		return &TransientIOError{Op: "read", Path: s.path, Err: err}
	}

	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil
	}

	doc := s.newDoc()
	if err = json.Unmarshal(data, &doc); err != nil {
		s.logger.Error("malformed store file, starting empty", tint.Err(err))
		return nil
	}
	if n, ok := any(&doc).(documentNormalizer); ok {
		n.normalize()
	}
	s.doc = doc
	return nil
}

// Update runs fn against the in-memory document while holding the lock.
// fn reports whether it changed the document, in which case the file is
// rewritten before Update returns. An error from fn skips the write.
func (s *JSONStore[T]) Update(fn func(doc *T) (changed bool, err error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed, err := fn(&s.doc)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	return s.writeLocked()
}

// View runs fn against the in-memory document while holding the lock.
// fn must not retain references into the document.
func (s *JSONStore[T]) View(fn func(doc T)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.doc)
}

// Save writes the current document to disk.
func (s *JSONStore[T]) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked()
}

func (s *JSONStore[T]) writeLocked() error {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("error encoding %s: %w", s.path, err)
	}
	data = append(data, '\n')
	if err = writeFileAtomic(s.path, data, storeFileMode); err != nil {
		s.logger.Error("unable to write store file", tint.Err(err))
		return &TransientIOError{Op: "write", Path: s.path, Err: err}
	}
	s.logger.Debug("store saved", "bytes", len(data))
	return nil
}

// writeFileAtomic writes data to a temp file next to path, syncs it, and
// renames it over path, so readers see either the old or the new content.
func writeFileAtomic(path string, data []byte, perm fs.FileMode) (err error) {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := f.Name()
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmpName)
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
	if err = os.Chmod(tmpName, perm); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// readJSONFile decodes the file at path without taking ownership of it.
// Used by read-only tooling that inspects a live store's file.
func readJSONFile[T any](path string) (T, error) {
	var doc T
	data, err := os.ReadFile(path)
	if err != nil {
		return doc, &TransientIOError{Op: "read", Path: path, Err: err}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return doc, nil
	}
	if err = json.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("error decoding %s: %w", path, err)
	}
	if n, ok := any(&doc).(documentNormalizer); ok {
		n.normalize()
	}
	return doc, nil
}
