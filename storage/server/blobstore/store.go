// Package blobstore persists blobs as flat files, one directory per namespace.
//
// Each blob is stored in a file named after its id, containing exactly the
// bytes uploaded. Writes go to a hidden staging file in the same directory,
// and become visible under the id only once committed with an atomic rename:
// readers never observe a partially written blob.
package blobstore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no blob is stored under the requested id.
var ErrNotFound = errors.New("blob not found")

// StorageError wraps failures of the underlying medium.
type StorageError struct {
	Op   string // Operation that failed: open, write, commit, read, ...
	Path string // File involved.
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

const (
	stagingPrefix = "."
	stagingSuffix = ".tmp"
)

// stagingName returns the name of a fresh staging file for id.
//
// Staging files start with a '.' so they can never collide with a valid id,
// and are hidden from directory listings.
var stagingName = func(id string) string {
	return stagingPrefix + id + "." + uuid.NewString() + stagingSuffix
}

// Sink receives the bytes of a blob being written.
//
// Exactly one of Commit or Abort must be called. Both are noops once the
// sink has been committed or aborted, so Abort can safely be deferred.
type Sink interface {
	io.Writer
	Commit() error
	Abort() error
}

// Blob is a stored blob opened for reading.
type Blob struct {
	io.ReadCloser
	Size int64
}

// Store stores blobs as files in the Root directory.
type Store struct {
	Root string
}

// New returns a Store rooted at root, creating the directory if necessary.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0750); err != nil {
		return nil, &StorageError{Op: "mkdir", Path: root, Err: err}
	}
	return &Store{Root: root}, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.Root, id)
}

// OpenForWrite returns a Sink to store the blob for id.
//
// Nothing is visible under id until Commit is called. A committed write
// replaces any blob previously stored for id.
func (s *Store) OpenForWrite(id string) (Sink, error) {
	staging := filepath.Join(s.Root, stagingName(id))
	f, err := os.OpenFile(staging, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0640)
	if err != nil {
		return nil, &StorageError{Op: "open", Path: staging, Err: err}
	}
	return &fileSink{file: f, staging: staging, final: s.path(id)}, nil
}

// OpenForRead returns the blob stored for id, or ErrNotFound.
//
// The caller must Close the returned Blob.
func (s *Store) OpenForRead(id string) (*Blob, error) {
	p := s.path(id)
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, &StorageError{Op: "open", Path: p, Err: err}
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, &StorageError{Op: "stat", Path: p, Err: err}
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, ErrNotFound
	}
	return &Blob{ReadCloser: f, Size: info.Size()}, nil
}

// Stat returns the size of the blob stored for id, or ErrNotFound.
func (s *Store) Stat(id string) (int64, error) {
	p := s.path(id)
	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, ErrNotFound
		}
		return 0, &StorageError{Op: "stat", Path: p, Err: err}
	}
	if !info.Mode().IsRegular() {
		return 0, ErrNotFound
	}
	return info.Size(), nil
}

// PurgeStaging removes staging files left behind by a previous process,
// for example after a crash. It must not be called while writes are in
// progress. Returns the number of files removed.
func (s *Store) PurgeStaging() (int, error) {
	entries, err := os.ReadDir(s.Root)
	if err != nil {
		return 0, &StorageError{Op: "readdir", Path: s.Root, Err: err}
	}
	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !IsStaging(name) {
			continue
		}
		p := filepath.Join(s.Root, name)
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, &StorageError{Op: "remove", Path: p, Err: err}
		}
		removed++
	}
	return removed, nil
}

// IsStaging returns true if name is the name of a staging file.
func IsStaging(name string) bool {
	return strings.HasPrefix(name, stagingPrefix) && strings.HasSuffix(name, stagingSuffix)
}

type fileSink struct {
	file    *os.File
	staging string
	final   string
	done    bool
}

func (w *fileSink) Write(p []byte) (int, error) {
	n, err := w.file.Write(p)
	if err != nil {
		return n, &StorageError{Op: "write", Path: w.staging, Err: err}
	}
	return n, nil
}

// Commit flushes the staging file to disk and renames it into place.
//
// If Commit fails, the staging file is removed and nothing is stored.
func (w *fileSink) Commit() error {
	if w.done {
		return nil
	}
	w.done = true

	if err := w.file.Sync(); err != nil {
		w.discard()
		return &StorageError{Op: "sync", Path: w.staging, Err: err}
	}
	if err := w.file.Close(); err != nil {
		os.Remove(w.staging)
		return &StorageError{Op: "close", Path: w.staging, Err: err}
	}
	if err := os.Rename(w.staging, w.final); err != nil {
		os.Remove(w.staging)
		return &StorageError{Op: "commit", Path: w.final, Err: err}
	}
	return nil
}

// Abort drops the staging file, leaving any previously committed blob in place.
func (w *fileSink) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	return w.discard()
}

func (w *fileSink) discard() error {
	w.file.Close()
	if err := os.Remove(w.staging); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &StorageError{Op: "remove", Path: w.staging, Err: err}
	}
	return nil
}
