package storage

import (
	"sync/atomic"

	"github.com/hupe1980/saigo/internal/fs"
)

// FileHandle shares one open component file between a searcher and every
// iterator it spawns. The file is closed when the last reference is
// released; iterators hold a reference to the handle only, never to the
// searcher that created them.
type FileHandle struct {
	f    fs.File
	refs atomic.Int32
}

// NewFileHandle wraps f with an initial reference.
func NewFileHandle(f fs.File) *FileHandle {
	h := &FileHandle{f: f}
	h.refs.Store(1)
	return h
}

// Retain adds a reference and returns the handle for chaining.
func (h *FileHandle) Retain() *FileHandle {
	h.refs.Add(1)
	return h
}

// Release drops a reference, closing the file at zero.
func (h *FileHandle) Release() error {
	if h.refs.Add(-1) == 0 {
		return h.f.Close()
	}
	return nil
}

// ReadAt implements io.ReaderAt over the shared file.
func (h *FileHandle) ReadAt(p []byte, off int64) (int, error) {
	return h.f.ReadAt(p, off)
}

// File exposes the underlying file for footer validation.
func (h *FileHandle) File() fs.File { return h.f }
