package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// Defaults for RotateOptions fields left at zero.
const (
	DefaultMaxSizeMB  = 10
	DefaultMaxBackups = 3
)

// RotateOptions bounds the disk used by a log file.
type RotateOptions struct {
	MaxSizeMB  int
	MaxBackups int
}

// RotatingWriter appends to a log file and rolls it to path.1, path.2, ...
// once it would grow past the size limit. Safe for concurrent use.
type RotatingWriter struct {
	mu         sync.Mutex
	path       string
	maxBytes   int64
	maxBackups int
	file       *os.File
	size       int64
}

// NewRotatingWriter opens (or creates) path for appending.
func NewRotatingWriter(path string, opts RotateOptions) (*RotatingWriter, error) {
	if opts.MaxSizeMB <= 0 {
		opts.MaxSizeMB = DefaultMaxSizeMB
	}
	if opts.MaxBackups <= 0 {
		opts.MaxBackups = DefaultMaxBackups
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	w := &RotatingWriter{
		path:       path,
		maxBytes:   int64(opts.MaxSizeMB) << 20,
		maxBackups: opts.MaxBackups,
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

// Write appends p, rolling the file first if p would not fit. A single
// record larger than the limit is still written whole.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, os.ErrClosed
	}
	if w.size > 0 && w.size+int64(len(p)) > w.maxBytes {
		if err := w.roll(); err != nil {
			return 0, fmt.Errorf("rotate log: %w", err)
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Close closes the current file. Further writes fail.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// OpenOutput returns the writer for Init: stderr alone when path is empty,
// otherwise the rotating file (teed to stderr when tee is set). The closer
// must be called on exit.
func OpenOutput(path string, opts RotateOptions, tee bool) (io.Writer, io.Closer, error) {
	if path == "" {
		return os.Stderr, io.NopCloser(nil), nil
	}
	rw, err := NewRotatingWriter(path, opts)
	if err != nil {
		return nil, nil, err
	}
	if tee {
		return io.MultiWriter(os.Stderr, rw), rw, nil
	}
	return rw, rw, nil
}

func (w *RotatingWriter) open() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	w.file = f
	w.size = info.Size()
	return nil
}

// roll shifts path.N-1 to path.N (dropping the oldest), moves the live file
// to path.1 and reopens.
func (w *RotatingWriter) roll() error {
	if err := w.file.Close(); err != nil {
		return err
	}
	w.file = nil

	for i := w.maxBackups; i > 1; i-- {
		err := os.Rename(w.backup(i-1), w.backup(i))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	if err := os.Rename(w.path, w.backup(1)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return w.open()
}

func (w *RotatingWriter) backup(i int) string {
	return fmt.Sprintf("%s.%d", w.path, i)
}
