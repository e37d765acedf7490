// Package fsx wraps filesystem mutations with bounded retries for
// transient lock contention. Every operation is idempotent; an unresolved
// failure is always returned to the caller.
package fsx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/afero"

	"github.com/shipyard/shipyard/pkg/logger"
)

const (
	DefaultAttempts = 3
	DefaultBackoff  = 500 * time.Millisecond
)

// ErrRetriesExhausted is matched (via errors.Is) by an *OpError whose
// transient failures outlasted every attempt.
var ErrRetriesExhausted = errors.New("retries exhausted")

// Operation names
const (
	OpRemove = "remove"
	OpCopy   = "copy"
	OpWrite  = "write"
	OpMkdir  = "mkdir"
	OpChmod  = "chmod"
)

// OpError is the terminal error of a resilient operation
type OpError struct {
	Op       string
	Path     string
	Attempts int
	Err      error

	exhausted bool
}

func (e *OpError) Error() string {
	if e.exhausted {
		return fmt.Sprintf("%s %s: gave up after %d attempts: %v", e.Op, e.Path, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrRetriesExhausted) distinguish exhaustion from
// an immediately propagated non-transient error.
func (e *OpError) Is(target error) bool {
	return target == ErrRetriesExhausted && e.exhausted
}

// IsTransient reports whether err looks like lock contention worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, syscall.EBUSY) ||
		errors.Is(err, syscall.ENOTEMPTY) ||
		errors.Is(err, syscall.EPERM)
}

// Observer receives retry accounting. internal/metrics implements it.
type Observer interface {
	FSRetry(op string)
	FSExhausted(op string)
}

// FS is the resilience layer
type FS struct {
	fs       afero.Fs
	logger   logger.Logger
	attempts int
	backoff  time.Duration
	observer Observer
}

// Option configures an FS
type Option func(*FS)

// WithAttempts overrides the attempt bound (minimum 1)
func WithAttempts(n int) Option {
	return func(f *FS) {
		if n > 0 {
			f.attempts = n
		}
	}
}

// WithBackoff overrides the fixed delay between attempts
func WithBackoff(d time.Duration) Option {
	return func(f *FS) {
		if d >= 0 {
			f.backoff = d
		}
	}
}

// WithObserver attaches retry accounting
func WithObserver(o Observer) Option {
	return func(f *FS) { f.observer = o }
}

// New wraps base. A nil logger discards retry logs.
func New(base afero.Fs, log logger.Logger, opts ...Option) *FS {
	if log == nil {
		log = logger.Discard()
	}
	f := &FS{
		fs:       base,
		logger:   log,
		attempts: DefaultAttempts,
		backoff:  DefaultBackoff,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fs exposes the underlying filesystem for reads
func (f *FS) Fs() afero.Fs { return f.fs }

// ReadFile reads without retry; reads never race the way removes do
func (f *FS) ReadFile(path string) ([]byte, error) {
	return afero.ReadFile(f.fs, path)
}

// Exists reports whether path exists
func (f *FS) Exists(path string) bool {
	ok, _ := afero.Exists(f.fs, path)
	return ok
}

// RemoveAll recursively removes path. Removing a missing path succeeds.
func (f *FS) RemoveAll(ctx context.Context, path string) error {
	return f.retry(ctx, OpRemove, path, func() error {
		return f.fs.RemoveAll(path)
	})
}

// MkdirAll creates a directory and its parents
func (f *FS) MkdirAll(ctx context.Context, path string) error {
	return f.retry(ctx, OpMkdir, path, func() error {
		return f.fs.MkdirAll(path, 0755)
	})
}

// Write writes data to path, creating parent directories. The content is
// staged next to the destination and renamed into place.
func (f *FS) Write(ctx context.Context, path string, data []byte, perm os.FileMode) error {
	return f.retry(ctx, OpWrite, path, func() error {
		return f.writeOnce(path, data, perm)
	})
}

func (f *FS) writeOnce(path string, data []byte, perm os.FileMode) error {
	if err := f.fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := afero.WriteFile(f.fs, tmp, data, perm); err != nil {
		return err
	}
	if err := f.fs.Rename(tmp, path); err != nil {
		_ = f.fs.Remove(tmp)
		return err
	}
	return nil
}

// Copy copies a single file, keeping its permission bits
func (f *FS) Copy(ctx context.Context, src, dst string) error {
	return f.retry(ctx, OpCopy, dst, func() error {
		return f.copyOnce(src, dst)
	})
}

func (f *FS) copyOnce(src, dst string) error {
	in, err := f.fs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	if err := f.fs.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	out, err := f.fs.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Chmod sets permission bits. It is a no-op on platforms without POSIX modes.
func (f *FS) Chmod(ctx context.Context, path string, mode os.FileMode) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	return f.retry(ctx, OpChmod, path, func() error {
		return f.fs.Chmod(path, mode)
	})
}

func (f *FS) retry(ctx context.Context, op, path string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= f.attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}

		if !IsTransient(err) {
			return &OpError{Op: op, Path: path, Attempts: attempt, Err: err}
		}

		if attempt == f.attempts {
			break
		}

		f.logger.Warn("Transient filesystem error, retrying",
			logger.WithField("op", op),
			logger.WithField("path", path),
			logger.WithField("attempt", attempt),
			logger.WithError(err))
		if f.observer != nil {
			f.observer.FSRetry(op)
		}

		if f.backoff > 0 {
			timer := time.NewTimer(f.backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return &OpError{Op: op, Path: path, Attempts: attempt, Err: ctx.Err()}
			case <-timer.C:
			}
		}
	}

	f.logger.Error("Filesystem operation failed",
		logger.WithField("op", op),
		logger.WithField("path", path),
		logger.WithField("attempts", f.attempts),
		logger.WithError(err))
	if f.observer != nil {
		f.observer.FSExhausted(op)
	}

	return &OpError{Op: op, Path: path, Attempts: f.attempts, Err: err, exhausted: true}
}
