// Package lock provides the host-wide exclusive lock that keeps two
// callout instances from registering against the same runtime
// directory at once. It is an flock(2) on a file under the runtime
// directory, so it is released by the kernel if the holder dies.
//
// A loaded driver holds the lock for its whole lifetime through
// Acquire. One-shot maintenance commands use Run, which holds the lock
// only for the duration of the callback.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// ErrHeld is returned by TryAcquire when another process holds the
// lock.
var ErrHeld = errors.New("lock held by another process")

// Lock is a held exclusive lock.
type Lock struct {
	f    *os.File
	path string
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Release releases the lock. Releasing a nil or already released lock
// is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	f := l.f
	l.f = nil
	// Closing the last descriptor drops the flock; unlock explicitly
	// anyway so a dup held elsewhere does not keep it.
	uerr := unix.Flock(int(f.Fd()), unix.LOCK_UN)
	cerr := f.Close()
	return errors.Join(uerr, cerr)
}

// Acquire takes the exclusive lock at path, retrying with exponential
// backoff while another process holds it, until ctx is done.
func Acquire(ctx context.Context, path string) (*Lock, error) {
	f, err := open(path)
	if err != nil {
		return nil, err
	}

	backoff := 25 * time.Millisecond
	const maxBackoff = 500 * time.Millisecond

	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return &Lock{f: f, path: path}, nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) {
			f.Close()
			return nil, fmt.Errorf("flock %s: %w", path, err)
		}

		select {
		case <-ctx.Done():
			f.Close()
			return nil, fmt.Errorf("waiting for lock %s: %w", path, ctx.Err())
		case <-time.After(backoff):
		}

		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}

// TryAcquire takes the lock at path without waiting. It returns
// ErrHeld if another process holds it.
func TryAcquire(path string) (*Lock, error) {
	f, err := open(path)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%s: %w", path, ErrHeld)
		}
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}
	return &Lock{f: f, path: path}, nil
}

// Run acquires the lock, calls fn and releases the lock.
func Run(ctx context.Context, path string, fn func(context.Context) error) error {
	l, err := Acquire(ctx, path)
	if err != nil {
		return err
	}
	defer l.Release()
	return fn(ctx)
}

func open(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|unix.O_CLOEXEC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	return f, nil
}
