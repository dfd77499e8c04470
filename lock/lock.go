// Package lock provides scoped shared/exclusive advisory locking on a
// named path, for coordinating a daemon supervisor across both threads and
// processes. The underlying primitive is flock(2), which is process-wide on
// most platforms but does not by itself serialize two goroutines in the
// same process requesting conflicting modes — see Lock for how that gap is
// closed.
package lock

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/Data-Corruption/stdx/xlog"
	"golang.org/x/sys/unix"
)

// registry keys an in-process sync.RWMutex by resolved lock file path, so
// that two Lock values constructed for the same path within one process
// share the same in-process gate. flock(2) alone only arbitrates across
// process boundaries; within a process, a goroutine holding a shared lock
// and another requesting exclusive would otherwise both succeed against
// the kernel and race on the resource the lock is meant to protect.
var (
	registryMu sync.Mutex
	registry   = map[string]*sync.RWMutex{}
)

func mutexFor(path string) *sync.RWMutex {
	registryMu.Lock()
	defer registryMu.Unlock()
	if m, ok := registry[path]; ok {
		return m
	}
	m := &sync.RWMutex{}
	registry[path] = m
	return m
}

// Lock is a scoped shared/exclusive advisory lock on a single path. The
// zero value is not usable; construct with New.
type Lock struct {
	path  string
	procM *sync.RWMutex
}

// New returns a Lock for path. The file is created on first acquisition if
// it does not already exist; its contents are never read or written.
func New(path string) *Lock {
	return &Lock{path: path, procM: mutexFor(path)}
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// WithShared acquires a shared lock, runs fn, and releases the lock on any
// return path from fn, including a panic. Acquisition blocks until granted;
// callers that want a bounded wait should derive ctx with a deadline and
// have fn check ctx themselves before doing real work — the OS-level flock
// call itself cannot be interrupted by context cancellation.
func (l *Lock) WithShared(ctx context.Context, fn func() error) error {
	return l.with(ctx, unix.LOCK_SH, fn)
}

// WithExclusive acquires an exclusive lock, runs fn, and releases the lock
// on any return path from fn, including a panic.
func (l *Lock) WithExclusive(ctx context.Context, fn func() error) error {
	return l.with(ctx, unix.LOCK_EX, fn)
}

func (l *Lock) with(ctx context.Context, how int, fn func() error) error {
	if how == unix.LOCK_SH {
		l.procM.RLock()
		defer l.procM.RUnlock()
	} else {
		l.procM.Lock()
		defer l.procM.Unlock()
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file %s: %w", l.path, err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			xlog.Errorf(ctx, "close lock file %s: %v", l.path, err)
		}
	}()

	if err := unix.Flock(int(f.Fd()), how); err != nil {
		return fmt.Errorf("acquire lock on %s: %w", l.path, err)
	}
	defer func() {
		if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
			xlog.Errorf(ctx, "unlock %s: %v", l.path, err)
		}
	}()

	return fn()
}
