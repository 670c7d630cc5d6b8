// Package lock provides the process-wide services spec.md §4.12 calls for:
// a single indexing-lock singleton that rejects overlapping full (re)index
// operations, and a LIFO cleanup registry run on shutdown. It generalizes
// the gofrs/flock pattern already used for the embedder's download lock
// (internal/embed/lock.go) into a reusable cross-process primitive.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// ErrIndexingInProgress is returned when a second full index attempt is
// made while one is already running for the same project.
var ErrIndexingInProgress = errors.New("indexing already in progress")

// StaleLockAge is how old a lock file must be before it is considered
// stale and eligible for removal on startup (spec §4.6).
const StaleLockAge = 5 * time.Minute

// IndexingLock is a process-wide (and, via flock, cross-process) mutex
// guarding full and incremental index builds for one project.
type IndexingLock struct {
	mu     sync.Mutex // in-process fast path
	active bool
	path   string
	flock  *flock.Flock
}

// NewIndexingLock creates a lock backed by a file under dataDir.
func NewIndexingLock(dataDir string) *IndexingLock {
	path := filepath.Join(dataDir, ".indexing.lock")
	return &IndexingLock{path: path, flock: flock.New(path)}
}

// TryAcquire attempts to take the lock without blocking. It returns
// ErrIndexingInProgress if another index is already active, either in this
// process or another one holding the same file lock.
func (l *IndexingLock) TryAcquire() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.active {
		return ErrIndexingInProgress
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}
	ok, err := l.flock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire indexing lock: %w", err)
	}
	if !ok {
		return ErrIndexingInProgress
	}

	l.active = true
	return nil
}

// Release frees the lock. Safe to call even if not held.
func (l *IndexingLock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.active {
		return
	}
	if err := l.flock.Unlock(); err != nil {
		slog.Warn("lock: failed to release indexing lock", slog.String("error", err.Error()))
	}
	l.active = false
}

// IsActive reports whether this process currently holds the lock.
func (l *IndexingLock) IsActive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// WithLock runs fn while holding the lock, releasing it unconditionally
// afterward (even on panic recovery by the caller).
func (l *IndexingLock) WithLock(fn func() error) error {
	if err := l.TryAcquire(); err != nil {
		return err
	}
	defer l.Release()
	return fn()
}

// RemoveStaleLockFiles deletes any stale lock file under dataDir older than
// StaleLockAge, verified by attempting an exclusive open (spec §4.6 applies
// this rule to the vector store; the same rule is reused here for the
// indexing lock so a crashed process doesn't wedge future runs).
func RemoveStaleLockFiles(paths ...string) {
	for _, p := range paths {
		removeIfStale(p)
	}
}

func removeIfStale(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if time.Since(info.ModTime()) < StaleLockAge {
		return
	}

	f := flock.New(path)
	ok, err := f.TryLock()
	if err != nil || !ok {
		// Still held by a live process; leave it alone.
		return
	}
	defer f.Unlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Warn("lock: failed to remove stale lock file",
			slog.String("path", path), slog.String("error", err.Error()))
	}
}

// CleanupHandler is a registered shutdown action. It must be idempotent:
// it may be invoked more than once if the registry runs concurrently with
// an explicit Close.
type CleanupHandler struct {
	Name    string
	Run     func(ctx context.Context) error
	Timeout time.Duration
}

// Registry runs cleanup handlers in LIFO order on shutdown, each bounded
// by its own timeout.
type Registry struct {
	mu       sync.Mutex
	handlers []*registered
}

type registered struct {
	handler    CleanupHandler
	unregister bool
}

// NewRegistry creates an empty cleanup registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a handler, returning an unregister function the caller may
// invoke on explicit close to avoid double-running it at shutdown.
func (r *Registry) Register(h CleanupHandler) (unregister func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry := &registered{handler: h}
	r.handlers = append(r.handlers, entry)

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		entry.unregister = true
	}
}

// RunAll executes all still-registered handlers in LIFO order, each with
// its own timeout. Errors are logged, not propagated, so one failing
// handler doesn't stop the rest from running.
func (r *Registry) RunAll(ctx context.Context) {
	r.mu.Lock()
	handlers := make([]*registered, len(r.handlers))
	copy(handlers, r.handlers)
	r.mu.Unlock()

	for i := len(handlers) - 1; i >= 0; i-- {
		entry := handlers[i]
		if entry.unregister {
			continue
		}
		runOne(ctx, entry.handler)
	}
}

func runOne(ctx context.Context, h CleanupHandler) {
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- h.Run(cctx) }()

	select {
	case err := <-done:
		if err != nil {
			slog.Warn("lock: cleanup handler failed", slog.String("handler", h.Name), slog.String("error", err.Error()))
		}
	case <-cctx.Done():
		slog.Warn("lock: cleanup handler timed out", slog.String("handler", h.Name))
	}
}
