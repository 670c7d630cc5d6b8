// Package strategy implements the pluggable indexing strategies spec.md
// §4.10 calls for: realtime (fsnotify/polling), lazy (dirty-queue with an
// idle flush timer), and commit-triggered (watch .git/logs/HEAD). Each
// wraps the existing internal/watcher package or the .git log file the
// same way internal/daemon wires a HybridWatcher into an indexing loop,
// generalized behind one Strategy interface so the orchestrator can swap
// strategies without touching the rest of the pipeline.
package strategy

import (
	"context"
	"time"
)

// Indexer is the minimal surface a strategy needs from the indexing
// pipeline: apply or remove one file's worth of index state. The
// concrete implementation (chunking, embedding, store writes) lives in
// the orchestrator, which injects it the same way internal/index.Runner
// accepts its dependencies via RunnerDependencies.
type Indexer interface {
	IndexFile(ctx context.Context, relPath string) error
	RemoveFile(ctx context.Context, relPath string) error
	// Reconcile triggers a full drift check against the project tree,
	// used after bulk changes a per-file diff can't cheaply describe
	// (a .gitignore edit, a commit touching hundreds of files).
	Reconcile(ctx context.Context) error
}

// Stats reports a strategy's operating state for get_index_status.
type Stats struct {
	Strategy      string
	Active        bool
	PendingFiles  int
	LastFlush     time.Time
	EventsHandled uint64
}

// Strategy is implemented by each indexing trigger mechanism. All
// methods except OnFileEvent are expected to be called from a single
// goroutine (the orchestrator's); OnFileEvent is invoked from whatever
// goroutine delivers the underlying event and must be safe for that.
type Strategy interface {
	// Initialize prepares the strategy (loads persisted state such as a
	// dirty-file queue) without starting any background activity.
	Initialize(ctx context.Context, rootDir string) error

	// Start begins watching/polling for changes. Non-blocking: watchers
	// run in their own goroutines.
	Start(ctx context.Context) error

	// Stop halts background activity and releases resources. Safe to
	// call multiple times.
	Stop() error

	// IsActive reports whether the strategy is currently running.
	IsActive() bool

	// Flush applies any pending changes synchronously. The orchestrator
	// calls this before every read-path operation (spec invariant: reads
	// never observe a state staler than the last completed write).
	Flush(ctx context.Context) error

	// GetStats reports the strategy's current operating state.
	GetStats() Stats
}
