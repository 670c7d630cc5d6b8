package strategy

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// GitDebounce is how long CommitTriggered waits after seeing a
// .git/logs/HEAD write before running a reconcile, coalescing the burst
// of ref updates a single commit or rebase produces.
const GitDebounce = 2 * time.Second

// CommitTriggered reindexes only when a commit lands: it watches
// .git/logs/HEAD (appended to on every commit, checkout, merge, and
// rebase step) and, after GitDebounce of quiet, asks the indexer to
// reconcile against the working tree. Unlike Realtime it never reacts
// to uncommitted edits, trading index freshness for near-zero overhead
// between commits.
type CommitTriggered struct {
	indexer Indexer

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	rootDir string
	active  bool
	cancel  context.CancelFunc
	done    chan struct{}
	timer   *time.Timer

	handled   atomic.Uint64
	lastFlush atomic.Value // time.Time
}

// NewCommitTriggered creates a commit-triggered strategy.
func NewCommitTriggered(indexer Indexer) *CommitTriggered {
	c := &CommitTriggered{indexer: indexer}
	c.lastFlush.Store(time.Time{})
	return c
}

func (c *CommitTriggered) Initialize(ctx context.Context, rootDir string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rootDir = rootDir
	return nil
}

func (c *CommitTriggered) gitLogsDir() string {
	return filepath.Join(c.rootDir, ".git", "logs")
}

func (c *CommitTriggered) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return nil
	}

	logsDir := c.gitLogsDir()
	if _, err := os.Stat(logsDir); err != nil {
		c.mu.Unlock()
		slog.Warn("strategy: no .git/logs directory found, commit-triggered strategy is inert",
			slog.String("root", c.rootDir))
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if err := w.Add(logsDir); err != nil {
		w.Close()
		c.mu.Unlock()
		return err
	}

	c.watcher = w
	c.active = true
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.run(runCtx)

	return nil
}

func (c *CommitTriggered) run(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != "HEAD" {
				continue
			}
			c.handled.Add(1)
			c.scheduleReconcile(ctx)
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("strategy: git log watcher error", slog.String("error", err.Error()))
		}
	}
}

func (c *CommitTriggered) scheduleReconcile(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(GitDebounce, func() {
		if err := c.Flush(ctx); err != nil {
			slog.Warn("strategy: commit-triggered reconcile failed", slog.String("error", err.Error()))
		}
	})
}

func (c *CommitTriggered) Stop() error {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return nil
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	w := c.watcher
	cancel := c.cancel
	done := c.done
	c.active = false
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if w != nil {
		err = w.Close()
	}
	if done != nil {
		<-done
	}
	return err
}

func (c *CommitTriggered) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Flush runs the reconcile immediately, independent of the debounce
// timer, so the orchestrator can force an up-to-date read.
func (c *CommitTriggered) Flush(ctx context.Context) error {
	err := c.indexer.Reconcile(ctx)
	c.lastFlush.Store(time.Now())
	return err
}

func (c *CommitTriggered) GetStats() Stats {
	last, _ := c.lastFlush.Load().(time.Time)
	return Stats{
		Strategy:      "git",
		Active:        c.IsActive(),
		PendingFiles:  0,
		LastFlush:     last,
		EventsHandled: c.handled.Load(),
	}
}
