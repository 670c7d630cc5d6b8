package strategy

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codewell-dev/codewell/internal/atomicfile"
	"github.com/codewell-dev/codewell/internal/watcher"
)

// dirtyFileState is the queue's on-disk representation, persisted under
// dirty_files.json so a crash between edits and the next flush doesn't
// silently lose track of what still needs reindexing.
type dirtyFileState struct {
	Dirty   map[string]bool `json:"dirty"`
	Removed map[string]bool `json:"removed"`
}

// Lazy defers indexing until either the idle window elapses with no new
// changes, or Flush is called explicitly (the orchestrator does this
// before every read). It still watches the filesystem, via the same
// HybridWatcher realtime uses, but only records paths as dirty instead
// of indexing them immediately.
type Lazy struct {
	indexer     Indexer
	opts        watcher.Options
	idleWindow  time.Duration
	statePath   string

	mu      sync.Mutex
	w       *watcher.HybridWatcher
	rootDir string
	active  bool
	cancel  context.CancelFunc
	done    chan struct{}
	state   dirtyFileState
	timer   *time.Timer

	handled   atomic.Uint64
	lastFlush atomic.Value // time.Time
}

// DefaultIdleWindow is how long the queue waits with no new events
// before flushing automatically.
const DefaultIdleWindow = 10 * time.Second

// NewLazy creates a lazy strategy persisting its dirty-file queue under
// dataDir.
func NewLazy(indexer Indexer, opts watcher.Options, dataDir string, idleWindow time.Duration) *Lazy {
	if idleWindow <= 0 {
		idleWindow = DefaultIdleWindow
	}
	l := &Lazy{
		indexer:    indexer,
		opts:       opts,
		idleWindow: idleWindow,
		statePath:  filepath.Join(dataDir, "dirty_files.json"),
		state: dirtyFileState{
			Dirty:   make(map[string]bool),
			Removed: make(map[string]bool),
		},
	}
	l.lastFlush.Store(time.Time{})
	return l
}

func (l *Lazy) Initialize(ctx context.Context, rootDir string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rootDir = rootDir

	var loaded dirtyFileState
	if err := atomicfile.ReadJSON(l.statePath, &loaded); err == nil {
		if loaded.Dirty != nil {
			l.state.Dirty = loaded.Dirty
		}
		if loaded.Removed != nil {
			l.state.Removed = loaded.Removed
		}
	}
	return nil
}

func (l *Lazy) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.active {
		l.mu.Unlock()
		return nil
	}

	w, err := watcher.NewHybridWatcher(l.opts)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	l.w = w
	l.active = true
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	root := l.rootDir
	l.mu.Unlock()

	go func() {
		defer close(l.done)
		if err := w.Start(runCtx, root); err != nil && runCtx.Err() == nil {
			slog.Warn("strategy: lazy watcher exited", slog.String("error", err.Error()))
		}
	}()

	go l.consumeEvents(runCtx, w)

	return nil
}

func (l *Lazy) consumeEvents(ctx context.Context, w *watcher.HybridWatcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-w.Events():
			if !ok {
				return
			}
			l.mu.Lock()
			for _, evt := range batch {
				if evt.IsDir {
					continue
				}
				l.handled.Add(1)
				switch evt.Operation {
				case watcher.OpDelete:
					delete(l.state.Dirty, evt.Path)
					l.state.Removed[evt.Path] = true
				case watcher.OpGitignoreChange, watcher.OpConfigChange:
					// A config/gitignore change needs a real reconcile, not a
					// per-path mark; run it immediately rather than deferring.
					go func() {
						if err := l.indexer.Reconcile(ctx); err != nil {
							slog.Warn("strategy: lazy reconcile failed", slog.String("error", err.Error()))
						}
					}()
				default:
					delete(l.state.Removed, evt.Path)
					l.state.Dirty[evt.Path] = true
				}
			}
			l.resetIdleTimerLocked(ctx)
			_ = l.persistLocked()
			l.mu.Unlock()
		case err, ok := <-w.Errors():
			if !ok {
				continue
			}
			slog.Warn("strategy: lazy watcher error", slog.String("error", err.Error()))
		}
	}
}

// resetIdleTimerLocked must be called with l.mu held.
func (l *Lazy) resetIdleTimerLocked(ctx context.Context) {
	if l.timer != nil {
		l.timer.Stop()
	}
	l.timer = time.AfterFunc(l.idleWindow, func() {
		if err := l.Flush(ctx); err != nil {
			slog.Warn("strategy: lazy idle flush failed", slog.String("error", err.Error()))
		}
	})
}

// persistLocked must be called with l.mu held.
func (l *Lazy) persistLocked() error {
	return atomicfile.WriteJSON(l.statePath, l.state)
}

func (l *Lazy) Stop() error {
	l.mu.Lock()
	if !l.active {
		l.mu.Unlock()
		return nil
	}
	if l.timer != nil {
		l.timer.Stop()
	}
	w := l.w
	cancel := l.cancel
	done := l.done
	l.active = false
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if w != nil {
		err = w.Stop()
	}
	if done != nil {
		<-done
	}
	return err
}

func (l *Lazy) IsActive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// Flush applies every pending removed path first, then every dirty path,
// then clears the queue and persists the (now empty) state.
func (l *Lazy) Flush(ctx context.Context) error {
	l.mu.Lock()
	dirty := make([]string, 0, len(l.state.Dirty))
	for p := range l.state.Dirty {
		dirty = append(dirty, p)
	}
	removed := make([]string, 0, len(l.state.Removed))
	for p := range l.state.Removed {
		removed = append(removed, p)
	}
	l.mu.Unlock()

	var firstErr error
	for _, p := range removed {
		if err := l.indexer.RemoveFile(ctx, p); err != nil {
			slog.Warn("strategy: lazy flush remove failed", slog.String("path", p), slog.String("error", err.Error()))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		l.mu.Lock()
		delete(l.state.Removed, p)
		l.mu.Unlock()
	}
	for _, p := range dirty {
		if err := l.indexer.IndexFile(ctx, p); err != nil {
			slog.Warn("strategy: lazy flush index failed", slog.String("path", p), slog.String("error", err.Error()))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		l.mu.Lock()
		delete(l.state.Dirty, p)
		l.mu.Unlock()
	}

	l.mu.Lock()
	l.lastFlush.Store(time.Now())
	err := l.persistLocked()
	l.mu.Unlock()
	if firstErr != nil {
		return firstErr
	}
	return err
}

func (l *Lazy) GetStats() Stats {
	l.mu.Lock()
	pending := len(l.state.Dirty) + len(l.state.Removed)
	l.mu.Unlock()
	last, _ := l.lastFlush.Load().(time.Time)
	return Stats{
		Strategy:      "lazy",
		Active:        l.IsActive(),
		PendingFiles:  pending,
		LastFlush:     last,
		EventsHandled: l.handled.Load(),
	}
}
