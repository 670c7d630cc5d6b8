package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codewell-dev/codewell/internal/watcher"
)

// Realtime indexes files as fsnotify (or polling, via HybridWatcher's
// fallback) reports changes, debounced the same way the watcher package
// already coalesces rapid IDE/git churn.
type Realtime struct {
	indexer Indexer
	opts    watcher.Options

	mu       sync.Mutex
	w        *watcher.HybridWatcher
	rootDir  string
	active   bool
	cancel   context.CancelFunc
	done     chan struct{}
	handled  atomic.Uint64
	lastFlush atomic.Value // time.Time
}

// NewRealtime creates a realtime strategy driving indexer from file
// system events observed under the project root.
func NewRealtime(indexer Indexer, opts watcher.Options) *Realtime {
	r := &Realtime{indexer: indexer, opts: opts}
	r.lastFlush.Store(time.Time{})
	return r
}

func (r *Realtime) Initialize(ctx context.Context, rootDir string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rootDir = rootDir
	return nil
}

func (r *Realtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.active {
		r.mu.Unlock()
		return fmt.Errorf("strategy: realtime already started")
	}

	w, err := watcher.NewHybridWatcher(r.opts)
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("strategy: create watcher: %w", err)
	}
	r.w = w
	r.active = true
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	root := r.rootDir
	r.mu.Unlock()

	go func() {
		defer close(r.done)
		if err := w.Start(runCtx, root); err != nil && runCtx.Err() == nil {
			slog.Warn("strategy: realtime watcher exited", slog.String("error", err.Error()))
		}
	}()

	go r.consumeEvents(runCtx, w)

	return nil
}

func (r *Realtime) consumeEvents(ctx context.Context, w *watcher.HybridWatcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-w.Events():
			if !ok {
				return
			}
			for _, evt := range batch {
				r.handleEvent(ctx, evt)
			}
		case err, ok := <-w.Errors():
			if !ok {
				continue
			}
			slog.Warn("strategy: realtime watcher error", slog.String("error", err.Error()))
		}
	}
}

func (r *Realtime) handleEvent(ctx context.Context, evt watcher.FileEvent) {
	r.handled.Add(1)

	switch evt.Operation {
	case watcher.OpGitignoreChange, watcher.OpConfigChange:
		if err := r.indexer.Reconcile(ctx); err != nil {
			slog.Warn("strategy: reconcile after config change failed", slog.String("error", err.Error()))
		}
	case watcher.OpDelete:
		if err := r.indexer.RemoveFile(ctx, evt.Path); err != nil {
			slog.Warn("strategy: remove file failed", slog.String("path", evt.Path), slog.String("error", err.Error()))
		}
	default:
		if evt.IsDir {
			return
		}
		if err := r.indexer.IndexFile(ctx, evt.Path); err != nil {
			slog.Warn("strategy: index file failed", slog.String("path", evt.Path), slog.String("error", err.Error()))
		}
	}
	r.lastFlush.Store(time.Now())
}

func (r *Realtime) Stop() error {
	r.mu.Lock()
	if !r.active {
		r.mu.Unlock()
		return nil
	}
	w := r.w
	cancel := r.cancel
	done := r.done
	r.active = false
	r.mu.Unlock()

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

func (r *Realtime) IsActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Flush is a no-op for realtime indexing: every event is already applied
// synchronously as it arrives, so there is nothing pending to drain.
func (r *Realtime) Flush(ctx context.Context) error {
	return nil
}

func (r *Realtime) GetStats() Stats {
	last, _ := r.lastFlush.Load().(time.Time)
	return Stats{
		Strategy:      "realtime",
		Active:        r.IsActive(),
		PendingFiles:  0,
		LastFlush:     last,
		EventsHandled: r.handled.Load(),
	}
}
