package strategy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codewell-dev/codewell/internal/watcher"
)

type fakeIndexer struct {
	mu        sync.Mutex
	indexed   []string
	removed   []string
	reconciled int
}

func (f *fakeIndexer) IndexFile(ctx context.Context, relPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, relPath)
	return nil
}

func (f *fakeIndexer) RemoveFile(ctx context.Context, relPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, relPath)
	return nil
}

func (f *fakeIndexer) Reconcile(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconciled++
	return nil
}

var (
	_ Strategy = (*Realtime)(nil)
	_ Strategy = (*Lazy)(nil)
	_ Strategy = (*CommitTriggered)(nil)
)

func TestLazy_QueuesThenFlushes(t *testing.T) {
	indexer := &fakeIndexer{}
	l := NewLazy(indexer, watcher.DefaultOptions(), t.TempDir(), time.Hour)

	l.mu.Lock()
	l.state.Dirty["a.go"] = true
	l.state.Dirty["b.go"] = true
	l.state.Removed["c.go"] = true
	l.mu.Unlock()

	require.NoError(t, l.Flush(context.Background()))

	indexer.mu.Lock()
	defer indexer.mu.Unlock()
	assert.ElementsMatch(t, []string{"a.go", "b.go"}, indexer.indexed)
	assert.ElementsMatch(t, []string{"c.go"}, indexer.removed)

	stats := l.GetStats()
	assert.Equal(t, 0, stats.PendingFiles)
}

func TestLazy_FlushPersistsEmptyState(t *testing.T) {
	indexer := &fakeIndexer{}
	dataDir := t.TempDir()
	l := NewLazy(indexer, watcher.DefaultOptions(), dataDir, time.Hour)

	l.mu.Lock()
	l.state.Dirty["a.go"] = true
	l.mu.Unlock()
	require.NoError(t, l.Flush(context.Background()))

	reloaded := NewLazy(indexer, watcher.DefaultOptions(), dataDir, time.Hour)
	require.NoError(t, reloaded.Initialize(context.Background(), dataDir))
	assert.Equal(t, 0, reloaded.GetStats().PendingFiles)
}

func TestLazy_InitializeLoadsPersistedState(t *testing.T) {
	indexer := &fakeIndexer{}
	dataDir := t.TempDir()
	l := NewLazy(indexer, watcher.DefaultOptions(), dataDir, time.Hour)

	l.mu.Lock()
	l.state.Dirty["pending.go"] = true
	require.NoError(t, l.persistLocked())
	l.mu.Unlock()

	reloaded := NewLazy(indexer, watcher.DefaultOptions(), dataDir, time.Hour)
	require.NoError(t, reloaded.Initialize(context.Background(), dataDir))
	assert.Equal(t, 1, reloaded.GetStats().PendingFiles)
}
