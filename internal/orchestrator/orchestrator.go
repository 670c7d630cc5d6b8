// Package orchestrator is the composition root spec.md §4.11 describes:
// it owns the active indexing strategy, the fingerprint maps, the
// Merkle tree, the path-safety policy, and the integrity engine, and it
// is the only thing the MCP tool layer talks to for mutating or reading
// the index. Every read-path operation calls Flush first so a caller
// never observes state staler than the last completed write, mirroring
// how internal/index.Runner composes store/chunk/embed dependencies via
// constructor injection (internal/index/runner.go's RunnerDependencies).
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/codewell-dev/codewell/internal/chunk"
	"github.com/codewell-dev/codewell/internal/config"
	"github.com/codewell-dev/codewell/internal/embed"
	"github.com/codewell-dev/codewell/internal/fingerprint"
	"github.com/codewell-dev/codewell/internal/integrity"
	"github.com/codewell-dev/codewell/internal/lock"
	"github.com/codewell-dev/codewell/internal/merkle"
	"github.com/codewell-dev/codewell/internal/policy"
	"github.com/codewell-dev/codewell/internal/store"
	"github.com/codewell-dev/codewell/internal/strategy"
	"github.com/codewell-dev/codewell/internal/watcher"
)

// Dependencies are the stores and services the orchestrator composes.
// All fields are required; Orchestrator does not construct its own
// stores so callers retain full control over lifecycle (Close order,
// data directory layout) the way cmd/codewell/cmd/index.go already does.
type Dependencies struct {
	Config      *config.Config
	ProjectID   string
	RootDir     string
	DataDir     string
	Metadata    store.MetadataStore
	BM25        store.BM25Index
	Vector      store.VectorStore
	Embedder    embed.Embedder
	CodeChunker chunk.Chunker
	DocsChunker chunk.Chunker
}

// Orchestrator composes the indexing pipeline's supporting services
// behind a single entry point.
type Orchestrator struct {
	deps Dependencies

	policy      *policy.Policy
	fingerprints *fingerprint.Map
	tree        *merkle.Tree
	integrity   *integrity.Engine
	indexLock   *lock.IndexingLock
	cleanup     *lock.Registry

	strategyMu sync.RWMutex
	active     strategy.Strategy
}

// New builds an orchestrator over deps but does not start any
// background activity; call Start to begin the configured strategy.
func New(deps Dependencies) (*Orchestrator, error) {
	if deps.Metadata == nil || deps.BM25 == nil || deps.Vector == nil || deps.Embedder == nil {
		return nil, fmt.Errorf("orchestrator: metadata, bm25, vector, and embedder dependencies are required")
	}

	pol := policy.New(deps.RootDir, policy.Options{
		IncludePatterns:  deps.Config.Paths.Include,
		ExcludePatterns:  deps.Config.Paths.Exclude,
		RespectGitignore: true,
	})

	fp := fingerprint.New(filepath.Join(deps.DataDir, "fingerprints.json"))
	if err := fp.Load(); err != nil {
		return nil, fmt.Errorf("orchestrator: load fingerprints: %w", err)
	}

	tree := merkle.New(filepath.Join(deps.DataDir, "merkle.json"))
	if err := tree.Load(); err != nil {
		return nil, fmt.Errorf("orchestrator: load merkle tree: %w", err)
	}

	o := &Orchestrator{
		deps:         deps,
		policy:       pol,
		fingerprints: fp,
		tree:         tree,
		indexLock:    lock.NewIndexingLock(deps.DataDir),
		cleanup:      lock.NewRegistry(),
	}
	o.integrity = integrity.New(tree, nil)

	strat, err := o.buildStrategy(deps.Config.Indexing.Strategy)
	if err != nil {
		return nil, err
	}
	o.active = strat

	return o, nil
}

func (o *Orchestrator) buildStrategy(name string) (strategy.Strategy, error) {
	watchOpts := watcher.DefaultOptions()
	if d := o.deps.Config.Performance.WatchDebounce; d != "" {
		if parsed, err := time.ParseDuration(d); err == nil {
			watchOpts.DebounceWindow = parsed
		}
	}

	switch name {
	case "", "realtime":
		return strategy.NewRealtime(o, watchOpts), nil
	case "lazy":
		idle := strategy.DefaultIdleWindow
		if raw := o.deps.Config.Indexing.LazyIdleWindow; raw != "" {
			if parsed, err := time.ParseDuration(raw); err == nil {
				idle = parsed
			}
		}
		return strategy.NewLazy(o, watchOpts, o.deps.DataDir, idle), nil
	case "git":
		return strategy.NewCommitTriggered(o), nil
	default:
		return nil, fmt.Errorf("orchestrator: unknown indexing strategy %q", name)
	}
}

// SetStrategy stops the currently active strategy and replaces it,
// starting the new one against the same root directory. Used when
// get_config/update flows change indexing.strategy at runtime.
func (o *Orchestrator) SetStrategy(ctx context.Context, name string) error {
	next, err := o.buildStrategy(name)
	if err != nil {
		return err
	}

	o.strategyMu.Lock()
	defer o.strategyMu.Unlock()

	if o.active != nil {
		if err := o.active.Stop(); err != nil {
			slog.Warn("orchestrator: error stopping previous strategy", slog.String("error", err.Error()))
		}
	}

	if err := next.Initialize(ctx, o.deps.RootDir); err != nil {
		return fmt.Errorf("orchestrator: initialize strategy: %w", err)
	}
	if err := next.Start(ctx); err != nil {
		return fmt.Errorf("orchestrator: start strategy: %w", err)
	}
	o.active = next
	return nil
}

// Start initializes the configured strategy, reconciles any drift that
// accumulated while the service was not running (spec.md §4.9: "at
// orchestrator start, to heal restart drift"), and only then starts the
// strategy watching for new changes.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.strategyMu.RLock()
	strat := o.active
	o.strategyMu.RUnlock()

	if err := strat.Initialize(ctx, o.deps.RootDir); err != nil {
		return fmt.Errorf("orchestrator: initialize strategy: %w", err)
	}
	if err := o.Reconcile(ctx); err != nil {
		slog.Warn("orchestrator: startup reconcile failed", slog.String("error", err.Error()))
	}
	if err := strat.Start(ctx); err != nil {
		return fmt.Errorf("orchestrator: start strategy: %w", err)
	}

	o.cleanup.Register(lock.CleanupHandler{
		Name:    "orchestrator-strategy",
		Timeout: 10 * time.Second,
		Run: func(ctx context.Context) error {
			return strat.Stop()
		},
	})

	return nil
}

// Stop runs the registered cleanup handlers (LIFO) and releases the
// indexing lock if held.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.cleanup.RunAll(ctx)
	o.indexLock.Release()
	return nil
}

// Flush drains the active strategy's pending work, which the MCP tool
// layer calls before every read-path operation.
func (o *Orchestrator) Flush(ctx context.Context) error {
	o.strategyMu.RLock()
	strat := o.active
	o.strategyMu.RUnlock()
	return strat.Flush(ctx)
}

// Stats reports the active strategy's operating state.
func (o *Orchestrator) Stats() strategy.Stats {
	o.strategyMu.RLock()
	defer o.strategyMu.RUnlock()
	return o.active.GetStats()
}

// chunkerFor selects the code or docs chunker for a relative path based
// on its content type, mirroring internal/index.Runner's chunker
// selection.
func (o *Orchestrator) chunkerFor(relPath string) chunk.Chunker {
	if filepath.Ext(relPath) == ".md" || filepath.Ext(relPath) == ".mdx" {
		return o.deps.DocsChunker
	}
	return o.deps.CodeChunker
}

// IndexFile implements strategy.Indexer: it chunks, embeds, and stores
// a single file, replacing any chunks it previously produced, and
// updates the fingerprint map and Merkle tree entries for that path.
func (o *Orchestrator) IndexFile(ctx context.Context, relPath string) error {
	absPath, err := o.policy.ResolvePath(relPath)
	if err != nil {
		return err
	}

	info, err := os.Stat(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return o.RemoveFile(ctx, relPath)
		}
		return err
	}
	if info.IsDir() {
		return nil
	}
	if d := o.policy.ShouldIndex(relPath, false); !d.Allowed {
		return nil
	}
	if d := o.policy.ShouldIndexSize(info.Size()); !d.Allowed {
		return nil
	}

	content, err := os.ReadFile(absPath)
	if err != nil {
		return fmt.Errorf("orchestrator: read %s: %w", relPath, err)
	}

	contentHash := fingerprint.HashContent(content)
	if existing, ok := o.fingerprints.Get(relPath); ok && existing == contentHash {
		return nil // unchanged, nothing to do
	}

	fileID := o.fileID(relPath)
	if err := o.removeFileChunks(ctx, fileID); err != nil {
		return err
	}

	chunker := o.chunkerFor(relPath)
	chunks, err := chunker.Chunk(ctx, &chunk.FileInput{Path: relPath, Content: content})
	if err != nil {
		return fmt.Errorf("orchestrator: chunk %s: %w", relPath, err)
	}

	if err := o.persistChunks(ctx, fileID, relPath, info, contentHash, chunks); err != nil {
		return err
	}

	o.fingerprints.Set(relPath, contentHash)
	chunkHashes := make([]string, len(chunks))
	for i, c := range chunks {
		chunkHashes[i] = fingerprint.HashContent([]byte(c.Content))
	}
	o.tree.AddFile(merkle.NewFileRecord(relPath, info.Size(), info.ModTime(), contentHash, chunkHashes))

	return o.persistState()
}

func (o *Orchestrator) persistChunks(ctx context.Context, fileID, relPath string, info os.FileInfo, contentHash string, chunks []*chunk.Chunk) error {
	if err := o.deps.Metadata.SaveFiles(ctx, []*store.File{{
		ID:          fileID,
		ProjectID:   o.deps.ProjectID,
		Path:        relPath,
		Size:        info.Size(),
		ModTime:     info.ModTime(),
		ContentHash: contentHash,
		IndexedAt:   info.ModTime(),
	}}); err != nil {
		return fmt.Errorf("orchestrator: save file record: %w", err)
	}

	if len(chunks) == 0 {
		return nil
	}

	storeChunks := make([]*store.Chunk, len(chunks))
	docs := make([]*store.Document, len(chunks))
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		storeChunks[i] = &store.Chunk{
			ID:          c.ID,
			FileID:      fileID,
			FilePath:    relPath,
			Content:     c.Content,
			RawContent:  c.RawContent,
			Context:     c.Context,
			ContentType: store.ContentType(c.ContentType),
			Language:    c.Language,
			StartLine:   c.StartLine,
			EndLine:     c.EndLine,
			Metadata:    c.Metadata,
			CreatedAt:   c.CreatedAt,
			UpdatedAt:   c.UpdatedAt,
		}
		docs[i] = &store.Document{ID: c.ID, Content: c.Content}
		texts[i] = c.Content
	}

	if err := o.deps.Metadata.SaveChunks(ctx, storeChunks); err != nil {
		return fmt.Errorf("orchestrator: save chunks: %w", err)
	}
	if err := o.deps.BM25.Index(ctx, docs); err != nil {
		return fmt.Errorf("orchestrator: index bm25: %w", err)
	}

	embeddings, err := o.deps.Embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("orchestrator: embed chunks: %w", err)
	}
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ID
	}
	if err := o.deps.Vector.Add(ctx, ids, embeddings); err != nil {
		return fmt.Errorf("orchestrator: add vectors: %w", err)
	}
	if err := o.deps.Metadata.SaveChunkEmbeddings(ctx, ids, embeddings, o.deps.Embedder.ModelName()); err != nil {
		return fmt.Errorf("orchestrator: save embeddings: %w", err)
	}

	return nil
}

func (o *Orchestrator) removeFileChunks(ctx context.Context, fileID string) error {
	existing, err := o.deps.Metadata.GetChunksByFile(ctx, fileID)
	if err != nil {
		return fmt.Errorf("orchestrator: list existing chunks: %w", err)
	}
	if len(existing) == 0 {
		return nil
	}

	ids := make([]string, len(existing))
	for i, c := range existing {
		ids[i] = c.ID
	}
	if err := o.deps.BM25.Delete(ctx, ids); err != nil {
		slog.Warn("orchestrator: bm25 delete failed", slog.String("error", err.Error()))
	}
	if err := o.deps.Vector.Delete(ctx, ids); err != nil {
		slog.Warn("orchestrator: vector delete failed", slog.String("error", err.Error()))
	}
	return o.deps.Metadata.DeleteChunksByFile(ctx, fileID)
}

// RemoveFile implements strategy.Indexer: it deletes a file's chunks
// from every store and clears its fingerprint/Merkle entries.
func (o *Orchestrator) RemoveFile(ctx context.Context, relPath string) error {
	fileID := o.fileID(relPath)
	if err := o.removeFileChunks(ctx, fileID); err != nil {
		return err
	}
	if err := o.deps.Metadata.DeleteFile(ctx, fileID); err != nil {
		slog.Warn("orchestrator: delete file record failed", slog.String("path", relPath), slog.String("error", err.Error()))
	}

	o.fingerprints.Delete(relPath)
	o.tree.RemoveFile(relPath)
	return o.persistState()
}

// Reconcile runs a full integrity pass: it rescans the project tree
// against the persisted fingerprints, reindexes every added/modified
// file, removes every deleted one, and then runs the cross-store
// consistency check via the integrity engine.
func (o *Orchestrator) Reconcile(ctx context.Context) error {
	if err := o.indexLock.TryAcquire(); err != nil {
		return err
	}
	defer o.indexLock.Release()

	diskHashes, err := o.scanContentHashes()
	if err != nil {
		return err
	}

	delta := o.fingerprints.Delta(diskHashes)
	for _, p := range delta.Added {
		if err := o.IndexFile(ctx, p); err != nil {
			slog.Warn("orchestrator: reconcile index failed", slog.String("path", p), slog.String("error", err.Error()))
		}
	}
	for _, p := range delta.Modified {
		if err := o.IndexFile(ctx, p); err != nil {
			slog.Warn("orchestrator: reconcile reindex failed", slog.String("path", p), slog.String("error", err.Error()))
		}
	}
	for _, p := range delta.Removed {
		if err := o.RemoveFile(ctx, p); err != nil {
			slog.Warn("orchestrator: reconcile remove failed", slog.String("path", p), slog.String("error", err.Error()))
		}
	}

	if _, err := o.integrity.Reconcile(ctx, o.tree); err != nil {
		return fmt.Errorf("orchestrator: integrity reconcile: %w", err)
	}
	return nil
}

func (o *Orchestrator) scanContentHashes() (map[string]string, error) {
	hashes := make(map[string]string)
	err := filepath.Walk(o.deps.RootDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		relPath, relErr := filepath.Rel(o.deps.RootDir, path)
		if relErr != nil || relPath == "." {
			return nil
		}
		if info.IsDir() {
			if d := o.policy.ShouldIndex(relPath, true); !d.Allowed {
				return filepath.SkipDir
			}
			return nil
		}
		if d := o.policy.ShouldIndex(relPath, false); !d.Allowed {
			return nil
		}
		if d := o.policy.ShouldIndexSize(info.Size()); !d.Allowed {
			return nil
		}
		hash, hashErr := fingerprint.HashFile(path)
		if hashErr != nil {
			return nil
		}
		hashes[relPath] = hash
		return nil
	})
	return hashes, err
}

// fileID derives a deterministic file ID the same way
// internal/index.Coordinator does (SHA256(projectID:path), truncated),
// so rows stay consistent if the full scanner ever reindexes the file.
func (o *Orchestrator) fileID(relPath string) string {
	input := fmt.Sprintf("%s:%s", o.deps.ProjectID, relPath)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])[:16]
}

func (o *Orchestrator) persistState() error {
	if err := o.fingerprints.Save(); err != nil {
		return fmt.Errorf("orchestrator: save fingerprints: %w", err)
	}
	if err := o.tree.Save(); err != nil {
		return fmt.Errorf("orchestrator: save merkle tree: %w", err)
	}
	return nil
}
