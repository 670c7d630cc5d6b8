package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/codewell-dev/codewell/internal/chunk"
	"github.com/codewell-dev/codewell/internal/config"
	"github.com/codewell-dev/codewell/internal/embed"
	"github.com/codewell-dev/codewell/internal/lock"
	"github.com/codewell-dev/codewell/internal/logging"
	"github.com/codewell-dev/codewell/internal/mcp"
	"github.com/codewell-dev/codewell/internal/orchestrator"
	"github.com/codewell-dev/codewell/internal/search"
	"github.com/codewell-dev/codewell/internal/store"
)

func newServeCmd() *cobra.Command {
	var (
		debug     bool
		transport string
		session   string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server",
		Long: `Start Codewell as an MCP server speaking JSON-RPC over stdio.

AI assistants like Claude Code and Cursor launch 'codewell serve' as a
subprocess and exchange requests over stdin/stdout. Stdout is reserved
exclusively for the protocol; all logging goes to a file instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			// BUG-018/BUG-035: propagate Ctrl+C / SIGTERM as context
			// cancellation so the strategy and cleanup registry unwind
			// instead of the process dying mid-flush.
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runServeWithSession(ctx, transport, 0, session, debug)
		},
	}

	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug-level logging to the log file")
	cmd.Flags().StringVar(&transport, "transport", "stdio", "Transport to serve over (stdio)")
	cmd.Flags().StringVar(&session, "session", "", "Named session to resume or create")

	return cmd
}

// runServe starts the MCP server with no named session. It is the entry
// point runSmartDefault (root.go) falls through to once indexing is
// confirmed up to date, and the one serve_test.go drives directly.
func runServe(ctx context.Context, transport string, port int) error {
	return runServeWithSession(ctx, transport, port, "", false)
}

// verifyStdinForMCP checks that stdin looks like something an MCP client is
// driving (a pipe) rather than a human sitting at a terminal. A human
// running 'codewell serve' interactively gets a clear error instead of a
// process that silently hangs waiting for JSON-RPC frames that never come.
func verifyStdinForMCP() error {
	fd := os.Stdin.Fd()
	if isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd) {
		return fmt.Errorf("stdin is a terminal, not a pipe: codewell serve expects an MCP " +
			"client (such as Claude Code) to drive it over stdin/stdout, not a human typing " +
			"into it directly")
	}
	return nil
}

// runServeWithSession builds every dependency the MCP tool layer needs and
// blocks until ctx is canceled or the transport loop exits. session selects
// which .codewell/sessions entry the server should report itself under;
// an empty session uses the project's default index.
func runServeWithSession(ctx context.Context, transport string, port int, session string, debug bool) error {
	// BUG-034: stdout carries JSON-RPC frames exclusively once the transport
	// loop starts. Route logging to the file-only MCP logger before
	// touching any store or config path that might otherwise log to stderr.
	logCleanup, err := setupServeLogging(debug)
	if err == nil {
		defer logCleanup()
	}

	if transport == "stdio" {
		if stdinErr := verifyStdinForMCP(); stdinErr != nil {
			// A human ran this interactively. Don't refuse outright - the
			// smart-default flow and several tests invoke this with a
			// non-pipe stdin in CI - just log it so 'codewell doctor'
			// has something to point at.
			slog.Warn("stdin does not look like an MCP client pipe", slog.String("detail", stdinErr.Error()))
		}
	}

	root, err := config.FindProjectRoot(".")
	if err != nil {
		root, err = os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to resolve working directory: %w", err)
		}
	}

	cfg, err := config.Load(root)
	if err != nil {
		cfg = config.NewConfig()
	}

	dataDir := filepath.Join(root, ".codewell")
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	lock.RemoveStaleLockFiles(filepath.Join(dataDir, "indexing.lock"))

	metadataPath := filepath.Join(dataDir, "metadata.db")
	metadata, err := store.NewSQLiteStore(metadataPath)
	if err != nil {
		return fmt.Errorf("failed to open metadata store: %w", err)
	}
	defer func() { _ = metadata.Close() }()

	bm25BasePath := filepath.Join(dataDir, "bm25")
	bm25, err := store.NewBM25IndexWithBackend(bm25BasePath, store.DefaultBM25Config(), cfg.Search.BM25Backend)
	if err != nil {
		return fmt.Errorf("failed to open BM25 index: %w", err)
	}
	defer func() { _ = bm25.Close() }()

	provider := embed.ParseProvider(cfg.Embeddings.Provider)
	embedCtx, embedCancel := context.WithTimeout(ctx, 15*time.Second)
	embedder, err := embed.NewEmbedder(embedCtx, provider, cfg.Embeddings.Model)
	embedCancel()
	if err != nil {
		slog.Warn("embedder init failed, falling back to static embeddings", slog.String("error", err.Error()))
		embedder = embed.NewStaticEmbedder768()
	}
	defer func() { _ = embedder.Close() }()

	vectorCfg := store.DefaultVectorStoreConfig(embedder.Dimensions())
	vector, err := store.NewHNSWStore(vectorCfg)
	if err != nil {
		return fmt.Errorf("failed to open vector store: %w", err)
	}
	defer func() { _ = vector.Close() }()

	vectorPath := filepath.Join(dataDir, "vectors.hnsw")
	if _, statErr := os.Stat(vectorPath); statErr == nil {
		if loadErr := vector.Load(vectorPath); loadErr != nil {
			slog.Warn("vector_load_failed", slog.String("error", loadErr.Error()))
		}
	}

	engineConfig := search.DefaultConfig()
	if cfg.Search.MaxResults > 0 {
		engineConfig.DefaultLimit = cfg.Search.MaxResults
	}
	if cfg.Search.BM25Weight > 0 || cfg.Search.SemanticWeight > 0 {
		engineConfig.DefaultWeights = search.Weights{
			BM25:     cfg.Search.BM25Weight,
			Semantic: cfg.Search.SemanticWeight,
		}
	}
	engine := search.New(bm25, vector, embedder, metadata, engineConfig,
		search.WithMultiQuerySearch(search.NewPatternDecomposer()))

	mcpServer, err := mcp.NewServer(engine, metadata, embedder, cfg, root)
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	orch, err := orchestrator.New(orchestrator.Dependencies{
		Config:      cfg,
		ProjectID:   hashString(root),
		RootDir:     root,
		DataDir:     dataDir,
		Metadata:    metadata,
		BM25:        bm25,
		Vector:      vector,
		Embedder:    embedder,
		CodeChunker: chunk.NewCodeChunker(),
		DocsChunker: chunk.NewMarkdownChunker(),
	})
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}
	mcpServer.SetOrchestrator(orch)

	// BUG-035: the active strategy's Initialize/Start can block for
	// seconds on a slow filesystem (walking the tree, arming fsnotify
	// watches). The MCP handshake cannot wait on that, so the strategy
	// comes up in the background while Serve below answers stdio
	// immediately. Reconcile (run by Start) will catch anything that
	// changed between server launch and watcher readiness.
	startupTimeout := 30 * time.Second
	if raw := os.Getenv("CODEWELL_WATCHER_STARTUP_TIMEOUT"); raw != "" {
		if d, parseErr := time.ParseDuration(raw); parseErr == nil {
			startupTimeout = d
		}
	}
	go func() {
		startCtx, startCancel := context.WithTimeout(ctx, startupTimeout)
		defer startCancel()
		if startErr := orch.Start(startCtx); startErr != nil {
			slog.Error("orchestrator failed to start", slog.String("error", startErr.Error()))
			return
		}
		slog.Info("orchestrator started", slog.String("strategy", cfg.Indexing.Strategy), slog.String("session", session))
	}()
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		if stopErr := orch.Stop(stopCtx); stopErr != nil {
			slog.Warn("orchestrator stop error", slog.String("error", stopErr.Error()))
		}
	}()

	slog.Info("codewell serve starting",
		slog.String("root", root),
		slog.String("transport", transport),
		slog.String("session", session))

	return mcpServer.Serve(ctx, transport, fmt.Sprintf(":%d", port))
}

func setupServeLogging(debug bool) (func(), error) {
	if debug {
		return logging.SetupMCPModeWithLevel("debug")
	}
	return logging.SetupMCPMode()
}
