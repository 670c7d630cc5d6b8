package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/codewell-dev/codewell/internal/config"
	"github.com/codewell-dev/codewell/internal/policy"
	"github.com/codewell-dev/codewell/internal/store"
)

// DebugInfo is the JSON shape of 'codewell debug', a single dump of
// everything 'status'/'stats'/'config' each show a slice of, meant for
// pasting into a bug report.
type DebugInfo struct {
	ProjectRoot      string             `json:"project_root"`
	IndexPath        string             `json:"index_path"`
	FileCount        int                `json:"file_count"`
	ChunkCount       int                `json:"chunk_count"`
	IndexedAt        time.Time          `json:"indexed_at"`
	Languages        map[string]float64 `json:"languages"`
	EmbedderProvider string             `json:"embedder_provider"`
	EmbedderModel    string             `json:"embedder_model"`
	BM25Backend      string             `json:"bm25_backend"`
	BM25SizeBytes    int64              `json:"bm25_size_bytes"`
	VectorSizeBytes  int64              `json:"vector_size_bytes"`
	MetadataSizeBytes int64             `json:"metadata_size_bytes"`
	IndexingStrategy string             `json:"indexing_strategy"`
}

func newDebugCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "debug",
		Short: "Dump everything needed to diagnose an index",
		Long: `Print a single consolidated report combining what 'status',
'stats', and 'config' each show separately - file/chunk counts, embedder
configuration, index sizes on disk, and language breakdown - useful when
filing a bug report.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDebug(cmd.Context(), cmd, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runDebug(ctx context.Context, cmd *cobra.Command, jsonOutput bool) error {
	root, err := config.FindProjectRoot(".")
	if err != nil {
		cwd, _ := os.Getwd()
		root = cwd
	}

	dataDir := filepath.Join(root, ".codewell")
	metadataPath := filepath.Join(dataDir, "metadata.db")
	if !fileExists(metadataPath) {
		return fmt.Errorf("no index found in %s\nRun 'codewell index' to create one", root)
	}

	info, err := collectDebugInfo(ctx, root, dataDir)
	if err != nil {
		return fmt.Errorf("failed to collect debug info: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}

	printDebugInfo(cmd, info)
	return nil
}

func collectDebugInfo(ctx context.Context, root, dataDir string) (*DebugInfo, error) {
	info := &DebugInfo{
		ProjectRoot: root,
		IndexPath:   dataDir,
		Languages:   map[string]float64{},
	}

	metadataPath := filepath.Join(dataDir, "metadata.db")
	metadata, err := store.NewSQLiteStore(metadataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata store: %w", err)
	}
	defer func() { _ = metadata.Close() }()

	projectID := hashString(root)
	if project, err := metadata.GetProject(ctx, projectID); err == nil && project != nil {
		info.FileCount = project.FileCount
		info.ChunkCount = project.ChunkCount
		info.IndexedAt = project.IndexedAt
	}

	info.MetadataSizeBytes = getFileSize(metadataPath)

	bm25SQLitePath := filepath.Join(dataDir, "bm25.db")
	bm25BlevePath := filepath.Join(dataDir, "bm25.bleve")
	if size := getFileSize(bm25SQLitePath); size > 0 {
		info.BM25SizeBytes = size
	} else {
		info.BM25SizeBytes = getDirSize(bm25BlevePath)
	}

	info.VectorSizeBytes = getFileSize(filepath.Join(dataDir, "vectors.hnsw"))

	cfg, err := config.Load(root)
	if err != nil {
		cfg = config.NewConfig()
	}
	info.EmbedderProvider = cfg.Embeddings.Provider
	if info.EmbedderProvider == "" {
		info.EmbedderProvider = "hugot"
	}
	info.EmbedderModel = cfg.Embeddings.Model
	if info.EmbedderModel == "" {
		info.EmbedderModel = "embeddinggemma"
	}
	info.BM25Backend = cfg.Search.BM25Backend
	info.IndexingStrategy = cfg.Indexing.Strategy
	if info.IndexingStrategy == "" {
		info.IndexingStrategy = "realtime"
	}

	info.Languages = scanLanguages(root, cfg)

	return info, nil
}

// scanLanguages walks the project applying the same include/exclude and
// gitignore rules the indexer does, and reports the fraction of eligible
// files per normalized extension. Best-effort: a walk error just means a
// sparser report, not a command failure.
func scanLanguages(root string, cfg *config.Config) map[string]float64 {
	pol := policy.New(root, policy.Options{
		IncludePatterns:  cfg.Paths.Include,
		ExcludePatterns:  cfg.Paths.Exclude,
		RespectGitignore: true,
	})

	counts := map[string]int{}
	total := 0

	_ = filepath.Walk(root, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		relPath, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		if relPath == "." {
			return nil
		}
		decision := pol.ShouldIndex(relPath, fi.IsDir())
		if fi.IsDir() {
			if !decision.Allowed {
				return filepath.SkipDir
			}
			return nil
		}
		if !decision.Allowed {
			return nil
		}
		ext := strings.TrimPrefix(filepath.Ext(relPath), ".")
		if ext == "" {
			return nil
		}
		counts[normalizeExtension(ext)]++
		total++
		return nil
	})

	if total == 0 {
		return map[string]float64{}
	}
	langs := make(map[string]float64, len(counts))
	for lang, n := range counts {
		langs[lang] = float64(n) / float64(total)
	}
	return langs
}

func printDebugInfo(cmd *cobra.Command, info *DebugInfo) {
	w := cmd.OutOrStdout()

	fmt.Fprintln(w, "Codewell Debug Info")
	fmt.Fprintln(w, "====================")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Project Root: %s\n", info.ProjectRoot)
	fmt.Fprintf(w, "Index Path:   %s\n", info.IndexPath)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "FILES & CHUNKS")
	fmt.Fprintf(w, "  Files:     %s\n", formatNumber(info.FileCount))
	fmt.Fprintf(w, "  Chunks:    %s\n", formatNumber(info.ChunkCount))
	fmt.Fprintf(w, "  Indexed:   %s\n", formatAge(info.IndexedAt))
	fmt.Fprintf(w, "  Languages: %s\n", formatLanguages(info.Languages))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "EMBEDDER")
	fmt.Fprintf(w, "  Provider: %s\n", info.EmbedderProvider)
	fmt.Fprintf(w, "  Model:    %s\n", info.EmbedderModel)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "BM25 INDEX")
	fmt.Fprintf(w, "  Backend: %s\n", defaultIfEmpty(info.BM25Backend, "sqlite"))
	fmt.Fprintf(w, "  Size:    %s\n", formatBytesDebug(info.BM25SizeBytes))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "VECTOR STORE")
	fmt.Fprintf(w, "  Size: %s\n", formatBytesDebug(info.VectorSizeBytes))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "STORAGE")
	fmt.Fprintf(w, "  Metadata: %s\n", formatBytesDebug(info.MetadataSizeBytes))
	fmt.Fprintf(w, "  BM25:     %s\n", formatBytesDebug(info.BM25SizeBytes))
	fmt.Fprintf(w, "  Vectors:  %s\n", formatBytesDebug(info.VectorSizeBytes))
	fmt.Fprintf(w, "  Strategy: %s\n", info.IndexingStrategy)
}

func defaultIfEmpty(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func formatBytesDebug(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// formatAge renders a timestamp as a coarse relative age. Zero values,
// which store.Project leaves when no project row exists yet, report
// "unknown" rather than a nonsensical multi-decade duration.
func formatAge(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}

	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		mins := int(d / time.Minute)
		if mins == 1 {
			return "1 minute ago"
		}
		return fmt.Sprintf("%d minutes ago", mins)
	case d < 24*time.Hour:
		hours := int(d / time.Hour)
		if hours == 1 {
			return "1 hour ago"
		}
		return fmt.Sprintf("%d hours ago", hours)
	default:
		days := int(d / (24 * time.Hour))
		if days == 1 {
			return "1 day ago"
		}
		return fmt.Sprintf("%d days ago", days)
	}
}

// formatNumber adds thousands separators, matching how 'status' already
// renders counts in ui.StatusRenderer.
func formatNumber(n int) string {
	s := fmt.Sprintf("%d", n)
	if n < 0 {
		return s
	}
	neg := s[0] == '-'
	if neg {
		s = s[1:]
	}
	var out []byte
	for i, c := range []byte(s) {
		if i > 0 && (len(s)-i)%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, c)
	}
	result := string(out)
	if neg {
		result = "-" + result
	}
	return result
}

// formatLanguages renders a language->fraction map sorted by descending
// share, as "lang (pct%)" pairs.
func formatLanguages(langs map[string]float64) string {
	if len(langs) == 0 {
		return "none"
	}

	type pair struct {
		lang string
		frac float64
	}
	pairs := make([]pair, 0, len(langs))
	for lang, frac := range langs {
		pairs = append(pairs, pair{lang, frac})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].frac != pairs[j].frac {
			return pairs[i].frac > pairs[j].frac
		}
		return pairs[i].lang < pairs[j].lang
	})

	parts := make([]string, 0, len(pairs))
	for _, p := range pairs {
		parts = append(parts, fmt.Sprintf("%s (%d%%)", p.lang, int(p.frac*100+0.5)))
	}
	return strings.Join(parts, ", ")
}

// normalizeExtension collapses file extension variants onto one label
// the same way index/runner.go groups languages for chunking decisions.
func normalizeExtension(ext string) string {
	switch strings.ToLower(ext) {
	case "tsx":
		return "ts"
	case "jsx", "mjs":
		return "js"
	case "yml":
		return "yaml"
	case "htm":
		return "html"
	default:
		return strings.ToLower(ext)
	}
}
