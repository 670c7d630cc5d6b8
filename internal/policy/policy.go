// Package policy centralizes the path-safety and should_index decisions
// spec.md §4.1 requires every entry point to apply consistently: the MCP
// resource reader, the incremental watcher strategies, and the full
// scanner all need the same containment and exclusion rules, not three
// slightly different reimplementations of them. It composes
// internal/gitignore for pattern matching and mirrors the deny-list and
// path-containment checks the scanner and MCP resource reader already
// apply ad hoc (internal/scanner/scanner.go, internal/mcp/resources.go).
package policy

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/codewell-dev/codewell/internal/gitignore"
)

// DefaultMaxFileSize is the per-file size cap applied before a file is
// considered for indexing, mirroring internal/scanner's default.
const DefaultMaxFileSize = 5 * 1024 * 1024

// DefaultMaxFileCount bounds how many files a single project index may
// track, guarding against runaway resource use on huge trees.
const DefaultMaxFileCount = 200_000

// deniedDirs are never walked into, full stop, regardless of gitignore
// or user configuration.
var deniedDirs = []string{
	"node_modules", ".git", "vendor", "__pycache__", "dist", "build",
	".aws", ".gcp", ".azure", ".ssh",
}

// deniedFilePatterns are never indexed even if explicitly included,
// because they are overwhelmingly likely to hold secrets.
var deniedFilePatterns = []string{
	".env", ".env.*", "*.pem", "*.key", "*.p12", "*.pfx",
	"*credentials*", "*secrets*", "*password*",
	".netrc", ".npmrc", ".pypirc",
	"id_rsa", "id_dsa", "id_ecdsa", "id_ed25519",
}

// Policy decides which files under a project root are eligible for
// indexing and verifies that a relative path stays within that root.
type Policy struct {
	root            string
	gitignore       *gitignore.Matcher
	includePatterns []string
	excludePatterns []string
	maxFileSize     int64
	maxFileCount    int
}

// Options configures a Policy beyond its built-in deny lists.
type Options struct {
	IncludePatterns []string
	ExcludePatterns []string
	MaxFileSize     int64
	MaxFileCount    int
	RespectGitignore bool
	GitignoreMatcher *gitignore.Matcher
}

// New creates a Policy rooted at root (must be an absolute, cleaned path).
func New(root string, opts Options) *Policy {
	maxSize := opts.MaxFileSize
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}
	maxCount := opts.MaxFileCount
	if maxCount <= 0 {
		maxCount = DefaultMaxFileCount
	}

	var matcher *gitignore.Matcher
	if opts.RespectGitignore {
		matcher = opts.GitignoreMatcher
		if matcher == nil {
			matcher = gitignore.New()
		}
	}

	return &Policy{
		root:            filepath.Clean(root),
		gitignore:       matcher,
		includePatterns: opts.IncludePatterns,
		excludePatterns: opts.ExcludePatterns,
		maxFileSize:     maxSize,
		maxFileCount:    maxCount,
	}
}

// MaxFileCount exposes the configured project-wide file cap.
func (p *Policy) MaxFileCount() int {
	return p.maxFileCount
}

// ResolvePath canonicalizes a project-relative path and verifies it
// cannot escape the project root via "..", an absolute prefix, a NUL
// byte, or a symlink-style traversal. It returns the absolute path on
// success. This is the single choke point every read/write operation
// touching project files must go through (spec §4.1, invariant: no
// operation ever accesses a path outside the configured project root).
func (p *Policy) ResolvePath(relPath string) (string, error) {
	if relPath == "" {
		return "", fmt.Errorf("policy: empty path")
	}
	if strings.ContainsRune(relPath, 0) {
		return "", fmt.Errorf("policy: path contains NUL byte")
	}
	if filepath.IsAbs(relPath) {
		return "", fmt.Errorf("policy: absolute paths are not allowed: %s", relPath)
	}
	if len(relPath) >= 2 && relPath[1] == ':' {
		return "", fmt.Errorf("policy: windows absolute paths are not allowed: %s", relPath)
	}

	cleaned := filepath.Clean(relPath)
	for _, part := range strings.Split(cleaned, string(filepath.Separator)) {
		if part == ".." {
			return "", fmt.Errorf("policy: path escapes project root: %s", relPath)
		}
	}

	abs := filepath.Join(p.root, cleaned)
	// Belt and suspenders: filepath.Join already strips "..", but a
	// platform-specific separator quirk should still be caught here.
	if !strings.HasPrefix(abs, p.root+string(filepath.Separator)) && abs != p.root {
		return "", fmt.Errorf("policy: path escapes project root: %s", relPath)
	}
	return abs, nil
}

// Decision is the outcome of evaluating should_index for one path.
type Decision struct {
	Allowed bool
	Reason  string // set when Allowed is false
}

func deny(reason string) Decision { return Decision{Allowed: false, Reason: reason} }

var allow = Decision{Allowed: true}

// ShouldIndex implements should_index(relative_path): hardcoded deny list,
// then gitignore, then configured include/exclude patterns. Include
// patterns, when present, are an allow-list: a path must match at least
// one to be indexed. The deny list always wins regardless of include
// patterns, matching the scanner's sensitive-file handling.
func (p *Policy) ShouldIndex(relPath string, isDir bool) Decision {
	cleaned := filepath.Clean(relPath)
	baseName := filepath.Base(cleaned)

	if isDir {
		for _, d := range deniedDirs {
			if baseName == d || containsPathComponent(cleaned, d) {
				return deny("denied directory: " + d)
			}
		}
		for _, pattern := range p.excludePatterns {
			if matchGlobComponent(cleaned, pattern) {
				return deny("excluded by pattern: " + pattern)
			}
		}
		return allow
	}

	for _, pattern := range deniedFilePatterns {
		if matchGlob(baseName, pattern) || matchGlob(cleaned, pattern) {
			return deny("denied sensitive file pattern: " + pattern)
		}
	}

	for _, pattern := range p.excludePatterns {
		if matchGlob(baseName, pattern) || matchGlob(cleaned, pattern) {
			return deny("excluded by pattern: " + pattern)
		}
	}

	if p.gitignore != nil && p.gitignore.Match(cleaned, false) {
		return deny("excluded by gitignore")
	}

	if len(p.includePatterns) > 0 {
		matched := false
		for _, pattern := range p.includePatterns {
			if matchGlob(baseName, pattern) || matchGlob(cleaned, pattern) {
				matched = true
				break
			}
		}
		if !matched {
			return deny("did not match any include pattern")
		}
	}

	return allow
}

// ShouldIndexSize additionally rejects files over the configured cap,
// kept separate from ShouldIndex because callers often already have the
// os.FileInfo in hand and shouldn't need to stat twice.
func (p *Policy) ShouldIndexSize(size int64) Decision {
	if size > p.maxFileSize {
		return deny(fmt.Sprintf("file exceeds max size %d bytes", p.maxFileSize))
	}
	return allow
}

func containsPathComponent(relPath, component string) bool {
	for _, part := range strings.Split(relPath, string(filepath.Separator)) {
		if part == component {
			return true
		}
	}
	return false
}

// matchGlob matches a literal-vs-wildcard pattern against a single
// value. Patterns with no "*" or "?" are treated as a literal substring
// match against "*pattern*" semantics when the pattern has no anchor,
// otherwise as an exact match; patterns with wildcards go through
// filepath.Match.
func matchGlob(value, pattern string) bool {
	if !strings.ContainsAny(pattern, "*?[") {
		return value == pattern
	}
	ok, err := filepath.Match(pattern, value)
	return err == nil && ok
}

// matchGlobComponent matches a directory-style pattern (e.g. "**/foo/**")
// against any path component, falling back to matchGlob for simple
// patterns.
func matchGlobComponent(relPath, pattern string) bool {
	trimmed := strings.TrimPrefix(strings.TrimSuffix(pattern, "/**"), "**/")
	if trimmed != pattern {
		return containsPathComponent(relPath, trimmed)
	}
	return matchGlob(filepath.Base(relPath), pattern)
}
