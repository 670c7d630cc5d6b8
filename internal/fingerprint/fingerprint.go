// Package fingerprint maintains the {relative_path -> content_hash} map
// Codewell uses to decide which files need (re)chunking. Two independent
// instances exist per project index: one for code files, one for
// documentation files (see store.StoreDirs in the index package).
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/codewell-dev/codewell/internal/atomicfile"
)

// Map is a {relative_path -> SHA-256 hex content hash} map, safe for
// concurrent use. It is owned exclusively by the index manager and the
// active indexing strategy.
type Map struct {
	mu   sync.RWMutex
	path string
	data map[string]string
}

// New creates an empty Map that will persist to path.
func New(path string) *Map {
	return &Map{path: path, data: make(map[string]string)}
}

// Delta describes the difference between the fingerprint map and a fresh
// set of on-disk hashes.
type Delta struct {
	Added    []string
	Modified []string
	Removed  []string
}

// Get returns the stored hash for path and whether it was present.
func (m *Map) Get(relPath string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.data[relPath]
	return h, ok
}

// Has reports whether relPath has a stored fingerprint.
func (m *Map) Has(relPath string) bool {
	_, ok := m.Get(relPath)
	return ok
}

// Set records the content hash for relPath.
func (m *Map) Set(relPath, hash string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[relPath] = hash
}

// Delete removes relPath from the map.
func (m *Map) Delete(relPath string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, relPath)
}

// Len returns the number of tracked paths.
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// Snapshot returns a copy of the underlying map for callers that need a
// point-in-time view (e.g. the Merkle tree builder).
func (m *Map) Snapshot() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.data))
	for k, v := range m.data {
		out[k] = v
	}
	return out
}

// Load reads the fingerprint map from disk. A missing file is not an
// error; the map starts empty.
func (m *Map) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var data map[string]string
	if err := atomicfile.ReadJSON(m.path, &data); err != nil {
		if os.IsNotExist(err) {
			m.data = make(map[string]string)
			return nil
		}
		return err
	}
	if data == nil {
		data = make(map[string]string)
	}
	m.data = data
	return nil
}

// Save flushes the fingerprint map to disk atomically.
func (m *Map) Save() error {
	m.mu.RLock()
	snapshot := make(map[string]string, len(m.data))
	for k, v := range m.data {
		snapshot[k] = v
	}
	m.mu.RUnlock()
	return atomicfile.WriteJSON(m.path, snapshot)
}

// Delta hashes every path in diskHashes (typically supplied by a filesystem
// scan) and compares it against the stored map, returning added/modified/
// removed relative paths. Paths present on disk but absent from the map are
// "added"; paths present in both with differing hashes are "modified";
// paths present in the map but absent from diskHashes are "removed".
func (m *Map) Delta(diskHashes map[string]string) Delta {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var d Delta
	seen := make(map[string]bool, len(diskHashes))
	for path, hash := range diskHashes {
		seen[path] = true
		stored, ok := m.data[path]
		switch {
		case !ok:
			d.Added = append(d.Added, path)
		case stored != hash:
			d.Modified = append(d.Modified, path)
		}
	}
	for path := range m.data {
		if !seen[path] {
			d.Removed = append(d.Removed, path)
		}
	}
	return d
}

// HashFile computes the SHA-256 hex digest of a file's contents. On
// permission or I/O error, the caller should treat the path as "added"
// rather than silently dropping it (spec invariant: failures surface).
func HashFile(absPath string) (string, error) {
	f, err := os.Open(absPath)
	if err != nil {
		slog.Warn("fingerprint: failed to open file for hashing",
			slog.String("path", absPath), slog.String("error", err.Error()))
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		slog.Warn("fingerprint: failed to hash file",
			slog.String("path", absPath), slog.String("error", err.Error()))
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashContent computes the SHA-256 hex digest of in-memory content.
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
