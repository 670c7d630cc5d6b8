// Package integrity drives the drift-detection and reconciliation flow
// spec.md §4.9 requires before every read and on a periodic schedule: a
// cheap Merkle root comparison to decide whether anything changed at
// all, and, when it has, a cross-store consistency pass reusing the
// index package's existing orphan/missing detection
// (internal/index/consistency.go) to repair any divergence between the
// metadata store, the BM25 index, and the vector store.
package integrity

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/codewell-dev/codewell/internal/index"
	"github.com/codewell-dev/codewell/internal/merkle"
)

// Report summarizes one integrity pass.
type Report struct {
	DriftDetected   bool
	MerkleDiff      merkle.DiffResult
	ConsistencyRun  bool
	ConsistencyHits int
	Repaired        bool
	Duration        time.Duration
}

// Engine composes Merkle drift detection with cross-store reconciliation.
type Engine struct {
	tree     *merkle.Tree
	checker  *index.ConsistencyChecker
	indexing atomic.Bool // true while a reconcile/rebuild is in flight
}

// New creates an integrity engine over an existing Merkle tree (already
// Load()-ed by the caller) and consistency checker.
func New(tree *merkle.Tree, checker *index.ConsistencyChecker) *Engine {
	return &Engine{tree: tree, checker: checker}
}

// IsIndexingActive reports whether a reconcile is currently running. The
// orchestrator consults this before starting a second one and guarantees
// it gets reset on every exit path, including panics recovered upstream.
func (e *Engine) IsIndexingActive() bool {
	return e.indexing.Load()
}

// CheckDrift compares the supplied "current" tree (freshly built from a
// scan) against the engine's persisted tree via an O(1) root hash
// comparison, returning whether anything changed and, if so, exactly
// what (spec invariant 4: equal roots imply zero drift, so callers never
// need to fall back to a full reconcile when roots match).
func (e *Engine) CheckDrift(current *merkle.Tree) (merkle.DiffResult, bool) {
	if !current.HasChanged(e.tree) {
		return merkle.DiffResult{}, false
	}
	return current.Diff(e.tree), true
}

// Reconcile runs a full integrity pass: if the Merkle roots diverge, it
// replaces the engine's tree with current and runs the cross-store
// consistency checker, repairing any orphaned or missing entries it
// finds. The indexing-active flag is always cleared before returning,
// even on error, so a failed reconcile never wedges future ones.
func (e *Engine) Reconcile(ctx context.Context, current *merkle.Tree) (*Report, error) {
	if !e.indexing.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("integrity: reconcile already in progress")
	}
	defer e.indexing.Store(false)

	start := time.Now()
	diff, changed := e.CheckDrift(current)
	report := &Report{DriftDetected: changed, MerkleDiff: diff}

	if !changed {
		report.Duration = time.Since(start)
		return report, nil
	}

	e.tree = current

	if e.checker != nil {
		result, err := e.checker.Check(ctx)
		if err != nil {
			report.Duration = time.Since(start)
			return report, fmt.Errorf("integrity: consistency check failed: %w", err)
		}
		report.ConsistencyRun = true
		report.ConsistencyHits = len(result.Inconsistencies)

		if len(result.Inconsistencies) > 0 {
			slog.Warn("integrity: cross-store inconsistencies detected",
				slog.Int("count", len(result.Inconsistencies)))
			if err := e.checker.Repair(ctx, result.Inconsistencies); err != nil {
				report.Duration = time.Since(start)
				return report, fmt.Errorf("integrity: repair failed: %w", err)
			}
			report.Repaired = true
		}
	}

	report.Duration = time.Since(start)
	return report, nil
}

// QuickCheck is a cheap sanity pass suitable for running before every
// read-path operation: Merkle root comparison only, no store I/O.
func (e *Engine) QuickCheck(current *merkle.Tree) bool {
	return !current.HasChanged(e.tree)
}
