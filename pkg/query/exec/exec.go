// Package exec executes physical plan trees produced by pkg/query/plan
// (C6): bottom-up evaluation, hash-based EID joins, cross-modal predicate
// evaluation performed after per-modality scans rather than pushed into
// store-native queries, and proof-guard verification on the proof path.
package exec

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/verisimdb/verisimdb/pkg/drift"
	"github.com/verisimdb/verisimdb/pkg/model"
	"github.com/verisimdb/verisimdb/pkg/proof"
	"github.com/verisimdb/verisimdb/pkg/query/plan"
	"github.com/verisimdb/verisimdb/pkg/registry"
	"github.com/verisimdb/verisimdb/pkg/storage"
)

// Row is one candidate entity moving through the plan tree: the EID plus
// whatever modality payloads have been fetched for it so far. A nil entry
// for a modality means it was never fetched on this path, not that it is
// absent from the octad.
type Row struct {
	EID      model.EID
	Payloads map[model.Modality]any
}

func newRow(eid model.EID) Row {
	return Row{EID: eid, Payloads: make(map[model.Modality]any)}
}

// PartialResult is what a node boundary failure surfaces as (§4.6): the
// rows produced by modalities that did complete, the modalities that did,
// and the first error encountered. Plan nodes carry no flag that marks a
// modality as required.
type PartialResult struct {
	Rows                []Row
	CompletedModalities []model.Modality
	Err                 error
}

// Stores bundles read access to all eight modality stores plus the index
// operators (ANN, full text, graph pattern, spatial) the planner may have
// chosen.
type Stores struct {
	Graph      *storage.GraphStore
	Vector     *storage.VectorStore
	Tensor     *storage.TensorStore
	Semantic   *storage.SemanticStore
	Document   *storage.DocumentStore
	Temporal   *storage.TemporalStore
	Provenance *storage.ProvenanceStore
	Spatial    *storage.SpatialStore

	// Registry supplies a full scan's candidate EID set: every entity that
	// carries the scanned modality, per its registry entry.
	Registry *registry.Registry
}

// Executor runs a physical plan tree against Stores, a drift scorer (for
// the drift() and consistent() cross-modal predicates), and an optional
// proof engine (required only if the plan contains a ProofGuard node).
type Executor struct {
	stores      Stores
	scorer      *drift.Scorer
	proofEngine *proof.Engine
	costs       *plan.CostModel

	mu              sync.Mutex
	lastCertificate *proof.Certificate
}

// NewExecutor builds an executor. proofEngine may be nil if the caller
// never executes a proof-path plan.
func NewExecutor(stores Stores, scorer *drift.Scorer, proofEngine *proof.Engine, costs *plan.CostModel) *Executor {
	return &Executor{stores: stores, scorer: scorer, proofEngine: proofEngine, costs: costs}
}

// Certificate returns the certificate issued by the most recently executed
// proof-path plan, or nil if none has run yet (a fast-path plan never sets
// one).
func (e *Executor) Certificate() *proof.Certificate {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastCertificate
}

// Execute runs node to completion or until ctx is cancelled, checking
// cancellation at every node boundary (§4.6).
func (e *Executor) Execute(ctx context.Context, node *plan.Node) (*PartialResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := e.dispatch(ctx, node)
	if e.costs != nil {
		e.costs.Record(node.Kind, string(node.Modality), node.EstimatedCostMs, float64(time.Since(start).Milliseconds()))
	}
	return result, err
}

func (e *Executor) dispatch(ctx context.Context, node *plan.Node) (*PartialResult, error) {
	switch node.Kind {
	case NodeScanKind:
		return e.execScan(node)
	case NodeIndexedLookupKind:
		return e.execIndexedLookup(node)
	case NodeAnnSearchKind:
		return e.execAnnSearch(node)
	case NodeFullTextKind:
		return e.execFullText(node)
	case NodeGraphPatternKind:
		return e.execGraphPattern(node)
	case NodeSpatialRadiusKind:
		return e.execSpatialRadius(node)
	case NodeSpatialBoundsKind:
		return e.execSpatialBounds(node)
	case NodeSpatialNearestKind:
		return e.execSpatialNearest(node)
	case NodeCrossModalFilterKind:
		return e.execCrossModalFilter(ctx, node)
	case NodeJoinKind:
		return e.execJoin(ctx, node)
	case NodeAggregateKind:
		return e.execAggregate(ctx, node)
	case NodeSortKind:
		return e.execSort(ctx, node)
	case NodeProjectKind:
		return e.execProject(ctx, node)
	case NodeLimitKind:
		return e.execLimit(ctx, node)
	case NodeProofGuardKind:
		return e.execProofGuard(ctx, node)
	case NodeTensorReduceKind:
		return e.execTensorReduce(node)
	default:
		return nil, fmt.Errorf("exec: unknown plan node kind %q", node.Kind)
	}
}

// The plan package's NodeKind consts are re-exported here under aliases so
// this file reads as a flat switch rather than a wall of plan.Node* noise.
const (
	NodeScanKind             = plan.NodeScan
	NodeIndexedLookupKind    = plan.NodeIndexedLookup
	NodeAnnSearchKind        = plan.NodeAnnSearch
	NodeFullTextKind         = plan.NodeFullText
	NodeGraphPatternKind     = plan.NodeGraphPattern
	NodeSpatialRadiusKind    = plan.NodeSpatialRadius
	NodeSpatialBoundsKind    = plan.NodeSpatialBounds
	NodeSpatialNearestKind   = plan.NodeSpatialNearest
	NodeCrossModalFilterKind = plan.NodeCrossModalFilter
	NodeJoinKind             = plan.NodeJoin
	NodeAggregateKind        = plan.NodeAggregate
	NodeSortKind             = plan.NodeSort
	NodeProjectKind          = plan.NodeProject
	NodeLimitKind            = plan.NodeLimit
	NodeProofGuardKind       = plan.NodeProofGuard
	NodeTensorReduceKind     = plan.NodeTensorReduce
)

func sortRowsByEID(rows []Row) {
	sort.Slice(rows, func(i, j int) bool { return rows[i].EID.String() < rows[j].EID.String() })
}

func splitPattern(s string) storage.Pattern {
	parts := strings.SplitN(s, "|", 3)
	for len(parts) < 3 {
		parts = append(parts, "")
	}
	return storage.Pattern{Subject: parts[0], Predicate: parts[1], Object: parts[2]}
}
