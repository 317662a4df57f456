package plan

import (
	"sync"
)

// baseCostMs is the static per-node-kind latency estimate (ms) before any
// learned correction is applied, roughly ranking modality-native operators
// ahead of full scans and cross-modal work.
var baseCostMs = map[NodeKind]float64{
	NodeIndexedLookup:    0.2,
	NodeAnnSearch:        2.0,
	NodeTensorReduce:     1.5,
	NodeFullText:         1.5,
	NodeGraphPattern:     3.0,
	NodeSpatialRadius:    1.0,
	NodeSpatialBounds:    0.8,
	NodeSpatialNearest:   1.2,
	NodeScan:             5.0,
	NodeCrossModalFilter: 1.0,
	NodeJoin:             4.0,
	NodeAggregate:        2.0,
	NodeSort:             1.5,
	NodeProject:          0.1,
	NodeLimit:            0.05,
	NodeProofGuard:       3.0,
}

// costKey identifies one (plan-shape, modality) bucket the adaptive
// correction factor is tracked per, per §4.5's "moving-average correction
// persisted per (plan-shape, modality)".
type costKey struct {
	Shape    NodeKind
	Modality string
}

// CostModel holds the static base costs plus a learned correction factor
// per (plan-shape, modality), updated from the executor's reported actual
// latencies. Loss of the in-memory table only degrades planning quality,
// never correctness, so persistence (left to the caller, e.g. a periodic
// snapshot to the registry's bbolt handle) is best-effort.
type CostModel struct {
	mu          sync.Mutex
	corrections map[costKey]float64 // multiplicative factor, default 1.0
}

// NewCostModel returns a cost model with no learned corrections yet.
func NewCostModel() *CostModel {
	return &CostModel{corrections: make(map[costKey]float64)}
}

// Estimate returns the corrected latency estimate (ms) for a node of kind
// shape operating on modality (empty string if not modality-specific).
func (c *CostModel) Estimate(shape NodeKind, modality string) float64 {
	base := baseCostMs[shape]
	c.mu.Lock()
	factor, ok := c.corrections[costKey{Shape: shape, Modality: modality}]
	c.mu.Unlock()
	if !ok {
		factor = 1.0
	}
	return base * factor
}

// Record folds one observed (estimated, actual) pair into the moving
// average correction factor for (shape, modality), using a fixed smoothing
// weight so recent observations dominate without discarding history
// entirely.
func (c *CostModel) Record(shape NodeKind, modality string, estimatedMs, actualMs float64) {
	if estimatedMs <= 0 {
		return
	}
	observed := actualMs / estimatedMs
	const alpha = 0.2

	key := costKey{Shape: shape, Modality: modality}
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, ok := c.corrections[key]
	if !ok {
		c.corrections[key] = observed
		return
	}
	c.corrections[key] = prev*(1-alpha) + observed*alpha
}
