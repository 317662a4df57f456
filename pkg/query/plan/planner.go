package plan

import (
	"sort"

	"github.com/verisimdb/verisimdb/pkg/model"
)

// Planner turns a validated AST into a physical plan tree, choosing among
// equivalent trees by estimated cost (§4.5).
type Planner struct {
	costs *CostModel
}

// NewPlanner builds a planner backed by costs. A nil costs uses a fresh,
// uncorrected CostModel.
func NewPlanner(costs *CostModel) *Planner {
	if costs == nil {
		costs = NewCostModel()
	}
	return &Planner{costs: costs}
}

// Explain builds the physical plan tree for ast without executing it,
// satisfying the planner's external `explain(ast) -> plan tree` hook (§6).
func (p *Planner) Explain(ast *AST) (*Node, error) {
	return p.Plan(ast)
}

// Plan builds the physical plan tree for ast: per-modality scan candidates
// (choosing a native index or ANN path over a full scan wherever the
// predicate allows it), a cross-modal filter stage for a WHERE clause that
// no chosen access path already consumed, optional aggregation,
// sort, projection, and limit stages, and — on the proof path — a
// ProofGuard wrapping the whole tree.
func (p *Planner) Plan(ast *AST) (*Node, error) {
	var root *Node

	scans := p.planScans(ast)
	root = p.combine(scans)

	pushedDown := false
	for _, s := range scans {
		if s.Kind != NodeScan {
			pushedDown = true
		}
	}
	if ast.Where != nil && !pushedDown {
		root = &Node{
			Kind:            NodeCrossModalFilter,
			Inner:           []*Node{root},
			Predicate:       ast.Where,
			EstimatedCostMs: p.costs.Estimate(NodeCrossModalFilter, ""),
		}
	}

	if len(ast.GroupBy) > 0 || len(ast.Aggregates) > 0 {
		root = &Node{
			Kind:            NodeAggregate,
			Inner:           []*Node{root},
			GroupBy:         ast.GroupBy,
			Aggregates:      ast.Aggregates,
			EstimatedCostMs: p.costs.Estimate(NodeAggregate, ""),
		}
	}

	if len(ast.OrderBy) > 0 {
		root = &Node{
			Kind:            NodeSort,
			Inner:           []*Node{root},
			SortKeys:        ast.OrderBy,
			EstimatedCostMs: p.costs.Estimate(NodeSort, ""),
		}
	}

	if len(ast.Projections) > 0 {
		root = &Node{
			Kind:            NodeProject,
			Inner:           []*Node{root},
			Fields:          ast.Projections,
			EstimatedCostMs: p.costs.Estimate(NodeProject, ""),
		}
	}

	if ast.Limit > 0 || ast.Offset > 0 {
		root = &Node{
			Kind:            NodeLimit,
			Inner:           []*Node{root},
			LimitN:          ast.Limit,
			OffsetN:         ast.Offset,
			EstimatedCostMs: p.costs.Estimate(NodeLimit, ""),
		}
	}

	if ast.HasProof() {
		root = &Node{
			Kind:            NodeProofGuard,
			Inner:           []*Node{root},
			Obligations:     toProofObligations(ast.Proof),
			QueryText:       ast.QueryText,
			EstimatedCostMs: p.costs.Estimate(NodeProofGuard, ""),
		}
	}

	return root, nil
}

func toProofObligations(obs []Obligation) []Obligation {
	out := make([]Obligation, len(obs))
	copy(out, obs)
	return out
}

// planScans builds one scan-family candidate per modality named in the
// AST, choosing the cheapest access path the WHERE clause allows for that
// modality.
func (p *Planner) planScans(ast *AST) []*Node {
	nodes := make([]*Node, 0, len(ast.Modalities))
	for _, m := range ast.Modalities {
		nodes = append(nodes, p.bestScanFor(ast, m))
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].TotalCost() < nodes[j].TotalCost() })
	return nodes
}

// bestScanFor enumerates the access paths available for m given ast.Where
// and picks the minimum-cost one, breaking ties by lower memory estimate
// then by the node kind's name for a stable, deterministic order.
func (p *Planner) bestScanFor(ast *AST, m model.Modality) *Node {
	candidates := p.candidatesFor(ast, m)
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.EstimatedCostMs < best.EstimatedCostMs ||
			(c.EstimatedCostMs == best.EstimatedCostMs && c.EstimatedMemory < best.EstimatedMemory) ||
			(c.EstimatedCostMs == best.EstimatedCostMs && c.EstimatedMemory == best.EstimatedMemory && c.Kind < best.Kind) {
			best = c
		}
	}
	return best
}

func (p *Planner) candidatesFor(ast *AST, m model.Modality) []*Node {
	var out []*Node

	out = append(out, &Node{
		Kind:            NodeScan,
		Modality:        m,
		Predicate:       ast.Where,
		EstimatedCostMs: p.costs.Estimate(NodeScan, string(m)),
		EstimatedMemory: 1.0,
	})

	switch m {
	case model.ModalityVector:
		if vec, k, metric, ok := vectorPredicate(ast.Where); ok {
			out = append(out, &Node{
				Kind:            NodeAnnSearch,
				Modality:        m,
				Vector:          vec,
				K:               k,
				Metric:          metric,
				EstimatedCostMs: p.costs.Estimate(NodeAnnSearch, string(m)),
				EstimatedMemory: 0.5,
			})
		}
	case model.ModalityTensor:
		if axis, op, ok := tensorReducePredicate(ast.Where); ok {
			out = append(out, &Node{
				Kind:            NodeTensorReduce,
				Modality:        m,
				ReduceAxis:      axis,
				ReduceOp:        op,
				EstimatedCostMs: p.costs.Estimate(NodeTensorReduce, string(m)),
				EstimatedMemory: 0.5,
			})
		}
	case model.ModalityDocument:
		if text, k, ok := fullTextPredicate(ast.Where); ok {
			out = append(out, &Node{
				Kind:            NodeFullText,
				Modality:        m,
				Text:            text,
				K:               k,
				EstimatedCostMs: p.costs.Estimate(NodeFullText, string(m)),
				EstimatedMemory: 0.5,
			})
		}
	case model.ModalityGraph:
		if pattern, ok := graphPredicate(ast.Where); ok {
			out = append(out, &Node{
				Kind:            NodeGraphPattern,
				Modality:        m,
				Pattern:         pattern,
				EstimatedCostMs: p.costs.Estimate(NodeGraphPattern, string(m)),
				EstimatedMemory: 0.7,
			})
		}
	case model.ModalitySpatial:
		if center, radius, ok := spatialRadiusPredicate(ast.Where); ok {
			out = append(out, &Node{
				Kind:            NodeSpatialRadius,
				Modality:        m,
				Center:          center,
				Radius:          radius,
				EstimatedCostMs: p.costs.Estimate(NodeSpatialRadius, string(m)),
				EstimatedMemory: 0.4,
			})
		}
	}

	return out
}

// vectorPredicate recognizes a simple "field = <vector literal>"-shaped
// predicate as an ANN candidate; any other predicate shape falls back to a
// full scan, since push-down into the ANN index only understands nearest-
// neighbor queries.
func vectorPredicate(pred *Predicate) ([]float32, int, model.VectorMetric, bool) {
	if pred == nil || pred.Kind != PredSimple || pred.Field != "vector" {
		return nil, 0, "", false
	}
	vec, ok := pred.Value.([]float32)
	if !ok {
		return nil, 0, "", false
	}
	metric := model.MetricCosine
	return vec, 10, metric, true
}

// tensorReducePredicate recognizes a "tensor_reduce" field predicate as a
// request to push an axis reduction into the tensor store rather than
// return the raw payload.
func tensorReducePredicate(pred *Predicate) (int, string, bool) {
	if pred == nil || pred.Kind != PredSimple || pred.Field != "tensor_reduce" {
		return 0, "", false
	}
	args, ok := pred.Value.(TensorReduceArgs)
	if !ok {
		return 0, "", false
	}
	return args.Axis, args.Op, true
}

func fullTextPredicate(pred *Predicate) (string, int, bool) {
	if pred == nil || pred.Kind != PredSimple || pred.Field != "body" {
		return "", 0, false
	}
	text, ok := pred.Value.(string)
	if !ok {
		return "", 0, false
	}
	return text, 10, true
}

func graphPredicate(pred *Predicate) (string, bool) {
	if pred == nil || pred.Kind != PredSimple || pred.Field != "pattern" {
		return "", false
	}
	pattern, ok := pred.Value.(string)
	return pattern, ok
}

func spatialRadiusPredicate(pred *Predicate) (model.LatLon, float64, bool) {
	if pred == nil || pred.Kind != PredSimple || pred.Field != "radius" {
		return model.LatLon{}, 0, false
	}
	center, ok := pred.Value.(model.LatLon)
	if !ok {
		return model.LatLon{}, 0, false
	}
	return center, pred.Threshold, true
}

// combine merges independent per-modality scan candidates with hash joins
// on EID, cheapest (already-sorted) candidate first so the join's build
// side is the smaller estimated input.
func (p *Planner) combine(scans []*Node) *Node {
	if len(scans) == 0 {
		return &Node{Kind: NodeScan}
	}
	root := scans[0]
	for _, s := range scans[1:] {
		root = &Node{
			Kind:            NodeJoin,
			Inner:           []*Node{root, s},
			EstimatedCostMs: p.costs.Estimate(NodeJoin, ""),
			EstimatedMemory: root.EstimatedMemory + s.EstimatedMemory,
		}
	}
	return root
}
