package plan

import "github.com/verisimdb/verisimdb/pkg/model"

// NodeKind tags a physical plan node's operator.
type NodeKind string

const (
	NodeScan            NodeKind = "scan"
	NodeIndexedLookup    NodeKind = "indexed_lookup"
	NodeAnnSearch       NodeKind = "ann_search"
	NodeFullText        NodeKind = "full_text"
	NodeGraphPattern    NodeKind = "graph_pattern"
	NodeSpatialRadius   NodeKind = "spatial_radius"
	NodeSpatialBounds   NodeKind = "spatial_bounds"
	NodeSpatialNearest  NodeKind = "spatial_nearest"
	NodeCrossModalFilter NodeKind = "cross_modal_filter"
	NodeJoin            NodeKind = "join"
	NodeAggregate       NodeKind = "aggregate"
	NodeSort            NodeKind = "sort"
	NodeProject         NodeKind = "project"
	NodeLimit           NodeKind = "limit"
	NodeProofGuard      NodeKind = "proof_guard"
	NodeTensorReduce    NodeKind = "tensor_reduce"
)

// Node is one physical plan operator. Like Predicate, only the fields
// relevant to Kind are populated.
type Node struct {
	Kind NodeKind

	// Children, present on every composite node.
	Inner []*Node

	// NodeScan
	Modality  model.Modality
	Predicate *Predicate

	// NodeIndexedLookup
	Key string

	// NodeAnnSearch
	Vector []float32
	K      int
	Metric model.VectorMetric

	// NodeFullText
	Text string

	// NodeGraphPattern
	Pattern string

	// NodeSpatialRadius / NodeSpatialNearest
	Center model.LatLon
	Radius float64 // meters; unused for Nearest

	// NodeSpatialBounds
	BoundsSW, BoundsNE model.LatLon

	// NodeAggregate
	GroupBy    []string
	Aggregates []Aggregate

	// NodeSort
	SortKeys []SortKey

	// NodeProject
	Fields []string

	// NodeLimit
	LimitN, OffsetN int

	// NodeProofGuard
	Obligations []Obligation
	QueryText   string

	// NodeTensorReduce
	ReduceAxis int
	ReduceOp   string

	// EstimatedCostMs is the cost model's latency estimate for this node
	// alone, not including its children.
	EstimatedCostMs float64
	// EstimatedMemory is the cost model's tie-breaking memory estimate.
	EstimatedMemory float64
}

// TotalCost sums this node's estimated cost with every descendant's.
func (n *Node) TotalCost() float64 {
	total := n.EstimatedCostMs
	for _, c := range n.Inner {
		total += c.TotalCost()
	}
	return total
}

// TotalMemory sums this node's estimated memory with every descendant's.
func (n *Node) TotalMemory() float64 {
	total := n.EstimatedMemory
	for _, c := range n.Inner {
		total += c.TotalMemory()
	}
	return total
}
