// Package plan holds the query AST types the planner consumes and the
// physical plan tree it produces (C5): predicate push-down, join ordering,
// and the cost model that picks among equivalent trees.
package plan

import "github.com/verisimdb/verisimdb/pkg/model"

// SourceKind names where an AST's rows come from.
type SourceKind string

const (
	SourceEntity     SourceKind = "entity"
	SourceFederation SourceKind = "federation"
	SourceStore      SourceKind = "store"
	SourceReflect    SourceKind = "reflect"
)

// Source is the AST's FROM clause.
type Source struct {
	Kind        SourceKind
	EID         model.EID // SourceEntity
	Pattern     string    // SourceFederation
	DriftPolicy string    // SourceFederation, optional
	StoreID     string    // SourceStore
}

// PredicateKind tags the variant a Predicate holds. Validation rejects any
// tag not in this set.
type PredicateKind string

const (
	PredSimple      PredicateKind = "simple"
	PredAnd         PredicateKind = "and"
	PredOr          PredicateKind = "or"
	PredNot         PredicateKind = "not"
	PredFieldCmp    PredicateKind = "field_compare"
	PredDrift       PredicateKind = "drift"
	PredExists      PredicateKind = "exists"
	PredNotExists   PredicateKind = "not_exists"
	PredConsistent  PredicateKind = "consistent"
)

// CompareOp names a scalar comparison operator.
type CompareOp string

const (
	OpEq  CompareOp = "="
	OpNeq CompareOp = "!="
	OpLt  CompareOp = "<"
	OpLte CompareOp = "<="
	OpGt  CompareOp = ">"
	OpGte CompareOp = ">="
)

// Predicate is one node of the WHERE clause's boolean tree. Exactly the
// fields relevant to Kind are populated; the rest are zero.
type Predicate struct {
	Kind PredicateKind

	// PredSimple
	Field string
	Op    CompareOp
	Value any

	// PredAnd / PredOr
	Operands []Predicate

	// PredNot
	Operand *Predicate

	// PredFieldCmp
	ModalityA, FieldA string
	ModalityB, FieldB string

	// PredDrift / PredConsistent
	Metric    model.VectorMetric
	Threshold float64

	// PredExists / PredNotExists
	Modality model.Modality
}

// ObligationKind mirrors proof.Kind without importing the proof package,
// keeping the AST free of a dependency on the verification engine.
type ObligationKind string

const (
	ObligationExistence  ObligationKind = "existence"
	ObligationCitation   ObligationKind = "citation"
	ObligationAccess     ObligationKind = "access"
	ObligationIntegrity  ObligationKind = "integrity"
	ObligationProvenance ObligationKind = "provenance"
	ObligationCustom     ObligationKind = "custom"
)

// Obligation is one entry of the AST's PROOF clause.
type Obligation struct {
	Kind           ObligationKind
	EID            model.EID
	Modality       model.Modality
	Contract       string
	Cites          []model.EID
	Caller         string
	Action         string
	MinChainLength int
	Circuit        string
	Witness        []byte
}

// TensorReduceArgs is the Value carried by a PredSimple predicate whose
// Field is "tensor_reduce": a request to fold a tensor modality scan along
// one named axis rather than return the raw payload.
type TensorReduceArgs struct {
	Axis int
	Op   string // "sum", "mean", "max", "min", "product"
}

// Aggregate is one entry of the AST's aggregates clause.
type Aggregate struct {
	Func  string // "count", "sum", "avg", "min", "max"
	Field string
	As    string
}

// SortKey is one entry of the AST's order_by clause.
type SortKey struct {
	Field string
	Desc  bool
}

// AST is the validated query the planner turns into a physical plan.
// Constructed by an external parser; the planner never parses query text
// itself.
type AST struct {
	Modalities  []model.Modality
	Projections []string
	Aggregates  []Aggregate
	Source      Source
	Where       *Predicate
	GroupBy     []string
	Having      *Predicate
	Proof       []Obligation
	OrderBy     []SortKey
	Limit       int
	Offset      int
	QueryText   string // the original text, fingerprinted into proof certificates
}

// HasProof reports whether this query takes the proof-bearing path.
func (a *AST) HasProof() bool {
	return len(a.Proof) > 0
}
