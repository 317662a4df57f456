package exec

import (
	"context"
	"fmt"
	"math"
	"reflect"

	"github.com/verisimdb/verisimdb/pkg/model"
	"github.com/verisimdb/verisimdb/pkg/query/plan"
)

// execCrossModalFilter evaluates the predicate against every row from the
// inner node, after that node's per-modality scan has already run (§4.6:
// cross-modal filters are never pushed into store-native queries).
func (e *Executor) execCrossModalFilter(ctx context.Context, node *plan.Node) (*PartialResult, error) {
	inner, err := e.Execute(ctx, node.Inner[0])
	if err != nil {
		return nil, err
	}
	if inner.Err != nil {
		return inner, nil
	}

	kept := make([]Row, 0, len(inner.Rows))
	for _, row := range inner.Rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ok, err := e.evalPredicate(row, node.Predicate)
		if err != nil {
			return nil, err
		}
		if ok {
			kept = append(kept, row)
		}
	}
	return &PartialResult{Rows: kept, CompletedModalities: inner.CompletedModalities}, nil
}

func (e *Executor) evalPredicate(row Row, pred *plan.Predicate) (bool, error) {
	if pred == nil {
		return true, nil
	}
	switch pred.Kind {
	case plan.PredAnd:
		for _, p := range pred.Operands {
			ok, err := e.evalPredicate(row, &p)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil

	case plan.PredOr:
		for _, p := range pred.Operands {
			ok, err := e.evalPredicate(row, &p)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	case plan.PredNot:
		ok, err := e.evalPredicate(row, pred.Operand)
		return !ok, err

	case plan.PredExists:
		return e.modalityPresent(row.EID, pred.Modality), nil

	case plan.PredNotExists:
		return !e.modalityPresent(row.EID, pred.Modality), nil

	case plan.PredFieldCmp:
		return e.evalFieldCompare(row, pred)

	case plan.PredDrift:
		return e.evalDrift(row, pred)

	case plan.PredConsistent:
		return e.evalConsistent(row, pred)

	case plan.PredSimple:
		// A bare field predicate. The planner turns the shapes it recognizes
		// (vector/body/pattern/radius/tensor_reduce) into pushed-down access
		// paths and then adds no filter stage; a bare predicate that does
		// reach this stage is not evaluated, and every row passes it.
		return true, nil

	default:
		return false, fmt.Errorf("exec: unknown predicate kind %q", pred.Kind)
	}
}

func (e *Executor) modalityPresent(eid model.EID, m model.Modality) bool {
	present, ok := e.stores.Registry.PresentModalities(eid)
	if !ok {
		return false
	}
	for _, have := range present {
		if have == m {
			return true
		}
	}
	return false
}

func (e *Executor) evalFieldCompare(row Row, pred *plan.Predicate) (bool, error) {
	a, err := e.resolveField(row.EID, model.Modality(pred.ModalityA), pred.FieldA)
	if err != nil {
		return false, err
	}
	b, err := e.resolveField(row.EID, model.Modality(pred.ModalityB), pred.FieldB)
	if err != nil {
		return false, err
	}
	return compareValues(a, b, pred.Op)
}

// resolveField fetches modality m's payload for eid and reads its Field
// by name via reflection, covering every payload struct without a
// per-type field table.
func (e *Executor) resolveField(eid model.EID, m model.Modality, field string) (any, error) {
	payload, err := e.fetchModality(eid, m)
	if err != nil {
		return nil, err
	}
	v := reflect.ValueOf(payload)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil, fmt.Errorf("exec: %s payload is not a struct", m)
	}
	f := v.FieldByName(field)
	if !f.IsValid() {
		return nil, fmt.Errorf("exec: %s has no field %q", m, field)
	}
	return f.Interface(), nil
}

func compareValues(a, b any, op plan.CompareOp) (bool, error) {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch op {
		case plan.OpEq:
			return af == bf, nil
		case plan.OpNeq:
			return af != bf, nil
		case plan.OpLt:
			return af < bf, nil
		case plan.OpLte:
			return af <= bf, nil
		case plan.OpGt:
			return af > bf, nil
		case plan.OpGte:
			return af >= bf, nil
		}
	}
	as, bs := fmt.Sprintf("%v", a), fmt.Sprintf("%v", b)
	switch op {
	case plan.OpEq:
		return as == bs, nil
	case plan.OpNeq:
		return as != bs, nil
	default:
		return false, fmt.Errorf("exec: operator %s requires ordered operands", op)
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// evalDrift reads the stored drift score for the predicate's pair,
// recomputing it if the scorer is configured and the cached value is
// considered stale (here: always recomputed, since no drift-score cache
// with an age field is wired into the executor's Row type; recomputation
// is the scorer's ordinary, side-effect-free ScorePair call).
func (e *Executor) evalDrift(row Row, pred *plan.Predicate) (bool, error) {
	if e.scorer == nil {
		return false, fmt.Errorf("exec: drift predicate requires a configured scorer")
	}
	a := model.Modality(pred.ModalityA)
	b := model.Modality(pred.ModalityB)
	score, err := e.scorer.ScorePair(row.EID, a, b)
	if err != nil {
		return false, err
	}
	return compareValues(score, pred.Threshold, pred.Op)
}

// evalConsistent computes pairwise similarity under the named metric and
// reports whether it is positive (§4.6: "true when > 0").
func (e *Executor) evalConsistent(row Row, pred *plan.Predicate) (bool, error) {
	a, err := e.resolveField(row.EID, model.Modality(pred.ModalityA), pred.FieldA)
	if err != nil {
		return false, err
	}
	b, err := e.resolveField(row.EID, model.Modality(pred.ModalityB), pred.FieldB)
	if err != nil {
		return false, err
	}
	va, aok := toVector(a)
	vb, bok := toVector(b)
	if !aok || !bok {
		return false, fmt.Errorf("exec: consistent() requires vector-shaped fields")
	}
	sim, err := similarity(va, vb, pred.Metric)
	if err != nil {
		return false, err
	}
	return sim > 0, nil
}

func toVector(v any) ([]float64, bool) {
	switch x := v.(type) {
	case []float32:
		out := make([]float64, len(x))
		for i, f := range x {
			out[i] = float64(f)
		}
		return out, true
	case []float64:
		return x, true
	}
	return nil, false
}

func similarity(a, b []float64, metric model.VectorMetric) (float64, error) {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	switch metric {
	case model.MetricEuclidean:
		var sum float64
		for i := 0; i < n; i++ {
			d := a[i] - b[i]
			sum += d * d
		}
		return -sum, nil // smaller distance -> larger "similarity"
	case model.MetricDot:
		var dot float64
		for i := 0; i < n; i++ {
			dot += a[i] * b[i]
		}
		return dot, nil
	case model.MetricCosine, "":
		var dot, na, nb float64
		for i := 0; i < n; i++ {
			dot += a[i] * b[i]
		}
		for _, v := range a {
			na += v * v
		}
		for _, v := range b {
			nb += v * v
		}
		if na == 0 || nb == 0 {
			return 0, nil
		}
		return dot / (math.Sqrt(na) * math.Sqrt(nb)), nil
	case "jaccard":
		return jaccardFloat(a, b), nil
	default:
		return 0, fmt.Errorf("exec: unknown metric %q", metric)
	}
}

func jaccardFloat(a, b []float64) float64 {
	sa := make(map[float64]bool, len(a))
	for _, v := range a {
		sa[v] = true
	}
	inter, union := 0, len(sa)
	for _, v := range b {
		if sa[v] {
			inter++
		} else {
			union++
		}
	}
	if union == 0 {
		return 1
	}
	return float64(inter) / float64(union)
}

