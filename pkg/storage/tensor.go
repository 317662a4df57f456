package storage

import (
	"encoding/json"
	"fmt"
	"math"
	"sync"

	"github.com/verisimdb/verisimdb/pkg/model"
	"go.etcd.io/bbolt"
	"gonum.org/v1/gonum/floats"
)

// TensorStore is the dense multi-dimensional array modality store (§4.1
// Tensor store). Payloads are stored row-major; reductions run directly
// over the flat Data slice via gonum's floats package.
type TensorStore struct {
	mu   sync.RWMutex
	db   *bbolt.DB
	data map[string]model.TensorPayload
}

func NewTensorStore(db *bbolt.DB) (*TensorStore, error) {
	ts := &TensorStore{db: db, data: make(map[string]model.TensorPayload)}
	err := db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTensor).ForEach(func(k, v []byte) error {
			var p model.TensorPayload
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			ts.data[string(k)] = p
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return ts, nil
}

func (ts *TensorStore) Modality() model.Modality { return model.ModalityTensor }

// Prepare validates product(Shape) == len(Data) and that Shape is non-empty
// (§4.1 tensor invariant).
func (ts *TensorStore) Prepare(eid model.EID, payload any) (PrepareToken, error) {
	tp, ok := payload.(*model.TensorPayload)
	if !ok {
		return PrepareToken{}, fmt.Errorf("tensor store: payload is not *model.TensorPayload")
	}
	if len(tp.Shape) == 0 {
		return PrepareToken{}, &model.InvariantViolation{Modality: model.ModalityTensor, Reason: "shape must be non-empty"}
	}
	product := 1
	for _, dim := range tp.Shape {
		if dim <= 0 {
			return PrepareToken{}, &model.InvariantViolation{Modality: model.ModalityTensor, Reason: "shape dimensions must be positive"}
		}
		product *= dim
	}
	if product != len(tp.Data) {
		return PrepareToken{}, &model.ShapeMismatch{Expected: product, Got: len(tp.Data)}
	}
	data, err := json.Marshal(tp)
	if err != nil {
		return PrepareToken{}, err
	}
	return PrepareToken{Modality: model.ModalityTensor, EID: eid, encoded: data}, nil
}

func (ts *TensorStore) PrepareDelete(eid model.EID) (PrepareToken, error) {
	return PrepareToken{Modality: model.ModalityTensor, EID: eid, deletion: true}, nil
}

func (ts *TensorStore) Commit(tok PrepareToken) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if tok.deletion {
		if err := ts.db.Update(func(tx *bbolt.Tx) error {
			return tx.Bucket(bucketTensor).Delete([]byte(tok.EID.String()))
		}); err != nil {
			return err
		}
		delete(ts.data, tok.EID.String())
		return nil
	}
	var payload model.TensorPayload
	if err := json.Unmarshal(tok.encoded, &payload); err != nil {
		return err
	}
	if err := ts.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTensor).Put([]byte(tok.EID.String()), tok.encoded)
	}); err != nil {
		return err
	}
	ts.data[tok.EID.String()] = payload
	return nil
}

func (ts *TensorStore) Rollback(tok PrepareToken) error { return nil }

func (ts *TensorStore) Delete(eid model.EID) error {
	tok, err := ts.PrepareDelete(eid)
	if err != nil {
		return err
	}
	return ts.Commit(tok)
}

func (ts *TensorStore) Get(eid model.EID) (*model.TensorPayload, error) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	p, ok := ts.data[eid.String()]
	if !ok {
		return nil, &model.NotFound{EID: eid, Modality: model.ModalityTensor}
	}
	return &p, nil
}

// Reduction names a supported tensor reduction operator.
type Reduction string

const (
	ReduceSum     Reduction = "sum"
	ReduceMean    Reduction = "mean"
	ReduceMax     Reduction = "max"
	ReduceMin     Reduction = "min"
	ReduceProduct Reduction = "product"
)

// Reduce collapses the full flattened tensor for eid to a single scalar,
// for callers that want a whole-tensor summary rather than a per-axis one
// (e.g. a drift score over an entire tensor payload).
func (ts *TensorStore) Reduce(eid model.EID, op Reduction) (float64, error) {
	p, err := ts.Get(eid)
	if err != nil {
		return 0, err
	}
	return reduceFlat(p.Data, op)
}

func reduceFlat(data []float64, op Reduction) (float64, error) {
	if len(data) == 0 {
		return 0, nil
	}
	switch op {
	case ReduceSum:
		return floats.Sum(data), nil
	case ReduceMean:
		return floats.Sum(data) / float64(len(data)), nil
	case ReduceMax:
		return floats.Max(data), nil
	case ReduceMin:
		return floats.Min(data), nil
	case ReduceProduct:
		product := 1.0
		for _, v := range data {
			product *= v
		}
		return product, nil
	default:
		return math.NaN(), fmt.Errorf("tensor store: unknown reduction %q", op)
	}
}

// ReduceAxis reduces eid's tensor along axis, returning a new tensor payload
// with that axis removed from Shape (§4.1 axis-aware query reduction). Every
// lane sharing the same coordinates on every other axis is folded into one
// output element by op.
func (ts *TensorStore) ReduceAxis(eid model.EID, axis int, op Reduction) (*model.TensorPayload, error) {
	p, err := ts.Get(eid)
	if err != nil {
		return nil, err
	}
	shape, data, err := reduceAlongAxis(p.Shape, p.Data, axis, op)
	if err != nil {
		return nil, err
	}
	return &model.TensorPayload{Shape: shape, Data: data}, nil
}

// reduceAlongAxis walks the flat row-major data once, mapping each element's
// full coordinate to its output coordinate with the axis-th component
// dropped, and folding every element that lands on the same output
// coordinate with op.
func reduceAlongAxis(shape []int, data []float64, axis int, op Reduction) ([]int, []float64, error) {
	if axis < 0 || axis >= len(shape) {
		return nil, nil, fmt.Errorf("tensor store: axis %d out of range for shape %v", axis, shape)
	}

	outShape := make([]int, 0, len(shape)-1)
	for i, d := range shape {
		if i != axis {
			outShape = append(outShape, d)
		}
	}
	outSize := 1
	for _, d := range outShape {
		outSize *= d
	}

	strides := stridesFor(shape)
	outStrides := stridesFor(outShape)

	out := make([]float64, outSize)
	counts := make([]int, outSize)
	seen := make([]bool, outSize)
	coord := make([]int, len(shape))

	for flat, v := range data {
		rem := flat
		for i, s := range strides {
			coord[i] = rem / s
			rem %= s
		}
		outFlat, oi := 0, 0
		for i, c := range coord {
			if i == axis {
				continue
			}
			outFlat += c * outStrides[oi]
			oi++
		}
		switch op {
		case ReduceSum, ReduceMean:
			out[outFlat] += v
		case ReduceMax:
			if !seen[outFlat] || v > out[outFlat] {
				out[outFlat] = v
			}
		case ReduceMin:
			if !seen[outFlat] || v < out[outFlat] {
				out[outFlat] = v
			}
		case ReduceProduct:
			if !seen[outFlat] {
				out[outFlat] = 1
			}
			out[outFlat] *= v
		default:
			return nil, nil, fmt.Errorf("tensor store: unknown reduction %q", op)
		}
		counts[outFlat]++
		seen[outFlat] = true
	}

	if op == ReduceMean {
		for i := range out {
			if counts[i] > 0 {
				out[i] /= float64(counts[i])
			}
		}
	}
	if len(outShape) == 0 {
		outShape = []int{1}
	}
	return outShape, out, nil
}

// stridesFor returns the row-major stride of each axis in shape (empty
// shape yields an empty stride set, for the scalar-result case).
func stridesFor(shape []int) []int {
	strides := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = acc
		acc *= shape[i]
	}
	return strides
}
