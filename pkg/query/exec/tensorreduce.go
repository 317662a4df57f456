package exec

import (
	"github.com/verisimdb/verisimdb/pkg/model"
	"github.com/verisimdb/verisimdb/pkg/query/plan"
	"github.com/verisimdb/verisimdb/pkg/storage"
)

// execTensorReduce pushes an axis reduction into the tensor store for
// every candidate entity, replacing each row's tensor payload with the
// reduced one rather than the raw tensor (§4.1 axis-aware reduction).
func (e *Executor) execTensorReduce(node *plan.Node) (*PartialResult, error) {
	candidates := e.candidateEIDs(model.ModalityTensor)
	rows := make([]Row, 0, len(candidates))
	for _, eid := range candidates {
		reduced, err := e.stores.Tensor.ReduceAxis(eid, node.ReduceAxis, storage.Reduction(node.ReduceOp))
		if err != nil {
			continue
		}
		row := newRow(eid)
		row.Payloads[model.ModalityTensor] = reduced
		rows = append(rows, row)
	}
	sortRowsByEID(rows)
	return &PartialResult{Rows: rows, CompletedModalities: []model.Modality{model.ModalityTensor}}, nil
}
