package exec

import (
	"context"

	"github.com/verisimdb/verisimdb/pkg/model"
	"github.com/verisimdb/verisimdb/pkg/query/plan"
)

// execJoin hash-joins the two inner nodes' row sets on EID (§4.6: "joins
// are hash-based on EID"), building the hash table from whichever side
// returned fewer rows.
func (e *Executor) execJoin(ctx context.Context, node *plan.Node) (*PartialResult, error) {
	left, err := e.Execute(ctx, node.Inner[0])
	if err != nil {
		return nil, err
	}
	if left.Err != nil {
		return left, nil
	}
	right, err := e.Execute(ctx, node.Inner[1])
	if err != nil {
		return nil, err
	}
	if right.Err != nil {
		return right, nil
	}

	build, probe := left, right
	if len(right.Rows) < len(left.Rows) {
		build, probe = right, left
	}

	table := make(map[model.EID]Row, len(build.Rows))
	for _, row := range build.Rows {
		table[row.EID] = row
	}

	merged := make([]Row, 0, len(probe.Rows))
	for _, pRow := range probe.Rows {
		bRow, ok := table[pRow.EID]
		if !ok {
			continue
		}
		out := newRow(pRow.EID)
		for m, v := range bRow.Payloads {
			out.Payloads[m] = v
		}
		for m, v := range pRow.Payloads {
			out.Payloads[m] = v
		}
		merged = append(merged, out)
	}
	sortRowsByEID(merged)

	completed := append(append([]model.Modality{}, left.CompletedModalities...), right.CompletedModalities...)
	return &PartialResult{Rows: merged, CompletedModalities: completed}, nil
}
