package exec

import (
	"context"

	"github.com/verisimdb/verisimdb/pkg/query/plan"
)

// execLimit applies OffsetN/LimitN slicing to the inner node's rows.
func (e *Executor) execLimit(ctx context.Context, node *plan.Node) (*PartialResult, error) {
	inner, err := e.Execute(ctx, node.Inner[0])
	if err != nil {
		return nil, err
	}
	if inner.Err != nil {
		return inner, nil
	}

	rows := inner.Rows
	if node.OffsetN > 0 {
		if node.OffsetN >= len(rows) {
			rows = nil
		} else {
			rows = rows[node.OffsetN:]
		}
	}
	if node.LimitN > 0 && node.LimitN < len(rows) {
		rows = rows[:node.LimitN]
	}

	return &PartialResult{Rows: rows, CompletedModalities: inner.CompletedModalities}, nil
}
