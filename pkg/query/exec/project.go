package exec

import (
	"context"

	"github.com/verisimdb/verisimdb/pkg/model"
	"github.com/verisimdb/verisimdb/pkg/query/plan"
)

// execProject narrows each row down to the named fields, dropping every
// other payload the upstream scans fetched.
func (e *Executor) execProject(ctx context.Context, node *plan.Node) (*PartialResult, error) {
	inner, err := e.Execute(ctx, node.Inner[0])
	if err != nil {
		return nil, err
	}
	if inner.Err != nil {
		return inner, nil
	}

	out := make([]Row, 0, len(inner.Rows))
	for _, row := range inner.Rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		projected := newRow(row.EID)
		for _, field := range node.Fields {
			v, err := e.fieldByPath(row, field)
			if err != nil {
				return nil, err
			}
			projected.Payloads[model.Modality(field)] = v
		}
		out = append(out, projected)
	}

	return &PartialResult{Rows: out, CompletedModalities: inner.CompletedModalities}, nil
}
