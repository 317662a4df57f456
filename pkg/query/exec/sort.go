package exec

import (
	"context"
	"sort"

	"github.com/verisimdb/verisimdb/pkg/query/plan"
)

// execSort stable-sorts the inner node's rows by SortKeys, left to right.
func (e *Executor) execSort(ctx context.Context, node *plan.Node) (*PartialResult, error) {
	inner, err := e.Execute(ctx, node.Inner[0])
	if err != nil {
		return nil, err
	}
	if inner.Err != nil {
		return inner, nil
	}

	rows := inner.Rows
	var sortErr error
	sort.SliceStable(rows, func(i, j int) bool {
		if sortErr != nil {
			return false
		}
		for _, key := range node.SortKeys {
			a, err := e.fieldByPath(rows[i], key.Field)
			if err != nil {
				sortErr = err
				return false
			}
			b, err := e.fieldByPath(rows[j], key.Field)
			if err != nil {
				sortErr = err
				return false
			}
			af, aok := toFloat(a)
			bf, bok := toFloat(b)
			var less, greater bool
			if aok && bok {
				less, greater = af < bf, af > bf
			} else {
				as, bs := toString(a), toString(b)
				less, greater = as < bs, as > bs
			}
			if key.Desc {
				less, greater = greater, less
			}
			if less {
				return true
			}
			if greater {
				return false
			}
		}
		return false
	})
	if sortErr != nil {
		return nil, sortErr
	}

	return &PartialResult{Rows: rows, CompletedModalities: inner.CompletedModalities}, nil
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
