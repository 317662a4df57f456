package exec

import (
	"context"
	"fmt"

	"github.com/verisimdb/verisimdb/pkg/model"
	"github.com/verisimdb/verisimdb/pkg/query/plan"
)

// aggGroup accumulates one group_by bucket's running aggregate state.
type aggGroup struct {
	key  string
	rows []Row // kept only so the group's first row can seed Payloads on output
	sums map[string]float64
	mins map[string]float64
	maxs map[string]float64
	cnts map[string]int64
}

// execAggregate groups rows by GroupBy (or a single implicit group when
// empty) and reduces each group's Aggregates fields, per §4.6: aggregation
// blocks on its input since every group's final value depends on having
// seen every row.
func (e *Executor) execAggregate(ctx context.Context, node *plan.Node) (*PartialResult, error) {
	inner, err := e.Execute(ctx, node.Inner[0])
	if err != nil {
		return nil, err
	}
	if inner.Err != nil {
		return inner, nil
	}

	groups := make(map[string]*aggGroup)
	order := make([]string, 0)

	for _, row := range inner.Rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		key, err := e.groupKey(row, node.GroupBy)
		if err != nil {
			return nil, err
		}
		g, ok := groups[key]
		if !ok {
			g = &aggGroup{
				key:  key,
				sums: make(map[string]float64),
				mins: make(map[string]float64),
				maxs: make(map[string]float64),
				cnts: make(map[string]int64),
			}
			groups[key] = g
			order = append(order, key)
		}
		g.rows = append(g.rows, row)

		for _, agg := range node.Aggregates {
			if agg.Func == "count" {
				g.cnts[agg.As]++
				continue
			}
			v, err := e.fieldByPath(row, agg.Field)
			if err != nil {
				return nil, err
			}
			f, ok := toFloat(v)
			if !ok {
				continue
			}
			g.cnts[agg.As]++
			g.sums[agg.As] += f
			if cur, seen := g.mins[agg.As]; !seen || f < cur {
				g.mins[agg.As] = f
			}
			if cur, seen := g.maxs[agg.As]; !seen || f > cur {
				g.maxs[agg.As] = f
			}
		}
	}

	out := make([]Row, 0, len(order))
	for _, key := range order {
		g := groups[key]
		row := newRow(g.rows[0].EID)
		for m, v := range g.rows[0].Payloads {
			row.Payloads[m] = v
		}
		for _, agg := range node.Aggregates {
			v, err := reduceAggregate(agg, g)
			if err != nil {
				return nil, err
			}
			row.Payloads[model.Modality("agg."+agg.As)] = v
		}
		out = append(out, row)
	}

	return &PartialResult{Rows: out, CompletedModalities: inner.CompletedModalities}, nil
}

func reduceAggregate(agg plan.Aggregate, g *aggGroup) (any, error) {
	switch agg.Func {
	case "count":
		return g.cnts[agg.As], nil
	case "sum":
		return g.sums[agg.As], nil
	case "avg":
		if g.cnts[agg.As] == 0 {
			return 0.0, nil
		}
		return g.sums[agg.As] / float64(g.cnts[agg.As]), nil
	case "min":
		return g.mins[agg.As], nil
	case "max":
		return g.maxs[agg.As], nil
	default:
		return nil, fmt.Errorf("exec: unknown aggregate function %q", agg.Func)
	}
}

func (e *Executor) groupKey(row Row, groupBy []string) (string, error) {
	if len(groupBy) == 0 {
		return "*", nil
	}
	key := ""
	for _, field := range groupBy {
		v, err := e.fieldByPath(row, field)
		if err != nil {
			return "", err
		}
		key += fmt.Sprintf("%v\x1f", v)
	}
	return key, nil
}
