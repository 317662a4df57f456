package exec

import (
	"context"
	"fmt"

	"github.com/verisimdb/verisimdb/pkg/proof"
	"github.com/verisimdb/verisimdb/pkg/query/plan"
)

// execProofGuard runs the inner node, then discharges every obligation the
// planner attached before a certificate is allowed to accompany the result
// (§4.7: a proof-path query returns rows only alongside a certificate, never
// partial data and a failure side by side).
func (e *Executor) execProofGuard(ctx context.Context, node *plan.Node) (*PartialResult, error) {
	if e.proofEngine == nil {
		return nil, fmt.Errorf("exec: plan has a proof guard but no proof engine is configured")
	}

	inner, err := e.Execute(ctx, node.Inner[0])
	if err != nil {
		return nil, err
	}
	if inner.Err != nil {
		return inner, nil
	}

	cert, err := e.proofEngine.Verify(toEngineObligations(node.Obligations), node.QueryText)
	if err != nil {
		return &PartialResult{Err: err}, nil
	}

	e.mu.Lock()
	e.lastCertificate = cert
	e.mu.Unlock()

	return inner, nil
}

func toEngineObligations(obs []plan.Obligation) []proof.Obligation {
	out := make([]proof.Obligation, len(obs))
	for i, o := range obs {
		out[i] = proof.Obligation{
			Kind:           proof.Kind(o.Kind),
			EID:            o.EID,
			Modality:       o.Modality,
			Contract:       o.Contract,
			Cites:          o.Cites,
			Caller:         o.Caller,
			Action:         o.Action,
			MinChainLength: o.MinChainLength,
			Circuit:        o.Circuit,
			Witness:        o.Witness,
		}
	}
	return out
}
