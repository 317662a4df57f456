package exec

import (
	"github.com/verisimdb/verisimdb/pkg/model"
	"github.com/verisimdb/verisimdb/pkg/query/plan"
	"github.com/verisimdb/verisimdb/pkg/storage"
)

// candidateEIDs returns every registered entity carrying m, the scan's
// full-table-scan candidate set.
func (e *Executor) candidateEIDs(m model.Modality) []model.EID {
	var out []model.EID
	for key, loc := range e.stores.Registry.AllEntries() {
		if loc.Deleted {
			continue
		}
		carries := false
		for _, have := range loc.SupportedModalities {
			if have == m {
				carries = true
				break
			}
		}
		if !carries {
			continue
		}
		eid, err := model.ParseEID(key)
		if err != nil {
			continue
		}
		out = append(out, eid)
	}
	return out
}

func (e *Executor) fetchModality(eid model.EID, m model.Modality) (any, error) {
	switch m {
	case model.ModalityGraph:
		return e.stores.Graph.Get(eid)
	case model.ModalityVector:
		return e.stores.Vector.Get(eid)
	case model.ModalityTensor:
		return e.stores.Tensor.Get(eid)
	case model.ModalitySemantic:
		return e.stores.Semantic.Get(eid)
	case model.ModalityDocument:
		return e.stores.Document.Get(eid)
	case model.ModalityTemporal:
		return e.stores.Temporal.Get(eid)
	case model.ModalityProvenance:
		return e.stores.Provenance.Get(eid)
	case model.ModalitySpatial:
		return e.stores.Spatial.Get(eid)
	default:
		return nil, nil
	}
}

// execScan performs a full scan of modality m's candidate set. It does not
// evaluate the node's predicate; where the plan keeps a WHERE clause, it
// runs per §4.6 as a separate post-scan cross-modal filter stage, never
// pushed into the store. Scan only bounds the
// candidate set to entities that carry m at all.
func (e *Executor) execScan(node *plan.Node) (*PartialResult, error) {
	candidates := e.candidateEIDs(node.Modality)
	rows := make([]Row, 0, len(candidates))
	for _, eid := range candidates {
		payload, err := e.fetchModality(eid, node.Modality)
		if err != nil {
			continue
		}
		row := newRow(eid)
		row.Payloads[node.Modality] = payload
		rows = append(rows, row)
	}
	sortRowsByEID(rows)
	return &PartialResult{Rows: rows, CompletedModalities: []model.Modality{node.Modality}}, nil
}

// execIndexedLookup fetches a single known EID's payload for the node's
// modality, bypassing the scan entirely.
func (e *Executor) execIndexedLookup(node *plan.Node) (*PartialResult, error) {
	eid, err := model.ParseEID(node.Key)
	if err != nil {
		return nil, err
	}
	payload, err := e.fetchModality(eid, node.Modality)
	if err != nil {
		return &PartialResult{CompletedModalities: nil, Err: err}, nil
	}
	row := newRow(eid)
	row.Payloads[node.Modality] = payload
	return &PartialResult{Rows: []Row{row}, CompletedModalities: []model.Modality{node.Modality}}, nil
}

func (e *Executor) execAnnSearch(node *plan.Node) (*PartialResult, error) {
	neighbors, err := e.stores.Vector.Query(node.Vector, node.K, node.Metric)
	if err != nil {
		return nil, err
	}
	rows := make([]Row, 0, len(neighbors))
	for _, n := range neighbors {
		vp, err := e.stores.Vector.Get(n.EID)
		if err != nil {
			continue
		}
		row := newRow(n.EID)
		row.Payloads[model.ModalityVector] = vp
		rows = append(rows, row)
	}
	return &PartialResult{Rows: rows, CompletedModalities: []model.Modality{model.ModalityVector}}, nil
}

func (e *Executor) execFullText(node *plan.Node) (*PartialResult, error) {
	hits, err := e.stores.Document.Query(node.Text, node.K)
	if err != nil {
		return nil, err
	}
	rows := make([]Row, 0, len(hits))
	for _, h := range hits {
		dp, err := e.stores.Document.Get(h.EID)
		if err != nil {
			continue
		}
		row := newRow(h.EID)
		row.Payloads[model.ModalityDocument] = dp
		rows = append(rows, row)
	}
	return &PartialResult{Rows: rows, CompletedModalities: []model.Modality{model.ModalityDocument}}, nil
}

func (e *Executor) execGraphPattern(node *plan.Node) (*PartialResult, error) {
	edges, err := e.stores.Graph.Query(splitPattern(node.Pattern), 1)
	if err != nil {
		return nil, err
	}
	seen := make(map[model.EID]bool)
	rows := make([]Row, 0, len(edges))
	for _, edge := range edges {
		if seen[edge.Subject] {
			continue
		}
		seen[edge.Subject] = true
		gp, err := e.stores.Graph.Get(edge.Subject)
		if err != nil {
			continue
		}
		row := newRow(edge.Subject)
		row.Payloads[model.ModalityGraph] = gp
		rows = append(rows, row)
	}
	sortRowsByEID(rows)
	return &PartialResult{Rows: rows, CompletedModalities: []model.Modality{model.ModalityGraph}}, nil
}

func (e *Executor) execSpatialRadius(node *plan.Node) (*PartialResult, error) {
	hits, err := e.stores.Spatial.QueryRadius(node.Center, node.Radius)
	if err != nil {
		return nil, err
	}
	return e.spatialRows(hits)
}

func (e *Executor) execSpatialNearest(node *plan.Node) (*PartialResult, error) {
	hits, err := e.stores.Spatial.QueryNearest(node.Center, node.K)
	if err != nil {
		return nil, err
	}
	return e.spatialRows(hits)
}

func (e *Executor) execSpatialBounds(node *plan.Node) (*PartialResult, error) {
	eids, err := e.stores.Spatial.QueryBounds(node.BoundsSW, node.BoundsNE)
	if err != nil {
		return nil, err
	}
	hits := make([]storage.SpatialHit, len(eids))
	for i, eid := range eids {
		hits[i] = storage.SpatialHit{EID: eid}
	}
	return e.spatialRows(hits)
}

func (e *Executor) spatialRows(hits []storage.SpatialHit) (*PartialResult, error) {
	rows := make([]Row, 0, len(hits))
	for _, h := range hits {
		sp, err := e.stores.Spatial.Get(h.EID)
		if err != nil {
			continue
		}
		row := newRow(h.EID)
		row.Payloads[model.ModalitySpatial] = sp
		rows = append(rows, row)
	}
	return &PartialResult{Rows: rows, CompletedModalities: []model.Modality{model.ModalitySpatial}}, nil
}
