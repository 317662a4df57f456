package exec

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/verisimdb/verisimdb/pkg/drift"
	"github.com/verisimdb/verisimdb/pkg/model"
	"github.com/verisimdb/verisimdb/pkg/query/plan"
	"github.com/verisimdb/verisimdb/pkg/registry"
	"github.com/verisimdb/verisimdb/pkg/storage"
	"github.com/stretchr/testify/require"
)

func newTestExecutor(t *testing.T) (*Executor, Stores) {
	t.Helper()
	db, err := storage.OpenBoltDB(filepath.Join(t.TempDir(), "exec.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	regDB, err := storage.OpenBoltDB(filepath.Join(t.TempDir(), "reg.db"))
	require.NoError(t, err)
	t.Cleanup(func() { regDB.Close() })

	graph, err := storage.NewGraphStore(db)
	require.NoError(t, err)
	vector, err := storage.NewVectorStore(db, 0)
	require.NoError(t, err)
	tensor, err := storage.NewTensorStore(db)
	require.NoError(t, err)
	semantic, err := storage.NewSemanticStore(db)
	require.NoError(t, err)
	document, err := storage.NewDocumentStore(db, 1.2, 0.75)
	require.NoError(t, err)
	temporal, err := storage.NewTemporalStore(db)
	require.NoError(t, err)
	provenance, err := storage.NewProvenanceStore(db)
	require.NoError(t, err)
	spatial, err := storage.NewSpatialStore(db)
	require.NoError(t, err)

	reg, err := registry.NewRegistry(regDB, "store-1")
	require.NoError(t, err)

	stores := Stores{
		Graph: graph, Vector: vector, Tensor: tensor, Semantic: semantic,
		Document: document, Temporal: temporal, Provenance: provenance, Spatial: spatial,
		Registry: reg,
	}
	scorer := &drift.Scorer{
		Graph: graph, Vector: vector, Tensor: tensor, Document: document,
		Semantic: semantic, Temporal: temporal, Spatial: spatial, Provenance: provenance,
	}
	return NewExecutor(stores, scorer, nil, plan.NewCostModel()), stores
}

func putSemantic(t *testing.T, stores Stores, eid model.EID, p *model.SemanticPayload) {
	t.Helper()
	tok, err := stores.Semantic.Prepare(eid, p)
	require.NoError(t, err)
	require.NoError(t, stores.Semantic.Commit(tok))
}

func TestExecScanAndFilter(t *testing.T) {
	ex, stores := newTestExecutor(t)

	a := model.NewEID()
	b := model.NewEID()
	putSemantic(t, stores, a, &model.SemanticPayload{Claims: []model.Claim{{Kind: "type", Object: "person"}}})
	putSemantic(t, stores, b, &model.SemanticPayload{Claims: []model.Claim{{Kind: "type", Object: "org"}}})
	require.NoError(t, stores.Registry.MarkCommitted(a, []model.Modality{model.ModalitySemantic}))
	require.NoError(t, stores.Registry.MarkCommitted(b, []model.Modality{model.ModalitySemantic}))

	scan := &plan.Node{Kind: plan.NodeScan, Modality: model.ModalitySemantic}
	result, err := ex.Execute(context.Background(), scan)
	require.NoError(t, err)
	require.Len(t, result.Rows, 2)

	filtered := &plan.Node{
		Kind:  plan.NodeCrossModalFilter,
		Inner: []*plan.Node{scan},
		Predicate: &plan.Predicate{
			Kind: plan.PredExists, Modality: model.ModalitySemantic,
		},
	}
	result, err = ex.Execute(context.Background(), filtered)
	require.NoError(t, err)
	require.Len(t, result.Rows, 2)
}

func TestExecLimit(t *testing.T) {
	ex, stores := newTestExecutor(t)

	var eids []model.EID
	for i := 0; i < 3; i++ {
		eid := model.NewEID()
		eids = append(eids, eid)
		putSemantic(t, stores, eid, &model.SemanticPayload{})
		require.NoError(t, stores.Registry.MarkCommitted(eid, []model.Modality{model.ModalitySemantic}))
	}

	scan := &plan.Node{Kind: plan.NodeScan, Modality: model.ModalitySemantic}
	limit := &plan.Node{Kind: plan.NodeLimit, Inner: []*plan.Node{scan}, LimitN: 2}

	result, err := ex.Execute(context.Background(), limit)
	require.NoError(t, err)
	require.Len(t, result.Rows, 2)
}

func TestExecAggregateCount(t *testing.T) {
	ex, stores := newTestExecutor(t)

	for i := 0; i < 4; i++ {
		eid := model.NewEID()
		putSemantic(t, stores, eid, &model.SemanticPayload{})
		require.NoError(t, stores.Registry.MarkCommitted(eid, []model.Modality{model.ModalitySemantic}))
	}

	scan := &plan.Node{Kind: plan.NodeScan, Modality: model.ModalitySemantic}
	agg := &plan.Node{
		Kind:       plan.NodeAggregate,
		Inner:      []*plan.Node{scan},
		Aggregates: []plan.Aggregate{{Func: "count", As: "n"}},
	}

	result, err := ex.Execute(context.Background(), agg)
	require.NoError(t, err)
	require.Len(t, result.Rows, 1)
	require.Equal(t, int64(4), result.Rows[0].Payloads[model.Modality("agg.n")])
}

func TestExecJoinOnEID(t *testing.T) {
	ex, stores := newTestExecutor(t)

	shared := model.NewEID()
	only := model.NewEID()
	putSemantic(t, stores, shared, &model.SemanticPayload{})
	putSemantic(t, stores, only, &model.SemanticPayload{})
	require.NoError(t, stores.Registry.MarkCommitted(shared, []model.Modality{model.ModalitySemantic, model.ModalityGraph}))
	require.NoError(t, stores.Registry.MarkCommitted(only, []model.Modality{model.ModalitySemantic}))

	gtok, err := stores.Graph.Prepare(shared, &model.GraphPayload{})
	require.NoError(t, err)
	require.NoError(t, stores.Graph.Commit(gtok))

	left := &plan.Node{Kind: plan.NodeScan, Modality: model.ModalitySemantic}
	right := &plan.Node{Kind: plan.NodeScan, Modality: model.ModalityGraph}
	join := &plan.Node{Kind: plan.NodeJoin, Inner: []*plan.Node{left, right}}

	result, err := ex.Execute(context.Background(), join)
	require.NoError(t, err)
	require.Len(t, result.Rows, 1)
	require.Equal(t, shared, result.Rows[0].EID)
	require.Contains(t, result.Rows[0].Payloads, model.ModalitySemantic)
	require.Contains(t, result.Rows[0].Payloads, model.ModalityGraph)
}

func TestExecCancellation(t *testing.T) {
	ex, _ := newTestExecutor(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ex.Execute(ctx, &plan.Node{Kind: plan.NodeScan, Modality: model.ModalitySemantic})
	require.Error(t, err)
}
