package plan

import (
	"testing"

	"github.com/verisimdb/verisimdb/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanBuildsScanPerModality(t *testing.T) {
	p := NewPlanner(nil)
	ast := &AST{Modalities: []model.Modality{model.ModalitySemantic, model.ModalityGraph}}

	root, err := p.Plan(ast)
	require.NoError(t, err)
	assert.Equal(t, NodeJoin, root.Kind)
	require.Len(t, root.Inner, 2)
}

func TestPlanSingleModalityIsBareScan(t *testing.T) {
	p := NewPlanner(nil)
	ast := &AST{Modalities: []model.Modality{model.ModalitySemantic}}

	root, err := p.Plan(ast)
	require.NoError(t, err)
	assert.Equal(t, NodeScan, root.Kind)
}

func TestPlanChoosesAnnSearchOverScanForVectorLiteral(t *testing.T) {
	p := NewPlanner(nil)
	ast := &AST{
		Modalities: []model.Modality{model.ModalityVector},
		Where: &Predicate{
			Kind: PredSimple, Field: "vector", Value: []float32{1, 0, 0},
		},
	}

	root, err := p.Plan(ast)
	require.NoError(t, err)
	assert.Equal(t, NodeAnnSearch, root.Kind)
}

func TestPlanWrapsWhereInCrossModalFilterWhenNoPushdownApplies(t *testing.T) {
	p := NewPlanner(nil)
	ast := &AST{
		Modalities: []model.Modality{model.ModalitySemantic},
		Where: &Predicate{
			Kind: PredFieldCmp,
			ModalityA: string(model.ModalitySemantic), FieldA: "Claims",
			ModalityB: string(model.ModalityGraph), FieldB: "Edges",
			Op: OpEq,
		},
	}

	root, err := p.Plan(ast)
	require.NoError(t, err)
	assert.Equal(t, NodeCrossModalFilter, root.Kind)
	require.Len(t, root.Inner, 1)
	assert.Equal(t, NodeScan, root.Inner[0].Kind)
}

func TestPlanAppendsAggregateSortProjectLimitInOrder(t *testing.T) {
	p := NewPlanner(nil)
	ast := &AST{
		Modalities:  []model.Modality{model.ModalitySemantic},
		Aggregates:  []Aggregate{{Func: "count", As: "n"}},
		OrderBy:     []SortKey{{Field: "semantic.Claims"}},
		Projections: []string{"semantic.Claims"},
		Limit:       10,
	}

	root, err := p.Plan(ast)
	require.NoError(t, err)

	assert.Equal(t, NodeLimit, root.Kind)
	assert.Equal(t, NodeProject, root.Inner[0].Kind)
	assert.Equal(t, NodeSort, root.Inner[0].Inner[0].Kind)
	assert.Equal(t, NodeAggregate, root.Inner[0].Inner[0].Inner[0].Kind)
}

func TestPlanWrapsProofGuardOnlyWhenProofObligationsPresent(t *testing.T) {
	p := NewPlanner(nil)

	withoutProof, err := p.Plan(&AST{Modalities: []model.Modality{model.ModalitySemantic}})
	require.NoError(t, err)
	assert.NotEqual(t, NodeProofGuard, withoutProof.Kind)

	withProof, err := p.Plan(&AST{
		Modalities: []model.Modality{model.ModalitySemantic},
		Proof:      []Obligation{{Kind: ObligationExistence}},
		QueryText:  "SELECT semantic PROOF existence",
	})
	require.NoError(t, err)
	assert.Equal(t, NodeProofGuard, withProof.Kind)
	assert.Equal(t, "SELECT semantic PROOF existence", withProof.QueryText)
}

func TestCostModelRecordCorrectsEstimate(t *testing.T) {
	cm := NewCostModel()
	base := cm.Estimate(NodeScan, string(model.ModalitySemantic))

	cm.Record(NodeScan, string(model.ModalitySemantic), base, base*2)
	corrected := cm.Estimate(NodeScan, string(model.ModalitySemantic))

	assert.Greater(t, corrected, base, "a consistently slower-than-estimated shape should raise the estimate")
}
