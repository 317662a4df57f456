package proof

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/verisimdb/verisimdb/pkg/model"
	"github.com/verisimdb/verisimdb/pkg/storage"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
)

type stubRegistry struct {
	present map[model.EID]bool
}

func (s *stubRegistry) Exists(eid model.EID) bool { return s.present[eid] }

func openTestDB(t *testing.T) *bbolt.DB {
	t.Helper()
	db, err := storage.OpenBoltDB(filepath.Join(t.TempDir(), "proof.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestEngine(t *testing.T) (*Engine, *storage.ProvenanceStore, *storage.SemanticStore, *stubRegistry) {
	t.Helper()
	db := openTestDB(t)

	prov, err := storage.NewProvenanceStore(db)
	require.NoError(t, err)
	sem, err := storage.NewSemanticStore(db)
	require.NoError(t, err)
	roots, err := NewRootStore(db)
	require.NoError(t, err)

	reg := &stubRegistry{present: make(map[model.EID]bool)}
	eng := NewEngine(reg, Stores{Semantic: sem, Provenance: prov}, roots, nil)
	return eng, prov, sem, reg
}

func TestEngineVerifyExistence(t *testing.T) {
	eng, _, _, reg := newTestEngine(t)
	known := model.NewEID()
	unknown := model.NewEID()
	reg.present[known] = true

	tests := []struct {
		name    string
		eid     model.EID
		wantErr bool
	}{
		{name: "present entity", eid: known, wantErr: false},
		{name: "absent entity", eid: unknown, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cert, err := eng.Verify([]Obligation{{Kind: KindExistence, EID: tt.eid}}, "SELECT * WHERE eid = "+tt.eid.String())
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, cert)
				var pf *ProofFailed
				assert.ErrorAs(t, err, &pf)
				assert.Equal(t, KindExistence, pf.Kind)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, cert)
			assert.Len(t, cert.Artifacts, 1)
			assert.Equal(t, []Kind{KindExistence}, cert.Conjunction)
			assert.NotEmpty(t, cert.QueryHash)
		})
	}
}

func TestEngineVerifyCitation(t *testing.T) {
	eng, _, sem, reg := newTestEngine(t)
	holder := model.NewEID()
	cited := model.NewEID()
	reg.present[cited] = true

	tok, err := sem.Prepare(holder, &model.SemanticPayload{
		Claims:    []model.Claim{{Kind: "cites", Subject: holder.String(), Object: cited.String(), Contract: "supply-agreement"}},
		Contracts: []string{"supply-agreement"},
	})
	require.NoError(t, err)
	require.NoError(t, sem.Commit(tok))

	t.Run("contract and citations resolve", func(t *testing.T) {
		cert, err := eng.Verify([]Obligation{{Kind: KindCitation, EID: holder, Contract: "supply-agreement", Cites: []model.EID{cited}}}, "q")
		require.NoError(t, err)
		assert.Len(t, cert.Artifacts, 1)
	})

	t.Run("unknown contract fails", func(t *testing.T) {
		_, err := eng.Verify([]Obligation{{Kind: KindCitation, EID: holder, Contract: "nonexistent"}}, "q")
		assert.Error(t, err)
	})

	t.Run("cited entity missing fails", func(t *testing.T) {
		dangling := model.NewEID()
		_, err := eng.Verify([]Obligation{{Kind: KindCitation, EID: holder, Contract: "supply-agreement", Cites: []model.EID{dangling}}}, "q")
		assert.Error(t, err)
	})
}

func TestEngineVerifyIntegrity(t *testing.T) {
	eng, prov, _, reg := newTestEngine(t)
	eid := model.NewEID()
	reg.present[eid] = true

	_, err := prov.AppendEvent(eid, model.ProvenanceCreated, "test", time.Now())
	require.NoError(t, err)

	t.Run("no recorded root fails", func(t *testing.T) {
		_, err := eng.Verify([]Obligation{{Kind: KindIntegrity, EID: eid, Modality: model.ModalityProvenance}}, "q")
		assert.Error(t, err)
	})

	leaves, err := prov.Leaves(eid)
	require.NoError(t, err)
	_, err = eng.roots.Record(eid, model.ModalityProvenance, leaves)
	require.NoError(t, err)

	t.Run("matching root succeeds", func(t *testing.T) {
		cert, err := eng.Verify([]Obligation{{Kind: KindIntegrity, EID: eid, Modality: model.ModalityProvenance}}, "q")
		require.NoError(t, err)
		assert.Len(t, cert.Artifacts, 1)
		assert.NotEmpty(t, cert.Artifacts[0].Data)
	})

	t.Run("stale root after new event fails", func(t *testing.T) {
		_, err := prov.AppendEvent(eid, model.ProvenanceUpdated, "test", time.Now())
		require.NoError(t, err)
		_, err = eng.Verify([]Obligation{{Kind: KindIntegrity, EID: eid, Modality: model.ModalityProvenance}}, "q")
		assert.Error(t, err)
	})
}

func TestEngineVerifyProvenance(t *testing.T) {
	eng, prov, _, reg := newTestEngine(t)
	eid := model.NewEID()
	reg.present[eid] = true

	_, err := prov.AppendEvent(eid, model.ProvenanceCreated, "test", time.Now())
	require.NoError(t, err)

	t.Run("below minimum length fails", func(t *testing.T) {
		_, err := eng.Verify([]Obligation{{Kind: KindProvenance, EID: eid, MinChainLength: 3}}, "q")
		assert.Error(t, err)
	})

	t.Run("meets minimum length succeeds", func(t *testing.T) {
		cert, err := eng.Verify([]Obligation{{Kind: KindProvenance, EID: eid, MinChainLength: 1}}, "q")
		require.NoError(t, err)
		assert.Len(t, cert.Artifacts, 1)
	})
}

func TestEngineVerifyCustomCircuit(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)
	eng.RegisterCircuit("non-empty-witness", func(witness []byte) (bool, error) { return len(witness) > 0, nil })

	t.Run("accepted witness succeeds", func(t *testing.T) {
		cert, err := eng.Verify([]Obligation{{Kind: KindCustom, Circuit: "non-empty-witness", Witness: []byte("w")}}, "q")
		require.NoError(t, err)
		assert.Len(t, cert.Artifacts, 1)
	})

	t.Run("rejected witness fails", func(t *testing.T) {
		_, err := eng.Verify([]Obligation{{Kind: KindCustom, Circuit: "non-empty-witness", Witness: nil}}, "q")
		assert.Error(t, err)
	})

	t.Run("unknown circuit fails", func(t *testing.T) {
		_, err := eng.Verify([]Obligation{{Kind: KindCustom, Circuit: "missing"}}, "q")
		assert.Error(t, err)
	})
}

func TestEngineConjunctionIsAllOrNothing(t *testing.T) {
	eng, prov, _, reg := newTestEngine(t)
	good := model.NewEID()
	reg.present[good] = true
	_, err := prov.AppendEvent(good, model.ProvenanceCreated, "test", time.Now())
	require.NoError(t, err)

	bad := model.NewEID() // never registered

	cert, err := eng.Verify([]Obligation{
		{Kind: KindExistence, EID: good},
		{Kind: KindExistence, EID: bad},
	}, "q")
	assert.Error(t, err)
	assert.Nil(t, cert, "a single failing obligation must yield no certificate at all")
}

// TestEngineVerifyIsDeterministicAcrossRuns re-verifies the same obligation
// set twice and diffs the resulting certificates with go-cmp, ignoring
// IssuedAt (which necessarily differs): everything else — artifacts,
// conjunction, query hash — must match byte-for-byte.
func TestEngineVerifyIsDeterministicAcrossRuns(t *testing.T) {
	eng, prov, _, reg := newTestEngine(t)
	eid := model.NewEID()
	reg.present[eid] = true
	_, err := prov.AppendEvent(eid, model.ProvenanceCreated, "test", time.Now())
	require.NoError(t, err)

	obligations := []Obligation{
		{Kind: KindExistence, EID: eid},
		{Kind: KindProvenance, EID: eid, MinChainLength: 1},
	}

	first, err := eng.Verify(obligations, "SELECT * WHERE eid = "+eid.String())
	require.NoError(t, err)
	second, err := eng.Verify(obligations, "SELECT * WHERE eid = "+eid.String())
	require.NoError(t, err)

	if diff := cmp.Diff(first, second, cmpopts.IgnoreFields(Certificate{}, "IssuedAt")); diff != "" {
		t.Errorf("repeated verification of identical obligations produced diverging certificates (-first +second):\n%s", diff)
	}
}
