package storage

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/verisimdb/verisimdb/pkg/model"
	"go.etcd.io/bbolt"
)

// SemanticStore is the typed-claim modality store (§4.1 Semantic store).
// Claims reference contracts by name. Prepare checks each name against the
// payload's own Contracts list, and ResolveContract resolves a name against
// that same list; neither consults the registry.
type SemanticStore struct {
	mu     sync.RWMutex
	db     *bbolt.DB
	claims map[string]model.SemanticPayload
}

func NewSemanticStore(db *bbolt.DB) (*SemanticStore, error) {
	ss := &SemanticStore{db: db, claims: make(map[string]model.SemanticPayload)}
	err := db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSemantic).ForEach(func(k, v []byte) error {
			var p model.SemanticPayload
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			ss.claims[string(k)] = p
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return ss, nil
}

func (ss *SemanticStore) Modality() model.Modality { return model.ModalitySemantic }

// Prepare validates that every claim has a kind and that any named contract
// appears in the payload's Contracts list (§4.1: a claim cannot silently
// reference an undeclared contract).
func (ss *SemanticStore) Prepare(eid model.EID, payload any) (PrepareToken, error) {
	sp, ok := payload.(*model.SemanticPayload)
	if !ok {
		return PrepareToken{}, fmt.Errorf("semantic store: payload is not *model.SemanticPayload")
	}
	declared := make(map[string]bool, len(sp.Contracts))
	for _, c := range sp.Contracts {
		declared[c] = true
	}
	for _, claim := range sp.Claims {
		if claim.Kind == "" {
			return PrepareToken{}, &model.InvariantViolation{Modality: model.ModalitySemantic, Reason: "claim kind must be non-empty"}
		}
		if claim.Contract != "" && !declared[claim.Contract] {
			return PrepareToken{}, &model.ContractNotFound{Name: claim.Contract}
		}
	}
	data, err := json.Marshal(sp)
	if err != nil {
		return PrepareToken{}, err
	}
	return PrepareToken{Modality: model.ModalitySemantic, EID: eid, encoded: data}, nil
}

func (ss *SemanticStore) PrepareDelete(eid model.EID) (PrepareToken, error) {
	return PrepareToken{Modality: model.ModalitySemantic, EID: eid, deletion: true}, nil
}

func (ss *SemanticStore) Commit(tok PrepareToken) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if tok.deletion {
		if err := ss.db.Update(func(tx *bbolt.Tx) error {
			return tx.Bucket(bucketSemantic).Delete([]byte(tok.EID.String()))
		}); err != nil {
			return err
		}
		delete(ss.claims, tok.EID.String())
		return nil
	}
	var payload model.SemanticPayload
	if err := json.Unmarshal(tok.encoded, &payload); err != nil {
		return err
	}
	if err := ss.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSemantic).Put([]byte(tok.EID.String()), tok.encoded)
	}); err != nil {
		return err
	}
	ss.claims[tok.EID.String()] = payload
	return nil
}

func (ss *SemanticStore) Rollback(tok PrepareToken) error { return nil }

func (ss *SemanticStore) Delete(eid model.EID) error {
	tok, err := ss.PrepareDelete(eid)
	if err != nil {
		return err
	}
	return ss.Commit(tok)
}

func (ss *SemanticStore) Get(eid model.EID) (*model.SemanticPayload, error) {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	p, ok := ss.claims[eid.String()]
	if !ok {
		return nil, &model.NotFound{EID: eid, Modality: model.ModalitySemantic}
	}
	return &p, nil
}

// Query returns every EID whose semantic payload has at least one claim of
// the given kind, optionally filtered to a contract name.
func (ss *SemanticStore) Query(kind, contract string) ([]model.EID, error) {
	ss.mu.RLock()
	defer ss.mu.RUnlock()

	var matches []model.EID
	for key, payload := range ss.claims {
		for _, claim := range payload.Claims {
			if kind != "" && claim.Kind != kind {
				continue
			}
			if contract != "" && claim.Contract != contract {
				continue
			}
			eid, err := model.ParseEID(key)
			if err != nil {
				continue
			}
			matches = append(matches, eid)
			break
		}
	}
	return matches, nil
}

// ResolveContract reports whether name is declared by eid's semantic
// payload's Contracts list.
func (ss *SemanticStore) ResolveContract(eid model.EID, name string) (bool, error) {
	p, err := ss.Get(eid)
	if err != nil {
		return false, err
	}
	for _, c := range p.Contracts {
		if c == name {
			return true, nil
		}
	}
	return false, nil
}
