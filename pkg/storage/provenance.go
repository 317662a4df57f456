package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/verisimdb/verisimdb/pkg/model"
	"go.etcd.io/bbolt"
)

// ProvenanceStore is the event-chain modality store (§4.1 Provenance
// store). Every write, normalization, and deletion is recorded as an
// append-only ProvenanceEvent; the chain's leaf hashes double as the
// Merkle-tree leaves the proof engine's integrity obligation verifies
// against.
type ProvenanceStore struct {
	mu     sync.RWMutex
	db     *bbolt.DB
	events map[string]model.ProvenancePayload
}

func NewProvenanceStore(db *bbolt.DB) (*ProvenanceStore, error) {
	ps := &ProvenanceStore{db: db, events: make(map[string]model.ProvenancePayload)}
	err := db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketProvenance).ForEach(func(k, v []byte) error {
			var p model.ProvenancePayload
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			ps.events[string(k)] = p
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return ps, nil
}

func (ps *ProvenanceStore) Modality() model.Modality { return model.ModalityProvenance }

// AppendEvent builds the next provenance chain entry for eid. kind is one
// of created/updated/deleted/normalized; source identifies the actor or
// component (e.g. "normalizer", a peer id, a client token subject).
func (ps *ProvenanceStore) AppendEvent(eid model.EID, kind model.ProvenanceKind, source string, at time.Time) (*model.ProvenancePayload, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	existing := ps.events[eid.String()]
	var parentHash string
	if len(existing.Events) > 0 {
		parentHash = existing.Events[len(existing.Events)-1].Hash
	}
	hash := eventHash(parentHash, string(kind), source, at)

	next := model.ProvenanceEvent{
		ChainEntry: model.ChainEntry{
			ParentHash: parentHash,
			Hash:       hash,
			Timestamp:  at,
			Actor:      source,
		},
		Kind:   kind,
		Source: source,
	}
	existing.Events = append(existing.Events, next)
	ps.events[eid.String()] = existing
	return &existing, nil
}

func eventHash(parentHash, kind, source string, at time.Time) string {
	h := sha256.New()
	h.Write([]byte(parentHash))
	h.Write([]byte(kind))
	h.Write([]byte(source))
	h.Write([]byte(at.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(h.Sum(nil))
}

func (ps *ProvenanceStore) Prepare(eid model.EID, payload any) (PrepareToken, error) {
	pp, ok := payload.(*model.ProvenancePayload)
	if !ok {
		return PrepareToken{}, fmt.Errorf("provenance store: payload is not *model.ProvenancePayload")
	}
	if err := verifyEventChain(eid, pp.Events); err != nil {
		return PrepareToken{}, err
	}
	data, err := json.Marshal(pp)
	if err != nil {
		return PrepareToken{}, err
	}
	return PrepareToken{Modality: model.ModalityProvenance, EID: eid, encoded: data}, nil
}

func verifyEventChain(eid model.EID, events []model.ProvenanceEvent) error {
	var parentHash string
	for i, e := range events {
		expected := eventHash(parentHash, string(e.Kind), e.Source, e.Timestamp)
		if expected != e.Hash {
			return &model.ChainBroken{EID: eid, Modality: model.ModalityProvenance, AtIndex: i}
		}
		parentHash = e.Hash
	}
	return nil
}

func (ps *ProvenanceStore) PrepareDelete(eid model.EID) (PrepareToken, error) {
	return PrepareToken{Modality: model.ModalityProvenance, EID: eid, deletion: true}, nil
}

func (ps *ProvenanceStore) Commit(tok PrepareToken) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if tok.deletion {
		if err := ps.db.Update(func(tx *bbolt.Tx) error {
			return tx.Bucket(bucketProvenance).Delete([]byte(tok.EID.String()))
		}); err != nil {
			return err
		}
		delete(ps.events, tok.EID.String())
		return nil
	}
	var payload model.ProvenancePayload
	if err := json.Unmarshal(tok.encoded, &payload); err != nil {
		return err
	}
	if err := ps.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketProvenance).Put([]byte(tok.EID.String()), tok.encoded)
	}); err != nil {
		return err
	}
	ps.events[tok.EID.String()] = payload
	return nil
}

func (ps *ProvenanceStore) Rollback(tok PrepareToken) error { return nil }

func (ps *ProvenanceStore) Delete(eid model.EID) error {
	tok, err := ps.PrepareDelete(eid)
	if err != nil {
		return err
	}
	return ps.Commit(tok)
}

func (ps *ProvenanceStore) Get(eid model.EID) (*model.ProvenancePayload, error) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	p, ok := ps.events[eid.String()]
	if !ok {
		return nil, &model.NotFound{EID: eid, Modality: model.ModalityProvenance}
	}
	return &p, nil
}

// Verify checks the event chain for eid, used by the proof engine's
// provenance obligation.
func (ps *ProvenanceStore) Verify(eid model.EID) error {
	p, err := ps.Get(eid)
	if err != nil {
		return err
	}
	return verifyEventChain(eid, p.Events)
}

// Leaves returns the ordered event hashes for eid, the leaf set a Merkle
// tree is built over for the proof engine's integrity certificates.
func (ps *ProvenanceStore) Leaves(eid model.EID) ([][]byte, error) {
	p, err := ps.Get(eid)
	if err != nil {
		return nil, err
	}
	leaves := make([][]byte, len(p.Events))
	for i, e := range p.Events {
		raw, err := hex.DecodeString(e.Hash)
		if err != nil {
			return nil, err
		}
		leaves[i] = raw
	}
	return leaves, nil
}
