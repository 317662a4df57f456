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

// TemporalStore is the version-chain modality store (§4.1 Temporal store).
// Each write appends a new TemporalVersion whose Hash covers the prior
// entry's Hash plus the new payload, forming a tamper-evident, append-only
// chain. The chain is never mutated, only extended.
type TemporalStore struct {
	mu       sync.RWMutex
	db       *bbolt.DB
	versions map[string]model.TemporalPayload
}

func NewTemporalStore(db *bbolt.DB) (*TemporalStore, error) {
	ts := &TemporalStore{db: db, versions: make(map[string]model.TemporalPayload)}
	err := db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTemporal).ForEach(func(k, v []byte) error {
			var p model.TemporalPayload
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			ts.versions[string(k)] = p
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return ts, nil
}

func (ts *TemporalStore) Modality() model.Modality { return model.ModalityTemporal }

func chainHash(parentHash string, payloadHash string, actor string, timestamp time.Time) string {
	h := sha256.New()
	h.Write([]byte(parentHash))
	h.Write([]byte(payloadHash))
	h.Write([]byte(actor))
	h.Write([]byte(timestamp.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(h.Sum(nil))
}

func payloadHashOf(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// AppendVersion builds the next chain entry for eid given the serialized
// form of the write being committed and the actor identity. The C2
// write-ahead coordinator calls this once per write, during the prepare
// phase; the temporal commit that persists it is second-to-last in commit
// order.
func (ts *TemporalStore) AppendVersion(eid model.EID, snapshot []byte, actor string, at time.Time) (*model.TemporalPayload, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	existing := ts.versions[eid.String()]
	var parentHash string
	if len(existing.Versions) > 0 {
		parentHash = existing.Versions[len(existing.Versions)-1].Hash
	}
	ph := payloadHashOf(snapshot)
	hash := chainHash(parentHash, ph, actor, at)

	next := model.TemporalVersion{
		ChainEntry: model.ChainEntry{
			ParentHash: parentHash,
			Hash:       hash,
			Timestamp:  at,
			Actor:      actor,
		},
		PayloadHash: ph,
	}
	existing.Versions = append(existing.Versions, next)
	ts.versions[eid.String()] = existing
	return &existing, nil
}

// Prepare for the temporal store accepts a pre-built *model.TemporalPayload
// (produced by AppendVersion) and validates the chain is well-formed before
// the durable write.
func (ts *TemporalStore) Prepare(eid model.EID, payload any) (PrepareToken, error) {
	tp, ok := payload.(*model.TemporalPayload)
	if !ok {
		return PrepareToken{}, fmt.Errorf("temporal store: payload is not *model.TemporalPayload")
	}
	if err := verifyChain(eid, model.ModalityTemporal, tp.Versions); err != nil {
		return PrepareToken{}, err
	}
	data, err := json.Marshal(tp)
	if err != nil {
		return PrepareToken{}, err
	}
	return PrepareToken{Modality: model.ModalityTemporal, EID: eid, encoded: data}, nil
}

func verifyChain(eid model.EID, modality model.Modality, versions []model.TemporalVersion) error {
	var parentHash string
	for i, v := range versions {
		expected := chainHash(parentHash, v.PayloadHash, v.Actor, v.Timestamp)
		if expected != v.Hash {
			return &model.ChainBroken{EID: eid, Modality: modality, AtIndex: i}
		}
		parentHash = v.Hash
	}
	return nil
}

func (ts *TemporalStore) PrepareDelete(eid model.EID) (PrepareToken, error) {
	return PrepareToken{Modality: model.ModalityTemporal, EID: eid, deletion: true}, nil
}

func (ts *TemporalStore) Commit(tok PrepareToken) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if tok.deletion {
		if err := ts.db.Update(func(tx *bbolt.Tx) error {
			return tx.Bucket(bucketTemporal).Delete([]byte(tok.EID.String()))
		}); err != nil {
			return err
		}
		delete(ts.versions, tok.EID.String())
		return nil
	}
	var payload model.TemporalPayload
	if err := json.Unmarshal(tok.encoded, &payload); err != nil {
		return err
	}
	if err := ts.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTemporal).Put([]byte(tok.EID.String()), tok.encoded)
	}); err != nil {
		return err
	}
	ts.versions[tok.EID.String()] = payload
	return nil
}

func (ts *TemporalStore) Rollback(tok PrepareToken) error { return nil }

func (ts *TemporalStore) Delete(eid model.EID) error {
	tok, err := ts.PrepareDelete(eid)
	if err != nil {
		return err
	}
	return ts.Commit(tok)
}

func (ts *TemporalStore) Get(eid model.EID) (*model.TemporalPayload, error) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	p, ok := ts.versions[eid.String()]
	if !ok {
		return nil, &model.NotFound{EID: eid, Modality: model.ModalityTemporal}
	}
	return &p, nil
}

// At returns the version in effect at or before t, or nil if eid had no
// version yet at that time.
func (ts *TemporalStore) At(eid model.EID, t time.Time) (*model.TemporalVersion, error) {
	p, err := ts.Get(eid)
	if err != nil {
		return nil, err
	}
	var result *model.TemporalVersion
	for i := range p.Versions {
		if p.Versions[i].Timestamp.After(t) {
			break
		}
		result = &p.Versions[i]
	}
	return result, nil
}

// Verify checks the full hash chain for eid, returning model.ChainBroken on
// the first invalid link.
func (ts *TemporalStore) Verify(eid model.EID) error {
	p, err := ts.Get(eid)
	if err != nil {
		return err
	}
	return verifyChain(eid, model.ModalityTemporal, p.Versions)
}
