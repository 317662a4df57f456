// Package octad implements the two-phase cross-modal commit protocol (C2):
// prepare every modality in a write, commit them in the fixed order the
// data model requires, and roll back cleanly if any prepare fails.
package octad

import (
	"fmt"
	"sync"
	"time"

	goccyjson "github.com/goccy/go-json"
	"github.com/verisimdb/verisimdb/pkg/events"
	"github.com/verisimdb/verisimdb/pkg/log"
	"github.com/verisimdb/verisimdb/pkg/model"
	"github.com/verisimdb/verisimdb/pkg/storage"
	"go.etcd.io/bbolt"
)

var bucketWAL = []byte("octad_wal")

// Write is a caller's request to create or update an entity: the set of
// modality payloads present in this write. A nil field is a modality left
// untouched by this write, not a modality being cleared.
type Write struct {
	EID        model.EID
	Graph      *model.GraphPayload
	Vector     *model.VectorPayload
	Tensor     *model.TensorPayload
	Semantic   *model.SemanticPayload
	Document   *model.DocumentPayload
	Spatial    *model.SpatialPayload
	Actor      string
}

// Stores bundles the eight modality stores the coordinator writes through.
// Temporal and provenance are driven internally (every commit appends to
// both), so they are not settable directly via Write.
type Stores struct {
	Graph      *storage.GraphStore
	Vector     *storage.VectorStore
	Tensor     *storage.TensorStore
	Semantic   *storage.SemanticStore
	Document   *storage.DocumentStore
	Temporal   *storage.TemporalStore
	Provenance *storage.ProvenanceStore
	Spatial    *storage.SpatialStore
}

// walRecord is the write-ahead entry persisted before the commit phase
// begins, so a crash mid-commit can be replayed deterministically (§4.2
// failure semantics).
type walRecord struct {
	EID           string            `json:"eid"`
	Status        string            `json:"status"` // "prepared", "committed"
	CommittedMods []model.Modality  `json:"committed_mods,omitempty"`
	At            time.Time         `json:"at"`
}

// Coordinator serializes writes per-EID and drives the two-phase commit
// across the eight modality stores plus the registry.
type Coordinator struct {
	stores   Stores
	wal      *bbolt.DB
	registry Registry
	broker   *events.Broker
	roots    RootRecorder

	locksMu sync.Mutex
	locks   map[model.EID]*sync.Mutex
}

// RootRecorder is the proof engine's root store, recording a fresh Merkle
// root over a modality's leaf set after every commit so the integrity
// obligation has something current to verify against.
type RootRecorder interface {
	Record(eid model.EID, m model.Modality, leaves [][]byte) (string, error)
}

// Registry is the subset of the federation registry (C9) the coordinator
// updates on commit/delete: the entity's presence and present-modality set.
type Registry interface {
	MarkCommitted(eid model.EID, present []model.Modality) error
	MarkDeleted(eid model.EID) error
}

// NewCoordinator opens (creating if absent) the write-ahead log bucket in
// walDB and returns a coordinator ready to serve writes.
func NewCoordinator(walDB *bbolt.DB, stores Stores, registry Registry, broker *events.Broker) (*Coordinator, error) {
	err := walDB.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketWAL)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("open write-ahead log: %w", err)
	}
	return &Coordinator{
		stores:   stores,
		wal:      walDB,
		registry: registry,
		broker:   broker,
		locks:    make(map[model.EID]*sync.Mutex),
	}, nil
}

// SetRootRecorder attaches the proof engine's root store so every commit
// refreshes the recorded provenance Merkle root. Optional: a coordinator
// with no recorder set simply skips this step.
func (c *Coordinator) SetRootRecorder(r RootRecorder) {
	c.roots = r
}

func (c *Coordinator) lockFor(eid model.EID) *sync.Mutex {
	c.locksMu.Lock()
	defer c.locksMu.Unlock()
	l, ok := c.locks[eid]
	if !ok {
		l = &sync.Mutex{}
		c.locks[eid] = l
	}
	return l
}

// modalityStore is the common prepare/commit/rollback surface every
// per-modality store satisfies (storage.ModalityStore), letting the
// coordinator iterate generically over the fixed commit order.
type modalityStore interface {
	Modality() model.Modality
	Commit(tok storage.PrepareToken) error
	Rollback(tok storage.PrepareToken) error
}

func (c *Coordinator) storeFor(m model.Modality) modalityStore {
	switch m {
	case model.ModalityGraph:
		return c.stores.Graph
	case model.ModalityVector:
		return c.stores.Vector
	case model.ModalityTensor:
		return c.stores.Tensor
	case model.ModalitySemantic:
		return c.stores.Semantic
	case model.ModalityDocument:
		return c.stores.Document
	case model.ModalityTemporal:
		return c.stores.Temporal
	case model.ModalityProvenance:
		return c.stores.Provenance
	case model.ModalitySpatial:
		return c.stores.Spatial
	default:
		return nil
	}
}

// Commit runs the full two-phase protocol for w: prepare every present
// modality, and on success commit all of them (plus the always-present
// temporal/provenance updates) in model.CommitOrder.
func (c *Coordinator) Commit(w Write) error {
	lock := c.lockFor(w.EID)
	lock.Lock()
	defer lock.Unlock()

	logger := log.WithEID(w.EID.String())

	tokens := make(map[model.Modality]storage.PrepareToken)
	prepared := make([]model.Modality, 0, 8)

	abort := func(cause error) error {
		for _, m := range prepared {
			if err := c.storeFor(m).Rollback(tokens[m]); err != nil {
				logger.Warn().Err(err).Str("modality", string(m)).Msg("rollback failed")
			}
		}
		return cause
	}

	if w.Document != nil {
		tok, err := c.stores.Document.Prepare(w.EID, w.Document)
		if err != nil {
			return abort(err)
		}
		tokens[model.ModalityDocument] = tok
		prepared = append(prepared, model.ModalityDocument)
	}
	if w.Semantic != nil {
		tok, err := c.stores.Semantic.Prepare(w.EID, w.Semantic)
		if err != nil {
			return abort(err)
		}
		tokens[model.ModalitySemantic] = tok
		prepared = append(prepared, model.ModalitySemantic)
	}
	if w.Graph != nil {
		tok, err := c.stores.Graph.Prepare(w.EID, w.Graph)
		if err != nil {
			return abort(err)
		}
		tokens[model.ModalityGraph] = tok
		prepared = append(prepared, model.ModalityGraph)
	}
	if w.Vector != nil {
		tok, err := c.stores.Vector.Prepare(w.EID, w.Vector)
		if err != nil {
			return abort(err)
		}
		tokens[model.ModalityVector] = tok
		prepared = append(prepared, model.ModalityVector)
	}
	if w.Tensor != nil {
		tok, err := c.stores.Tensor.Prepare(w.EID, w.Tensor)
		if err != nil {
			return abort(err)
		}
		tokens[model.ModalityTensor] = tok
		prepared = append(prepared, model.ModalityTensor)
	}
	if w.Spatial != nil {
		tok, err := c.stores.Spatial.Prepare(w.EID, w.Spatial)
		if err != nil {
			return abort(err)
		}
		tokens[model.ModalitySpatial] = tok
		prepared = append(prepared, model.ModalitySpatial)
	}

	now := time.Now()

	snapshot, err := goccyjson.Marshal(w)
	if err != nil {
		return abort(err)
	}

	existingKind := model.ProvenanceCreated
	if _, err := c.stores.Provenance.Get(w.EID); err == nil {
		existingKind = model.ProvenanceUpdated
	}
	provPayload, err := c.stores.Provenance.AppendEvent(w.EID, existingKind, w.Actor, now)
	if err != nil {
		return abort(err)
	}
	provTok, err := c.stores.Provenance.Prepare(w.EID, provPayload)
	if err != nil {
		return abort(err)
	}
	tokens[model.ModalityProvenance] = provTok

	tempPayload, err := c.stores.Temporal.AppendVersion(w.EID, snapshot, w.Actor, now)
	if err != nil {
		return abort(err)
	}
	tempTok, err := c.stores.Temporal.Prepare(w.EID, tempPayload)
	if err != nil {
		return abort(err)
	}
	tokens[model.ModalityTemporal] = tempTok

	if err := c.writeWAL(w.EID, "prepared", nil); err != nil {
		return abort(err)
	}

	var committed []model.Modality
	for _, m := range model.CommitOrder {
		tok, ok := tokens[m]
		if !ok {
			continue
		}
		if err := c.storeFor(m).Commit(tok); err != nil {
			logger.Error().Err(err).Str("modality", string(m)).Msg("commit failed mid-protocol")
			return err
		}
		committed = append(committed, m)
	}

	if err := c.writeWAL(w.EID, "committed", committed); err != nil {
		logger.Warn().Err(err).Msg("write-ahead log update after commit failed")
	}

	if c.registry != nil {
		if err := c.registry.MarkCommitted(w.EID, committed); err != nil {
			logger.Warn().Err(err).Msg("registry mark-committed failed")
		}
	}

	if c.roots != nil {
		if leaves, err := c.stores.Provenance.Leaves(w.EID); err == nil {
			if _, err := c.roots.Record(w.EID, model.ModalityProvenance, leaves); err != nil {
				logger.Warn().Err(err).Msg("proof root recording failed")
			}
		}
	}

	if c.broker != nil {
		c.broker.Publish(&events.Event{Type: events.EventEntityWritten, Message: w.EID.String(), Timestamp: now})
	}

	return nil
}

// Delete removes all modality payloads for eid: it commits a provenance
// "deleted" event, removes payloads in reverse commit order, then marks the
// EID deleted in the registry (§4.2 deletion sequence).
func (c *Coordinator) Delete(eid model.EID, actor string) error {
	lock := c.lockFor(eid)
	lock.Lock()
	defer lock.Unlock()

	logger := log.WithEID(eid.String())

	deleted, err := c.stores.Provenance.AppendEvent(eid, model.ProvenanceDeleted, actor, time.Now())
	if err != nil {
		return err
	}
	provTok, err := c.stores.Provenance.Prepare(eid, deleted)
	if err != nil {
		return err
	}
	if err := c.stores.Provenance.Commit(provTok); err != nil {
		return err
	}

	reverse := make([]model.Modality, len(model.CommitOrder))
	for i, m := range model.CommitOrder {
		reverse[len(model.CommitOrder)-1-i] = m
	}
	for _, m := range reverse {
		if err := c.storeFor(m).(interface{ Delete(model.EID) error }).Delete(eid); err != nil {
			logger.Warn().Err(err).Str("modality", string(m)).Msg("delete failed")
		}
	}

	if c.registry != nil {
		if err := c.registry.MarkDeleted(eid); err != nil {
			return err
		}
	}

	if c.broker != nil {
		c.broker.Publish(&events.Event{Type: events.EventEntityDeleted, Message: eid.String(), Timestamp: time.Now()})
	}
	return nil
}

func (c *Coordinator) writeWAL(eid model.EID, status string, committed []model.Modality) error {
	rec := walRecord{EID: eid.String(), Status: status, CommittedMods: committed, At: time.Now()}
	data, err := goccyjson.Marshal(rec)
	if err != nil {
		return err
	}
	return c.wal.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketWAL).Put([]byte(eid.String()), data)
	})
}

// Recover scans the write-ahead log at startup and logs a warning for every
// entry still in the "prepared" state. It does not consult the registry and
// does not roll back or re-commit any modality; "committed" entries are
// left as they are.
func (c *Coordinator) Recover() error {
	return c.wal.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketWAL)
		return b.ForEach(func(k, v []byte) error {
			var rec walRecord
			if err := goccyjson.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.Status == "prepared" {
				log.Logger.Warn().Str("eid", rec.EID).Msg("recovering stale prepared write-ahead entry")
			}
			return nil
		})
	})
}
