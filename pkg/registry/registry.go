// Package registry implements the federation registry (C9): the EID to
// store mapping, per-peer trust tracking, and fan-out federation reads.
package registry

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/verisimdb/verisimdb/pkg/model"
	"go.etcd.io/bbolt"
)

var bucketRegistry = []byte("registry")

// EntityLocation is the registry's record for one EID: which store holds
// it, which modalities it carries there, and a hash of the policy that
// governed its last write.
type EntityLocation struct {
	StoreID             string           `json:"store_id"`
	SupportedModalities []model.Modality `json:"supported_modalities"`
	PolicyHash          string           `json:"policy_hash"`
	Deleted             bool             `json:"deleted"`
}

// Registry is the durable EID -> EntityLocation map plus an in-memory view
// used for fast counts and federation planning.
type Registry struct {
	mu      sync.RWMutex
	db      *bbolt.DB
	storeID string
	entries map[string]EntityLocation
	peers   *PeerTable
}

// NewRegistry opens (creating if absent) the registry bucket and loads its
// entries into memory. storeID identifies this node's local store for
// entries it writes.
func NewRegistry(db *bbolt.DB, storeID string) (*Registry, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRegistry)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("open registry bucket: %w", err)
	}

	r := &Registry{db: db, storeID: storeID, entries: make(map[string]EntityLocation), peers: NewPeerTable()}
	err = db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRegistry)
		return b.ForEach(func(k, v []byte) error {
			var loc EntityLocation
			if err := json.Unmarshal(v, &loc); err != nil {
				return err
			}
			r.entries[string(k)] = loc
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// MarkCommitted records eid as present with the given modalities at this
// node's store, satisfying octad.Registry.
func (r *Registry) MarkCommitted(eid model.EID, present []model.Modality) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	loc := EntityLocation{StoreID: r.storeID, SupportedModalities: present}
	return r.put(eid, loc)
}

// MarkDeleted tombstones eid, satisfying octad.Registry.
func (r *Registry) MarkDeleted(eid model.EID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	loc := r.entries[eid.String()]
	loc.Deleted = true
	loc.SupportedModalities = nil
	return r.put(eid, loc)
}

func (r *Registry) put(eid model.EID, loc EntityLocation) error {
	data, err := json.Marshal(loc)
	if err != nil {
		return err
	}
	err = r.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRegistry).Put([]byte(eid.String()), data)
	})
	if err != nil {
		return err
	}
	r.entries[eid.String()] = loc
	return nil
}

// Lookup returns the registry entry for eid, or ok=false if unknown.
func (r *Registry) Lookup(eid model.EID) (EntityLocation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	loc, ok := r.entries[eid.String()]
	return loc, ok && !loc.Deleted
}

// EntityCount satisfies metrics.RegistrySource.
func (r *Registry) EntityCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, loc := range r.entries {
		if !loc.Deleted {
			count++
		}
	}
	return count
}

// PayloadCounts satisfies metrics.RegistrySource.
func (r *Registry) PayloadCounts() map[model.Modality]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[model.Modality]int)
	for _, loc := range r.entries {
		if loc.Deleted {
			continue
		}
		for _, m := range loc.SupportedModalities {
			counts[m]++
		}
	}
	return counts
}

// PeerCountsByTier satisfies metrics.FederationSource.
func (r *Registry) PeerCountsByTier() map[string]int {
	return r.peers.CountsByTier()
}

// Peers exposes the peer trust table for federation fan-out.
func (r *Registry) Peers() *PeerTable {
	return r.peers
}

// UpdatePolicyHash changes the policy hash recorded for eid without
// touching its store assignment or modality set.
func (r *Registry) UpdatePolicyHash(eid model.EID, policyHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	loc, ok := r.entries[eid.String()]
	if !ok {
		return fmt.Errorf("registry: unknown entity %s", eid)
	}
	loc.PolicyHash = policyHash
	return r.put(eid, loc)
}

// RevokeStore tombstones every entity currently assigned to storeID, used
// when a federation peer is permanently decommissioned.
func (r *Registry) RevokeStore(storeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, loc := range r.entries {
		if loc.StoreID != storeID || loc.Deleted {
			continue
		}
		loc.Deleted = true
		loc.SupportedModalities = nil
		data, err := json.Marshal(loc)
		if err != nil {
			return err
		}
		if err := r.db.Update(func(tx *bbolt.Tx) error {
			return tx.Bucket(bucketRegistry).Put([]byte(key), data)
		}); err != nil {
			return err
		}
		r.entries[key] = loc
	}
	return nil
}

// RecordNormalization is a no-op hook for the registry's portion of the
// normalization audit trail: the provenance event itself is the durable
// record (written through the octad coordinator), so the registry only
// needs to replicate the command across the metadata log for FSM symmetry.
func (r *Registry) RecordNormalization(eid model.EID, summary string) error {
	return nil
}

// AllEntries returns a copy of the full EID -> location map, used by the
// FSM to build a Raft snapshot.
func (r *Registry) AllEntries() map[string]EntityLocation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]EntityLocation, len(r.entries))
	for k, v := range r.entries {
		out[k] = v
	}
	return out
}

// Restore replaces the registry's in-memory and durable state with
// entries, used when applying a Raft snapshot.
func (r *Registry) Restore(entries map[string]EntityLocation) error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRegistry)
		if err := tx.DeleteBucket(bucketRegistry); err != nil {
			return err
		}
		b, err := tx.CreateBucket(bucketRegistry)
		if err != nil {
			return err
		}
		for k, loc := range entries {
			data, err := json.Marshal(loc)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(k), data); err != nil {
				return err
			}
		}
		r.entries = entries
		return nil
	})
}

// SampleEIDs returns up to n present EIDs, satisfying drift.EntitySource.
// The sample order is map iteration order, which Go randomizes per call,
// giving a cheap approximation of random sampling without extra state.
func (r *Registry) SampleEIDs(n int) []model.EID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.EID, 0, n)
	for k, loc := range r.entries {
		if loc.Deleted {
			continue
		}
		if len(out) >= n {
			break
		}
		eid, err := model.ParseEID(k)
		if err != nil {
			continue
		}
		out = append(out, eid)
	}
	return out
}

// Exists reports whether eid is present and not tombstoned, satisfying
// proof.EntityRegistry.
func (r *Registry) Exists(eid model.EID) bool {
	_, ok := r.Lookup(eid)
	return ok
}

// PresentModalities satisfies drift.EntitySource.
func (r *Registry) PresentModalities(eid model.EID) ([]model.Modality, bool) {
	loc, ok := r.Lookup(eid)
	if !ok {
		return nil, false
	}
	return loc.SupportedModalities, true
}
