// Package storage implements the eight modality stores (C1): typed,
// bbolt-backed persistence plus per-modality in-memory indexes and query
// operators, following the teacher's bucket-per-concern BoltStore layout.
package storage

import (
	"fmt"

	"github.com/verisimdb/verisimdb/pkg/model"
	"go.etcd.io/bbolt"
)

var (
	bucketGraph      = []byte("graph")
	bucketVector     = []byte("vector")
	bucketTensor     = []byte("tensor")
	bucketSemantic   = []byte("semantic")
	bucketDocument   = []byte("document")
	bucketTemporal   = []byte("temporal")
	bucketProvenance = []byte("provenance")
	bucketSpatial    = []byte("spatial")

	allBuckets = [][]byte{
		bucketGraph, bucketVector, bucketTensor, bucketSemantic,
		bucketDocument, bucketTemporal, bucketProvenance, bucketSpatial,
	}
)

// OpenBoltDB opens (creating if absent) the shared bbolt database backing
// all eight modality buckets, mirroring NewBoltStore's
// create-bucket-if-not-exists bootstrap.
func OpenBoltDB(path string) (*bbolt.DB, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open modality store db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create modality buckets: %w", err)
	}

	return db, nil
}

// PrepareToken is returned by a modality store's Prepare and consumed by
// either Commit or Rollback. It carries the already-validated, encoded
// payload so Commit never re-validates.
type PrepareToken struct {
	Modality model.Modality
	EID      model.EID
	encoded  []byte
	deletion bool
}

// ModalityStore is the capability set every modality store exposes (§4.1):
// a two-phase prepare/commit/rollback write path plus get/delete/query.
type ModalityStore interface {
	Modality() model.Modality
	Prepare(eid model.EID, payload any) (PrepareToken, error)
	PrepareDelete(eid model.EID) (PrepareToken, error)
	Commit(tok PrepareToken) error
	Rollback(tok PrepareToken) error
	Delete(eid model.EID) error
}
