package proof

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/verisimdb/verisimdb/pkg/model"
	"github.com/xsleonard/go-merkle"
	"go.etcd.io/bbolt"
)

var bucketRoots = []byte("proof_roots")

// RootStore durably records the Merkle root last computed over a modality's
// leaf set, so the integrity obligation has something to verify new reads
// against rather than trivially recomputing and comparing to itself.
type RootStore struct {
	mu   sync.RWMutex
	db   *bbolt.DB
	root map[string]string
}

// NewRootStore opens (creating if absent) the recorded-root bucket in db.
func NewRootStore(db *bbolt.DB) (*RootStore, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRoots)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("open proof root bucket: %w", err)
	}
	rs := &RootStore{db: db, root: make(map[string]string)}
	err = db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRoots).ForEach(func(k, v []byte) error {
			rs.root[string(k)] = string(v)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return rs, nil
}

func rootKey(eid model.EID, m model.Modality) string {
	return eid.String() + ":" + string(m)
}

// Record computes the Merkle root over leaves and stores it as the
// recorded root for (eid, modality), replacing any prior one.
func (rs *RootStore) Record(eid model.EID, m model.Modality, leaves [][]byte) (string, error) {
	root, err := merkleRoot(leaves)
	if err != nil {
		return "", err
	}
	key := rootKey(eid, m)

	rs.mu.Lock()
	defer rs.mu.Unlock()
	if err := rs.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRoots).Put([]byte(key), []byte(root))
	}); err != nil {
		return "", err
	}
	rs.root[key] = root
	return root, nil
}

// Recorded returns the last root recorded for (eid, modality), if any.
func (rs *RootStore) Recorded(eid model.EID, m model.Modality) (string, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	root, ok := rs.root[rootKey(eid, m)]
	return root, ok
}

// merkleRoot builds a Merkle tree over leaves and returns its root hash,
// hex-encoded. A single-leaf set's root is that leaf's own hash.
func merkleRoot(leaves [][]byte) (string, error) {
	if len(leaves) == 0 {
		return "", fmt.Errorf("integrity proof: no leaves to build a tree from")
	}
	tree := merkle.NewTree()
	if err := tree.Generate(leaves, sha256.New); err != nil {
		return "", fmt.Errorf("generate merkle tree: %w", err)
	}
	root := tree.Root()
	if root == nil {
		return "", fmt.Errorf("generate merkle tree: empty root")
	}
	return hex.EncodeToString(root.Hash), nil
}
