package storage

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/google/btree"
	"github.com/verisimdb/verisimdb/pkg/model"
	"go.etcd.io/bbolt"
)

// spoEntry is one (subject, predicate, object) triple, ordered
// lexicographically by subject then predicate then object for
// deterministic pattern-scan results.
type spoEntry struct {
	ordinal  uint32
	subject  string
	predicate string
	object    string
}

func (e *spoEntry) Less(than btree.Item) bool {
	o := than.(*spoEntry)
	if e.subject != o.subject {
		return e.subject < o.subject
	}
	if e.predicate != o.predicate {
		return e.predicate < o.predicate
	}
	return e.object < o.object
}

// GraphStore is the triple/property-graph substrate (§4.1 Graph store). It
// is durable via a bbolt bucket keyed by EID, and indexed in memory by a
// BTree over (subject, predicate, object) plus a roaring bitmap postings
// list per predicate for fast pattern scans.
type GraphStore struct {
	mu        sync.RWMutex
	db        *bbolt.DB
	spo       *btree.BTree
	byPred    map[string]*roaring.Bitmap
	ordinals  map[uint32]*spoEntry
	nextOrd   uint32
}

// NewGraphStore opens the graph store and rebuilds its in-memory indexes
// from the durable bucket.
func NewGraphStore(db *bbolt.DB) (*GraphStore, error) {
	gs := &GraphStore{
		db:       db,
		spo:      btree.New(32),
		byPred:   make(map[string]*roaring.Bitmap),
		ordinals: make(map[uint32]*spoEntry),
	}
	err := db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketGraph)
		return b.ForEach(func(k, v []byte) error {
			var payload model.GraphPayload
			if err := json.Unmarshal(v, &payload); err != nil {
				return err
			}
			gs.indexEdges(string(k), &payload)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return gs, nil
}

func (gs *GraphStore) Modality() model.Modality { return model.ModalityGraph }

func (gs *GraphStore) indexEdges(subject string, payload *model.GraphPayload) {
	for _, e := range payload.Edges {
		ord := gs.nextOrd
		gs.nextOrd++
		entry := &spoEntry{ordinal: ord, subject: subject, predicate: e.Predicate, object: e.Object.String()}
		gs.spo.ReplaceOrInsert(entry)
		gs.ordinals[ord] = entry
		bm, ok := gs.byPred[e.Predicate]
		if !ok {
			bm = roaring.New()
			gs.byPred[e.Predicate] = bm
		}
		bm.Add(ord)
	}
}

// Prepare validates the graph payload. Dangling edge references (object
// EIDs absent from the registry) are allowed per §3 — referential
// integrity is soft and is instead surfaced by the drift detector.
func (gs *GraphStore) Prepare(eid model.EID, payload any) (PrepareToken, error) {
	gp, ok := payload.(*model.GraphPayload)
	if !ok {
		return PrepareToken{}, fmt.Errorf("graph store: payload is not *model.GraphPayload")
	}
	for _, e := range gp.Edges {
		if e.Predicate == "" {
			return PrepareToken{}, &model.InvariantViolation{Modality: model.ModalityGraph, Reason: "edge predicate must be non-empty"}
		}
	}
	data, err := json.Marshal(gp)
	if err != nil {
		return PrepareToken{}, err
	}
	return PrepareToken{Modality: model.ModalityGraph, EID: eid, encoded: data}, nil
}

func (gs *GraphStore) PrepareDelete(eid model.EID) (PrepareToken, error) {
	return PrepareToken{Modality: model.ModalityGraph, EID: eid, deletion: true}, nil
}

func (gs *GraphStore) Commit(tok PrepareToken) error {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	if tok.deletion {
		return gs.commitDelete(tok.EID)
	}

	var payload model.GraphPayload
	if err := json.Unmarshal(tok.encoded, &payload); err != nil {
		return err
	}

	err := gs.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketGraph)
		return b.Put([]byte(tok.EID.String()), tok.encoded)
	})
	if err != nil {
		return err
	}
	gs.removeFromIndex(tok.EID.String())
	gs.indexEdges(tok.EID.String(), &payload)
	return nil
}

func (gs *GraphStore) commitDelete(eid model.EID) error {
	err := gs.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketGraph).Delete([]byte(eid.String()))
	})
	if err != nil {
		return err
	}
	gs.removeFromIndex(eid.String())
	return nil
}

func (gs *GraphStore) removeFromIndex(subject string) {
	var toRemove []*spoEntry
	gs.spo.AscendGreaterOrEqual(&spoEntry{subject: subject}, func(item btree.Item) bool {
		e := item.(*spoEntry)
		if e.subject != subject {
			return false
		}
		toRemove = append(toRemove, e)
		return true
	})
	for _, e := range toRemove {
		gs.spo.Delete(e)
		delete(gs.ordinals, e.ordinal)
		if bm, ok := gs.byPred[e.predicate]; ok {
			bm.Remove(e.ordinal)
		}
	}
}

func (gs *GraphStore) Rollback(tok PrepareToken) error {
	return nil
}

func (gs *GraphStore) Delete(eid model.EID) error {
	tok, err := gs.PrepareDelete(eid)
	if err != nil {
		return err
	}
	return gs.Commit(tok)
}

// Get returns the graph payload for eid, or model.NotFound.
func (gs *GraphStore) Get(eid model.EID) (*model.GraphPayload, error) {
	var payload *model.GraphPayload
	err := gs.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketGraph).Get([]byte(eid.String()))
		if v == nil {
			return &model.NotFound{EID: eid, Modality: model.ModalityGraph}
		}
		var p model.GraphPayload
		if err := json.Unmarshal(v, &p); err != nil {
			return err
		}
		payload = &p
		return nil
	})
	return payload, err
}

// Pattern is a SPARQL-like triple pattern; empty fields are wildcards.
type Pattern struct {
	Subject   string
	Predicate string
	Object    string
}

// Query runs a bounded-depth reachability / pattern scan. Results are
// returned in a deterministic order (lexicographic subject EID tiebreak).
func (gs *GraphStore) Query(pattern Pattern, maxDepth int) ([]model.GraphEdge, error) {
	gs.mu.RLock()
	defer gs.mu.RUnlock()

	var results []model.GraphEdge
	var candidates *roaring.Bitmap
	if pattern.Predicate != "" {
		candidates = gs.byPred[pattern.Predicate]
		if candidates == nil {
			return nil, nil
		}
	}

	visit := func(e *spoEntry) {
		if pattern.Subject != "" && e.subject != pattern.Subject {
			return
		}
		if pattern.Object != "" && e.object != pattern.Object {
			return
		}
		obj, err := model.ParseEID(e.object)
		if err != nil {
			return
		}
		subj, err := model.ParseEID(e.subject)
		if err != nil {
			return
		}
		results = append(results, model.GraphEdge{Subject: subj, Predicate: e.predicate, Object: obj})
	}

	if candidates != nil {
		it := candidates.Iterator()
		for it.HasNext() {
			ord := it.Next()
			if e, ok := gs.ordinals[ord]; ok {
				visit(e)
			}
		}
	} else {
		gs.spo.Ascend(func(item btree.Item) bool {
			visit(item.(*spoEntry))
			return true
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Subject != results[j].Subject {
			return results[i].Subject.String() < results[j].Subject.String()
		}
		return results[i].Predicate < results[j].Predicate
	})

	if maxDepth > 0 {
		results = gs.expandReachability(results, pattern, maxDepth)
	}

	return results, nil
}

// expandReachability performs a bounded-depth BFS over edges reachable from
// the pattern's anchored objects, used for the reachability variant of
// graph queries.
func (gs *GraphStore) expandReachability(seed []model.GraphEdge, pattern Pattern, maxDepth int) []model.GraphEdge {
	seen := make(map[string]bool)
	frontier := make([]string, 0, len(seed))
	for _, e := range seed {
		seen[e.Object.String()] = true
		frontier = append(frontier, e.Object.String())
	}
	results := append([]model.GraphEdge{}, seed...)

	for depth := 1; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, subj := range frontier {
			gs.spo.AscendGreaterOrEqual(&spoEntry{subject: subj}, func(item btree.Item) bool {
				e := item.(*spoEntry)
				if e.subject != subj {
					return false
				}
				if !seen[e.object] {
					seen[e.object] = true
					next = append(next, e.object)
					obj, err1 := model.ParseEID(e.object)
					s, err2 := model.ParseEID(e.subject)
					if err1 == nil && err2 == nil {
						results = append(results, model.GraphEdge{Subject: s, Predicate: e.predicate, Object: obj})
					}
				}
				return true
			})
		}
		frontier = next
	}
	return results
}
