package storage

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/orsinium-labs/stopwords"
	"github.com/verisimdb/verisimdb/pkg/model"
	"go.etcd.io/bbolt"
)

var enStopwords = stopwords.MustGet("en")

// DocumentStore is the free-text modality store (§4.1 Document store). It
// ranks full-text queries with BM25 over a stopword-filtered token index,
// mirroring the teacher's in-memory inverted-index style but with a
// relevance-scoring read path in place of exact-match lookups.
type DocumentStore struct {
	mu       sync.RWMutex
	db       *bbolt.DB
	docs     map[string]model.DocumentPayload
	postings map[string]map[string]int // token -> eid -> term frequency
	docLen   map[string]int
	k1, b    float64
}

// NewDocumentStore opens the document store and builds its BM25 postings
// index from the durable bucket. k1 and b are the BM25 tuning parameters
// (§6 BM25Params).
func NewDocumentStore(db *bbolt.DB, k1, b float64) (*DocumentStore, error) {
	ds := &DocumentStore{
		db:       db,
		docs:     make(map[string]model.DocumentPayload),
		postings: make(map[string]map[string]int),
		docLen:   make(map[string]int),
		k1:       k1,
		b:        b,
	}
	err := db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDocument).ForEach(func(k, v []byte) error {
			var p model.DocumentPayload
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			ds.index(string(k), &p)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return ds, nil
}

func (ds *DocumentStore) Modality() model.Modality { return model.ModalityDocument }

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	out := fields[:0]
	for _, f := range fields {
		if !enStopwords.Contains(f) {
			out = append(out, f)
		}
	}
	return out
}

func (ds *DocumentStore) index(eid string, payload *model.DocumentPayload) {
	ds.docs[eid] = *payload
	tokens := tokenize(payload.Title + " " + payload.Body)
	ds.docLen[eid] = len(tokens)
	freq := make(map[string]int)
	for _, t := range tokens {
		freq[t]++
	}
	for t, f := range freq {
		bucket, ok := ds.postings[t]
		if !ok {
			bucket = make(map[string]int)
			ds.postings[t] = bucket
		}
		bucket[eid] = f
	}
}

func (ds *DocumentStore) removeFromIndex(eid string) {
	delete(ds.docs, eid)
	delete(ds.docLen, eid)
	for _, bucket := range ds.postings {
		delete(bucket, eid)
	}
}

// Prepare validates that the document has a title or a body (§4.1: an empty document
// payload carries no retrievable content, which is an invariant violation
// rather than a silently-ignored write).
func (ds *DocumentStore) Prepare(eid model.EID, payload any) (PrepareToken, error) {
	dp, ok := payload.(*model.DocumentPayload)
	if !ok {
		return PrepareToken{}, fmt.Errorf("document store: payload is not *model.DocumentPayload")
	}
	if strings.TrimSpace(dp.Body) == "" && strings.TrimSpace(dp.Title) == "" {
		return PrepareToken{}, &model.InvariantViolation{Modality: model.ModalityDocument, Reason: "document must have a title or body"}
	}
	data, err := json.Marshal(dp)
	if err != nil {
		return PrepareToken{}, err
	}
	return PrepareToken{Modality: model.ModalityDocument, EID: eid, encoded: data}, nil
}

func (ds *DocumentStore) PrepareDelete(eid model.EID) (PrepareToken, error) {
	return PrepareToken{Modality: model.ModalityDocument, EID: eid, deletion: true}, nil
}

func (ds *DocumentStore) Commit(tok PrepareToken) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if tok.deletion {
		if err := ds.db.Update(func(tx *bbolt.Tx) error {
			return tx.Bucket(bucketDocument).Delete([]byte(tok.EID.String()))
		}); err != nil {
			return err
		}
		ds.removeFromIndex(tok.EID.String())
		return nil
	}
	var payload model.DocumentPayload
	if err := json.Unmarshal(tok.encoded, &payload); err != nil {
		return err
	}
	if err := ds.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDocument).Put([]byte(tok.EID.String()), tok.encoded)
	}); err != nil {
		return err
	}
	ds.removeFromIndex(tok.EID.String())
	ds.index(tok.EID.String(), &payload)
	return nil
}

func (ds *DocumentStore) Rollback(tok PrepareToken) error { return nil }

func (ds *DocumentStore) Delete(eid model.EID) error {
	tok, err := ds.PrepareDelete(eid)
	if err != nil {
		return err
	}
	return ds.Commit(tok)
}

func (ds *DocumentStore) Get(eid model.EID) (*model.DocumentPayload, error) {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	p, ok := ds.docs[eid.String()]
	if !ok {
		return nil, &model.NotFound{EID: eid, Modality: model.ModalityDocument}
	}
	return &p, nil
}

// DocHit is one scored full-text result.
type DocHit struct {
	EID   model.EID
	Score float64
}

// Query ranks the top-k documents matching text using BM25 over the
// stopword-filtered token index.
func (ds *DocumentStore) Query(text string, k int) ([]DocHit, error) {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	terms := tokenize(text)
	if len(terms) == 0 || len(ds.docs) == 0 {
		return nil, nil
	}

	n := float64(len(ds.docs))
	var totalLen int
	for _, l := range ds.docLen {
		totalLen += l
	}
	avgLen := float64(totalLen) / n

	scores := make(map[string]float64)
	for _, term := range terms {
		bucket, ok := ds.postings[term]
		if !ok {
			continue
		}
		df := float64(len(bucket))
		idf := math.Log(1 + (n-df+0.5)/(df+0.5))
		for eid, tf := range bucket {
			dl := float64(ds.docLen[eid])
			denom := float64(tf) + ds.k1*(1-ds.b+ds.b*dl/avgLen)
			scores[eid] += idf * (float64(tf) * (ds.k1 + 1) / denom)
		}
	}

	hits := make([]DocHit, 0, len(scores))
	for key, score := range scores {
		eid, err := model.ParseEID(key)
		if err != nil {
			continue
		}
		hits = append(hits, DocHit{EID: eid, Score: score})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].EID.String() < hits[j].EID.String()
	})
	if k > 0 && k < len(hits) {
		hits = hits[:k]
	}
	return hits, nil
}
