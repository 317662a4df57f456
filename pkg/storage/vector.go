package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/ncruces"
	_ "github.com/ncruces/go-sqlite3/driver"

	"github.com/verisimdb/verisimdb/pkg/model"
	"go.etcd.io/bbolt"
	"gonum.org/v1/gonum/floats"
)

func init() {
	sqlite_vec.Auto()
}

// vectorRecord is what actually lives in bucketVector: the payload plus
// the monotonic sequence number it was first committed under, so restarts
// preserve insertion order for nearest-neighbor tie-breaking (§4.1).
type vectorRecord struct {
	Payload model.VectorPayload `json:"payload"`
	Seq     uint64              `json:"seq"`
}

// VectorStore is the dense-embedding modality store (§4.1 Vector store). It
// keeps a full in-memory matrix of vectors for the exact brute-force scan,
// using gonum's floats package, and — when ann is non-nil — a sqlite-vec
// vec0 virtual table backing an approximate nearest-neighbor index chosen
// at collection creation via ANNIndexParams.
type VectorStore struct {
	mu    sync.RWMutex
	db    *bbolt.DB
	dim   int
	vecs  map[string]model.VectorPayload
	order map[string]uint64 // eid string -> insertion sequence
	seq   uint64

	ann *annIndex
}

// NewVectorStore opens the vector store with only the exact brute-force
// scan strategy active. dim is the collection's declared dimensionality;
// every prepared payload's Values length must match it.
func NewVectorStore(db *bbolt.DB, dim int) (*VectorStore, error) {
	vs := &VectorStore{
		db:    db,
		dim:   dim,
		vecs:  make(map[string]model.VectorPayload),
		order: make(map[string]uint64),
	}
	err := db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketVector)
		return b.ForEach(func(k, v []byte) error {
			var rec vectorRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			vs.vecs[string(k)] = rec.Payload
			vs.order[string(k)] = rec.Seq
			if rec.Seq > vs.seq {
				vs.seq = rec.Seq
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return vs, nil
}

// NewVectorStoreWithANN opens the vector store and, when params.Dimension
// is positive, additionally builds the sqlite-vec backed ANN index
// (§4.1's second strategy), backfilling it from every payload already on
// disk the way a rebuilt secondary index would be.
func NewVectorStoreWithANN(db *bbolt.DB, params model.ANNIndexParams) (*VectorStore, error) {
	vs, err := NewVectorStore(db, params.Dimension)
	if err != nil {
		return nil, err
	}
	if params.Dimension <= 0 {
		return vs, nil
	}
	ann, err := newANNIndex(params.Dimension)
	if err != nil {
		return nil, err
	}
	for key, payload := range vs.vecs {
		if err := ann.upsert(key, payload.Values); err != nil {
			ann.close()
			return nil, err
		}
	}
	vs.ann = ann
	return vs, nil
}

func (vs *VectorStore) Modality() model.Modality { return model.ModalityVector }

// Prepare validates the vector's shape and rejects NaN/Inf components (§4.1
// invariant: a vector payload is always finite and of the collection's
// declared dimensionality).
func (vs *VectorStore) Prepare(eid model.EID, payload any) (PrepareToken, error) {
	vp, ok := payload.(*model.VectorPayload)
	if !ok {
		return PrepareToken{}, fmt.Errorf("vector store: payload is not *model.VectorPayload")
	}
	if vs.dim > 0 && len(vp.Values) != vs.dim {
		return PrepareToken{}, &model.ShapeMismatch{Expected: vs.dim, Got: len(vp.Values)}
	}
	for _, v := range vp.Values {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return PrepareToken{}, &model.InvariantViolation{Modality: model.ModalityVector, Reason: "vector component is NaN or Inf"}
		}
	}
	switch vp.Metric {
	case model.MetricCosine, model.MetricEuclidean, model.MetricDot:
	default:
		return PrepareToken{}, &model.InvariantViolation{Modality: model.ModalityVector, Reason: "unknown metric " + string(vp.Metric)}
	}
	data, err := json.Marshal(vp)
	if err != nil {
		return PrepareToken{}, err
	}
	return PrepareToken{Modality: model.ModalityVector, EID: eid, encoded: data}, nil
}

func (vs *VectorStore) PrepareDelete(eid model.EID) (PrepareToken, error) {
	return PrepareToken{Modality: model.ModalityVector, EID: eid, deletion: true}, nil
}

func (vs *VectorStore) Commit(tok PrepareToken) error {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	key := tok.EID.String()

	if tok.deletion {
		if err := vs.db.Update(func(tx *bbolt.Tx) error {
			return tx.Bucket(bucketVector).Delete([]byte(key))
		}); err != nil {
			return err
		}
		delete(vs.vecs, key)
		delete(vs.order, key)
		if vs.ann != nil {
			if err := vs.ann.delete(key); err != nil {
				return err
			}
		}
		return nil
	}

	var payload model.VectorPayload
	if err := json.Unmarshal(tok.encoded, &payload); err != nil {
		return err
	}

	seq, known := vs.order[key]
	if !known {
		vs.seq++
		seq = vs.seq
	}
	rec := vectorRecord{Payload: payload, Seq: seq}
	encoded, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := vs.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketVector).Put([]byte(key), encoded)
	}); err != nil {
		return err
	}
	vs.vecs[key] = payload
	vs.order[key] = seq
	if vs.ann != nil {
		if err := vs.ann.upsert(key, payload.Values); err != nil {
			return err
		}
	}
	return nil
}

func (vs *VectorStore) Rollback(tok PrepareToken) error { return nil }

func (vs *VectorStore) Delete(eid model.EID) error {
	tok, err := vs.PrepareDelete(eid)
	if err != nil {
		return err
	}
	return vs.Commit(tok)
}

// Close releases the ANN index's sqlite handle, if one was built.
func (vs *VectorStore) Close() error {
	if vs.ann != nil {
		return vs.ann.close()
	}
	return nil
}

func (vs *VectorStore) Get(eid model.EID) (*model.VectorPayload, error) {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	p, ok := vs.vecs[eid.String()]
	if !ok {
		return nil, &model.NotFound{EID: eid, Modality: model.ModalityVector}
	}
	return &p, nil
}

// Neighbor is one result of a nearest-neighbor query.
type Neighbor struct {
	EID   model.EID
	Score float64
}

// Query returns the k nearest neighbors to v under metric. When the
// collection was built with an ANN index it answers from the sqlite-vec
// vec0 index, which ranks by cosine distance whatever metric is passed;
// otherwise it falls back to the exact linear scan via
// gonum's floats.Distance/Dot helpers. Either way, ties break by
// insertion order, not EID value, so re-inserting an unchanged vector
// under a new EID never reorders existing neighbors.
func (vs *VectorStore) Query(v []float32, k int, metric model.VectorMetric) ([]Neighbor, error) {
	if vs.dim > 0 && len(v) != vs.dim {
		return nil, &model.ShapeMismatch{Expected: vs.dim, Got: len(v)}
	}
	vs.mu.RLock()
	defer vs.mu.RUnlock()

	if vs.ann != nil {
		results, err := vs.ann.query(v, k)
		if err != nil {
			return nil, err
		}
		vs.breakTies(results)
		return results, nil
	}

	query := toFloat64(v)
	results := make([]Neighbor, 0, len(vs.vecs))
	for key, payload := range vs.vecs {
		eid, err := model.ParseEID(key)
		if err != nil {
			continue
		}
		cand := toFloat64(payload.Values)
		var score float64
		switch metric {
		case model.MetricEuclidean:
			score = floats.Distance(query, cand, 2)
		case model.MetricDot:
			score = -floats.Dot(query, cand)
		default:
			score = 1 - cosineSimilarity(query, cand)
		}
		results = append(results, Neighbor{EID: eid, Score: score})
	}

	vs.breakTies(results)
	if k > 0 && k < len(results) {
		results = results[:k]
	}
	return results, nil
}

// breakTies sorts results by score, breaking ties by insertion order
// (§4.1: "ties are broken by insertion order"). Must be called with vs.mu
// held.
func (vs *VectorStore) breakTies(results []Neighbor) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score < results[j].Score
		}
		return vs.order[results[i].EID.String()] < vs.order[results[j].EID.String()]
	})
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

func cosineSimilarity(a, b []float64) float64 {
	dot := floats.Dot(a, b)
	na := floats.Norm(a, 2)
	nb := floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (na * nb)
}

// annIndex is the sqlite-vec backed approximate nearest-neighbor strategy:
// an in-process sqlite database holding one vec0 virtual table, rebuilt
// from the bbolt-backed exact store on open. Distances are computed over
// L2-normalized vectors so the vec0 default L2 metric doubles as cosine
// distance (L2(u,v)^2 == 2*(1-cos(u,v)) for unit vectors).
type annIndex struct {
	mu        sync.Mutex
	db        *sql.DB
	dim       int
	rowOf     map[string]int64
	nextRowID int64
}

func newANNIndex(dim int) (*annIndex, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("vector store: open ann backing store: %w", err)
	}
	createTable := fmt.Sprintf(
		"CREATE VIRTUAL TABLE vec_items USING vec0(embedding float[%d], +eid TEXT)", dim,
	)
	if _, err := db.Exec(createTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("vector store: create vec0 index: %w", err)
	}
	return &annIndex{db: db, dim: dim, rowOf: make(map[string]int64)}, nil
}

func (a *annIndex) close() error {
	return a.db.Close()
}

// upsert replaces eid's row. vec0 tables don't reliably support INSERT OR
// REPLACE, so this deletes the prior row (if any) and reinserts, reusing
// the same rowid so the index never grows unbounded under updates.
func (a *annIndex) upsert(eid string, values []float32) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	blob, err := sqlite_vec.SerializeFloat32(normalizeL2(values))
	if err != nil {
		return err
	}
	rowid, ok := a.rowOf[eid]
	if !ok {
		a.nextRowID++
		rowid = a.nextRowID
		a.rowOf[eid] = rowid
	}
	if _, err := a.db.Exec("DELETE FROM vec_items WHERE rowid = ?", rowid); err != nil {
		return err
	}
	_, err = a.db.Exec("INSERT INTO vec_items(rowid, embedding, eid) VALUES (?, ?, ?)", rowid, blob, eid)
	return err
}

func (a *annIndex) delete(eid string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	rowid, ok := a.rowOf[eid]
	if !ok {
		return nil
	}
	delete(a.rowOf, eid)
	_, err := a.db.Exec("DELETE FROM vec_items WHERE rowid = ?", rowid)
	return err
}

func (a *annIndex) query(v []float32, k int) ([]Neighbor, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if k <= 0 {
		k = 10
	}
	blob, err := sqlite_vec.SerializeFloat32(normalizeL2(v))
	if err != nil {
		return nil, err
	}
	rows, err := a.db.Query(
		"SELECT eid, distance FROM vec_items WHERE embedding MATCH ? AND k = ? ORDER BY distance",
		blob, k,
	)
	if err != nil {
		return nil, fmt.Errorf("vector store: ann query: %w", err)
	}
	defer rows.Close()

	var out []Neighbor
	for rows.Next() {
		var eidStr string
		var l2dist float64
		if err := rows.Scan(&eidStr, &l2dist); err != nil {
			return nil, err
		}
		eid, err := model.ParseEID(eidStr)
		if err != nil {
			continue
		}
		out = append(out, Neighbor{EID: eid, Score: l2DistToCosineScore(l2dist)})
	}
	return out, rows.Err()
}

// normalizeL2 scales v to unit length so the vec0 index's native L2
// distance is equivalent to cosine distance.
func normalizeL2(v []float32) []float32 {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	norm := math.Sqrt(sumSq)
	if norm == 0 {
		return v
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

// l2DistToCosineScore converts an L2 distance between two unit vectors
// into a 1-cosine-similarity score, matching the exact-scan strategy's
// score scale: l2dist^2 == 2*(1 - cos_sim), so (1 - cos_sim) == l2dist^2/2.
func l2DistToCosineScore(l2dist float64) float64 {
	return (l2dist * l2dist) / 2
}
