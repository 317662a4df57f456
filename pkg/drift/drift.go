// Package drift implements the drift detector (C3): pairwise divergence
// scoring between an entity's present modalities, threshold-based
// escalation, and a periodic sweep that re-scores sampled entities.
package drift

import (
	"math"
	"strings"

	"github.com/verisimdb/verisimdb/pkg/model"
	"github.com/verisimdb/verisimdb/pkg/storage"
)

// Score is one pairwise drift measurement for an EID.
type Score struct {
	EID   model.EID
	A, B  model.Modality
	Value float64 // in [0,1]
}

// Scorer computes pairwise drift for an octad's present modalities (§4.3).
// It reads directly from the modality stores rather than through the
// coordinator, since scoring never mutates state.
type Scorer struct {
	Graph      *storage.GraphStore
	Vector     *storage.VectorStore
	Tensor     *storage.TensorStore
	Document   *storage.DocumentStore
	Semantic   *storage.SemanticStore
	Temporal   *storage.TemporalStore
	Spatial    *storage.SpatialStore
	Provenance *storage.ProvenanceStore
}

// ScoreAll computes drift(a,b) for every unordered pair of present
// modalities in present, for the given eid.
func (s *Scorer) ScoreAll(eid model.EID, present []model.Modality) ([]Score, error) {
	var scores []Score
	for i := 0; i < len(present); i++ {
		for j := i + 1; j < len(present); j++ {
			v, err := s.ScorePair(eid, present[i], present[j])
			if err != nil {
				return nil, err
			}
			scores = append(scores, Score{EID: eid, A: present[i], B: present[j], Value: v})
		}
	}
	return scores, nil
}

// ScorePair computes drift(a,b) for one pair, dispatching to the formula
// named for that pair in §4.3. The pair order does not matter; the
// dispatch below canonicalizes it.
func (s *Scorer) ScorePair(eid model.EID, a, b model.Modality) (float64, error) {
	if a == b {
		if a == model.ModalityTemporal {
			return s.temporalSelfCheck(eid)
		}
		return 0, nil
	}
	if pairRank(a) > pairRank(b) {
		a, b = b, a
	}

	switch {
	case a == model.ModalityVector && b == model.ModalityTensor:
		return s.vectorTensorDrift(eid)
	case a == model.ModalityDocument && b == model.ModalityGraph:
		return s.graphDocumentDrift(eid)
	case a == model.ModalityDocument && b == model.ModalityVector:
		return s.vectorDocumentDrift(eid)
	default:
		return s.fingerprintJaccardDrift(eid, a, b)
	}
}

// pairRank gives modalities a stable order for pair canonicalization; the
// exact order is arbitrary, only consistency matters.
func pairRank(m model.Modality) int {
	for i, x := range model.AllModalities {
		if x == m {
			return i
		}
	}
	return len(model.AllModalities)
}

// vectorTensorDrift scores cosine distance between the vector payload and
// the flattened tensor payload, treating the tensor as a second embedding
// of the same entity.
func (s *Scorer) vectorTensorDrift(eid model.EID) (float64, error) {
	vp, err := s.Vector.Get(eid)
	if err != nil {
		return 0, err
	}
	tp, err := s.Tensor.Get(eid)
	if err != nil {
		return 0, err
	}
	flat := make([]float32, len(tp.Data))
	for i, v := range tp.Data {
		flat[i] = float32(v)
	}
	sim := cosineSim32(vp.Values, flat)
	return clamp01((1 - sim) / 2), nil
}

// graphDocumentDrift scores 1 - Jaccard(terms extracted from graph edge
// labels, document body tokens).
func (s *Scorer) graphDocumentDrift(eid model.EID) (float64, error) {
	gp, err := s.Graph.Get(eid)
	if err != nil {
		return 0, err
	}
	dp, err := s.Document.Get(eid)
	if err != nil {
		return 0, err
	}
	graphTerms := make(map[string]bool)
	for _, e := range gp.Edges {
		for _, tok := range tokenizeSimple(e.Predicate) {
			graphTerms[tok] = true
		}
	}
	docTerms := make(map[string]bool)
	for _, tok := range tokenizeSimple(dp.Title + " " + dp.Body) {
		docTerms[tok] = true
	}
	return 1 - jaccard(graphTerms, docTerms), nil
}

// temporalSelfCheck scores hash-chain validity: 0 if valid, 1 if broken.
func (s *Scorer) temporalSelfCheck(eid model.EID) (float64, error) {
	if err := s.Temporal.Verify(eid); err != nil {
		return 1, nil
	}
	return 0, nil
}

// vectorDocumentDrift scores cosine distance between the vector payload and
// a deterministic fingerprint embedding of the document (the same hashing
// embedder the normalizer's from_authoritative regeneration uses).
func (s *Scorer) vectorDocumentDrift(eid model.EID) (float64, error) {
	vp, err := s.Vector.Get(eid)
	if err != nil {
		return 0, err
	}
	dp, err := s.Document.Get(eid)
	if err != nil {
		return 0, err
	}
	fingerprint := HashEmbed(dp.Title+" "+dp.Body, len(vp.Values))
	sim := cosineSim32(vp.Values, fingerprint)
	return clamp01((1 - sim) / 2), nil
}

// fingerprintJaccardDrift is the fallback formula for any pair not given a
// dedicated formula above (§4.3 "Other pairs"): a fingerprint-based Jaccard
// over each modality's derived token set.
func (s *Scorer) fingerprintJaccardDrift(eid model.EID, a, b model.Modality) (float64, error) {
	ta, err := s.fingerprintTokens(eid, a)
	if err != nil {
		return 0, err
	}
	tb, err := s.fingerprintTokens(eid, b)
	if err != nil {
		return 0, err
	}
	return 1 - jaccard(ta, tb), nil
}

// fingerprintTokens derives a token set from a modality payload, used by
// the generic Jaccard fallback for pairs without a dedicated formula.
func (s *Scorer) fingerprintTokens(eid model.EID, m model.Modality) (map[string]bool, error) {
	out := make(map[string]bool)
	switch m {
	case model.ModalitySemantic:
		sp, err := s.Semantic.Get(eid)
		if err != nil {
			return out, err
		}
		for _, c := range sp.Claims {
			out[c.Kind] = true
			for _, tok := range tokenizeSimple(c.Subject + " " + c.Object) {
				out[tok] = true
			}
		}
	case model.ModalitySpatial:
		sp, err := s.Spatial.Get(eid)
		if err != nil {
			return out, err
		}
		out[string(sp.Geometry)] = true
	case model.ModalityProvenance:
		pp, err := s.Provenance.Get(eid)
		if err != nil {
			return out, err
		}
		for _, e := range pp.Events {
			out[string(e.Kind)] = true
		}
	case model.ModalityDocument:
		dp, err := s.Document.Get(eid)
		if err != nil {
			return out, err
		}
		for _, tok := range tokenizeSimple(dp.Title + " " + dp.Body) {
			out[tok] = true
		}
	case model.ModalityGraph:
		gp, err := s.Graph.Get(eid)
		if err != nil {
			return out, err
		}
		for _, e := range gp.Edges {
			out[e.Predicate] = true
		}
	}
	return out, nil
}

func tokenizeSimple(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for k := range a {
		if b[k] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 1
	}
	return float64(inter) / float64(union)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func cosineSim32(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
	}
	for _, v := range a {
		na += float64(v) * float64(v)
	}
	for _, v := range b {
		nb += float64(v) * float64(v)
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
