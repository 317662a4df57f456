package drift

import "math"

// HashEmbed is the deployment-default `from_authoritative(document →
// vector)` regeneration function (§9 Open Question c): a deterministic,
// fixed-dimension feature hash of a document's tokens. It has no external
// model dependency, so it is stable across runs and nodes — the property
// the normalizer's re-score step depends on.
func HashEmbed(text string, dim int) []float32 {
	if dim <= 0 {
		dim = 64
	}
	out := make([]float32, dim)
	for _, tok := range tokenizeSimple(text) {
		h := fnv1a(tok)
		bucket := int(h % uint64(dim))
		sign := float32(1)
		if (h>>7)&1 == 1 {
			sign = -1
		}
		out[bucket] += sign
	}
	normalize(out)
	return out
}

func fnv1a(s string) uint64 {
	const offset64 = 14695981039346656037
	const prime64 = 1099511628211
	h := uint64(offset64)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime64
	}
	return h
}

func normalize(v []float32) {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	if sumSq == 0 {
		return
	}
	mag := math.Sqrt(sumSq)
	for i := range v {
		v[i] = v[i] / float32(mag)
	}
}
