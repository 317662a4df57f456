package drift

// Thresholds holds τ_soft and τ_hard (§4.3): a score above Soft is marked
// drifted with no action; above Hard enqueues normalization.
type Thresholds struct {
	Soft float64
	Hard float64
}

// Classify reports whether a score requires normalization (Hard) or is
// merely marked drifted (Soft) or is within tolerance (neither).
func (t Thresholds) Classify(score float64) (drifted, needsNormalization bool) {
	if score > t.Hard {
		return true, true
	}
	if score > t.Soft {
		return true, false
	}
	return false, false
}
