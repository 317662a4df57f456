package model

import "fmt"

// ShapeMismatch is returned when a vector or tensor payload's declared
// dimension/shape disagrees with the collection it is being written to.
type ShapeMismatch struct {
	Expected int
	Got      int
}

func (e *ShapeMismatch) Error() string {
	return fmt.Sprintf("shape mismatch: expected %d, got %d", e.Expected, e.Got)
}

// InvariantViolation reports a failed per-modality invariant (§3 of the
// data model): NaN-bearing vectors, broken hash chains, out-of-range
// coordinates, and so on.
type InvariantViolation struct {
	Modality Modality
	Reason   string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation on %s: %s", e.Modality, e.Reason)
}

// ContractNotFound is returned when a semantic claim or proof obligation
// names a contract that the entity's semantic payload does not declare.
type ContractNotFound struct {
	Name string
}

func (e *ContractNotFound) Error() string {
	return fmt.Sprintf("contract not found: %s", e.Name)
}

// NotFound is returned by a modality store's get/query when the EID has no
// payload for that modality.
type NotFound struct {
	EID      EID
	Modality Modality
}

func (e *NotFound) Error() string {
	return fmt.Sprintf("%s: no %s payload for %s", e.EID, e.Modality, e.Modality)
}

// Backpressure is returned by put when a store's internal queue has
// exceeded its watermark. The caller should retry with backoff; no
// modality was written.
type Backpressure struct {
	Modality Modality
}

func (e *Backpressure) Error() string {
	return fmt.Sprintf("%s store applying backpressure", e.Modality)
}

// ChainBroken is returned by verify when a temporal or provenance hash
// chain does not reproduce its stored head hash.
type ChainBroken struct {
	EID      EID
	Modality Modality
	AtIndex  int
}

func (e *ChainBroken) Error() string {
	return fmt.Sprintf("%s: %s chain broken at entry %d", e.EID, e.Modality, e.AtIndex)
}

// MissingEntity is returned when a proof obligation references an EID
// absent from the registry. Graph pattern queries do not return it: an
// absent anchor yields no edges.
type MissingEntity struct {
	EID EID
}

func (e *MissingEntity) Error() string {
	return fmt.Sprintf("missing entity: %s", e.EID)
}
