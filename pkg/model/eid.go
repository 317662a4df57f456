// Package model holds the octad data model: entity identifiers, the eight
// modality payload types, drift scores, and the configuration shared across
// the rest of the store.
package model

import (
	"github.com/google/uuid"
)

// EID is an opaque, immutable, globally unique entity identifier. It is a
// 128-bit value; internally backed by a UUID so that generation, string
// round-tripping, and comparison are all free of charge from the stdlib-
// adjacent uuid package rather than a hand-rolled allocator.
type EID uuid.UUID

// NilEID is the zero value; never assigned to a real entity.
var NilEID EID

// NewEID allocates a fresh, random entity identifier.
func NewEID() EID {
	return EID(uuid.New())
}

// ParseEID parses the canonical string form of an EID.
func ParseEID(s string) (EID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return NilEID, err
	}
	return EID(u), nil
}

func (e EID) String() string {
	return uuid.UUID(e).String()
}

// IsNil reports whether e is the zero EID.
func (e EID) IsNil() bool {
	return e == NilEID
}

// Modality names one of the eight synchronized representations an octad
// may carry.
type Modality string

const (
	ModalityGraph      Modality = "graph"
	ModalityVector     Modality = "vector"
	ModalityTensor     Modality = "tensor"
	ModalitySemantic   Modality = "semantic"
	ModalityDocument   Modality = "document"
	ModalityTemporal   Modality = "temporal"
	ModalityProvenance Modality = "provenance"
	ModalitySpatial    Modality = "spatial"
)

// AllModalities lists every modality tag in a stable order; the drift
// scorer uses it to put each modality pair in a canonical order.
var AllModalities = []Modality{
	ModalityDocument,
	ModalitySemantic,
	ModalityGraph,
	ModalityVector,
	ModalityTensor,
	ModalityTemporal,
	ModalityProvenance,
	ModalitySpatial,
}

// CommitOrder is the fixed order C2 commits modality writes in. Temporal and
// provenance are always last, and always run, even on a modality-subset
// write.
var CommitOrder = []Modality{
	ModalityDocument,
	ModalitySemantic,
	ModalityGraph,
	ModalityVector,
	ModalityTensor,
	ModalitySpatial,
	ModalityTemporal,
	ModalityProvenance,
}

// DefaultAuthorityRanking is the deployment default total order used by the
// normalizer to pick an authoritative modality, highest-priority first.
var DefaultAuthorityRanking = []Modality{
	ModalityDocument,
	ModalitySemantic,
	ModalityGraph,
	ModalityVector,
	ModalityTensor,
	ModalityTemporal,
	ModalityProvenance,
	ModalitySpatial,
}
