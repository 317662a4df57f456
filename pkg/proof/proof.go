// Package proof implements the proof engine (C7): verification of the
// obligations a query's PROOF clause names, and the certificates bundled
// with a query result once every obligation has been discharged.
//
// Verification never mutates state. A failure on any one obligation fails
// the whole query; no partial data is ever returned alongside a certificate.
package proof

import (
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/verisimdb/verisimdb/pkg/model"
)

// Kind names one of the obligation kinds a query may require.
type Kind string

const (
	KindExistence  Kind = "existence"
	KindCitation   Kind = "citation"
	KindAccess     Kind = "access"
	KindIntegrity  Kind = "integrity"
	KindProvenance Kind = "provenance"
	KindCustom     Kind = "custom"
)

// Obligation is one named verification requirement attached to a query.
// Which fields matter depends on Kind:
//
//   - existence: EID
//   - citation: EID (the claim holder), Contract, Cites (the EIDs the
//     contract references)
//   - access: EID, Caller, Action
//   - integrity: EID, Modality
//   - provenance: EID, MinChainLength
//   - custom: Circuit, Witness
type Obligation struct {
	Kind           Kind
	EID            model.EID
	Modality       model.Modality
	Contract       string
	Cites          []model.EID
	Caller         string
	Action         string
	MinChainLength int
	Circuit        string
	Witness        []byte
}

// Artifact is the opaque proof an obligation's verifier produced, plus a
// short human-readable summary for the certificate.
type Artifact struct {
	Kind    Kind   `json:"kind"`
	Summary string `json:"summary"`
	Data    []byte `json:"data,omitempty"`
}

// Certificate bundles every obligation's artifact with a record of the
// conjunction that was required and a fingerprint of the query that
// produced it.
type Certificate struct {
	Artifacts   []Artifact `json:"artifacts"`
	Conjunction []Kind     `json:"conjunction"`
	QueryHash   string     `json:"query_hash"`
	IssuedAt    time.Time  `json:"issued_at"`
}

// ProofFailed reports the first obligation that failed verification; a
// proof-path query fails entirely on this, regardless of how many other
// obligations would have succeeded.
type ProofFailed struct {
	Kind Kind
	Err  error
}

func (e *ProofFailed) Error() string {
	return fmt.Sprintf("proof failed (%s): %v", e.Kind, e.Err)
}

func (e *ProofFailed) Unwrap() error { return e.Err }

// queryHash fingerprints the query text the obligations were extracted
// from, recorded in the certificate so a verifier can confirm the
// certificate was issued for this exact query.
func queryHash(queryText string) string {
	sum := sha256.Sum256([]byte(queryText))
	return fmt.Sprintf("%x", sum)
}
