package proof

import (
	"fmt"
	"time"

	"github.com/verisimdb/verisimdb/pkg/model"
	"github.com/verisimdb/verisimdb/pkg/storage"
)

// EntityRegistry is the subset of the federation registry the proof engine
// needs for the existence and citation obligations.
type EntityRegistry interface {
	Exists(eid model.EID) bool
}

// AccessChecker approves or denies (caller, EID, action); its
// implementation is deployment-specific and supplied by the caller, since
// the policy engine itself is out of scope here.
type AccessChecker interface {
	Allow(caller string, eid model.EID, action string) (bool, error)
}

// CustomVerifier accepts a named circuit's witness and reports whether it
// is valid. The witness encoding is circuit-specific and opaque to the
// engine.
type CustomVerifier func(witness []byte) (bool, error)

// Stores bundles the modality stores obligation verifiers read from.
type Stores struct {
	Semantic   *storage.SemanticStore
	Provenance *storage.ProvenanceStore
	Temporal   *storage.TemporalStore
	Document   *storage.DocumentStore
	Graph      *storage.GraphStore
	Vector     *storage.VectorStore
	Tensor     *storage.TensorStore
	Spatial    *storage.SpatialStore
}

// Engine verifies proof obligations and issues certificates (C7).
type Engine struct {
	registry EntityRegistry
	stores   Stores
	roots    *RootStore
	access   AccessChecker
	circuits map[string]CustomVerifier
}

// NewEngine builds a proof engine. access may be nil if no query in this
// deployment ever names an access obligation.
func NewEngine(registry EntityRegistry, stores Stores, roots *RootStore, access AccessChecker) *Engine {
	return &Engine{
		registry: registry,
		stores:   stores,
		roots:    roots,
		access:   access,
		circuits: make(map[string]CustomVerifier),
	}
}

// RegisterCircuit makes a named custom verifier available to the custom
// obligation kind.
func (e *Engine) RegisterCircuit(name string, v CustomVerifier) {
	e.circuits[name] = v
}

// Verify discharges every obligation against queryText, in order, and
// returns a certificate on total success. The first failing obligation
// aborts the whole query with ProofFailed; no certificate is returned.
func (e *Engine) Verify(obligations []Obligation, queryText string) (*Certificate, error) {
	artifacts := make([]Artifact, 0, len(obligations))
	kinds := make([]Kind, 0, len(obligations))

	for _, ob := range obligations {
		artifact, err := e.verifyOne(ob)
		if err != nil {
			return nil, &ProofFailed{Kind: ob.Kind, Err: err}
		}
		artifacts = append(artifacts, artifact)
		kinds = append(kinds, ob.Kind)
	}

	return &Certificate{
		Artifacts:   artifacts,
		Conjunction: kinds,
		QueryHash:   queryHash(queryText),
		IssuedAt:    time.Now().UTC(),
	}, nil
}

func (e *Engine) verifyOne(ob Obligation) (Artifact, error) {
	switch ob.Kind {
	case KindExistence:
		return e.verifyExistence(ob)
	case KindCitation:
		return e.verifyCitation(ob)
	case KindAccess:
		return e.verifyAccess(ob)
	case KindIntegrity:
		return e.verifyIntegrity(ob)
	case KindProvenance:
		return e.verifyProvenance(ob)
	case KindCustom:
		return e.verifyCustom(ob)
	default:
		return Artifact{}, fmt.Errorf("unknown obligation kind: %s", ob.Kind)
	}
}

func (e *Engine) verifyExistence(ob Obligation) (Artifact, error) {
	if !e.exists(ob.EID) {
		return Artifact{}, &model.MissingEntity{EID: ob.EID}
	}
	return Artifact{Kind: KindExistence, Summary: fmt.Sprintf("%s present", ob.EID)}, nil
}

func (e *Engine) exists(eid model.EID) bool {
	return e.registry.Exists(eid)
}

// verifyCitation resolves Contract against ob.EID's semantic payload and
// confirms every entity it cites exists.
func (e *Engine) verifyCitation(ob Obligation) (Artifact, error) {
	if ob.Contract == "" {
		return Artifact{}, fmt.Errorf("citation obligation: no contract named")
	}
	found, err := e.stores.Semantic.ResolveContract(ob.EID, ob.Contract)
	if err != nil {
		return Artifact{}, err
	}
	if !found {
		return Artifact{}, &model.ContractNotFound{Name: ob.Contract}
	}
	for _, cited := range ob.Cites {
		if !e.exists(cited) {
			return Artifact{}, &model.MissingEntity{EID: cited}
		}
	}
	return Artifact{
		Kind:    KindCitation,
		Summary: fmt.Sprintf("contract %q resolved, %d citations verified", ob.Contract, len(ob.Cites)),
	}, nil
}

func (e *Engine) verifyAccess(ob Obligation) (Artifact, error) {
	if e.access == nil {
		return Artifact{}, fmt.Errorf("access obligation: no access checker configured")
	}
	allowed, err := e.access.Allow(ob.Caller, ob.EID, ob.Action)
	if err != nil {
		return Artifact{}, err
	}
	if !allowed {
		return Artifact{}, fmt.Errorf("access denied: %s may not %s %s", ob.Caller, ob.Action, ob.EID)
	}
	return Artifact{
		Kind:    KindAccess,
		Summary: fmt.Sprintf("%s approved for %s on %s", ob.Caller, ob.Action, ob.EID),
	}, nil
}

// verifyIntegrity rebuilds the Merkle tree over the modality's current
// leaf set and checks it against the last recorded root for this
// (EID, modality) pair.
func (e *Engine) verifyIntegrity(ob Obligation) (Artifact, error) {
	if ob.Modality != model.ModalityProvenance {
		return Artifact{}, fmt.Errorf("integrity obligation: no leaf source for modality %s", ob.Modality)
	}
	leaves, err := e.stores.Provenance.Leaves(ob.EID)
	if err != nil {
		return Artifact{}, err
	}
	current, err := merkleRoot(leaves)
	if err != nil {
		return Artifact{}, err
	}
	recorded, ok := e.roots.Recorded(ob.EID, ob.Modality)
	if !ok {
		return Artifact{}, fmt.Errorf("integrity obligation: no recorded root for %s/%s", ob.EID, ob.Modality)
	}
	if current != recorded {
		return Artifact{}, fmt.Errorf("integrity obligation: recorded root mismatch for %s/%s", ob.EID, ob.Modality)
	}
	return Artifact{
		Kind:    KindIntegrity,
		Summary: fmt.Sprintf("merkle root %s verified over %d leaves", current, len(leaves)),
		Data:    []byte(current),
	}, nil
}

func (e *Engine) verifyProvenance(ob Obligation) (Artifact, error) {
	if err := e.stores.Provenance.Verify(ob.EID); err != nil {
		return Artifact{}, err
	}
	payload, err := e.stores.Provenance.Get(ob.EID)
	if err != nil {
		return Artifact{}, err
	}
	if len(payload.Events) < ob.MinChainLength {
		return Artifact{}, fmt.Errorf("provenance obligation: chain length %d below minimum %d", len(payload.Events), ob.MinChainLength)
	}
	return Artifact{
		Kind:    KindProvenance,
		Summary: fmt.Sprintf("chain valid, length %d", len(payload.Events)),
	}, nil
}

func (e *Engine) verifyCustom(ob Obligation) (Artifact, error) {
	v, ok := e.circuits[ob.Circuit]
	if !ok {
		return Artifact{}, fmt.Errorf("custom obligation: unknown circuit %q", ob.Circuit)
	}
	accepted, err := v(ob.Witness)
	if err != nil {
		return Artifact{}, err
	}
	if !accepted {
		return Artifact{}, fmt.Errorf("custom obligation: circuit %q rejected witness", ob.Circuit)
	}
	return Artifact{Kind: KindCustom, Summary: fmt.Sprintf("circuit %q accepted witness", ob.Circuit)}, nil
}
