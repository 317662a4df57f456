// Package normalizer implements the normalizer (C4): authority-ranked
// regeneration of a drifted modality pair, escalation after repeated
// failed attempts, and an audit trail of every decision.
package normalizer

import (
	"fmt"
	"time"

	"github.com/verisimdb/verisimdb/pkg/drift"
	"github.com/verisimdb/verisimdb/pkg/events"
	"github.com/verisimdb/verisimdb/pkg/log"
	"github.com/verisimdb/verisimdb/pkg/model"
	"github.com/verisimdb/verisimdb/pkg/octad"
	"github.com/verisimdb/verisimdb/pkg/storage"
)

// Strategy names a regeneration strategy for an (authority -> target)
// modality pair (§4.4).
type Strategy string

const (
	StrategyFromAuthoritative Strategy = "from_authoritative"
	StrategyMerge             Strategy = "merge"
	StrategyUserResolve       Strategy = "user_resolve"
)

// Regenerator produces a replacement payload for target, given the
// authoritative modality's current payload. It returns the payload to
// write (as a concrete *model.XPayload, stored as any for octad.Write
// field assignment by the caller) or an error.
type Regenerator func(eid model.EID, authoritative model.Modality, source any) (any, error)

// StrategyTable maps an (authority, target) modality pair to the
// regeneration strategy and, for from_authoritative/merge, the function
// that performs it. Deployment-configurable per §9 Open Question c; only
// document->vector via the default hashing embedder is required.
type StrategyTable struct {
	strategies map[pairKey]Strategy
	regenerate map[pairKey]Regenerator
}

type pairKey struct {
	Authority model.Modality
	Target    model.Modality
}

// NewStrategyTable builds a strategy table pre-populated with the required
// document->vector from_authoritative regeneration using the drift
// package's deterministic hashing embedder.
func NewStrategyTable(vectorDim int) *StrategyTable {
	st := &StrategyTable{
		strategies: make(map[pairKey]Strategy),
		regenerate: make(map[pairKey]Regenerator),
	}
	st.Register(model.ModalityDocument, model.ModalityVector, StrategyFromAuthoritative,
		func(eid model.EID, authoritative model.Modality, source any) (any, error) {
			doc, ok := source.(*model.DocumentPayload)
			if !ok {
				return nil, fmt.Errorf("normalizer: expected *model.DocumentPayload source, got %T", source)
			}
			values := drift.HashEmbed(doc.Title+" "+doc.Body, vectorDim)
			return &model.VectorPayload{Values: values, Metric: model.MetricCosine}, nil
		},
	)
	return st
}

// Register installs a strategy (and, if applicable, its regeneration
// function) for the (authority, target) pair.
func (st *StrategyTable) Register(authority, target model.Modality, strategy Strategy, fn Regenerator) {
	key := pairKey{authority, target}
	st.strategies[key] = strategy
	if fn != nil {
		st.regenerate[key] = fn
	}
}

func (st *StrategyTable) lookup(authority, target model.Modality) (Strategy, Regenerator, bool) {
	key := pairKey{authority, target}
	strategy, ok := st.strategies[key]
	if !ok {
		return "", nil, false
	}
	return strategy, st.regenerate[key], true
}

// Sources is the read access the normalizer needs for every modality it
// might read as an authority or write as a target.
type Sources struct {
	Document *storage.DocumentStore
	Graph    *storage.GraphStore
	Vector   *storage.VectorStore
	Tensor   *storage.TensorStore
	Semantic *storage.SemanticStore
	Spatial  *storage.SpatialStore
}

// Normalizer applies authority-ranked regeneration to drifted pairs,
// writing the result back through the octad coordinator (C2) so it goes
// through the same two-phase commit, drift re-score, and provenance
// bookkeeping as any other write.
type Normalizer struct {
	coordinator *octad.Coordinator
	sources     Sources
	scorer      *drift.Scorer
	strategies  *StrategyTable
	ranking     []model.Modality
	maxAttempts int
	broker      *events.Broker

	attempts map[attemptKey]int
}

type attemptKey struct {
	EID  model.EID
	A, B model.Modality
}

// NewNormalizer builds a normalizer driven by authority ranking, with
// maxAttempts re-tries before a pair is escalated to user_resolve.
func NewNormalizer(coord *octad.Coordinator, sources Sources, scorer *drift.Scorer, strategies *StrategyTable, ranking []model.Modality, maxAttempts int, broker *events.Broker) *Normalizer {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Normalizer{
		coordinator: coord,
		sources:     sources,
		scorer:      scorer,
		strategies:  strategies,
		ranking:     ranking,
		maxAttempts: maxAttempts,
		broker:      broker,
		attempts:    make(map[attemptKey]int),
	}
}

// Decision is one audit-trail entry: the inputs to a normalization
// decision and its outcome.
type Decision struct {
	EID         model.EID
	A, B        model.Modality
	Authority   model.Modality
	Target      model.Modality
	Strategy    Strategy
	PreDrift    float64
	PostDrift   float64
	Escalated   bool
	At          time.Time
}

// Normalize runs one normalization attempt for the drifted pair (a,b) on
// eid, present describing the EID's currently present modalities (needed
// to pick the authority via ranking). Returns the decision recorded.
func (n *Normalizer) Normalize(eid model.EID, a, b model.Modality, present []model.Modality, preDrift float64) (Decision, error) {
	logger := log.WithEID(eid.String())

	authority, target, ok := n.pickAuthority(a, b, present)
	if !ok {
		return Decision{}, fmt.Errorf("normalizer: neither %s nor %s present for %s", a, b, eid)
	}

	key := attemptKey{EID: eid, A: a, B: b}
	n.attempts[key]++

	strategy, regen, ok := n.strategies.lookup(authority, target)
	decision := Decision{EID: eid, A: a, B: b, Authority: authority, Target: target, PreDrift: preDrift, At: time.Now()}

	if !ok || strategy == StrategyUserResolve {
		decision.Strategy = StrategyUserResolve
		n.emitUnresolved(decision)
		return decision, nil
	}
	decision.Strategy = strategy

	source, err := n.readPayload(eid, authority)
	if err != nil {
		return decision, err
	}

	regenerated, err := regen(eid, authority, source)
	if err != nil {
		return decision, err
	}

	write := octad.Write{EID: eid, Actor: "normalizer"}
	if err := assignTarget(&write, target, regenerated); err != nil {
		return decision, err
	}

	if err := n.coordinator.Commit(write); err != nil {
		return decision, err
	}

	postDrift, err := n.scorer.ScorePair(eid, a, b)
	if err != nil {
		return decision, err
	}
	decision.PostDrift = postDrift

	if n.broker != nil {
		n.broker.Publish(&events.Event{
			Type:    events.EventNormalized,
			Message: fmt.Sprintf("%s: %s -> %s via %s", eid, authority, target, strategy),
		})
	}

	if postDrift > n.thresholdHard() && n.attempts[key] >= n.maxAttempts {
		decision.Escalated = true
		n.emitUnresolved(decision)
	} else if postDrift <= n.thresholdHard() {
		delete(n.attempts, key)
	}

	logger.Info().
		Str("authority", string(authority)).
		Str("target", string(target)).
		Str("strategy", string(strategy)).
		Float64("pre_drift", preDrift).
		Float64("post_drift", postDrift).
		Msg("normalization applied")

	return decision, nil
}

// thresholdHard is conservatively fixed here; callers needing a
// deployment-configured τ_hard should classify via drift.Thresholds before
// invoking Normalize, since Normalize's own re-score check is a secondary
// escalation guard, not the primary trigger decision.
func (n *Normalizer) thresholdHard() float64 { return 0.7 }

func (n *Normalizer) emitUnresolved(d Decision) {
	if n.broker == nil {
		return
	}
	n.broker.Publish(&events.Event{
		Type:    events.EventNormalizationLog,
		Message: fmt.Sprintf("%s: unresolved drift between %s and %s", d.EID, d.A, d.B),
	})
}

// pickAuthority chooses s = argmax_r{a,b ∩ present(EID)} per §4.4 step 1:
// the higher-ranked of a/b that is actually present becomes the
// authority, and the other becomes the regeneration target.
func (n *Normalizer) pickAuthority(a, b model.Modality, present []model.Modality) (authority, target model.Modality, ok bool) {
	presentSet := make(map[model.Modality]bool, len(present))
	for _, m := range present {
		presentSet[m] = true
	}
	for _, m := range n.ranking {
		if m != a && m != b {
			continue
		}
		if !presentSet[m] {
			continue
		}
		if m == a {
			return a, b, true
		}
		return b, a, true
	}
	return "", "", false
}

func (n *Normalizer) readPayload(eid model.EID, modality model.Modality) (any, error) {
	switch modality {
	case model.ModalityDocument:
		return n.sources.Document.Get(eid)
	case model.ModalityGraph:
		return n.sources.Graph.Get(eid)
	case model.ModalityVector:
		return n.sources.Vector.Get(eid)
	case model.ModalityTensor:
		return n.sources.Tensor.Get(eid)
	case model.ModalitySemantic:
		return n.sources.Semantic.Get(eid)
	case model.ModalitySpatial:
		return n.sources.Spatial.Get(eid)
	default:
		return nil, fmt.Errorf("normalizer: %s is not a valid regeneration authority", modality)
	}
}

func assignTarget(w *octad.Write, target model.Modality, payload any) error {
	switch target {
	case model.ModalityVector:
		vp, ok := payload.(*model.VectorPayload)
		if !ok {
			return fmt.Errorf("normalizer: regenerated payload for vector is %T, not *model.VectorPayload", payload)
		}
		w.Vector = vp
	case model.ModalityDocument:
		dp, ok := payload.(*model.DocumentPayload)
		if !ok {
			return fmt.Errorf("normalizer: regenerated payload for document is %T, not *model.DocumentPayload", payload)
		}
		w.Document = dp
	case model.ModalityGraph:
		gp, ok := payload.(*model.GraphPayload)
		if !ok {
			return fmt.Errorf("normalizer: regenerated payload for graph is %T, not *model.GraphPayload", payload)
		}
		w.Graph = gp
	case model.ModalityTensor:
		tp, ok := payload.(*model.TensorPayload)
		if !ok {
			return fmt.Errorf("normalizer: regenerated payload for tensor is %T, not *model.TensorPayload", payload)
		}
		w.Tensor = tp
	case model.ModalitySemantic:
		sp, ok := payload.(*model.SemanticPayload)
		if !ok {
			return fmt.Errorf("normalizer: regenerated payload for semantic is %T, not *model.SemanticPayload", payload)
		}
		w.Semantic = sp
	case model.ModalitySpatial:
		spp, ok := payload.(*model.SpatialPayload)
		if !ok {
			return fmt.Errorf("normalizer: regenerated payload for spatial is %T, not *model.SpatialPayload", payload)
		}
		w.Spatial = spp
	default:
		return fmt.Errorf("normalizer: %s cannot be a regeneration target (temporal/provenance are coordinator-managed)", target)
	}
	return nil
}
