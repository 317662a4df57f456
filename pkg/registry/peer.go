package registry

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	goccyjson "github.com/goccy/go-json"
	"github.com/verisimdb/verisimdb/pkg/model"
)

// TrustTier buckets a peer by recent health-check outcomes.
type TrustTier string

const (
	TierTrusted    TrustTier = "trusted"
	TierProbation  TrustTier = "probation"
	TierUntrusted  TrustTier = "untrusted"
)

// Peer is one federation member's health and trust state.
type Peer struct {
	ID                  string
	Address             string
	Tier                TrustTier
	LastLatency         time.Duration
	ConsecutiveFailures int
	LastCheckedAt       time.Time
}

// PeerTable tracks per-peer trust scores derived from health-check
// outcomes (§4.9: latency and availability feed trust tiers).
type PeerTable struct {
	mu    sync.RWMutex
	peers map[string]*Peer
}

func NewPeerTable() *PeerTable {
	return &PeerTable{peers: make(map[string]*Peer)}
}

// Register adds or updates a peer's address, defaulting new peers to
// probation until their first successful health check.
func (pt *PeerTable) Register(id, address string) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if _, ok := pt.peers[id]; ok {
		pt.peers[id].Address = address
		return
	}
	pt.peers[id] = &Peer{ID: id, Address: address, Tier: TierProbation}
}

// RecordHealthCheck updates a peer's trust tier from one health-check
// outcome. Three consecutive failures demote to untrusted; a single
// success on an untrusted peer promotes it back to probation, and a single
// success on a probation peer promotes it to trusted.
func (pt *PeerTable) RecordHealthCheck(id string, latency time.Duration, err error) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	p, ok := pt.peers[id]
	if !ok {
		p = &Peer{ID: id, Tier: TierProbation}
		pt.peers[id] = p
	}
	p.LastCheckedAt = time.Now()
	p.LastLatency = latency

	if err != nil {
		p.ConsecutiveFailures++
		if p.ConsecutiveFailures >= 3 {
			p.Tier = TierUntrusted
		}
		return
	}

	p.ConsecutiveFailures = 0
	switch p.Tier {
	case TierUntrusted:
		p.Tier = TierProbation
	case TierProbation:
		p.Tier = TierTrusted
	}
}

// CountsByTier returns the number of peers in each trust tier.
func (pt *PeerTable) CountsByTier() map[string]int {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	counts := make(map[string]int)
	for _, p := range pt.peers {
		counts[string(p.Tier)]++
	}
	return counts
}

// Snapshot returns every peer's current state, ordered by ID for
// determinism.
func (pt *PeerTable) Snapshot() []Peer {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	out := make([]Peer, 0, len(pt.peers))
	for _, p := range pt.peers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Trusted returns the IDs of peers currently in the trusted tier.
func (pt *PeerTable) Trusted() []string {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	var ids []string
	for id, p := range pt.peers {
		if p.Tier == TierTrusted {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// DriftPolicy governs how a federation fan-out read reconciles divergent
// copies of the same entity across peers (§4.9).
type DriftPolicy string

const (
	PolicyStrict  DriftPolicy = "strict"
	PolicyRepair  DriftPolicy = "repair"
	PolicyTolerate DriftPolicy = "tolerate"
	PolicyLatest  DriftPolicy = "latest"
)

// PeerFetcher fetches one EID's octad from a named peer.
type PeerFetcher func(ctx context.Context, peerID string, eid model.EID) (*model.Octad, error)

// Envelope is the wire shape exchanged with a federation peer over HTTP:
// the requested EID plus, in a response, either the fetched octad or an
// error string. Encoded with goccy/go-json rather than encoding/json — a
// fan-out read hits every trusted peer concurrently, so the faster decode
// path matters more here than on the registry's local bbolt-backed reads.
type Envelope struct {
	EID   model.EID   `json:"eid"`
	Octad *model.Octad `json:"octad,omitempty"`
	Err   string      `json:"err,omitempty"`
}

// EncodeEnvelope marshals e for transport to or from a federation peer.
func EncodeEnvelope(e Envelope) ([]byte, error) {
	return goccyjson.Marshal(e)
}

// DecodeEnvelope unmarshals bytes received from a federation peer.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	err := goccyjson.Unmarshal(data, &e)
	return e, err
}

// NewHTTPPeerFetcher returns a PeerFetcher that fetches eid from peerID by
// POSTing an Envelope to addressOf(peerID)+path and decoding the peer's
// Envelope response, the concrete transport FanOut's injected PeerFetcher
// exists to abstract over.
func NewHTTPPeerFetcher(client *http.Client, addressOf func(peerID string) string, path string) PeerFetcher {
	return func(ctx context.Context, peerID string, eid model.EID) (*model.Octad, error) {
		body, err := EncodeEnvelope(Envelope{EID: eid})
		if err != nil {
			return nil, err
		}
		url := addressOf(peerID) + path
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetch from peer %s: %w", peerID, err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		env, err := DecodeEnvelope(respBody)
		if err != nil {
			return nil, fmt.Errorf("decode peer %s response: %w", peerID, err)
		}
		if env.Err != "" {
			return nil, fmt.Errorf("peer %s: %s", peerID, env.Err)
		}
		return env.Octad, nil
	}
}

// PeerResult is one peer's fan-out response.
type PeerResult struct {
	PeerID string
	Octad  *model.Octad
	Err    error
}

// FanOut queries every trusted peer for eid, retrying transient failures
// per peer with jittered backoff up to maxElapsed, and returns the per-peer
// results. policy is passed to reconcile, which does not apply it.
func (pt *PeerTable) FanOut(ctx context.Context, eid model.EID, policy DriftPolicy, fetch PeerFetcher, maxElapsed time.Duration) ([]PeerResult, error) {
	peerIDs := pt.Trusted()
	results := make([]PeerResult, len(peerIDs))

	var wg sync.WaitGroup
	for i, id := range peerIDs {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			results[i] = pt.fetchWithRetry(ctx, id, eid, fetch, maxElapsed)
		}(i, id)
	}
	wg.Wait()

	return reconcile(results, policy), nil
}

func (pt *PeerTable) fetchWithRetry(ctx context.Context, peerID string, eid model.EID, fetch PeerFetcher, maxElapsed time.Duration) PeerResult {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = maxElapsed
	var octad *model.Octad

	err := backoff.Retry(func() error {
		start := time.Now()
		o, err := fetch(ctx, peerID, eid)
		pt.RecordHealthCheck(peerID, time.Since(start), err)
		if err != nil {
			return err
		}
		octad = o
		return nil
	}, backoff.WithContext(bo, ctx))

	return PeerResult{PeerID: peerID, Octad: octad, Err: err}
}

// reconcile returns the raw per-peer results unchanged for every policy.
// No component applies strict, repair, tolerate or latest to fan-out
// results: divergent copies are neither rejected, repaired nor narrowed
// to the newest version.
func reconcile(results []PeerResult, policy DriftPolicy) []PeerResult {
	return results
}
