package metrics

import (
	"time"

	"github.com/verisimdb/verisimdb/pkg/model"
)

// RegistrySource exposes the counts the collector polls from the octad
// store / federation registry.
type RegistrySource interface {
	EntityCount() int
	PayloadCounts() map[model.Modality]int
}

// RaftSource exposes the metadata log state the collector polls.
type RaftSource interface {
	IsLeader() bool
	Stats() map[string]uint64
}

// FederationSource exposes federation peer counts bucketed by trust tier.
type FederationSource interface {
	PeerCountsByTier() map[string]int
}

// Collector polls the store's components on a fixed interval and updates
// the package-level Prometheus gauges, mirroring the teacher's periodic
// collector rather than push-based instrumentation.
type Collector struct {
	registry   RegistrySource
	raft       RaftSource
	federation FederationSource
	stopCh     chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(registry RegistrySource, raft RaftSource, federation FederationSource) *Collector {
	return &Collector{
		registry:   registry,
		raft:       raft,
		federation: federation,
		stopCh:     make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectRegistryMetrics()
	c.collectRaftMetrics()
	c.collectFederationMetrics()
}

func (c *Collector) collectRegistryMetrics() {
	if c.registry == nil {
		return
	}
	EntitiesTotal.Set(float64(c.registry.EntityCount()))
	for modality, count := range c.registry.PayloadCounts() {
		ModalityPayloadsTotal.WithLabelValues(string(modality)).Set(float64(count))
	}
}

func (c *Collector) collectRaftMetrics() {
	if c.raft == nil {
		return
	}
	if c.raft.IsLeader() {
		RaftLeader.Set(1)
	} else {
		RaftLeader.Set(0)
	}
	stats := c.raft.Stats()
	if lastIndex, ok := stats["last_log_index"]; ok {
		RaftLogIndex.Set(float64(lastIndex))
	}
	if appliedIndex, ok := stats["applied_index"]; ok {
		RaftAppliedIndex.Set(float64(appliedIndex))
	}
	if peers, ok := stats["peers"]; ok {
		RaftPeers.Set(float64(peers))
	}
}

func (c *Collector) collectFederationMetrics() {
	if c.federation == nil {
		return
	}
	for tier, count := range c.federation.PeerCountsByTier() {
		FederationPeersTotal.WithLabelValues(tier).Set(float64(count))
	}
}
