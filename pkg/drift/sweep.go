package drift

import (
	"time"

	"github.com/verisimdb/verisimdb/pkg/log"
	"github.com/verisimdb/verisimdb/pkg/metrics"
	"github.com/verisimdb/verisimdb/pkg/model"
	"github.com/rs/zerolog"
)

// EntitySource lists the EIDs and present-modality sets a sweep samples
// from, satisfied by the federation registry.
type EntitySource interface {
	SampleEIDs(n int) []model.EID
	PresentModalities(eid model.EID) ([]model.Modality, bool)
}

// Sink receives every score a sweep (or a post-commit scoring pass)
// produces, so the caller can threshold it against τ_soft/τ_hard.
type Sink interface {
	Record(score Score)
}

// Sweep periodically re-scores drift for a sampled subset of entities
// (§4.3). Which entities are sampled follows the source's SampleEIDs order,
// so there is no fixed bound on how long one octad can go without being
// re-scored.
type Sweep struct {
	scorer   *Scorer
	source   EntitySource
	sink     Sink
	logger   zerolog.Logger
	interval time.Duration
	sampleN  int
	stopCh   chan struct{}
}

// NewSweep builds a periodic drift sweep, sampling sampleN entities every
// interval.
func NewSweep(scorer *Scorer, source EntitySource, sink Sink, interval time.Duration, sampleN int) *Sweep {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if sampleN <= 0 {
		sampleN = 100
	}
	return &Sweep{
		scorer:   scorer,
		source:   source,
		sink:     sink,
		logger:   log.WithComponent("drift_sweep"),
		interval: interval,
		sampleN:  sampleN,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the sweep loop.
func (sw *Sweep) Start() {
	go sw.run()
}

// Stop stops the sweep loop.
func (sw *Sweep) Stop() {
	close(sw.stopCh)
}

func (sw *Sweep) run() {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	sw.logger.Info().Dur("interval", sw.interval).Int("sample_size", sw.sampleN).Msg("drift sweep started")

	for {
		select {
		case <-ticker.C:
			sw.tick()
		case <-sw.stopCh:
			sw.logger.Info().Msg("drift sweep stopped")
			return
		}
	}
}

func (sw *Sweep) tick() {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.DriftSweepDuration)
		metrics.DriftSweepCyclesTotal.Inc()
	}()

	for _, eid := range sw.source.SampleEIDs(sw.sampleN) {
		present, ok := sw.source.PresentModalities(eid)
		if !ok {
			continue
		}
		scores, err := sw.scorer.ScoreAll(eid, present)
		if err != nil {
			sw.logger.Warn().Err(err).Str("eid", eid.String()).Msg("drift scoring failed during sweep")
			continue
		}
		for _, score := range scores {
			metrics.DriftScore.WithLabelValues(string(score.A), string(score.B)).Set(score.Value)
			sw.sink.Record(score)
		}
	}
}
