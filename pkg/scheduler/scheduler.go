// Package scheduler runs the periodic trigger loop that dispatches
// normalization jobs: it collects jobs (from Enqueue, or from every drift
// score handed to Record, with no threshold applied) into a queue that is
// deduplicated by (EID, pair) but has no size cap, and drains that queue
// at a steady pace, calling the normalizer for each.
package scheduler

import (
	"sync"
	"time"

	"github.com/verisimdb/verisimdb/pkg/drift"
	"github.com/verisimdb/verisimdb/pkg/log"
	"github.com/verisimdb/verisimdb/pkg/metrics"
	"github.com/verisimdb/verisimdb/pkg/model"
	"github.com/verisimdb/verisimdb/pkg/normalizer"
	"github.com/rs/zerolog"
)

// Job is one pending normalization trigger: an EID with a drifted pair
// that scored above τ_hard.
type Job struct {
	EID      model.EID
	A, B     model.Modality
	Present  []model.Modality
	PreDrift float64
}

// Scheduler drains queued normalization jobs on a fixed cadence,
// deduplicating by (EID, pair) so a hot entity doesn't starve the queue.
type Scheduler struct {
	norm    *normalizer.Normalizer
	logger  zerolog.Logger
	mu      sync.Mutex
	queue   []Job
	queued  map[jobKey]bool
	stopCh  chan struct{}
	period  time.Duration
	perTick int
}

type jobKey struct {
	EID  model.EID
	A, B model.Modality
}

// NewScheduler builds a trigger loop that normalizes up to perTick jobs
// every period.
func NewScheduler(norm *normalizer.Normalizer, period time.Duration, perTick int) *Scheduler {
	if period <= 0 {
		period = 5 * time.Second
	}
	if perTick <= 0 {
		perTick = 10
	}
	return &Scheduler{
		norm:    norm,
		logger:  log.WithComponent("normalization_scheduler"),
		queued:  make(map[jobKey]bool),
		stopCh:  make(chan struct{}),
		period:  period,
		perTick: perTick,
	}
}

// Record implements drift.Sink: any score exceeding needsNormalization's
// threshold (per caller's drift.Thresholds.Classify) should only be
// passed to Enqueue, not Record directly — Record exists so a Scheduler
// can also be handed straight to a drift.Sweep when every score, not just
// above-threshold ones, should be considered for enqueueing.
func (s *Scheduler) Record(score drift.Score) {
	s.Enqueue(Job{EID: score.EID, A: score.A, B: score.B, PreDrift: score.Value})
}

// Enqueue adds a normalization job unless one for the same (EID, pair) is
// already pending.
func (s *Scheduler) Enqueue(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := jobKey{EID: job.EID, A: job.A, B: job.B}
	if s.queued[key] {
		return
	}
	s.queued[key] = true
	s.queue = append(s.queue, job)
}

// Start begins the trigger loop.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop stops the trigger loop.
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

func (s *Scheduler) run() {
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	s.logger.Info().Dur("period", s.period).Int("per_tick", s.perTick).Msg("normalization scheduler started")

	for {
		select {
		case <-ticker.C:
			s.tick()
		case <-s.stopCh:
			s.logger.Info().Msg("normalization scheduler stopped")
			return
		}
	}
}

func (s *Scheduler) tick() {
	jobs := s.dequeue(s.perTick)
	for _, job := range jobs {
		s.run1(job)
	}
}

func (s *Scheduler) dequeue(n int) []Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n > len(s.queue) {
		n = len(s.queue)
	}
	jobs := s.queue[:n]
	s.queue = s.queue[n:]
	for _, j := range jobs {
		delete(s.queued, jobKey{EID: j.EID, A: j.A, B: j.B})
	}
	return jobs
}

func (s *Scheduler) run1(job Job) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.NormalizationDuration)

	decision, err := s.norm.Normalize(job.EID, job.A, job.B, job.Present, job.PreDrift)
	if err != nil {
		metrics.NormalizationsTotal.WithLabelValues("error").Inc()
		s.logger.Error().Err(err).Str("eid", job.EID.String()).Msg("normalization job failed")
		return
	}

	outcome := "applied"
	if decision.Strategy == normalizer.StrategyUserResolve {
		outcome = "user_resolve"
	} else if decision.Escalated {
		outcome = "escalated"
	}
	metrics.NormalizationsTotal.WithLabelValues(outcome).Inc()
}

// QueueDepth reports how many jobs are currently waiting.
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
