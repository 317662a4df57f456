// Package reconciler runs the federation registry's periodic peer
// health-check loop (§4.9): each tick, every registered peer is probed and
// its trust tier updated from the outcome.
package reconciler

import (
	"context"
	"time"

	"github.com/verisimdb/verisimdb/pkg/log"
	"github.com/verisimdb/verisimdb/pkg/metrics"
	"github.com/verisimdb/verisimdb/pkg/registry"
	"github.com/rs/zerolog"
)

// HealthChecker probes one peer and reports round-trip latency or an
// error if the peer is unreachable.
type HealthChecker func(ctx context.Context, peerID, address string) (time.Duration, error)

// Reconciler drives the periodic federation health-check sweep.
type Reconciler struct {
	peers   *registry.PeerTable
	check   HealthChecker
	logger  zerolog.Logger
	stopCh  chan struct{}
	interval time.Duration
}

// NewReconciler creates a health-check reconciler over peers, probing each
// registered peer with check on every tick.
func NewReconciler(peers *registry.PeerTable, check HealthChecker, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Reconciler{
		peers:    peers,
		check:    check,
		logger:   log.WithComponent("reconciler"),
		stopCh:   make(chan struct{}),
		interval: interval,
	}
}

// Start begins the reconciliation loop.
func (r *Reconciler) Start() {
	go r.run()
}

// Stop stops the reconciler.
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

func (r *Reconciler) run() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info().Msg("federation health-check reconciler started")

	for {
		select {
		case <-ticker.C:
			r.reconcile()
		case <-r.stopCh:
			r.logger.Info().Msg("federation health-check reconciler stopped")
			return
		}
	}
}

func (r *Reconciler) reconcile() {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.FederationHealthCheckDuration)

	ctx, cancel := context.WithTimeout(context.Background(), r.interval)
	defer cancel()

	for _, p := range r.peers.Snapshot() {
		latency, err := r.check(ctx, p.ID, p.Address)
		r.peers.RecordHealthCheck(p.ID, latency, err)
		if err != nil {
			r.logger.Warn().Str("peer_id", p.ID).Err(err).Msg("peer health check failed")
		}
	}
}
