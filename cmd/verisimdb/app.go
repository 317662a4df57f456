package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/verisimdb/verisimdb/pkg/drift"
	"github.com/verisimdb/verisimdb/pkg/events"
	"github.com/verisimdb/verisimdb/pkg/manager"
	"github.com/verisimdb/verisimdb/pkg/model"
	"github.com/verisimdb/verisimdb/pkg/normalizer"
	"github.com/verisimdb/verisimdb/pkg/octad"
	"github.com/verisimdb/verisimdb/pkg/proof"
	"github.com/verisimdb/verisimdb/pkg/registry"
	"github.com/verisimdb/verisimdb/pkg/scheduler"
	"github.com/verisimdb/verisimdb/pkg/storage"
)

// app bundles the process's long-lived components, built once from a data
// directory and torn down together on shutdown.
type app struct {
	registry    *registry.Registry
	coordinator *octad.Coordinator
	manager     *manager.Manager
	normalizer  *normalizer.Normalizer
	scheduler   *scheduler.Scheduler
	scorer      *drift.Scorer
	proofEngine *proof.Engine
	stores      octad.Stores
	cfg         model.Config
}

// openApp opens every bbolt-backed store under dataDir, wires the
// coordinator, proof engine, drift scorer, normalizer and scheduler, and
// attaches a Raft-backed manager under nodeID/bindAddr.
func openApp(nodeID, bindAddr, dataDir string) (*app, error) {
	cfg := model.DefaultConfig()

	dataDB, err := storage.OpenBoltDB(filepath.Join(dataDir, "octads.db"))
	if err != nil {
		return nil, fmt.Errorf("open data store: %w", err)
	}
	walDB, err := storage.OpenBoltDB(filepath.Join(dataDir, "wal.db"))
	if err != nil {
		return nil, fmt.Errorf("open write-ahead log: %w", err)
	}
	regDB, err := storage.OpenBoltDB(filepath.Join(dataDir, "registry.db"))
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	rootsDB, err := storage.OpenBoltDB(filepath.Join(dataDir, "proof_roots.db"))
	if err != nil {
		return nil, fmt.Errorf("open proof root store: %w", err)
	}

	graph, err := storage.NewGraphStore(dataDB)
	if err != nil {
		return nil, err
	}
	vector, err := storage.NewVectorStoreWithANN(dataDB, cfg.ANNIndexParams)
	if err != nil {
		return nil, err
	}
	tensor, err := storage.NewTensorStore(dataDB)
	if err != nil {
		return nil, err
	}
	semantic, err := storage.NewSemanticStore(dataDB)
	if err != nil {
		return nil, err
	}
	document, err := storage.NewDocumentStore(dataDB, cfg.BM25Params.K1, cfg.BM25Params.B)
	if err != nil {
		return nil, err
	}
	temporal, err := storage.NewTemporalStore(dataDB)
	if err != nil {
		return nil, err
	}
	provenance, err := storage.NewProvenanceStore(dataDB)
	if err != nil {
		return nil, err
	}
	spatial, err := storage.NewSpatialStore(dataDB)
	if err != nil {
		return nil, err
	}

	reg, err := registry.NewRegistry(regDB, nodeID)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}

	stores := octad.Stores{
		Graph: graph, Vector: vector, Tensor: tensor, Semantic: semantic,
		Document: document, Temporal: temporal, Provenance: provenance, Spatial: spatial,
	}

	broker := events.NewBroker()
	coord, err := octad.NewCoordinator(walDB, stores, reg, broker)
	if err != nil {
		return nil, fmt.Errorf("open coordinator: %w", err)
	}

	roots, err := proof.NewRootStore(rootsDB)
	if err != nil {
		return nil, fmt.Errorf("open proof root store: %w", err)
	}
	coord.SetRootRecorder(roots)

	mgr, err := manager.NewManager(&manager.Config{
		NodeID:   nodeID,
		BindAddr: bindAddr,
		DataDir:  dataDir,
		Tuning:   cfg,
	}, reg)
	if err != nil {
		return nil, fmt.Errorf("create manager: %w", err)
	}

	scorer := &drift.Scorer{
		Graph: graph, Vector: vector, Tensor: tensor, Document: document,
		Semantic: semantic, Temporal: temporal, Spatial: spatial, Provenance: provenance,
	}

	strategies := normalizer.NewStrategyTable(cfg.ANNIndexParams.Dimension)
	norm := normalizer.NewNormalizer(coord, normalizer.Sources{
		Document: document, Graph: graph, Vector: vector, Tensor: tensor,
		Semantic: semantic, Spatial: spatial,
	}, scorer, strategies, cfg.AuthorityRanking, cfg.NormalizationAttempts, broker)

	sched := scheduler.NewScheduler(norm, cfg.HeartbeatInterval, 16)

	proofStores := proof.Stores{
		Semantic: semantic, Provenance: provenance, Temporal: temporal, Document: document,
		Graph: graph, Vector: vector, Tensor: tensor, Spatial: spatial,
	}
	engine := proof.NewEngine(reg, proofStores, roots, nil)

	return &app{
		registry: reg, coordinator: coord, manager: mgr, normalizer: norm,
		scheduler: sched, scorer: scorer, proofEngine: engine, stores: stores, cfg: cfg,
	}, nil
}

// waitForInterrupt blocks until SIGINT/SIGTERM, then stops the scheduler
// and shuts the manager's Raft instance down cleanly.
func waitForInterrupt(a *app) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	fmt.Println("shutting down...")
	a.scheduler.Stop()
	if err := a.manager.Shutdown(); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown error: %v\n", err)
	}
}
