package model

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every recognized deployment option (§6). It is loaded from
// YAML, mirroring the teacher's preference for a single typed Config struct
// passed to each component's constructor rather than module-level flags.
type Config struct {
	DriftSoftThreshold  float64              `yaml:"drift_soft_threshold"`
	DriftHardThreshold  float64              `yaml:"drift_hard_threshold"`
	AuthorityRanking    []Modality           `yaml:"authority_ranking"`
	NormalizationAttempts int                `yaml:"normalization_attempts"`
	SnapshotLogSizeThreshold uint64          `yaml:"snapshot_log_size_threshold"`
	HeartbeatInterval   time.Duration        `yaml:"heartbeat_interval"`
	ElectionTimeoutMin  time.Duration        `yaml:"election_timeout_min"`
	ElectionTimeoutMax  time.Duration        `yaml:"election_timeout_max"`
	ANNIndexParams      ANNIndexParams       `yaml:"ann_index_params"`
	BM25Params          BM25Params           `yaml:"bm25_params"`
	QueryCacheSizes     QueryCacheSizes      `yaml:"query_cache_sizes_l1_l2_l3"`
	TelemetryEnabled    bool                 `yaml:"telemetry_enabled"`
}

// ANNIndexParams tunes the sqlite-vec backed approximate nearest-neighbor
// strategy of the vector store.
type ANNIndexParams struct {
	Dimension      int    `yaml:"dimension"`
	DistanceMetric string `yaml:"distance_metric"`
}

// BM25Params tunes the document store's ranking function.
type BM25Params struct {
	K1 float64 `yaml:"k1"`
	B  float64 `yaml:"b"`
}

// QueryCacheSizes holds the three-tier query cache sizes. It is parsed and
// defaulted only; the planner and executor keep no plan or result cache.
type QueryCacheSizes struct {
	L1 int `yaml:"l1"`
	L2 int `yaml:"l2"`
	L3 int `yaml:"l3"`
}

// DefaultConfig returns the deployment defaults named throughout the spec:
// τ_soft/τ_hard, the default authority ranking, and Raft timings tuned the
// same way the teacher tunes them (sub-second heartbeats for fast
// failover).
func DefaultConfig() Config {
	return Config{
		DriftSoftThreshold:       0.3,
		DriftHardThreshold:       0.7,
		AuthorityRanking:         append([]Modality(nil), DefaultAuthorityRanking...),
		NormalizationAttempts:    3,
		SnapshotLogSizeThreshold: 8192,
		HeartbeatInterval:        500 * time.Millisecond,
		ElectionTimeoutMin:       500 * time.Millisecond,
		ElectionTimeoutMax:       1000 * time.Millisecond,
		ANNIndexParams:           ANNIndexParams{Dimension: 0, DistanceMetric: "cosine"},
		BM25Params:               BM25Params{K1: 1.2, B: 0.75},
		QueryCacheSizes:          QueryCacheSizes{L1: 256, L2: 4096, L3: 65536},
		TelemetryEnabled:         false,
	}
}

// LoadConfig reads and parses a YAML configuration file, filling any field
// left zero with DefaultConfig's value.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
