package manager

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	goccyjson "github.com/goccy/go-json"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/verisimdb/verisimdb/pkg/metrics"
	"github.com/verisimdb/verisimdb/pkg/model"
	"github.com/verisimdb/verisimdb/pkg/registry"
)

// Manager wraps a Raft instance driving the metadata log (C8): entity
// registration, policy updates, and store revocation are linearized
// through it rather than written directly to the registry.
type Manager struct {
	nodeID   string
	bindAddr string
	dataDir  string
	cfg      model.Config

	raft         *raft.Raft
	fsm          *FSM
	reg          *registry.Registry
	tokenManager *TokenManager
}

// Config holds configuration for creating a Manager.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
	Tuning   model.Config
}

// NewManager creates a Manager bound to reg, ready to Bootstrap or Join.
func NewManager(cfg *Config, reg *registry.Registry) (*Manager, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	tuning := cfg.Tuning
	if tuning.HeartbeatInterval == 0 {
		tuning = model.DefaultConfig()
	}

	return &Manager{
		nodeID:       cfg.NodeID,
		bindAddr:     cfg.BindAddr,
		dataDir:      cfg.DataDir,
		cfg:          tuning,
		fsm:          NewFSMWithJournal(reg, filepath.Join(cfg.DataDir, "applied_commands.log")),
		reg:          reg,
		tokenManager: NewTokenManager(),
	}, nil
}

func (m *Manager) raftConfig() *raft.Config {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(m.nodeID)

	// Tuned for sub-10s failover on LAN/edge deployments rather than the
	// library's WAN-conservative defaults (§6 HeartbeatInterval/ElectionTimeout).
	config.HeartbeatTimeout = m.cfg.HeartbeatInterval
	config.ElectionTimeout = m.cfg.ElectionTimeoutMax
	config.LeaderLeaseTimeout = m.cfg.HeartbeatInterval / 2
	return config
}

func (m *Manager) newRaft() (*raft.Raft, error) {
	addr, err := net.ResolveTCPAddr("tcp", m.bindAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve bind address: %w", err)
	}

	transport, err := raft.NewTCPTransport(m.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(m.dataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("create log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("create stable store: %w", err)
	}

	return raft.NewRaft(m.raftConfig(), m.fsm, logStore, stableStore, snapshotStore, transport)
}

// Bootstrap initializes a new single-node metadata log cluster.
func (m *Manager) Bootstrap() error {
	r, err := m.newRaft()
	if err != nil {
		return fmt.Errorf("create raft: %w", err)
	}
	m.raft = r

	config := raft.Configuration{
		Servers: []raft.Server{
			{ID: raft.ServerID(m.nodeID), Address: raft.ServerAddress(m.bindAddr)},
		},
	}
	if err := m.raft.BootstrapCluster(config).Error(); err != nil {
		return fmt.Errorf("bootstrap cluster: %w", err)
	}
	return nil
}

// Join starts this node's Raft instance so a current leader can AddVoter it;
// the caller is responsible for getting this node's ID/address to the
// leader (e.g. via the token exchanged out of band).
func (m *Manager) Join() error {
	r, err := m.newRaft()
	if err != nil {
		return fmt.Errorf("create raft: %w", err)
	}
	m.raft = r
	return nil
}

// AddVoter adds a new node to the metadata log cluster. Must be called on
// the current leader.
func (m *Manager) AddVoter(nodeID, address string) error {
	if m.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	if !m.IsLeader() {
		return fmt.Errorf("not the leader, current leader: %s", m.LeaderAddr())
	}
	return m.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second).Error()
}

// RemoveServer removes a node from the metadata log cluster. Must be
// called on the current leader.
func (m *Manager) RemoveServer(nodeID string) error {
	if m.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	if !m.IsLeader() {
		return fmt.Errorf("not the leader")
	}
	return m.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second).Error()
}

// GetClusterServers returns the current Raft configuration's server list.
func (m *Manager) GetClusterServers() ([]raft.Server, error) {
	if m.raft == nil {
		return nil, fmt.Errorf("raft not initialized")
	}
	future := m.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, err
	}
	return future.Configuration().Servers, nil
}

// IsLeader satisfies metrics.RaftSource.
func (m *Manager) IsLeader() bool {
	return m.raft != nil && m.raft.State() == raft.Leader
}

// LeaderAddr returns the current leader's address, or "" if unknown.
func (m *Manager) LeaderAddr() string {
	if m.raft == nil {
		return ""
	}
	return string(m.raft.Leader())
}

// Stats satisfies metrics.RaftSource.
func (m *Manager) Stats() map[string]uint64 {
	if m.raft == nil {
		return nil
	}
	stats := map[string]uint64{
		"last_log_index": m.raft.LastIndex(),
		"applied_index":  m.raft.AppliedIndex(),
	}
	if future := m.raft.GetConfiguration(); future.Error() == nil {
		stats["peers"] = uint64(len(future.Configuration().Servers))
	}
	return stats
}

// Apply submits a command to the metadata log and waits for it to commit.
func (m *Manager) Apply(cmd Command) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RaftApplyDuration)

	if m.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	data, err := goccyjson.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	future := m.raft.Apply(data, 5*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("apply command: %w", err)
	}
	if resp := future.Response(); resp != nil {
		if err, ok := resp.(error); ok && err != nil {
			return err
		}
	}
	return nil
}

// RegisterEntity linearizes an entity registration through the metadata log.
func (m *Manager) RegisterEntity(eid model.EID, storeID string, present []model.Modality, policyHash string) error {
	data, err := goccyjson.Marshal(RegisterEntityCmd{EID: eid, StoreID: storeID, SupportedModalities: present, PolicyHash: policyHash})
	if err != nil {
		return err
	}
	return m.Apply(Command{Op: OpRegisterEntity, Data: data})
}

// UpdatePolicy linearizes a policy hash change through the metadata log.
func (m *Manager) UpdatePolicy(eid model.EID, policyHash string) error {
	data, err := goccyjson.Marshal(UpdatePolicyCmd{EID: eid, PolicyHash: policyHash})
	if err != nil {
		return err
	}
	return m.Apply(Command{Op: OpUpdatePolicy, Data: data})
}

// RevokeStore linearizes decommissioning storeID through the metadata log.
func (m *Manager) RevokeStore(storeID string) error {
	data, err := goccyjson.Marshal(RevokeStoreCmd{StoreID: storeID})
	if err != nil {
		return err
	}
	return m.Apply(Command{Op: OpRevokeStore, Data: data})
}

// RecordNormalization linearizes a normalization audit entry through the
// metadata log, alongside the provenance event C2 already wrote.
func (m *Manager) RecordNormalization(eid model.EID, summary string) error {
	data, err := goccyjson.Marshal(RecordNormalizationCmd{EID: eid, Summary: summary})
	if err != nil {
		return err
	}
	return m.Apply(Command{Op: OpRecordNormalization, Data: data})
}

// GenerateJoinToken issues a join token for adding a node with the given
// Raft suffrage role ("voter" or "observer"). Only the leader may mint
// tokens.
func (m *Manager) GenerateJoinToken(role string) (*JoinToken, error) {
	if !m.IsLeader() {
		return nil, fmt.Errorf("not the leader, tokens can only be generated by the leader")
	}
	return m.tokenManager.GenerateToken(role, 24*time.Hour)
}

// ValidateJoinToken validates a join token and returns its role.
func (m *Manager) ValidateJoinToken(token string) (string, error) {
	return m.tokenManager.ValidateToken(token)
}

// NodeID returns this node's Raft server ID.
func (m *Manager) NodeID() string { return m.nodeID }

// Shutdown gracefully stops the Raft instance.
func (m *Manager) Shutdown() error {
	if m.raft == nil {
		return nil
	}
	if err := m.raft.Shutdown().Error(); err != nil {
		return fmt.Errorf("shutdown raft: %w", err)
	}
	return nil
}
