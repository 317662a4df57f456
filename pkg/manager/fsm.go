package manager

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	goccyjson "github.com/goccy/go-json"
	"github.com/hashicorp/raft"
	"github.com/klauspost/compress/gzip"
	"github.com/verisimdb/verisimdb/pkg/model"
	"github.com/verisimdb/verisimdb/pkg/registry"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// FSM applies the metadata log's replicated commands to the federation
// registry (C8): every registry mutation that must be linearized across the
// cluster — entity registration, policy changes, store revocation, and the
// normalization audit trail — goes through Raft rather than being written
// directly.
type FSM struct {
	mu      sync.RWMutex
	reg     *registry.Registry
	journal *lumberjack.Logger
}

// NewFSM creates a new FSM instance with no applied-command journal.
func NewFSM(reg *registry.Registry) *FSM {
	return &FSM{reg: reg}
}

// NewFSMWithJournal creates an FSM that additionally appends one line per
// successfully applied command to a size-rotated journal file at
// journalPath, independent of the Raft log itself and of the structured
// zerolog output (§6: an operator audit trail of "what was linearized and
// when", not a debugging log).
func NewFSMWithJournal(reg *registry.Registry, journalPath string) *FSM {
	return &FSM{
		reg: reg,
		journal: &lumberjack.Logger{
			Filename:   journalPath,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		},
	}
}

// Command represents one state change in the metadata log.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

const (
	OpRegisterEntity     = "register_entity"
	OpUpdatePolicy       = "update_policy"
	OpRevokeStore        = "revoke_store"
	OpRecordNormalization = "record_normalization"
)

// RegisterEntityCmd registers (or updates) the location of an entity.
type RegisterEntityCmd struct {
	EID                 model.EID        `json:"eid"`
	StoreID              string           `json:"store_id"`
	SupportedModalities []model.Modality `json:"supported_modalities"`
	PolicyHash          string           `json:"policy_hash"`
}

// UpdatePolicyCmd changes the policy hash recorded for an entity without
// touching its store assignment.
type UpdatePolicyCmd struct {
	EID        model.EID `json:"eid"`
	PolicyHash string    `json:"policy_hash"`
}

// RevokeStoreCmd marks every entity pinned to storeID as deleted, used when
// a federation peer is permanently decommissioned.
type RevokeStoreCmd struct {
	StoreID string `json:"store_id"`
}

// RecordNormalizationCmd appends a normalization decision to the audit
// trail (the provenance event itself is written through C2; this command
// only updates the registry-visible record of the attempt).
type RecordNormalizationCmd struct {
	EID      model.EID `json:"eid"`
	Summary  string    `json:"summary"`
}

// Apply applies one Raft log entry to the FSM. Commands are decoded with
// goccy/go-json rather than encoding/json: every linearized write passes
// through here, so this is the hottest decode path in the metadata log.
func (f *FSM) Apply(entry *raft.Log) interface{} {
	var cmd Command
	if err := goccyjson.Unmarshal(entry.Data, &cmd); err != nil {
		return fmt.Errorf("unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	result := f.applyLocked(cmd)
	f.appendJournal(cmd, result)
	return result
}

func (f *FSM) applyLocked(cmd Command) interface{} {
	switch cmd.Op {
	case OpRegisterEntity:
		var c RegisterEntityCmd
		if err := goccyjson.Unmarshal(cmd.Data, &c); err != nil {
			return err
		}
		return f.reg.MarkCommitted(c.EID, c.SupportedModalities)

	case OpUpdatePolicy:
		var c UpdatePolicyCmd
		if err := goccyjson.Unmarshal(cmd.Data, &c); err != nil {
			return err
		}
		return f.reg.UpdatePolicyHash(c.EID, c.PolicyHash)

	case OpRevokeStore:
		var c RevokeStoreCmd
		if err := goccyjson.Unmarshal(cmd.Data, &c); err != nil {
			return err
		}
		return f.reg.RevokeStore(c.StoreID)

	case OpRecordNormalization:
		var c RecordNormalizationCmd
		if err := goccyjson.Unmarshal(cmd.Data, &c); err != nil {
			return err
		}
		return f.reg.RecordNormalization(c.EID, c.Summary)

	default:
		return fmt.Errorf("unknown command: %s", cmd.Op)
	}
}

// journalEntry is one line of the applied-command journal.
type journalEntry struct {
	At  time.Time `json:"at"`
	Op  string    `json:"op"`
	Err string    `json:"err,omitempty"`
}

// appendJournal writes one line to the rotating applied-command journal,
// if one was configured. Journal write failures are swallowed: the
// journal is an audit convenience, never the source of truth for what
// the log linearized.
func (f *FSM) appendJournal(cmd Command, result interface{}) {
	if f.journal == nil {
		return
	}
	entry := journalEntry{At: time.Now(), Op: cmd.Op}
	if err, ok := result.(error); ok && err != nil {
		entry.Err = err.Error()
	}
	line, err := goccyjson.Marshal(entry)
	if err != nil {
		return
	}
	line = append(line, '\n')
	_, _ = f.journal.Write(line)
}

// EncodeCommand marshals op/data into the wire form Apply decodes,
// exercised by whatever calls m.Apply with a raw Raft FSM.Apply (tests,
// and any future non-Manager-mediated log writer).
func EncodeCommand(op string, data any) ([]byte, error) {
	payload, err := goccyjson.Marshal(data)
	if err != nil {
		return nil, err
	}
	return goccyjson.Marshal(Command{Op: op, Data: payload})
}

// Snapshot captures a point-in-time copy of the registry for Raft log
// compaction.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	entries := f.reg.AllEntries()
	return &fsmSnapshot{entries: entries}, nil
}

// Restore replaces the registry's state from a previously persisted
// snapshot, used on node restart or when a follower catches up via
// InstallSnapshot. Snapshots are gzip-compressed (klauspost/compress's
// drop-in, faster gzip implementation), so this decompresses before
// decoding.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	zr, err := gzip.NewReader(rc)
	if err != nil {
		return fmt.Errorf("open compressed snapshot: %w", err)
	}
	defer zr.Close()

	var entries map[string]registry.EntityLocation
	if err := json.NewDecoder(zr).Decode(&entries); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	return f.reg.Restore(entries)
}

// fsmSnapshot implements raft.FSMSnapshot by gzip-compressing a JSON
// encoding of the registry's entity map. The teacher's own snapshot path
// writes an uncompressed blob; the metadata log's snapshots grow with the
// number of registered entities, so compressing them keeps Raft log
// compaction and InstallSnapshot transfers cheap.
type fsmSnapshot struct {
	entries map[string]registry.EntityLocation
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		zw := gzip.NewWriter(sink)
		if err := json.NewEncoder(zw).Encode(s.entries); err != nil {
			return err
		}
		return zw.Close()
	}()
	if err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
