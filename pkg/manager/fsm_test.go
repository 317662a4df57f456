package manager

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/verisimdb/verisimdb/pkg/model"
	"github.com/verisimdb/verisimdb/pkg/registry"
	"go.etcd.io/bbolt"
)

func openTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	db, err := bbolt.Open(filepath.Join(t.TempDir(), "reg.db"), 0600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	reg, err := registry.NewRegistry(db, "store-1")
	require.NoError(t, err)
	return reg
}

func TestFSMApplyRegisterEntity(t *testing.T) {
	fsm := NewFSM(openTestRegistry(t))
	eid := model.NewEID()

	data, err := EncodeCommand(OpRegisterEntity, RegisterEntityCmd{
		EID: eid, StoreID: "store-1", SupportedModalities: []model.Modality{model.ModalitySemantic},
	})
	require.NoError(t, err)

	result := fsm.Apply(&raft.Log{Data: data})
	assert.Nil(t, result)
}

func TestFSMApplyUnknownOpFails(t *testing.T) {
	fsm := NewFSM(openTestRegistry(t))
	data, err := EncodeCommand("not_a_real_op", struct{}{})
	require.NoError(t, err)

	result := fsm.Apply(&raft.Log{Data: data})
	require.NotNil(t, result)
	_, ok := result.(error)
	assert.True(t, ok)
}

func TestFSMWithJournalWritesAppliedCommands(t *testing.T) {
	journalPath := filepath.Join(t.TempDir(), "applied.log")
	fsm := NewFSMWithJournal(openTestRegistry(t), journalPath)

	eid := model.NewEID()
	data, err := EncodeCommand(OpRegisterEntity, RegisterEntityCmd{
		EID: eid, StoreID: "store-1", SupportedModalities: []model.Modality{model.ModalitySemantic},
	})
	require.NoError(t, err)
	fsm.Apply(&raft.Log{Data: data})

	contents, err := os.ReadFile(journalPath)
	require.NoError(t, err)
	assert.Contains(t, string(contents), OpRegisterEntity)
}

// fakeSnapshotSink implements raft.SnapshotSink over an in-memory buffer,
// standing in for the real transport InstallSnapshot writes to.
type fakeSnapshotSink struct {
	bytes.Buffer
	cancelled bool
}

func (s *fakeSnapshotSink) ID() string      { return "test-snapshot" }
func (s *fakeSnapshotSink) Close() error    { return nil }
func (s *fakeSnapshotSink) Cancel() error   { s.cancelled = true; return nil }

func TestFSMSnapshotRestoreRoundTrip(t *testing.T) {
	reg := openTestRegistry(t)
	eid := model.NewEID()
	require.NoError(t, reg.MarkCommitted(eid, []model.Modality{model.ModalitySemantic}))

	fsm := NewFSM(reg)
	snap, err := fsm.Snapshot()
	require.NoError(t, err)

	sink := &fakeSnapshotSink{}
	require.NoError(t, snap.Persist(sink))
	assert.False(t, sink.cancelled)

	restored := NewFSM(openTestRegistry(t))
	require.NoError(t, restored.Restore(io.NopCloser(&sink.Buffer)))

	entries := restored.reg.AllEntries()
	_, ok := entries[eid.String()]
	assert.True(t, ok, "restored registry should carry the snapshotted entity")
}
