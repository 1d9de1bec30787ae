package lockraft

import (
	"bytes"
	"encoding/gob"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"
)

func encodeCmd(t *testing.T, cmd Command) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, gob.NewEncoder(&buf).Encode(cmd))
	return buf.Bytes()
}

func applyCmd(t *testing.T, f *FSM, cmd Command) *applyResult {
	t.Helper()
	res, ok := f.Apply(&raft.Log{Data: encodeCmd(t, cmd)}).(*applyResult)
	require.True(t, ok)
	return res
}

func TestApplyAcquireGrantsOnEmptyResource(t *testing.T) {
	f := NewFSM()
	res := applyCmd(t, f, Command{Op: OpAcquire, Resource: "r1", ClientID: "alice", Mode: ModeExclusive, GrantTime: time.Now()})
	require.NoError(t, res.err)

	entry, ok := f.get("r1")
	require.True(t, ok)
	require.Equal(t, ModeExclusive, entry.Mode)
	_, held := entry.Holders["alice"]
	require.True(t, held)
}

func TestApplyAcquireExclusiveConflict(t *testing.T) {
	f := NewFSM()
	applyCmd(t, f, Command{Op: OpAcquire, Resource: "r1", ClientID: "alice", Mode: ModeExclusive, GrantTime: time.Now()})
	res := applyCmd(t, f, Command{Op: OpAcquire, Resource: "r1", ClientID: "bob", Mode: ModeExclusive, GrantTime: time.Now()})
	require.Error(t, res.err)
}

func TestApplyAcquireSharedSharedCompatible(t *testing.T) {
	f := NewFSM()
	applyCmd(t, f, Command{Op: OpAcquire, Resource: "r1", ClientID: "alice", Mode: ModeShared, GrantTime: time.Now()})
	res := applyCmd(t, f, Command{Op: OpAcquire, Resource: "r1", ClientID: "bob", Mode: ModeShared, GrantTime: time.Now()})
	require.NoError(t, res.err)

	entry, _ := f.get("r1")
	require.Len(t, entry.Holders, 2)
}

func TestApplyAcquireIdempotentDuplicate(t *testing.T) {
	f := NewFSM()
	cmd := Command{Op: OpAcquire, Resource: "r1", ClientID: "alice", Mode: ModeExclusive, GrantTime: time.Now()}
	applyCmd(t, f, cmd)
	res := applyCmd(t, f, cmd)
	require.NoError(t, res.err)

	entry, _ := f.get("r1")
	require.Len(t, entry.Holders, 1)
}

func TestApplyReleaseRemovesHolderAndEntry(t *testing.T) {
	f := NewFSM()
	applyCmd(t, f, Command{Op: OpAcquire, Resource: "r1", ClientID: "alice", Mode: ModeExclusive, GrantTime: time.Now()})
	res := applyCmd(t, f, Command{Op: OpRelease, Resource: "r1", ClientID: "alice"})
	require.NoError(t, res.err)

	_, ok := f.get("r1")
	require.False(t, ok)
}

func TestApplyReleaseOfUnheldResourceIsNoop(t *testing.T) {
	f := NewFSM()
	res := applyCmd(t, f, Command{Op: OpRelease, Resource: "ghost", ClientID: "alice"})
	require.NoError(t, res.err)
}

func TestApplyAbortClientClearsAllHeldResources(t *testing.T) {
	f := NewFSM()
	applyCmd(t, f, Command{Op: OpAcquire, Resource: "r1", ClientID: "alice", Mode: ModeShared, GrantTime: time.Now()})
	applyCmd(t, f, Command{Op: OpAcquire, Resource: "r2", ClientID: "alice", Mode: ModeExclusive, GrantTime: time.Now()})
	applyCmd(t, f, Command{Op: OpAbortClient, ClientID: "alice"})

	_, ok1 := f.get("r1")
	_, ok2 := f.get("r2")
	require.False(t, ok1)
	require.False(t, ok2)
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	f := NewFSM()
	applyCmd(t, f, Command{Op: OpAcquire, Resource: "r1", ClientID: "alice", Mode: ModeShared, GrantTime: time.Now()})

	snap, err := f.Snapshot()
	require.NoError(t, err)

	var buf bytes.Buffer
	sink := &fakeSnapshotSink{Buffer: &buf}
	require.NoError(t, snap.Persist(sink))

	f2 := NewFSM()
	require.NoError(t, f2.Restore(fakeReadCloser{Reader: &buf}))

	entry, ok := f2.get("r1")
	require.True(t, ok)
	require.Equal(t, ModeShared, entry.Mode)
}

type fakeSnapshotSink struct {
	*bytes.Buffer
}

func (f *fakeSnapshotSink) ID() string    { return "test" }
func (f *fakeSnapshotSink) Cancel() error { return nil }
func (f *fakeSnapshotSink) Close() error  { return nil }

type fakeReadCloser struct {
	*bytes.Buffer
}

func (f fakeReadCloser) Close() error { return nil }
