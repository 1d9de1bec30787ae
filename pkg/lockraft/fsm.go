package lockraft

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/raft"
)

// applyResult is the concrete type FSM.Apply returns via raft.Log so the
// proposer can type-assert future.Response().
type applyResult struct {
	err      error
	resource string
}

// FSM is the lock table's raft.FSM. It holds no knowledge of Raft
// itself; Apply is invoked exactly once per committed index, in order,
// on every replica.
type FSM struct {
	mu    sync.RWMutex
	locks map[string]*LockEntry
}

// NewFSM creates an empty lock table FSM.
func NewFSM() *FSM {
	return &FSM{locks: make(map[string]*LockEntry)}
}

var _ raft.FSM = (*FSM)(nil)

// Apply dispatches a committed Command by its Op tag.
func (f *FSM) Apply(l *raft.Log) interface{} {
	var cmd Command
	if err := gob.NewDecoder(bytes.NewReader(l.Data)).Decode(&cmd); err != nil {
		return &applyResult{err: fmt.Errorf("decode command: %w", err)}
	}

	switch cmd.Op {
	case OpAcquire:
		return f.applyAcquire(cmd)
	case OpRelease:
		return f.applyRelease(cmd)
	case OpExpire:
		return f.applyRelease(cmd)
	case OpAbortClient:
		return f.applyAbortClient(cmd)
	default:
		return &applyResult{err: fmt.Errorf("unknown command op %q", cmd.Op)}
	}
}

func (f *FSM) applyAcquire(cmd Command) *applyResult {
	f.mu.Lock()
	defer f.mu.Unlock()

	entry, ok := f.locks[cmd.Resource]
	if !ok {
		f.locks[cmd.Resource] = &LockEntry{
			Resource:   cmd.Resource,
			Mode:       cmd.Mode,
			Holders:    map[string]struct{}{cmd.ClientID: {}},
			AcquiredAt: cmd.GrantTime,
			TTL:        cmd.TTL,
		}
		return &applyResult{resource: cmd.Resource}
	}

	// idempotent: already holds requested-or-stronger mode
	if _, holds := entry.Holders[cmd.ClientID]; holds && (entry.Mode == ModeExclusive || cmd.Mode == ModeShared) {
		return &applyResult{resource: cmd.Resource}
	}

	if entry.Mode == ModeShared && cmd.Mode == ModeShared {
		entry.Holders[cmd.ClientID] = struct{}{}
		return &applyResult{resource: cmd.Resource}
	}

	return &applyResult{err: fmt.Errorf("resource %q not grantable in mode %s", cmd.Resource, cmd.Mode)}
}

func (f *FSM) applyRelease(cmd Command) *applyResult {
	f.mu.Lock()
	defer f.mu.Unlock()

	entry, ok := f.locks[cmd.Resource]
	if !ok {
		return &applyResult{resource: cmd.Resource} // release of unheld resource is a no-op success
	}
	delete(entry.Holders, cmd.ClientID)
	if len(entry.Holders) == 0 {
		delete(f.locks, cmd.Resource)
	}
	return &applyResult{resource: cmd.Resource}
}

func (f *FSM) applyAbortClient(cmd Command) *applyResult {
	f.mu.Lock()
	defer f.mu.Unlock()

	for resource, entry := range f.locks {
		if _, holds := entry.Holders[cmd.ClientID]; holds {
			delete(entry.Holders, cmd.ClientID)
			if len(entry.Holders) == 0 {
				delete(f.locks, resource)
			}
		}
	}
	return &applyResult{resource: ""}
}

// snapshot returns a defensive copy of the committed lock table.
func (f *FSM) snapshot() map[string]LockEntry {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]LockEntry, len(f.locks))
	for k, v := range f.locks {
		holders := make(map[string]struct{}, len(v.Holders))
		for h := range v.Holders {
			holders[h] = struct{}{}
		}
		out[k] = LockEntry{Resource: v.Resource, Mode: v.Mode, Holders: holders, AcquiredAt: v.AcquiredAt, TTL: v.TTL}
	}
	return out
}

// resourcesSnapshot lists all resources with a committed entry, for the
// expiry sweeper to iterate without holding the lock across Propose calls.
func (f *FSM) resourcesSnapshot() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.locks))
	for k := range f.locks {
		out = append(out, k)
	}
	return out
}

func (f *FSM) get(resource string) (LockEntry, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	e, ok := f.locks[resource]
	if !ok {
		return LockEntry{}, false
	}
	holders := make(map[string]struct{}, len(e.Holders))
	for h := range e.Holders {
		holders[h] = struct{}{}
	}
	return LockEntry{Resource: e.Resource, Mode: e.Mode, Holders: holders, AcquiredAt: e.AcquiredAt, TTL: e.TTL}, true
}

// Snapshot implements raft.FSM, encoding the full lock table as gob.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	return &fsmSnapshot{locks: f.snapshot()}, nil
}

// Restore implements raft.FSM, replacing the in-memory table wholesale.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var locks map[string]LockEntry
	if err := gob.NewDecoder(rc).Decode(&locks); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locks = make(map[string]*LockEntry, len(locks))
	for k, v := range locks {
		entry := v
		f.locks[k] = &entry
	}
	return nil
}

type fsmSnapshot struct {
	locks map[string]LockEntry
}

var _ raft.FSMSnapshot = (*fsmSnapshot)(nil)

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := gob.NewEncoder(sink).Encode(s.locks); err != nil {
		sink.Cancel()
		return fmt.Errorf("persist snapshot: %w", err)
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}

// expired reports whether entry's TTL (if any) has elapsed as of now.
func expired(e LockEntry, now time.Time) bool {
	return e.TTL > 0 && now.Sub(e.AcquiredAt) > e.TTL
}
