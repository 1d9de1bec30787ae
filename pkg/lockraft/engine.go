// Package lockraft implements the distributed lock service: a replicated
// lock table driven by Raft consensus (FSM, Node), plus leader-local wait
// queues and wait-for-graph deadlock detection (Engine, deadlock.go).
package lockraft

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quorumd/quorumd/pkg/log"
	"github.com/quorumd/quorumd/pkg/metrics"
)

const proposeTimeout = 2 * time.Second

// waiter is one leader-local queued client.
type waiter struct {
	req    WaitRequest
	notify chan Result
}

// Engine is the resource-facing API: Acquire, Release, Status. It owns no
// Raft mechanics directly (those live in Node) but coordinates the
// wait queue and deadlock detector that have no place in the replicated
// log (see WaitRequest's doc comment in types.go).
type Engine struct {
	node *Node
	fsm  *FSM

	waitMu  sync.Mutex
	waiters map[string][]*waiter // resource -> FIFO queue

	sweepStop chan struct{}
}

// NewEngine wires an Engine around an already-constructed Node/FSM pair.
func NewEngine(node *Node, fsm *FSM) *Engine {
	e := &Engine{
		node:      node,
		fsm:       fsm,
		waiters:   make(map[string][]*waiter),
		sweepStop: make(chan struct{}),
	}
	go e.sweepLoop()
	return e
}

// Close stops the engine's background sweeper.
func (e *Engine) Close() {
	close(e.sweepStop)
}

// Acquire attempts to grant resource to clientID in mode, blocking up to
// timeout if it must wait in queue. A non-leader Engine returns
// StatusDenied with LeaderHint set so the caller can retry against the
// right node.
func (e *Engine) Acquire(ctx context.Context, resource, clientID string, mode Mode, ttl, timeout time.Duration) (Result, error) {
	if !e.node.IsLeader() {
		return Result{Status: StatusDenied, LeaderHint: e.node.LeaderAddr()}, nil
	}

	logger := log.WithResource(resource)

	if granted, ok := e.tryGrant(ctx, resource, clientID, mode, ttl); ok {
		return granted, nil
	}

	w := &waiter{
		req:    WaitRequest{ClientID: clientID, DesiredMode: mode, EnqueuedAt: time.Now()},
		notify: make(chan Result, 1),
	}
	e.waitMu.Lock()
	e.waiters[resource] = append(e.waiters[resource], w)
	e.waitMu.Unlock()

	logger.Debug().Str("client", clientID).Str("mode", mode.String()).Msg("client queued")
	metrics.LockWaitersTotal.Inc()
	defer metrics.LockWaitersTotal.Dec()

	e.detectAndResolve(resource)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case res := <-w.notify:
		return res, nil
	case <-ctx.Done():
		if !e.removeWaiter(resource, clientID) {
			// afterRelease already dequeued and granted this waiter
			// before the timeout fired; the caller is about to be told
			// Denied, so release the lock just committed in its name
			// instead of leaving it held by a client that believes it
			// never got it.
			e.compensateOrphanGrant(resource, clientID)
		}
		return Result{Status: StatusDenied}, nil
	}
}

// tryGrant proposes ACQUIRE immediately if the resource's current holder
// set is compatible with mode, without touching the wait queue.
func (e *Engine) tryGrant(ctx context.Context, resource, clientID string, mode Mode, ttl time.Duration) (Result, bool) {
	entry, exists := e.fsm.get(resource)
	if exists && len(entry.Holders) > 0 {
		_, holds := entry.Holders[clientID]
		alreadyCompatible := holds && (entry.Mode == ModeExclusive || mode == ModeShared)
		if !alreadyCompatible && !compatible(entry.Mode, mode) {
			return Result{}, false
		}
	}

	cmd := Command{Op: OpAcquire, Resource: resource, ClientID: clientID, Mode: mode, GrantTime: time.Now(), TTL: ttl}
	res, err := e.propose(cmd)
	if err != nil || res.err != nil {
		return Result{}, false
	}

	metrics.LocksHeldTotal.WithLabelValues(mode.String()).Inc()
	return Result{Status: StatusGranted, LockID: uuid.NewString()}, true
}

// Release proposes RELEASE then drains any now-compatible waiters on the
// resource. Releasing a resource the caller does not hold is a no-op
// success, matching the FSM's own idempotent applyRelease.
func (e *Engine) Release(ctx context.Context, resource, clientID string) (Result, error) {
	if !e.node.IsLeader() {
		return Result{Status: StatusDenied, LeaderHint: e.node.LeaderAddr()}, nil
	}

	entryBefore, existed := e.fsm.get(resource)

	cmd := Command{Op: OpRelease, Resource: resource, ClientID: clientID}
	if _, err := e.propose(cmd); err != nil {
		return Result{}, err
	}

	if existed {
		metrics.LocksHeldTotal.WithLabelValues(entryBefore.Mode.String()).Dec()
	}

	e.afterRelease(resource)
	return Result{Status: StatusGranted}, nil
}

// Status answers a read-only query against committed state plus the
// leader-local wait queue length.
func (e *Engine) Status(resource string) ResourceStatus {
	entry, ok := e.fsm.get(resource)
	e.waitMu.Lock()
	queueLen := len(e.waiters[resource])
	e.waitMu.Unlock()

	if !ok {
		return ResourceStatus{Resource: resource, QueueLen: queueLen}
	}

	holders := make([]string, 0, len(entry.Holders))
	for h := range entry.Holders {
		holders = append(holders, h)
	}
	sort.Strings(holders)
	return ResourceStatus{Resource: resource, Mode: entry.Mode, Holders: holders, QueueLen: queueLen}
}

// afterRelease drains waiters on resource that are now grantable, in FIFO
// order, stopping at the first waiter that still can't be granted (so a
// queued exclusive request isn't jumped by a later shared one).
func (e *Engine) afterRelease(resource string) {
	for {
		e.waitMu.Lock()
		queue := e.waiters[resource]
		if len(queue) == 0 {
			e.waitMu.Unlock()
			return
		}
		head := queue[0]
		e.waitMu.Unlock()

		res, ok := e.tryGrant(context.Background(), resource, head.req.ClientID, head.req.DesiredMode, 0)
		if !ok {
			return
		}
		if !e.removeWaiter(resource, head.req.ClientID) {
			// head's own Acquire call already timed out and removed its
			// waiter entry before this grant committed (lost the race
			// with this goroutine). Nobody is listening on head.notify
			// anymore, so compensate instead of granting a lock whose
			// caller already got a Denied reply.
			e.compensateOrphanGrant(resource, head.req.ClientID)
			continue
		}
		head.notify <- res
	}
}

// removeWaiter deletes one queued client from resource's wait queue,
// reporting whether it actually found (and removed) an entry.
func (e *Engine) removeWaiter(resource, clientID string) bool {
	e.waitMu.Lock()
	defer e.waitMu.Unlock()
	queue := e.waiters[resource]
	for i, w := range queue {
		if w.req.ClientID == clientID {
			e.waiters[resource] = append(queue[:i], queue[i+1:]...)
			return true
		}
	}
	return false
}

// compensateOrphanGrant releases a lock that was just committed for
// clientID after its wait-queue entry had already been removed by a
// concurrent timeout, so the leader's committed state doesn't diverge
// from the Denied reply already sent to the caller.
func (e *Engine) compensateOrphanGrant(resource, clientID string) {
	l := log.WithResource(resource)
	l.Warn().Str("client", clientID).
		Msg("grant committed after caller's wait timed out, releasing orphaned lock")
	_, _ = e.propose(Command{Op: OpRelease, Resource: resource, ClientID: clientID})
}

// detectAndResolve runs wait-for cycle detection over the entire wait
// queue state and aborts the youngest participant of each cycle found,
// re-running until the graph is acyclic.
func (e *Engine) detectAndResolve(triggerResource string) {
	for {
		holders, waiters, enqueuedAt := e.snapshotGraphInputs()
		graph := buildWaitForGraph(holders, waiters)
		cycle := findCycle(graph)
		if cycle == nil {
			return
		}

		metrics.DeadlocksDetectedTotal.Inc()
		victim := youngestVictim(cycle, enqueuedAt)
		rl := log.WithResource(triggerResource)
		rl.Info().Str("victim", victim).Int("cycle_size", len(cycle)).Msg("deadlock detected, aborting victim")
		metrics.DeadlockVictimsTotal.Inc()

		e.abortClient(victim)
	}
}

// abortClient proposes ABORT_CLIENT and wakes any waiter entries for that
// client with a denied result.
func (e *Engine) abortClient(clientID string) {
	_, _ = e.propose(Command{Op: OpAbortClient, ClientID: clientID})

	e.waitMu.Lock()
	var woken []*waiter
	for resource, queue := range e.waiters {
		kept := queue[:0]
		for _, w := range queue {
			if w.req.ClientID == clientID {
				woken = append(woken, w)
				continue
			}
			kept = append(kept, w)
		}
		e.waiters[resource] = kept
	}
	e.waitMu.Unlock()

	for _, w := range woken {
		w.notify <- Result{Status: StatusDenied}
	}
}

// snapshotGraphInputs takes a consistent-enough snapshot of committed
// holders and leader-local waiters for one deadlock-detection pass.
func (e *Engine) snapshotGraphInputs() (map[string]LockEntry, map[string][]WaitRequest, map[string]int64) {
	e.waitMu.Lock()
	waiters := make(map[string][]WaitRequest, len(e.waiters))
	enqueuedAt := make(map[string]int64)
	resources := make([]string, 0, len(e.waiters))
	for resource, queue := range e.waiters {
		resources = append(resources, resource)
		reqs := make([]WaitRequest, len(queue))
		for i, w := range queue {
			reqs[i] = w.req
			enqueuedAt[w.req.ClientID] = w.req.EnqueuedAt.UnixNano()
		}
		waiters[resource] = reqs
	}
	e.waitMu.Unlock()

	holders := make(map[string]LockEntry, len(resources))
	for _, resource := range resources {
		if entry, ok := e.fsm.get(resource); ok {
			holders[resource] = entry
		}
	}
	return holders, waiters, enqueuedAt
}

// Collect implements metrics.Source, resampling the point-in-time Raft
// gauges from node.Stats().
func (e *Engine) Collect() {
	state, lastIndex, appliedIndex, _ := e.node.Stats()
	isLeader := 0.0
	if state == "Leader" {
		isLeader = 1.0
	}
	metrics.RaftLeader.Set(isLeader)
	metrics.RaftLogIndex.Set(float64(lastIndex))
	metrics.RaftAppliedIndex.Set(float64(appliedIndex))
}

// propose submits cmd through Raft and times a histogram observation
// around it.
func (e *Engine) propose(cmd Command) (*applyResult, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RaftApplyDuration)

	res, err := e.node.Propose(cmd, proposeTimeout)
	if err != nil {
		return nil, fmt.Errorf("propose %s: %w", cmd.Op, err)
	}
	return res, nil
}

// sweepLoop periodically expires TTL'd locks and runs deadlock detection
// over any resources with active waiters, in case a RELEASE was missed
// (e.g. a client crashed without releasing).
func (e *Engine) sweepLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.sweepExpired()
			if e.node.IsLeader() {
				e.detectAndResolve("")
			}
		case <-e.sweepStop:
			return
		}
	}
}

func (e *Engine) sweepExpired() {
	if !e.node.IsLeader() {
		return
	}
	now := time.Now()
	for _, resource := range e.fsm.resourcesSnapshot() {
		entry, ok := e.fsm.get(resource)
		if !ok || !expired(entry, now) {
			continue
		}
		for holder := range entry.Holders {
			_, _ = e.propose(Command{Op: OpExpire, Resource: resource, ClientID: holder})
		}
		e.afterRelease(resource)
	}
}
