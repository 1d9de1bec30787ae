package cache

import (
	"bytes"
	"container/list"
	"context"
	"encoding/gob"
	"fmt"
	"sync"
	"time"

	"github.com/quorumd/quorumd/pkg/log"
	"github.com/quorumd/quorumd/pkg/metrics"
	"github.com/quorumd/quorumd/pkg/transport"
)

const (
	rpcCacheRead       = "cache_read"
	rpcCacheInvalidate = "cache_invalidate"
	broadcastTimeout   = 500 * time.Millisecond
)

// Engine is one node's view of the MESI-coherent key/value cache. Peers is
// a static list refreshed by the caller (e.g. from Raft cluster
// membership or the hash ring's member set) rather than owned here.
type Engine struct {
	selfID    string
	transport *transport.Transport
	capacity  int

	mu    sync.Mutex
	lines map[string]*line
	lru   *list.List // front = most recently used

	keyLocks *keyMutex

	peersMu sync.RWMutex
	peers   []string
}

// NewEngine constructs a cache Engine with the given per-node line
// capacity and registers its peer RPC handlers on t.
func NewEngine(selfID string, t *transport.Transport, capacity int) *Engine {
	e := &Engine{
		selfID:    selfID,
		transport: t,
		capacity:  capacity,
		lines:     make(map[string]*line),
		lru:       list.New(),
		keyLocks:  newKeyMutex(),
	}
	t.RegisterHandler(rpcCacheRead, e.handleCacheRead)
	t.RegisterHandler(rpcCacheInvalidate, e.handleCacheInvalidate)
	return e
}

// SetPeers replaces the set of peer ids this engine broadcasts to.
func (e *Engine) SetPeers(peers []string) {
	e.peersMu.Lock()
	defer e.peersMu.Unlock()
	e.peers = append([]string(nil), peers...)
}

func (e *Engine) peerList() []string {
	e.peersMu.RLock()
	defer e.peersMu.RUnlock()
	return append([]string(nil), e.peers...)
}

// Get serves the read path: a local hit in M/E/S returns immediately; a
// miss broadcasts cache_read and installs the result in S if any peer had
// the data, otherwise reports a miss (this engine has no external store
// to fall back to).
func (e *Engine) Get(ctx context.Context, key string) (value []byte, state State, hit bool) {
	unlock := e.keyLocks.Lock(key)
	defer unlock()

	e.mu.Lock()
	if l, ok := e.lines[key]; ok && l.state != StateInvalid {
		value, state = append([]byte(nil), l.value...), l.state
		l.lastAccess = time.Now()
		e.lru.MoveToFront(l.elem)
		e.mu.Unlock()
		metrics.CacheHitsTotal.Inc()
		return value, state, true
	}
	e.mu.Unlock()

	metrics.CacheMissesTotal.Inc()

	var reqBuf bytes.Buffer
	if err := gob.NewEncoder(&reqBuf).Encode(readRequest{Key: key}); err != nil {
		return nil, StateInvalid, false
	}

	ctx, cancel := context.WithTimeout(ctx, broadcastTimeout)
	defer cancel()
	responses := e.transport.Broadcast(ctx, e.peerList(), rpcCacheRead, reqBuf.Bytes())

	var data []byte
	var found bool
	for _, raw := range responses {
		var resp readResponse
		if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&resp); err != nil {
			continue
		}
		if resp.HasData {
			data = resp.Value
			found = true
			break
		}
	}

	if !found {
		return nil, StateInvalid, false
	}

	e.mu.Lock()
	l := e.install(key, data, StateShared)
	e.mu.Unlock()
	return append([]byte(nil), l.value...), StateShared, true
}

// Put serves the write path: invalidate every reachable peer, then
// install the value locally in M. A peer that doesn't ack within the
// broadcast deadline is treated as invalidated; its view is frozen until
// it reconnects and re-reads.
func (e *Engine) Put(ctx context.Context, key string, value []byte) error {
	unlock := e.keyLocks.Lock(key)
	defer unlock()

	var reqBuf bytes.Buffer
	if err := gob.NewEncoder(&reqBuf).Encode(invalidateRequest{Key: key}); err != nil {
		return fmt.Errorf("encode invalidate request: %w", err)
	}

	timer := metrics.NewTimer()
	ctx, cancel := context.WithTimeout(ctx, broadcastTimeout)
	defer cancel()
	e.transport.Broadcast(ctx, e.peerList(), rpcCacheInvalidate, reqBuf.Bytes())
	timer.ObserveDuration(metrics.CacheInvalidateDuration)

	e.mu.Lock()
	e.install(key, value, StateModified)
	e.mu.Unlock()
	return nil
}

// Delete invalidates key everywhere, including locally, with no
// replacement value installed.
func (e *Engine) Delete(ctx context.Context, key string) error {
	unlock := e.keyLocks.Lock(key)
	defer unlock()

	var reqBuf bytes.Buffer
	if err := gob.NewEncoder(&reqBuf).Encode(invalidateRequest{Key: key}); err != nil {
		return fmt.Errorf("encode invalidate request: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, broadcastTimeout)
	defer cancel()
	e.transport.Broadcast(ctx, e.peerList(), rpcCacheInvalidate, reqBuf.Bytes())

	e.mu.Lock()
	e.invalidateLocal(key)
	e.mu.Unlock()
	return nil
}

type readRequest struct {
	Key string
}

type readResponse struct {
	HasData bool
	Value   []byte
}

func (e *Engine) handleCacheRead(ctx context.Context, from string, payload []byte) ([]byte, error) {
	var req readRequest
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&req); err != nil {
		return nil, fmt.Errorf("decode read request: %w", err)
	}

	e.mu.Lock()
	l, ok := e.lines[req.Key]
	var resp readResponse
	if ok {
		switch l.state {
		case StateModified:
			resp = readResponse{HasData: true, Value: append([]byte(nil), l.value...)}
			l.state = StateShared
		case StateExclusive:
			resp = readResponse{HasData: true, Value: append([]byte(nil), l.value...)}
			l.state = StateShared
		case StateShared:
			// stays S
			resp = readResponse{HasData: true, Value: append([]byte(nil), l.value...)}
		}
	}
	e.mu.Unlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(resp); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type invalidateRequest struct {
	Key string
}

type invalidateAck struct{}

func (e *Engine) handleCacheInvalidate(ctx context.Context, from string, payload []byte) ([]byte, error) {
	var req invalidateRequest
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&req); err != nil {
		return nil, fmt.Errorf("decode invalidate request: %w", err)
	}

	e.mu.Lock()
	e.invalidateLocal(req.Key)
	e.mu.Unlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(invalidateAck{}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// invalidateLocal transitions a local line to I without writing back;
// write-back happens on eviction only.
func (e *Engine) invalidateLocal(key string) {
	if l, ok := e.lines[key]; ok {
		l.state = StateInvalid
	}
}

// install places value/state as key's line, evicting the LRU tail if the
// node is now over capacity. Caller must hold e.mu.
func (e *Engine) install(key string, value []byte, state State) *line {
	l, ok := e.lines[key]
	if !ok {
		l = &line{key: key}
		e.lines[key] = l
		l.elem = e.lru.PushFront(key)
	} else {
		e.lru.MoveToFront(l.elem)
	}
	l.value = value
	l.state = state
	now := time.Now()
	l.lastAccess = now
	if state == StateModified {
		l.lastModified = now
	}

	e.updateStateGauge()
	e.evictIfOverCapacity()
	return l
}

// evictIfOverCapacity drops the least-recently-used line once the cache
// exceeds its configured capacity. An M line has no external store to
// write back to in this deployment, so eviction of an M line only logs at
// debug and drops the value.
func (e *Engine) evictIfOverCapacity() {
	for e.capacity > 0 && e.lru.Len() > e.capacity {
		back := e.lru.Back()
		if back == nil {
			return
		}
		key := back.Value.(string)
		l := e.lines[key]
		e.lru.Remove(back)
		delete(e.lines, key)

		if l != nil && l.state == StateModified {
			kl := log.WithCacheKey(key)
			kl.Debug().Msg("evicting modified line with no external store, value dropped")
		}
		metrics.CacheEvictionsTotal.Inc()
	}
	e.updateStateGauge()
}

func (e *Engine) updateStateGauge() {
	counts := map[State]int{}
	for _, l := range e.lines {
		counts[l.state]++
	}
	for _, s := range []State{StateInvalid, StateShared, StateExclusive, StateModified} {
		metrics.CacheLinesByState.WithLabelValues(s.String()).Set(float64(counts[s]))
	}
}
