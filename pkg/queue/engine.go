package queue

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quorumd/quorumd/pkg/hashring"
	"github.com/quorumd/quorumd/pkg/log"
	"github.com/quorumd/quorumd/pkg/metrics"
	"github.com/quorumd/quorumd/pkg/transport"
	"github.com/quorumd/quorumd/pkg/wal"
)

const forwardRPCType = "queue_forward"

// ErrWrongNode is returned by Dequeue when called on a node that does not
// own queueName, carrying the current owner as a routing hint. Ack does not
// check ownership.
type ErrWrongNode struct {
	Owner string
}

func (e *ErrWrongNode) Error() string { return fmt.Sprintf("wrong node, owner is %s", e.Owner) }

// queueState is one locally-owned queue's ready list and in-flight table.
type queueState struct {
	mu       sync.Mutex
	ready    []Message
	inFlight map[string]*inFlightEntry
}

// Engine is the hash-routed, WAL-backed queue service running on one
// node. There is no leader: every node can receive a client Enqueue and
// single-hop-forwards it to the ring owner if it isn't local.
type Engine struct {
	selfID    string
	ring      *hashring.Ring
	transport *transport.Transport
	wal       *wal.WAL

	mu     sync.Mutex
	queues map[string]*queueState

	// seq is the last-allocated component of this node's msg_id sequence
	// (<node_id>-<monotonic_seq>). It is seeded from the highest sequence
	// number observed during WAL replay so ids stay monotonic and unique
	// across restarts.
	seq uint64

	visibility time.Duration

	sweepStop chan struct{}
}

// NewEngine constructs an Engine, replays its WAL to rebuild local queue
// state, and registers the queue_forward handler on t. A visibility of
// zero selects the 30-second default.
func NewEngine(selfID string, ring *hashring.Ring, t *transport.Transport, w *wal.WAL, visibility time.Duration) (*Engine, error) {
	if visibility <= 0 {
		visibility = defaultVisibilityTimeout
	}
	e := &Engine{
		selfID:     selfID,
		ring:       ring,
		transport:  t,
		wal:        w,
		queues:     make(map[string]*queueState),
		visibility: visibility,
		sweepStop:  make(chan struct{}),
	}

	if err := e.replay(); err != nil {
		return nil, fmt.Errorf("replay queue wal: %w", err)
	}

	t.RegisterHandler(forwardRPCType, e.handleForward)
	go e.sweepLoop()
	return e, nil
}

func (e *Engine) Close() {
	close(e.sweepStop)
}

// replay reconstructs ready/in-flight queue state from the WAL: ENQUEUE
// appends, DEQUEUE moves to in-flight, ACK drops, REDELIVER moves back.
// Ready messages are rebuilt in their ENQUEUE record order.
func (e *Engine) replay() error {
	records, err := e.wal.ReadAll()
	if err != nil {
		return err
	}

	byID := make(map[string]*Message)
	var order []string
	inFlightIDs := make(map[string]bool)
	var maxSeq uint64

	observeSeq := func(msgID string) {
		if seq, ok := parseSeq(e.selfID, msgID); ok && seq > maxSeq {
			maxSeq = seq
		}
	}

	for _, rec := range records {
		switch rec.Tag {
		case wal.TagEnqueue:
			msg := &Message{
				MsgID:        rec.Msg.MsgID,
				QueueName:    rec.Msg.QueueName,
				Payload:      rec.Msg.Payload,
				EnqueuedAt:   time.Unix(0, rec.Msg.EnqueuedAt),
				AttemptCount: rec.Msg.AttemptCount,
			}
			byID[msg.MsgID] = msg
			order = append(order, msg.MsgID)
			observeSeq(msg.MsgID)
		case wal.TagDequeue:
			if _, ok := byID[rec.MsgID]; ok {
				inFlightIDs[rec.MsgID] = true
			}
			observeSeq(rec.MsgID)
		case wal.TagAck:
			delete(byID, rec.MsgID)
			delete(inFlightIDs, rec.MsgID)
			observeSeq(rec.MsgID)
		case wal.TagRedeliver:
			if msg, ok := byID[rec.MsgID]; ok {
				msg.AttemptCount++
				delete(inFlightIDs, rec.MsgID)
			}
			observeSeq(rec.MsgID)
		}
	}
	atomic.StoreUint64(&e.seq, maxSeq)

	for _, id := range order {
		msg, ok := byID[id]
		if !ok {
			continue
		}
		delete(byID, id)
		qs := e.queueFor(msg.QueueName)
		entry := *msg
		if inFlightIDs[id] {
			now := time.Now()
			qs.inFlight[id] = &inFlightEntry{msg: entry, deliveredAt: now, deadline: now.Add(e.visibility)}
		} else {
			qs.ready = append(qs.ready, entry)
		}
	}
	return nil
}

// parseSeq extracts the sequence number from a msg_id of the form
// "<nodeID>-<seq>", as produced by nextMsgID. It fails closed (ok=false)
// for ids minted by other nodes or in any other format.
func parseSeq(nodeID, msgID string) (uint64, bool) {
	prefix := nodeID + "-"
	if !strings.HasPrefix(msgID, prefix) {
		return 0, false
	}
	seq, err := strconv.ParseUint(msgID[len(prefix):], 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

// nextMsgID allocates the next globally-unique msg_id owned by this node,
// in the "<node_id>-<monotonic_seq>" format.
func (e *Engine) nextMsgID() string {
	seq := atomic.AddUint64(&e.seq, 1)
	return fmt.Sprintf("%s-%d", e.selfID, seq)
}

func (e *Engine) queueFor(name string) *queueState {
	e.mu.Lock()
	defer e.mu.Unlock()
	qs, ok := e.queues[name]
	if !ok {
		qs = &queueState{inFlight: make(map[string]*inFlightEntry)}
		e.queues[name] = qs
	}
	return qs
}

// Enqueue routes to the ring owner of queueName. If local, it durably
// appends ENQUEUE before returning the new msg_id; otherwise it forwards
// single-hop over Transport, falling back to successive ring successors
// after defaultForwardRetries failed attempts.
func (e *Engine) Enqueue(ctx context.Context, queueName string, payload []byte) (string, error) {
	owner, ok := e.ring.Owner(queueName)
	if !ok {
		return "", fmt.Errorf("no ring members")
	}

	if owner == e.selfID {
		return e.enqueueLocal(queueName, payload)
	}

	// Successors(key, n) already walks clockwise starting at (and
	// including) the owner itself, so asking for defaultForwardRetries+1
	// distinct ids yields the owner followed by up to defaultForwardRetries
	// genuinely different fallback nodes. The owner is tried
	// defaultForwardRetries times; each fallback node is tried once.
	candidates := e.ring.Successors(queueName, defaultForwardRetries+1)
	var lastErr error
	for i, candidate := range candidates {
		if candidate == e.selfID {
			return e.enqueueLocal(queueName, payload)
		}
		attempts := 1
		if i == 0 {
			attempts = defaultForwardRetries
		}
		for a := 0; a < attempts; a++ {
			msgID, err := e.forwardEnqueue(ctx, candidate, queueName, payload)
			if err == nil {
				return msgID, nil
			}
			lastErr = err
			ql := log.WithQueueName(queueName)
			ql.Warn().Str("candidate", candidate).Err(err).Msg("forward enqueue failed")
		}
	}
	return "", fmt.Errorf("forward enqueue to %s and successors: %w", owner, lastErr)
}

func (e *Engine) enqueueLocal(queueName string, payload []byte) (string, error) {
	msgID := e.nextMsgID()
	now := time.Now()

	// AttemptCount starts at 1: the first dequeue is the first delivery
	// attempt, and the redelivery sweeper increments from there.
	timer := metrics.NewTimer()
	err := e.wal.Append(wal.Record{
		Tag: wal.TagEnqueue,
		Msg: wal.Message{MsgID: msgID, QueueName: queueName, Payload: payload, EnqueuedAt: now.UnixNano(), AttemptCount: 1},
	})
	timer.ObserveDuration(metrics.WALAppendDuration)
	if err != nil {
		return "", fmt.Errorf("append enqueue: %w", err)
	}

	qs := e.queueFor(queueName)
	qs.mu.Lock()
	qs.ready = append(qs.ready, Message{MsgID: msgID, QueueName: queueName, Payload: payload, EnqueuedAt: now, AttemptCount: 1})
	depth := len(qs.ready)
	qs.mu.Unlock()

	metrics.QueueDepth.WithLabelValues(queueName).Set(float64(depth))
	metrics.QueueEnqueuedTotal.WithLabelValues(queueName).Inc()
	return msgID, nil
}

type forwardRequest struct {
	QueueName string
	Payload   []byte
}

type forwardResponse struct {
	MsgID string
	Err   string
}

func (e *Engine) forwardEnqueue(ctx context.Context, peerID, queueName string, payload []byte) (string, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(forwardRequest{QueueName: queueName, Payload: payload}); err != nil {
		return "", err
	}

	respBytes, err := e.transport.Call(ctx, peerID, forwardRPCType, buf.Bytes())
	if err != nil {
		metrics.QueueForwardedTotal.WithLabelValues(queueName, "timeout").Inc()
		return "", err
	}

	var resp forwardResponse
	if err := gob.NewDecoder(bytes.NewReader(respBytes)).Decode(&resp); err != nil {
		return "", fmt.Errorf("decode forward response: %w", err)
	}
	if resp.Err != "" {
		metrics.QueueForwardedTotal.WithLabelValues(queueName, "error").Inc()
		return "", fmt.Errorf("remote enqueue failed: %s", resp.Err)
	}
	metrics.QueueForwardedTotal.WithLabelValues(queueName, "ok").Inc()
	return resp.MsgID, nil
}

func (e *Engine) handleForward(ctx context.Context, from string, payload []byte) ([]byte, error) {
	var req forwardRequest
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&req); err != nil {
		return nil, fmt.Errorf("decode forward request: %w", err)
	}

	var resp forwardResponse
	msgID, err := e.enqueueLocal(req.QueueName, req.Payload)
	if err != nil {
		resp.Err = err.Error()
	} else {
		resp.MsgID = msgID
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(resp); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Dequeue pops the head message of queueName if this node owns it,
// marking it in-flight with a visibility deadline. The returned time is
// when the message was handed out (its delivered_at).
func (e *Engine) Dequeue(queueName string) (Message, time.Time, error) {
	if owner, ok := e.ring.Owner(queueName); !ok || owner != e.selfID {
		hint := ""
		if ok {
			hint = owner
		}
		return Message{}, time.Time{}, &ErrWrongNode{Owner: hint}
	}

	qs := e.queueFor(queueName)
	qs.mu.Lock()
	defer qs.mu.Unlock()

	if len(qs.ready) == 0 {
		return Message{}, time.Time{}, fmt.Errorf("queue %q empty", queueName)
	}

	msg := qs.ready[0]
	qs.ready = qs.ready[1:]

	if err := e.wal.Append(wal.Record{Tag: wal.TagDequeue, MsgID: msg.MsgID}); err != nil {
		return Message{}, time.Time{}, fmt.Errorf("append dequeue: %w", err)
	}

	now := time.Now()
	qs.inFlight[msg.MsgID] = &inFlightEntry{msg: msg, deliveredAt: now, deadline: now.Add(e.visibility)}

	metrics.QueueDepth.WithLabelValues(queueName).Set(float64(len(qs.ready)))
	metrics.QueueInFlight.WithLabelValues(queueName).Set(float64(len(qs.inFlight)))
	return msg, now, nil
}

// Ack confirms delivery of msgID on the queue that owns it. An unknown
// msg_id is treated as success: the caller cannot distinguish a
// double-ack from an unknown id.
func (e *Engine) Ack(queueName, msgID string) error {
	qs := e.queueFor(queueName)
	qs.mu.Lock()
	defer qs.mu.Unlock()

	if _, ok := qs.inFlight[msgID]; !ok {
		return nil
	}

	if err := e.wal.Append(wal.Record{Tag: wal.TagAck, MsgID: msgID}); err != nil {
		return fmt.Errorf("append ack: %w", err)
	}
	delete(qs.inFlight, msgID)
	metrics.QueueInFlight.WithLabelValues(queueName).Set(float64(len(qs.inFlight)))
	return nil
}

// sweepLoop redelivers messages whose visibility deadline has elapsed.
func (e *Engine) sweepLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.sweepExpired()
		case <-e.sweepStop:
			return
		}
	}
}

func (e *Engine) sweepExpired() {
	e.mu.Lock()
	names := make([]string, 0, len(e.queues))
	for name := range e.queues {
		names = append(names, name)
	}
	e.mu.Unlock()

	now := time.Now()
	for _, name := range names {
		qs := e.queueFor(name)
		qs.mu.Lock()
		for id, entry := range qs.inFlight {
			if now.Before(entry.deadline) {
				continue
			}
			if err := e.wal.Append(wal.Record{Tag: wal.TagRedeliver, MsgID: id}); err != nil {
				nl := log.WithQueueName(name)
				nl.Error().Err(err).Msg("append redeliver failed")
				continue
			}
			entry.msg.AttemptCount++
			qs.ready = append([]Message{entry.msg}, qs.ready...)
			delete(qs.inFlight, id)
			metrics.QueueRedeliveredTotal.WithLabelValues(name).Inc()
		}
		metrics.QueueDepth.WithLabelValues(name).Set(float64(len(qs.ready)))
		metrics.QueueInFlight.WithLabelValues(name).Set(float64(len(qs.inFlight)))
		qs.mu.Unlock()
	}
}
