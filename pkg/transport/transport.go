// Package transport implements the best-effort peer RPC channel used by
// the queue engine's forward-enqueue and the cache engine's
// invalidate/read broadcast: a typed, gob-encoded envelope dispatcher
// over long-lived TCP connections. The same listener also carries this
// node's Raft traffic, demultiplexed by a leading tag byte (mux.go), so
// a node needs exactly one peer-facing port.
package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quorumd/quorumd/pkg/metrics"
)

var (
	// ErrTimeout is returned when no reply arrives before the caller's deadline.
	ErrTimeout = errors.New("transport: timeout")
	// ErrUnreachable is returned when the peer cannot currently be dialed.
	ErrUnreachable = errors.New("transport: peer unreachable")
	// ErrUnknownPeer is returned for calls to a peer id not in the address table.
	ErrUnknownPeer = errors.New("transport: unknown peer")
)

// Envelope is the wire unit exchanged between peers.
type Envelope struct {
	MsgID    string
	Type     string
	Sender   string
	Receiver string
	Payload  []byte
	Err      string
	TS       time.Time
}

// HandlerFunc answers an incoming request envelope's Payload, returning
// the reply payload or an error to surface to the caller.
type HandlerFunc func(ctx context.Context, from string, payload []byte) ([]byte, error)

// Transport is a best-effort, deadline-bound RPC channel between named
// peers. Duplicate delivery is not introduced at this layer; retries, if
// any, are the caller's responsibility.
type Transport struct {
	selfID string
	mux    *Mux
	ln     net.Listener

	mu          sync.Mutex
	peerAddrs   map[string]string
	conns       map[string]net.Conn
	connWriters map[string]*sync.Mutex
	unreachable map[string]bool

	handlersMu sync.RWMutex
	handlers   map[string]HandlerFunc

	pendingMu sync.Mutex
	pending   map[string]chan Envelope
}

// New creates a Transport that accepts on mux's application sub-listener,
// so the same TCP port can also carry this node's Raft traffic.
// peerAddrs maps peer id to dial address ("host:port"); peers not listed
// here must be added with AddPeer before they can be Called.
func New(selfID string, mux *Mux, peerAddrs map[string]string) *Transport {
	addrs := make(map[string]string, len(peerAddrs))
	for k, v := range peerAddrs {
		addrs[k] = v
	}
	t := &Transport{
		selfID:      selfID,
		mux:         mux,
		ln:          mux.AppListener(),
		peerAddrs:   addrs,
		conns:       make(map[string]net.Conn),
		connWriters: make(map[string]*sync.Mutex),
		unreachable: make(map[string]bool),
		handlers:    make(map[string]HandlerFunc),
		pending:     make(map[string]chan Envelope),
	}
	go t.acceptLoop()
	return t
}

// AddPeer registers or updates the dial address for a peer id, for use
// when cluster membership changes after startup (e.g. a node join).
func (t *Transport) AddPeer(peerID, addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peerAddrs[peerID] = addr
	delete(t.unreachable, peerID)
}

// RegisterHandler installs the handler invoked for inbound requests of
// the given envelope type.
func (t *Transport) RegisterHandler(typ string, h HandlerFunc) {
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()
	t.handlers[typ] = h
}

func (t *Transport) acceptLoop() {
	for {
		conn, err := t.ln.Accept()
		if err != nil {
			return
		}
		go t.readLoop(conn, "")
	}
}

// readLoop decodes frames from conn until it closes or a protocol error
// occurs. peerHint, if non-empty, is the peer id this connection was
// dialed to (used only for bookkeeping on outbound connections).
func (t *Transport) readLoop(conn net.Conn, peerHint string) {
	r := bufio.NewReader(conn)
	for {
		env, err := readFrame(r)
		if err != nil {
			if peerHint != "" {
				t.dropConn(peerHint)
			}
			return
		}
		if isReplyType(env.Type) {
			t.deliverReply(env)
			continue
		}
		go t.serve(conn, env)
	}
}

func (t *Transport) serve(conn net.Conn, req Envelope) {
	t.handlersMu.RLock()
	h, ok := t.handlers[req.Type]
	t.handlersMu.RUnlock()

	reply := Envelope{
		MsgID:    req.MsgID,
		Type:     req.Type + ".reply",
		Sender:   t.selfID,
		Receiver: req.Sender,
		TS:       req.TS,
	}
	if !ok {
		reply.Err = fmt.Sprintf("no handler registered for %q", req.Type)
	} else {
		ctx := context.Background()
		payload, err := h(ctx, req.Sender, req.Payload)
		if err != nil {
			reply.Err = err.Error()
		} else {
			reply.Payload = payload
		}
	}
	if err := writeFrame(conn, reply); err != nil {
		return
	}
}

func isReplyType(typ string) bool {
	return len(typ) > 6 && typ[len(typ)-6:] == ".reply"
}

func (t *Transport) deliverReply(env Envelope) {
	t.pendingMu.Lock()
	ch, ok := t.pending[env.MsgID]
	if ok {
		delete(t.pending, env.MsgID)
	}
	t.pendingMu.Unlock()
	if ok {
		select {
		case ch <- env:
		default:
		}
	}
}

func (t *Transport) dropConn(peerID string) {
	t.mu.Lock()
	if c, ok := t.conns[peerID]; ok {
		c.Close()
	}
	delete(t.conns, peerID)
	delete(t.connWriters, peerID)
	t.mu.Unlock()
}

func (t *Transport) getConn(peerID string) (net.Conn, *sync.Mutex, error) {
	t.mu.Lock()
	if c, ok := t.conns[peerID]; ok {
		t.mu.Unlock()
		return c, t.connWriters[peerID], nil
	}
	addr, ok := t.peerAddrs[peerID]
	t.mu.Unlock()
	if !ok {
		return nil, nil, ErrUnknownPeer
	}

	conn, err := DialTagged(addr, tagApp, (&net.Dialer{Timeout: 5 * time.Second}).Dial)
	if err != nil {
		t.mu.Lock()
		t.unreachable[peerID] = true
		t.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, peerID, err)
	}

	t.mu.Lock()
	t.conns[peerID] = conn
	wmu := &sync.Mutex{}
	t.connWriters[peerID] = wmu
	t.unreachable[peerID] = false
	t.mu.Unlock()

	go t.readLoop(conn, peerID)
	return conn, wmu, nil
}

// Call sends a request of the given type to peerID and waits for a reply
// or ctx's deadline, whichever comes first.
func (t *Transport) Call(ctx context.Context, peerID, typ string, payload []byte) ([]byte, error) {
	timer := metrics.NewTimer()
	var outcome string
	defer func() {
		timer.ObserveDurationVec(metrics.TransportRPCDuration, typ)
		metrics.TransportRPCTotal.WithLabelValues(typ, outcome).Inc()
	}()

	conn, wmu, err := t.getConn(peerID)
	if err != nil {
		outcome = "unreachable"
		return nil, err
	}

	req := Envelope{
		MsgID:    uuid.NewString(),
		Type:     typ,
		Sender:   t.selfID,
		Receiver: peerID,
		Payload:  payload,
		TS:       time.Now(),
	}

	replyCh := make(chan Envelope, 1)
	t.pendingMu.Lock()
	t.pending[req.MsgID] = replyCh
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, req.MsgID)
		t.pendingMu.Unlock()
	}()

	wmu.Lock()
	err = writeFrame(conn, req)
	wmu.Unlock()
	if err != nil {
		t.dropConn(peerID)
		outcome = "unreachable"
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, peerID, err)
	}

	select {
	case reply := <-replyCh:
		if reply.Err != "" {
			outcome = "error"
			return nil, errors.New(reply.Err)
		}
		outcome = "ok"
		return reply.Payload, nil
	case <-ctx.Done():
		outcome = "timeout"
		return nil, ErrTimeout
	}
}

// Broadcast calls every peer in ids concurrently and returns a map of
// peer id to result. Peers that time out or fail are simply absent from
// the result map; the cache engine treats a non-response as invalidated.
func (t *Transport) Broadcast(ctx context.Context, ids []string, typ string, payload []byte) map[string][]byte {
	type kv struct {
		id   string
		data []byte
		ok   bool
	}
	results := make(chan kv, len(ids))
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			data, err := t.Call(ctx, id, typ, payload)
			results <- kv{id: id, data: data, ok: err == nil}
		}(id)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	out := make(map[string][]byte)
	for r := range results {
		if r.ok {
			out[r.id] = r.data
		}
	}
	return out
}

// Close shuts down the transport's accept loop and all outbound connections.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.conns {
		c.Close()
	}
	return t.ln.Close()
}

// writeFrame encodes env as gob and writes it length-prefixed: a 4-byte
// big-endian length followed by the payload.
func writeFrame(conn net.Conn, env Envelope) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(env); err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	lenPrefix := make([]byte, 4)
	binary.BigEndian.PutUint32(lenPrefix, uint32(buf.Len()))
	if _, err := conn.Write(lenPrefix); err != nil {
		return err
	}
	_, err := conn.Write(buf.Bytes())
	return err
}

func readFrame(r *bufio.Reader) (Envelope, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return Envelope{}, err
	}
	size := binary.BigEndian.Uint32(lenPrefix[:])
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Envelope{}, err
	}
	var env Envelope
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}
