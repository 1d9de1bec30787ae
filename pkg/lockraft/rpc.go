package lockraft

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/quorumd/quorumd/pkg/transport"
)

// RPC type names for the client-facing surface, dispatched over the same
// application Transport used for peer traffic.
const (
	RPCAcquire = "lock_acquire"
	RPCRelease = "lock_release"
	RPCStatus  = "lock_status"
	RPCJoin    = "lock_join"
)

// AcquireRequest/Response and friends are the gob payloads carried inside
// a transport.Envelope for each client RPC.
type AcquireRequest struct {
	Resource string
	ClientID string
	Mode     Mode
	TTL      time.Duration
	Timeout  time.Duration
}

type ReleaseRequest struct {
	Resource string
	ClientID string
}

type StatusRequest struct {
	Resource string
}

// JoinRequest asks the current leader to add a new voter to the Raft
// configuration. It must be sent to the leader directly; a follower has
// no way to forward it, so the caller (cmd/quorumd's serve --join flow)
// is expected to already know (or discover via Status) the leader's
// address.
type JoinRequest struct {
	NodeID   string
	RaftAddr string
}

// RegisterClientHandlers wires the lock engine's client-facing RPCs onto
// t, so a remote lockclient can reach Acquire/Release/Status the same way
// peers reach each other's forwarded RPCs.
func (e *Engine) RegisterClientHandlers(t *transport.Transport) {
	t.RegisterHandler(RPCAcquire, e.handleAcquire)
	t.RegisterHandler(RPCRelease, e.handleRelease)
	t.RegisterHandler(RPCStatus, e.handleStatus)
	t.RegisterHandler(RPCJoin, e.handleJoin)
}

func (e *Engine) handleJoin(ctx context.Context, from string, payload []byte) ([]byte, error) {
	var req JoinRequest
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&req); err != nil {
		return nil, fmt.Errorf("decode join request: %w", err)
	}
	if err := e.node.AddVoter(req.NodeID, req.RaftAddr); err != nil {
		return nil, err
	}
	return nil, nil
}

func (e *Engine) handleAcquire(ctx context.Context, from string, payload []byte) ([]byte, error) {
	var req AcquireRequest
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&req); err != nil {
		return nil, fmt.Errorf("decode acquire request: %w", err)
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = proposeTimeout
	}
	res, err := e.Acquire(ctx, req.Resource, req.ClientID, req.Mode, req.TTL, timeout)
	if err != nil {
		return nil, err
	}
	return encodeResult(res)
}

func (e *Engine) handleRelease(ctx context.Context, from string, payload []byte) ([]byte, error) {
	var req ReleaseRequest
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&req); err != nil {
		return nil, fmt.Errorf("decode release request: %w", err)
	}
	res, err := e.Release(ctx, req.Resource, req.ClientID)
	if err != nil {
		return nil, err
	}
	return encodeResult(res)
}

func (e *Engine) handleStatus(ctx context.Context, from string, payload []byte) ([]byte, error) {
	var req StatusRequest
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&req); err != nil {
		return nil, fmt.Errorf("decode status request: %w", err)
	}
	status := e.Status(req.Resource)
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(status); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeResult(res Result) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(res); err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return buf.Bytes(), nil
}
