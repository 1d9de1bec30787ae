// Package lockclient is a thin remote caller for the lock engine's
// client-facing RPCs (pkg/lockraft/rpc.go), used by the CLI and by any
// other process that needs to acquire/release/inspect a lock without
// linking the engine itself.
package lockclient

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"net"
	"time"

	"github.com/quorumd/quorumd/pkg/lockraft"
	"github.com/quorumd/quorumd/pkg/transport"
)

// Client dials a single target node over the application Transport.
type Client struct {
	transport *transport.Transport
	targetID  string
}

// Dial opens an ephemeral local Transport and registers addr as the
// target node's dial address under targetID.
func Dial(targetID, addr string) (*Client, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen for client transport: %w", err)
	}
	mux := transport.NewMux(ln)
	selfID := "lockclient-" + ln.Addr().String()
	tr := transport.New(selfID, mux, map[string]string{targetID: addr})
	return &Client{transport: tr, targetID: targetID}, nil
}

func (c *Client) Close() error { return c.transport.Close() }

// Acquire calls the target's lock_acquire RPC.
func (c *Client) Acquire(ctx context.Context, resource, clientID string, mode lockraft.Mode, ttl, timeout time.Duration) (lockraft.Result, error) {
	var buf bytes.Buffer
	req := lockraft.AcquireRequest{Resource: resource, ClientID: clientID, Mode: mode, TTL: ttl, Timeout: timeout}
	if err := gob.NewEncoder(&buf).Encode(req); err != nil {
		return lockraft.Result{}, fmt.Errorf("encode acquire request: %w", err)
	}

	respBytes, err := c.transport.Call(ctx, c.targetID, lockraft.RPCAcquire, buf.Bytes())
	if err != nil {
		return lockraft.Result{}, err
	}
	var res lockraft.Result
	if err := gob.NewDecoder(bytes.NewReader(respBytes)).Decode(&res); err != nil {
		return lockraft.Result{}, fmt.Errorf("decode acquire response: %w", err)
	}
	return res, nil
}

// Release calls the target's lock_release RPC.
func (c *Client) Release(ctx context.Context, resource, clientID string) (lockraft.Result, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(lockraft.ReleaseRequest{Resource: resource, ClientID: clientID}); err != nil {
		return lockraft.Result{}, fmt.Errorf("encode release request: %w", err)
	}

	respBytes, err := c.transport.Call(ctx, c.targetID, lockraft.RPCRelease, buf.Bytes())
	if err != nil {
		return lockraft.Result{}, err
	}
	var res lockraft.Result
	if err := gob.NewDecoder(bytes.NewReader(respBytes)).Decode(&res); err != nil {
		return lockraft.Result{}, fmt.Errorf("decode release response: %w", err)
	}
	return res, nil
}

// Join asks the target (expected to be the current leader) to add
// nodeID/raftAddr as a new Raft voter.
func (c *Client) Join(ctx context.Context, nodeID, raftAddr string) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(lockraft.JoinRequest{NodeID: nodeID, RaftAddr: raftAddr}); err != nil {
		return fmt.Errorf("encode join request: %w", err)
	}
	_, err := c.transport.Call(ctx, c.targetID, lockraft.RPCJoin, buf.Bytes())
	return err
}

// Status calls the target's lock_status RPC.
func (c *Client) Status(ctx context.Context, resource string) (lockraft.ResourceStatus, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(lockraft.StatusRequest{Resource: resource}); err != nil {
		return lockraft.ResourceStatus{}, fmt.Errorf("encode status request: %w", err)
	}

	respBytes, err := c.transport.Call(ctx, c.targetID, lockraft.RPCStatus, buf.Bytes())
	if err != nil {
		return lockraft.ResourceStatus{}, err
	}
	var status lockraft.ResourceStatus
	if err := gob.NewDecoder(bytes.NewReader(respBytes)).Decode(&status); err != nil {
		return lockraft.ResourceStatus{}, fmt.Errorf("decode status response: %w", err)
	}
	return status, nil
}
