// Package queueclient is a thin remote caller for the queue engine's
// client-facing RPCs (pkg/queue/rpc.go).
package queueclient

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"net"

	"github.com/quorumd/quorumd/pkg/queue"
	"github.com/quorumd/quorumd/pkg/transport"
)

// Client dials a single target node over the application Transport. A
// node that isn't the owner of a requested queue returns a routing hint
// in queue.DequeueResponse.OwnerHint; the caller is responsible for redialing.
type Client struct {
	transport *transport.Transport
	targetID  string
}

func Dial(targetID, addr string) (*Client, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen for client transport: %w", err)
	}
	mux := transport.NewMux(ln)
	selfID := "queueclient-" + ln.Addr().String()
	tr := transport.New(selfID, mux, map[string]string{targetID: addr})
	return &Client{transport: tr, targetID: targetID}, nil
}

func (c *Client) Close() error { return c.transport.Close() }

func (c *Client) Enqueue(ctx context.Context, queueName string, payload []byte) (string, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(queue.EnqueueRequest{QueueName: queueName, Payload: payload}); err != nil {
		return "", fmt.Errorf("encode enqueue request: %w", err)
	}
	respBytes, err := c.transport.Call(ctx, c.targetID, queue.RPCEnqueue, buf.Bytes())
	if err != nil {
		return "", err
	}
	var resp queue.EnqueueResponse
	if err := gob.NewDecoder(bytes.NewReader(respBytes)).Decode(&resp); err != nil {
		return "", fmt.Errorf("decode enqueue response: %w", err)
	}
	return resp.MsgID, nil
}

func (c *Client) Dequeue(ctx context.Context, queueName string) (queue.DequeueResponse, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(queue.DequeueRequest{QueueName: queueName}); err != nil {
		return queue.DequeueResponse{}, fmt.Errorf("encode dequeue request: %w", err)
	}
	respBytes, err := c.transport.Call(ctx, c.targetID, queue.RPCDequeue, buf.Bytes())
	if err != nil {
		return queue.DequeueResponse{}, err
	}
	var resp queue.DequeueResponse
	if err := gob.NewDecoder(bytes.NewReader(respBytes)).Decode(&resp); err != nil {
		return queue.DequeueResponse{}, fmt.Errorf("decode dequeue response: %w", err)
	}
	return resp, nil
}

func (c *Client) Ack(ctx context.Context, queueName, msgID string) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(queue.AckRequest{QueueName: queueName, MsgID: msgID}); err != nil {
		return fmt.Errorf("encode ack request: %w", err)
	}
	_, err := c.transport.Call(ctx, c.targetID, queue.RPCAck, buf.Bytes())
	return err
}
