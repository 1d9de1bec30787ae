package queue

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"time"

	"github.com/quorumd/quorumd/pkg/transport"
)

// RPC type names for the client-facing surface.
const (
	RPCEnqueue = "queue_enqueue"
	RPCDequeue = "queue_dequeue"
	RPCAck     = "queue_ack"
)

type EnqueueRequest struct {
	QueueName string
	Payload   []byte
}

type EnqueueResponse struct {
	MsgID string
}

type DequeueRequest struct {
	QueueName string
}

type DequeueResponse struct {
	MsgID        string
	Payload      []byte
	DeliveryTime time.Time
	AttemptCount int
	WrongNode    bool
	OwnerHint    string
	Empty        bool
}

type AckRequest struct {
	QueueName string
	MsgID     string
}

// RegisterClientHandlers wires the queue engine's client-facing RPCs onto t.
func (e *Engine) RegisterClientHandlers(t *transport.Transport) {
	t.RegisterHandler(RPCEnqueue, e.handleEnqueueRPC)
	t.RegisterHandler(RPCDequeue, e.handleDequeueRPC)
	t.RegisterHandler(RPCAck, e.handleAckRPC)
}

func (e *Engine) handleEnqueueRPC(ctx context.Context, from string, payload []byte) ([]byte, error) {
	var req EnqueueRequest
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&req); err != nil {
		return nil, fmt.Errorf("decode enqueue request: %w", err)
	}
	msgID, err := e.Enqueue(ctx, req.QueueName, req.Payload)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(EnqueueResponse{MsgID: msgID}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (e *Engine) handleDequeueRPC(ctx context.Context, from string, payload []byte) ([]byte, error) {
	var req DequeueRequest
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&req); err != nil {
		return nil, fmt.Errorf("decode dequeue request: %w", err)
	}

	var resp DequeueResponse
	msg, deliveredAt, err := e.Dequeue(req.QueueName)
	var wrongNode *ErrWrongNode
	switch {
	case err == nil:
		resp = DequeueResponse{MsgID: msg.MsgID, Payload: msg.Payload, DeliveryTime: deliveredAt, AttemptCount: msg.AttemptCount}
	case errors.As(err, &wrongNode):
		resp = DequeueResponse{WrongNode: true, OwnerHint: wrongNode.Owner}
	default:
		resp = DequeueResponse{Empty: true}
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(resp); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (e *Engine) handleAckRPC(ctx context.Context, from string, payload []byte) ([]byte, error) {
	var req AckRequest
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&req); err != nil {
		return nil, fmt.Errorf("decode ack request: %w", err)
	}
	if err := e.Ack(req.QueueName, req.MsgID); err != nil {
		return nil, err
	}
	return nil, nil
}
