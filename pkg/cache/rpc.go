package cache

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"

	"github.com/quorumd/quorumd/pkg/transport"
)

// RPC type names for the client-facing surface.
const (
	RPCGet    = "cache_get"
	RPCPut    = "cache_put"
	RPCDelete = "cache_delete"
)

type GetRequest struct {
	Key string
}

type GetResponse struct {
	Value []byte
	State State
	Hit   bool
}

type PutRequest struct {
	Key   string
	Value []byte
}

type DeleteRequest struct {
	Key string
}

// RegisterClientHandlers wires the cache engine's client-facing RPCs onto t.
func (e *Engine) RegisterClientHandlers(t *transport.Transport) {
	t.RegisterHandler(RPCGet, e.handleGetRPC)
	t.RegisterHandler(RPCPut, e.handlePutRPC)
	t.RegisterHandler(RPCDelete, e.handleDeleteRPC)
}

func (e *Engine) handleGetRPC(ctx context.Context, from string, payload []byte) ([]byte, error) {
	var req GetRequest
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&req); err != nil {
		return nil, fmt.Errorf("decode get request: %w", err)
	}
	value, state, hit := e.Get(ctx, req.Key)
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(GetResponse{Value: value, State: state, Hit: hit}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (e *Engine) handlePutRPC(ctx context.Context, from string, payload []byte) ([]byte, error) {
	var req PutRequest
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&req); err != nil {
		return nil, fmt.Errorf("decode put request: %w", err)
	}
	if err := e.Put(ctx, req.Key, req.Value); err != nil {
		return nil, err
	}
	return nil, nil
}

func (e *Engine) handleDeleteRPC(ctx context.Context, from string, payload []byte) ([]byte, error) {
	var req DeleteRequest
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&req); err != nil {
		return nil, fmt.Errorf("decode delete request: %w", err)
	}
	if err := e.Delete(ctx, req.Key); err != nil {
		return nil, err
	}
	return nil, nil
}
