// Package cacheclient is a thin remote caller for the cache engine's
// client-facing RPCs (pkg/cache/rpc.go).
package cacheclient

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"net"

	"github.com/quorumd/quorumd/pkg/cache"
	"github.com/quorumd/quorumd/pkg/transport"
)

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
	selfID := "cacheclient-" + ln.Addr().String()
	tr := transport.New(selfID, mux, map[string]string{targetID: addr})
	return &Client{transport: tr, targetID: targetID}, nil
}

func (c *Client) Close() error { return c.transport.Close() }

func (c *Client) Get(ctx context.Context, key string) (cache.GetResponse, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(cache.GetRequest{Key: key}); err != nil {
		return cache.GetResponse{}, fmt.Errorf("encode get request: %w", err)
	}
	respBytes, err := c.transport.Call(ctx, c.targetID, cache.RPCGet, buf.Bytes())
	if err != nil {
		return cache.GetResponse{}, err
	}
	var resp cache.GetResponse
	if err := gob.NewDecoder(bytes.NewReader(respBytes)).Decode(&resp); err != nil {
		return cache.GetResponse{}, fmt.Errorf("decode get response: %w", err)
	}
	return resp, nil
}

func (c *Client) Put(ctx context.Context, key string, value []byte) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(cache.PutRequest{Key: key, Value: value}); err != nil {
		return fmt.Errorf("encode put request: %w", err)
	}
	_, err := c.transport.Call(ctx, c.targetID, cache.RPCPut, buf.Bytes())
	return err
}

func (c *Client) Delete(ctx context.Context, key string) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(cache.DeleteRequest{Key: key}); err != nil {
		return fmt.Errorf("encode delete request: %w", err)
	}
	_, err := c.transport.Call(ctx, c.targetID, cache.RPCDelete, buf.Bytes())
	return err
}
