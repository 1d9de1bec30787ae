package cache

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quorumd/quorumd/pkg/transport"
)

func newTestCacheEngine(t *testing.T, selfID string) (*Engine, *transport.Transport, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	mux := transport.NewMux(ln)
	tr := transport.New(selfID, mux, nil)
	t.Cleanup(func() { tr.Close() })
	return NewEngine(selfID, tr, 2), tr, ln.Addr().String()
}

func connect(a, b *transport.Transport, addrA, addrB, idA, idB string) {
	a.AddPeer(idB, addrB)
	b.AddPeer(idA, addrA)
}

func TestPutThenGetLocalHit(t *testing.T) {
	e, _, _ := newTestCacheEngine(t, "node-a")
	ctx := context.Background()

	require.NoError(t, e.Put(ctx, "k1", []byte("v1")))
	value, state, hit := e.Get(ctx, "k1")
	require.True(t, hit)
	require.Equal(t, StateModified, state)
	require.Equal(t, []byte("v1"), value)
}

func TestGetMissWithNoPeersReturnsMiss(t *testing.T) {
	e, _, _ := newTestCacheEngine(t, "node-a")
	_, _, hit := e.Get(context.Background(), "nope")
	require.False(t, hit)
}

func TestPutOnOnePeerInvalidatesOther(t *testing.T) {
	eA, trA, addrA := newTestCacheEngine(t, "node-a")
	eB, trB, addrB := newTestCacheEngine(t, "node-b")
	connect(trA, trB, addrA, addrB, "node-a", "node-b")

	eA.SetPeers([]string{"node-b"})
	eB.SetPeers([]string{"node-a"})

	ctx := context.Background()
	require.NoError(t, eA.Put(ctx, "shared-key", []byte("v1")))

	require.NoError(t, eB.Put(ctx, "shared-key", []byte("v2")))

	eA.mu.Lock()
	lineA, ok := eA.lines["shared-key"]
	eA.mu.Unlock()
	require.True(t, ok)
	require.Equal(t, StateInvalid, lineA.state)
}

func TestReadMissFetchesFromPeerHoldingModified(t *testing.T) {
	eA, trA, addrA := newTestCacheEngine(t, "node-a")
	eB, trB, addrB := newTestCacheEngine(t, "node-b")
	connect(trA, trB, addrA, addrB, "node-a", "node-b")

	eA.SetPeers([]string{"node-b"})
	eB.SetPeers([]string{"node-a"})

	ctx := context.Background()
	require.NoError(t, eB.Put(ctx, "k2", []byte("from-b")))

	value, state, hit := eA.Get(ctx, "k2")
	require.True(t, hit)
	require.Equal(t, StateShared, state)
	require.Equal(t, []byte("from-b"), value)

	eB.mu.Lock()
	lineB := eB.lines["k2"]
	eB.mu.Unlock()
	require.Equal(t, StateShared, lineB.state)
}

func TestEvictionDropsLRULineOverCapacity(t *testing.T) {
	e, _, _ := newTestCacheEngine(t, "node-a") // capacity 2
	ctx := context.Background()

	require.NoError(t, e.Put(ctx, "k1", []byte("1")))
	require.NoError(t, e.Put(ctx, "k2", []byte("2")))
	require.NoError(t, e.Put(ctx, "k3", []byte("3")))

	e.mu.Lock()
	_, hasK1 := e.lines["k1"]
	_, hasK3 := e.lines["k3"]
	e.mu.Unlock()
	require.False(t, hasK1, "k1 should have been evicted as LRU")
	require.True(t, hasK3)
}

func TestDeleteInvalidatesLocalLine(t *testing.T) {
	e, _, _ := newTestCacheEngine(t, "node-a")
	ctx := context.Background()
	require.NoError(t, e.Put(ctx, "k1", []byte("v1")))
	require.NoError(t, e.Delete(ctx, "k1"))

	_, _, hit := e.Get(ctx, "k1")
	require.False(t, hit)
}

func TestBroadcastTimeoutDoesNotBlockPut(t *testing.T) {
	e, _, _ := newTestCacheEngine(t, "node-a")
	e.SetPeers([]string{"ghost-peer"})

	start := time.Now()
	err := e.Put(context.Background(), "k1", []byte("v1"))
	require.NoError(t, err)
	require.Less(t, time.Since(start), 2*time.Second)
}
