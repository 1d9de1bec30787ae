package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestTransport(t *testing.T, id string) (*Transport, *Mux, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	mux := NewMux(ln)
	tr := New(id, mux, nil)
	return tr, mux, ln.Addr().String()
}

func TestCallRoundTrip(t *testing.T) {
	trA, _, addrA := newTestTransport(t, "a")
	trB, _, addrB := newTestTransport(t, "b")
	defer trA.Close()
	defer trB.Close()

	trA.peerAddrs["b"] = addrB
	trB.peerAddrs["a"] = addrA

	trB.RegisterHandler("echo", func(ctx context.Context, from string, payload []byte) ([]byte, error) {
		require.Equal(t, "a", from)
		return append([]byte("echo:"), payload...), nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	reply, err := trA.Call(ctx, "b", "echo", []byte("hi"))
	require.NoError(t, err)
	require.Equal(t, "echo:hi", string(reply))
}

func TestCallErrorOnNoHandler(t *testing.T) {
	trA, _, addrA := newTestTransport(t, "a")
	trB, _, addrB := newTestTransport(t, "b")
	defer trA.Close()
	defer trB.Close()

	trA.peerAddrs["b"] = addrB
	trB.peerAddrs["a"] = addrA

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	_, err := trA.Call(ctx, "b", "unregistered", nil)
	require.Error(t, err)
}

func TestCallUnknownPeer(t *testing.T) {
	trA, _, _ := newTestTransport(t, "a")
	defer trA.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := trA.Call(ctx, "ghost", "echo", nil)
	require.ErrorIs(t, err, ErrUnknownPeer)
}

func TestBroadcastCollectsReachablePeers(t *testing.T) {
	trA, _, addrA := newTestTransport(t, "a")
	trB, _, addrB := newTestTransport(t, "b")
	trC, _, addrC := newTestTransport(t, "c")
	defer trA.Close()
	defer trB.Close()
	defer trC.Close()

	trA.peerAddrs["b"] = addrB
	trA.peerAddrs["c"] = addrC
	trB.peerAddrs["a"] = addrA
	trC.peerAddrs["a"] = addrA

	trB.RegisterHandler("ping", func(ctx context.Context, from string, payload []byte) ([]byte, error) {
		return []byte("pong-b"), nil
	})
	trC.RegisterHandler("ping", func(ctx context.Context, from string, payload []byte) ([]byte, error) {
		return []byte("pong-c"), nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	results := trA.Broadcast(ctx, []string{"b", "c"}, "ping", nil)
	require.Len(t, results, 2)
	require.Equal(t, "pong-b", string(results["b"]))
	require.Equal(t, "pong-c", string(results["c"]))
}
