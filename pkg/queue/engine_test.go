package queue

import (
	"context"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quorumd/quorumd/pkg/hashring"
	"github.com/quorumd/quorumd/pkg/transport"
	"github.com/quorumd/quorumd/pkg/wal"
)

func newTestMux(t *testing.T) *transport.Mux {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return transport.NewMux(ln)
}

func newTestEngine(t *testing.T, selfID string) *Engine {
	t.Helper()
	ring := hashring.New(hashring.DefaultVirtualNodes)
	ring.AddNode(selfID)

	tr := transport.New(selfID, newTestMux(t), nil)
	t.Cleanup(func() { tr.Close() })

	w, err := wal.Open(filepath.Join(t.TempDir(), "queue.wal"))
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	e, err := NewEngine(selfID, ring, tr, w, 0)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func TestEnqueueDequeueAckLocal(t *testing.T) {
	e := newTestEngine(t, "node-a")
	ctx := context.Background()

	msgID, err := e.Enqueue(ctx, "orders", []byte("payload-1"))
	require.NoError(t, err)
	require.NotEmpty(t, msgID)

	msg, deliveredAt, err := e.Dequeue("orders")
	require.NoError(t, err)
	require.Equal(t, msgID, msg.MsgID)
	require.Equal(t, []byte("payload-1"), msg.Payload)
	require.Equal(t, 1, msg.AttemptCount)
	require.False(t, deliveredAt.IsZero())

	require.NoError(t, e.Ack("orders", msg.MsgID))
}

func TestAckUnknownMsgIDIsSuccess(t *testing.T) {
	e := newTestEngine(t, "node-a")
	require.NoError(t, e.Ack("orders", "does-not-exist"))
}

func TestDequeueWrongNodeReturnsHint(t *testing.T) {
	ring := hashring.New(hashring.DefaultVirtualNodes)
	ring.AddNode("node-a")
	ring.AddNode("node-b")

	tr := transport.New("node-a", newTestMux(t), nil)
	defer tr.Close()

	w, err := wal.Open(filepath.Join(t.TempDir(), "queue.wal"))
	require.NoError(t, err)
	defer w.Close()

	e, err := NewEngine("node-a", ring, tr, w, 0)
	require.NoError(t, err)
	defer e.Close()

	// find a queue name this node does NOT own
	var foreignQueue string
	for i := 0; i < 1000; i++ {
		name := "q-" + strconv.Itoa(i)
		if owner, _ := ring.Owner(name); owner != "node-a" {
			foreignQueue = name
			break
		}
	}
	require.NotEmpty(t, foreignQueue)

	_, _, err = e.Dequeue(foreignQueue)
	require.Error(t, err)
	var wrongNode *ErrWrongNode
	require.ErrorAs(t, err, &wrongNode)
	require.Equal(t, "node-b", wrongNode.Owner)
}

func TestRedeliveryAfterVisibilityTimeout(t *testing.T) {
	ring := hashring.New(hashring.DefaultVirtualNodes)
	ring.AddNode("node-a")
	tr := transport.New("node-a", newTestMux(t), nil)
	defer tr.Close()

	w, err := wal.Open(filepath.Join(t.TempDir(), "queue.wal"))
	require.NoError(t, err)
	defer w.Close()

	e, err := NewEngine("node-a", ring, tr, w, 10*time.Millisecond)
	require.NoError(t, err)
	defer e.Close()

	msgID, err := e.Enqueue(context.Background(), "orders", []byte("p"))
	require.NoError(t, err)

	first, _, err := e.Dequeue("orders")
	require.NoError(t, err)
	require.Equal(t, 1, first.AttemptCount)

	time.Sleep(20 * time.Millisecond)
	e.sweepExpired()

	second, _, err := e.Dequeue("orders")
	require.NoError(t, err)
	require.Equal(t, msgID, second.MsgID)
	require.Equal(t, 2, second.AttemptCount)
}

func TestReplayReconstructsReadyAndInFlight(t *testing.T) {
	dir := t.TempDir()
	walPath := filepath.Join(dir, "queue.wal")

	w, err := wal.Open(walPath)
	require.NoError(t, err)
	require.NoError(t, w.Append(wal.Record{Tag: wal.TagEnqueue, Msg: wal.Message{MsgID: "m1", QueueName: "q1", Payload: []byte("a")}}))
	require.NoError(t, w.Append(wal.Record{Tag: wal.TagEnqueue, Msg: wal.Message{MsgID: "m2", QueueName: "q1", Payload: []byte("b")}}))
	require.NoError(t, w.Append(wal.Record{Tag: wal.TagDequeue, MsgID: "m1"}))
	require.NoError(t, w.Close())

	ring := hashring.New(hashring.DefaultVirtualNodes)
	ring.AddNode("node-a")
	tr := transport.New("node-a", newTestMux(t), nil)
	defer tr.Close()

	w2, err := wal.Open(walPath)
	require.NoError(t, err)
	defer w2.Close()

	e, err := NewEngine("node-a", ring, tr, w2, 0)
	require.NoError(t, err)
	defer e.Close()

	qs := e.queueFor("q1")
	qs.mu.Lock()
	defer qs.mu.Unlock()
	require.Len(t, qs.ready, 1)
	require.Len(t, qs.inFlight, 1)
	_, inFlight := qs.inFlight["m1"]
	require.True(t, inFlight)
}
