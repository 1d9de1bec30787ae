package transport

import (
	"net"
	"time"

	"github.com/hashicorp/raft"
)

// StreamLayer adapts Mux's raft sub-listener into a raft.StreamLayer,
// letting hashicorp/raft dial and accept peer connections over a listener
// this package shares with its own application RPC.
type StreamLayer struct {
	ln net.Listener
}

var _ raft.StreamLayer = (*StreamLayer)(nil)

// NewStreamLayer wraps the raft-tagged sub-listener of mux.
func NewStreamLayer(mux *Mux) *StreamLayer {
	return &StreamLayer{ln: mux.RaftListener()}
}

// Dial opens an outbound Raft connection, tagging it so the remote Mux
// routes it to its own raft sub-listener.
func (s *StreamLayer) Dial(addr raft.ServerAddress, timeout time.Duration) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: timeout}
	return DialTagged(string(addr), tagRaft, dialer.Dial)
}

// Accept implements net.Listener for raft.StreamLayer.
func (s *StreamLayer) Accept() (net.Conn, error) {
	return s.ln.Accept()
}

// Addr implements net.Listener.
func (s *StreamLayer) Addr() net.Addr {
	return s.ln.Addr()
}

// Close implements net.Listener.
func (s *StreamLayer) Close() error {
	return s.ln.Close()
}
