package lockraft

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/quorumd/quorumd/pkg/transport"
)

// Config describes how to construct a Node. BindAddr and Mux come from the
// same listener the application Transport multiplexes onto, via
// transport.Mux.RaftListener/DialTagged.
type Config struct {
	NodeID    string
	BindAddr  string
	DataDir   string
	Mux       *transport.Mux
	Bootstrap bool

	// HeartbeatTimeout and ElectionTimeout override hashicorp/raft's
	// defaults when non-zero. The library draws each node's actual
	// election timer uniformly from [ElectionTimeout, 2*ElectionTimeout),
	// so the configured value is the low end of the randomized window.
	HeartbeatTimeout time.Duration
	ElectionTimeout  time.Duration
}

// Node wraps a hashicorp/raft instance running the lock table FSM. The
// transport is a StreamLayer-backed NetworkTransport rather than
// raft.NewTCPTransport, since a quorumd node multiplexes Raft and
// application RPC over a single listener.
type Node struct {
	ID   string
	raft *raft.Raft
	fsm  *FSM
}

// New constructs and, if cfg.Bootstrap is set, bootstraps a single-member
// cluster. Joining nodes are started the same way but left out of any
// configuration until the existing leader calls AddVoter for them.
func New(cfg Config, fsm *FSM) (*Node, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(cfg.NodeID)

	// Tuned down from hashicorp/raft's WAN-oriented defaults
	// (HeartbeatTimeout/ElectionTimeout=1s) for sub-10s failover on a
	// single LAN/edge deployment.
	raftConfig.HeartbeatTimeout = 500 * time.Millisecond
	raftConfig.ElectionTimeout = 500 * time.Millisecond
	raftConfig.CommitTimeout = 50 * time.Millisecond
	raftConfig.LeaderLeaseTimeout = 250 * time.Millisecond
	if cfg.HeartbeatTimeout > 0 {
		raftConfig.HeartbeatTimeout = cfg.HeartbeatTimeout
		if lease := cfg.HeartbeatTimeout / 2; lease < raftConfig.LeaderLeaseTimeout {
			raftConfig.LeaderLeaseTimeout = lease
		}
	}
	if cfg.ElectionTimeout > 0 {
		raftConfig.ElectionTimeout = cfg.ElectionTimeout
	}
	if raftConfig.ElectionTimeout < raftConfig.HeartbeatTimeout {
		raftConfig.ElectionTimeout = raftConfig.HeartbeatTimeout
	}

	streamLayer := transport.NewStreamLayer(cfg.Mux)
	raftTransport := raft.NewNetworkTransport(streamLayer, 3, 10*time.Second, os.Stderr)

	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("create stable store: %w", err)
	}

	r, err := raft.NewRaft(raftConfig, fsm, logStore, stableStore, snapshotStore, raftTransport)
	if err != nil {
		return nil, fmt.Errorf("create raft: %w", err)
	}

	n := &Node{ID: cfg.NodeID, raft: r, fsm: fsm}

	if cfg.Bootstrap {
		configuration := raft.Configuration{
			Servers: []raft.Server{
				{ID: raftConfig.LocalID, Address: raftTransport.LocalAddr()},
			},
		}
		if err := r.BootstrapCluster(configuration).Error(); err != nil {
			return nil, fmt.Errorf("bootstrap cluster: %w", err)
		}
	}

	return n, nil
}

// AddVoter is called on the current leader in response to a join RPC from
// a new node.
func (n *Node) AddVoter(nodeID, addr string) error {
	if !n.IsLeader() {
		return fmt.Errorf("not leader, current leader %q", n.LeaderAddr())
	}
	future := n.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, 10*time.Second)
	return future.Error()
}

// RemoveServer removes a node from the Raft configuration.
func (n *Node) RemoveServer(nodeID string) error {
	if !n.IsLeader() {
		return fmt.Errorf("not leader, current leader %q", n.LeaderAddr())
	}
	return n.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second).Error()
}

// IsLeader reports whether this node currently holds Raft leadership.
func (n *Node) IsLeader() bool {
	return n.raft.State() == raft.Leader
}

// LeaderAddr returns the Raft-level address of the current leader, or ""
// if unknown.
func (n *Node) LeaderAddr() string {
	addr, _ := n.raft.LeaderWithID()
	return string(addr)
}

// Propose encodes cmd and submits it through Raft, blocking until it is
// either committed and applied or the timeout elapses. It returns the
// *applyResult produced by FSM.Apply, or an error if the entry could not
// be committed at all (e.g. this node is not the leader).
func (n *Node) Propose(cmd Command, timeout time.Duration) (*applyResult, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(cmd); err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}

	future := n.raft.Apply(buf.Bytes(), timeout)
	if err := future.Error(); err != nil {
		return nil, err
	}

	res, ok := future.Response().(*applyResult)
	if !ok {
		return nil, fmt.Errorf("unexpected apply response type %T", future.Response())
	}
	return res, nil
}

// Stats exposes the fields the RaftLeader/RaftLogIndex/RaftAppliedIndex
// gauges sample from.
func (n *Node) Stats() (state string, lastIndex, appliedIndex uint64, leader string) {
	return n.raft.State().String(), n.raft.LastIndex(), n.raft.AppliedIndex(), string(n.raft.Leader())
}

// ClusterStatus summarizes this node's consensus view for the status
// endpoint.
type ClusterStatus struct {
	Term        uint64 `json:"term"`
	CommitIndex uint64 `json:"commit_index"`
	State       string `json:"state"`
	Leader      string `json:"leader"`
}

// Status reads the current term and commit index out of the raft
// instance's stats map.
func (n *Node) Status() ClusterStatus {
	stats := n.raft.Stats()
	term, _ := strconv.ParseUint(stats["term"], 10, 64)
	commit, _ := strconv.ParseUint(stats["commit_index"], 10, 64)
	addr, _ := n.raft.LeaderWithID()
	return ClusterStatus{
		Term:        term,
		CommitIndex: commit,
		State:       n.raft.State().String(),
		Leader:      string(addr),
	}
}

// Shutdown stops the Raft instance.
func (n *Node) Shutdown() error {
	return n.raft.Shutdown().Error()
}
