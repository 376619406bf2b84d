package raftfsm

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/nacos-go/nacosd/internal/logstore"
	"github.com/nacos-go/nacosd/internal/raftidx"
	"github.com/nacos-go/nacosd/internal/snapshotstore"
)

// Config collects the raft_* options from the server configuration
// (the Raft Core wiring, component E) that setupRaft needs beyond what
// the log/snapshot/index managers already own.
type Config struct {
	LocalID            raft.ServerID
	Bootstrap          bool
	StreamLayer        *StreamLayer
	HeartbeatInterval  time.Duration
	ElectionTimeoutMin time.Duration
	SnapshotThreshold  uint64
	CommitTimeout      time.Duration

	// RPCPortOffset is added to a peer's raft transport port to reach
	// its grpc service port when forwarding to the leader; every node
	// in the cluster runs the same offset. Zero means the raft
	// transport and the grpc service share one port.
	RPCPortOffset int
}

// Node bundles the running raft instance with the managers it was
// wired from: the segmented log, the raft index manager and the FSM
// holding every registered state machine.
type Node struct {
	Raft   *raft.Raft
	Log    *logstore.Log
	Index  *raftidx.Manager
	FSM    *FSM
	Config Config
}

// Open wires the segmented log store, the raft index manager, the
// shared snapshot store and every registered state machine into a
// running raft.Raft instance (component E consuming A-D).
func Open(dataDir string, cfg Config, machines ...StateMachine) (*Node, error) {
	logDir := filepath.Join(dataDir, "log")
	log, err := logstore.Open(logDir, logstore.Config{})
	if err != nil {
		return nil, fmt.Errorf("raftfsm: opening log store: %w", err)
	}

	idx, err := raftidx.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("raftfsm: opening index manager: %w", err)
	}

	snapDir := filepath.Join(dataDir, "snapshot")
	snapStore, err := snapshotstore.Open(snapDir)
	if err != nil {
		return nil, fmt.Errorf("raftfsm: opening snapshot store: %w", err)
	}

	fsm := NewFSM(idx, machines...)

	stablePath := filepath.Join(dataDir, "raft_stable.db")
	stableStore, err := raftboltdb.NewBoltStore(stablePath)
	if err != nil {
		return nil, fmt.Errorf("raftfsm: opening stable store: %w", err)
	}

	logAdapter := NewLogStore(log)
	snapAdapter := NewSnapshotStore(snapStore)

	maxPool := 5
	timeout := 10 * time.Second
	transport := raft.NewNetworkTransport(cfg.StreamLayer, maxPool, timeout, os.Stderr)

	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = cfg.LocalID
	if cfg.HeartbeatInterval != 0 {
		raftConfig.HeartbeatTimeout = cfg.HeartbeatInterval
	}
	if cfg.ElectionTimeoutMin != 0 {
		raftConfig.ElectionTimeout = cfg.ElectionTimeoutMin
	}
	if cfg.CommitTimeout != 0 {
		raftConfig.CommitTimeout = cfg.CommitTimeout
	}
	if cfg.SnapshotThreshold != 0 {
		raftConfig.SnapshotThreshold = cfg.SnapshotThreshold
	}

	r, err := raft.NewRaft(raftConfig, fsm, logAdapter, stableStore, snapAdapter, transport)
	if err != nil {
		return nil, fmt.Errorf("raftfsm: starting raft: %w", err)
	}

	hasState, err := raft.HasExistingState(logAdapter, stableStore, snapAdapter)
	if err != nil {
		return nil, err
	}
	if cfg.Bootstrap && !hasState {
		bootstrapCfg := raft.Configuration{
			Servers: []raft.Server{{ID: raftConfig.LocalID, Address: transport.LocalAddr()}},
		}
		if err := r.BootstrapCluster(bootstrapCfg).Error(); err != nil {
			return nil, err
		}
	}

	return &Node{Raft: r, Log: log, Index: idx, FSM: fsm, Config: cfg}, nil
}

// Apply replicates cmd through raft and waits for it to commit.
func (n *Node) Apply(cmd *Command, timeout time.Duration) (interface{}, error) {
	future := n.Raft.Apply(cmd.marshal(), timeout)
	if err := future.Error(); err != nil {
		return nil, err
	}
	res := future.Response()
	if err, ok := res.(error); ok {
		return nil, err
	}
	return res, nil
}

// LeaderAddr reports the address the Leader-route Front-Door (component
// K) should dial to reach the current leader's grpc service, or "" when
// no leader is known. Raft itself advertises the leader's raft
// transport address; when the grpc service listens on a different port
// (RPCPortOffset != 0) the offset is applied here so callers never see
// the raft-only address.
func (n *Node) LeaderAddr() string {
	addr, _ := n.Raft.LeaderWithID()
	if addr == "" || n.Config.RPCPortOffset == 0 {
		return string(addr)
	}
	host, portStr, err := net.SplitHostPort(string(addr))
	if err != nil {
		return string(addr)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return string(addr)
	}
	return net.JoinHostPort(host, strconv.Itoa(port+n.Config.RPCPortOffset))
}

func (n *Node) IsLeader() bool {
	return n.Raft.State() == raft.Leader
}

// membershipTimeout bounds the AddVoter/RemoveServer futures driven by
// gossip membership events; a stuck configuration change must not wedge
// the serf event loop that calls Join/Leave.
const membershipTimeout = 10 * time.Second

// Join adds name (at addr) as a raft voter, structurally satisfying
// discovery.Membership's Handler interface so gossip-observed joins
// feed straight into the raft configuration. A no-op on followers:
// only the leader is allowed to change cluster configuration, and a
// follower simply waits to observe the change once the leader applies
// it and replicates the new configuration entry.
func (n *Node) Join(name, addr string) error {
	if !n.IsLeader() {
		return nil
	}
	future := n.Raft.AddVoter(raft.ServerID(name), raft.ServerAddress(addr), 0, membershipTimeout)
	return future.Error()
}

// Leave removes name from the raft configuration; a no-op on followers
// for the same reason as Join.
func (n *Node) Leave(name string) error {
	if !n.IsLeader() {
		return nil
	}
	future := n.Raft.RemoveServer(raft.ServerID(name), 0, membershipTimeout)
	return future.Error()
}
