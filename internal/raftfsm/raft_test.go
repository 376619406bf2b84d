package raftfsm

import (
	"net"
	"os"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"

	"github.com/nacos-go/nacosd/internal/tablesm"
)

func newTestNode(t *testing.T, machines ...StateMachine) *Node {
	t.Helper()
	dir, err := os.MkdirTemp("", "raftfsm-test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	layer := NewStreamLayer(ln, nil, nil, "")
	cfg := Config{
		LocalID:            raft.ServerID("node1"),
		Bootstrap:          true,
		StreamLayer:        layer,
		HeartbeatInterval:  50 * time.Millisecond,
		ElectionTimeoutMin: 50 * time.Millisecond,
		CommitTimeout:      5 * time.Millisecond,
	}
	node, err := Open(dir, cfg, machines...)
	require.NoError(t, err)
	t.Cleanup(func() { node.Raft.Shutdown().Error() })

	require.Eventually(t, node.IsLeader, 3*time.Second, 10*time.Millisecond)
	return node
}

func TestApplyCommitsThroughSingleNodeCluster(t *testing.T) {
	table := tablesm.NewTable()
	node := newTestNode(t, table)

	_, err := node.Apply(tablesm.NewPutCommand("t1", "k1", []byte("v1")), time.Second)
	require.NoError(t, err)

	v, ok := table.Get("t1", "k1")
	require.True(t, ok)
	require.Equal(t, "v1", string(v))
}

func TestLeaderAddrReportsSelfOnSingleNode(t *testing.T) {
	node := newTestNode(t, tablesm.NewTable())
	require.True(t, node.IsLeader())
	require.NotEmpty(t, node.LeaderAddr())
}

func TestSnapshotThenApplyKeepsState(t *testing.T) {
	table := tablesm.NewTable()
	node := newTestNode(t, table)

	_, err := node.Apply(tablesm.NewPutCommand("t1", "k1", []byte("v1")), time.Second)
	require.NoError(t, err)

	future := node.Raft.Snapshot()
	require.NoError(t, future.Error())

	_, err = node.Apply(tablesm.NewPutCommand("t1", "k2", []byte("v2")), time.Second)
	require.NoError(t, err)

	v, ok := table.Get("t1", "k1")
	require.True(t, ok)
	require.Equal(t, "v1", string(v))
	v, ok = table.Get("t1", "k2")
	require.True(t, ok)
	require.Equal(t, "v2", string(v))
}
