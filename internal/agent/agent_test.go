package agent_test

import (
	"fmt"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nacos-go/nacosd/internal/agent"
	"github.com/nacos-go/nacosd/internal/config"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestAgentSingleNodeLifecycle(t *testing.T) {
	dataDir, err := os.MkdirTemp("", "agent-test")
	require.NoError(t, err)
	defer os.RemoveAll(dataDir)

	bindAddr := fmt.Sprintf("127.0.0.1:%d", freePort(t))
	rpcPort := freePort(t)
	raftPort := freePort(t)
	httpPort := freePort(t)

	a, err := agent.New(agent.Config{
		NodeName:      "node0",
		BindAddr:      bindAddr,
		RPCPort:       rpcPort,
		RaftPort:      raftPort,
		HTTPPort:      httpPort,
		DataDir:       dataDir,
		Bootstrap:     true,
		ACLModelFile:  config.ACLModelFile,
		ACLPolicyFile: config.ACLPolicyFile,
	})
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Shutdown()) }()

	require.Eventually(t, func() bool {
		addr, err := a.Config.RPCAddr()
		return err == nil && addr != ""
	}, 3*time.Second, 10*time.Millisecond)
}
