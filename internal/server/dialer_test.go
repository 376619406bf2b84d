package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nacos-go/nacosd/internal/configsm"
	"github.com/nacos-go/nacosd/internal/leaderroute"
	"github.com/nacos-go/nacosd/internal/streammgr"
	"github.com/nacos-go/nacosd/internal/wire"
)

func TestDialerForwardsToRunningServer(t *testing.T) {
	node, cfgStore, _, _ := newTestCluster(t)
	router := leaderroute.NewRouter(node, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	gsrv, err := NewGRPCServer(&Config{
		Node: node, Router: router, Streams: streammgr.NewManager(),
		Authorizer: &stubAuthorizer{allow: true},
	})
	require.NoError(t, err)
	go gsrv.Serve(ln)
	defer gsrv.Stop()

	dial := NewDialer(nil)
	remote, err := dial(ln.Addr().String())
	require.NoError(t, err)
	defer remote.Close()

	cmd := configsm.NewSetCommand(configsm.Key{DataID: "a", Group: "g"}, "via-dialer", "text", "")
	req := &wire.Payload{Body: &wire.Any{Value: cmd.Marshal()}}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := remote.Forward(ctx, req)
	require.NoError(t, err)
	require.Equal(t, "ack", resp.Metadata.Type)

	item, ok := cfgStore.Get(configsm.Key{DataID: "a", Group: "g"})
	require.True(t, ok)
	require.Equal(t, "via-dialer", item.Value)
}
