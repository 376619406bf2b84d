package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/nacos-go/nacosd/internal/configsm"
	"github.com/nacos-go/nacosd/internal/leaderroute"
	"github.com/nacos-go/nacosd/internal/namingsm"
	"github.com/nacos-go/nacosd/internal/nsmcp"
	"github.com/nacos-go/nacosd/internal/raftfsm"
	"github.com/nacos-go/nacosd/internal/streammgr"
	"github.com/nacos-go/nacosd/internal/transport"
	"github.com/nacos-go/nacosd/internal/wire"
)

type stubAuthorizer struct{ allow bool }

func (a *stubAuthorizer) Authorize(subject, object, action string) error {
	if a.allow {
		return nil
	}
	return authErr{}
}

type authErr struct{}

func (authErr) Error() string { return "permission denied" }

func newTestCluster(t *testing.T) (*raftfsm.Node, *configsm.Store, *namingsm.Store, *nsmcp.NamespaceStore) {
	t.Helper()
	dir, err := os.MkdirTemp("", "server-test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	cfgStore := configsm.New()
	namingStore := namingsm.New()
	nsStore := nsmcp.NewNamespaceStore()

	node, err := raftfsm.Open(dir, raftfsm.Config{
		LocalID:            raft.ServerID("node1"),
		Bootstrap:          true,
		StreamLayer:        raftfsm.NewStreamLayer(ln, nil, nil, ""),
		HeartbeatInterval:  50 * time.Millisecond,
		ElectionTimeoutMin: 50 * time.Millisecond,
		CommitTimeout:      5 * time.Millisecond,
	}, cfgStore, namingStore, nsStore)
	require.NoError(t, err)
	t.Cleanup(func() { node.Raft.Shutdown().Error() })

	require.Eventually(t, node.IsLeader, 3*time.Second, 10*time.Millisecond)
	return node, cfgStore, namingStore, nsStore
}

func TestHTTPConfigPublishAndGet(t *testing.T) {
	node, cfgStore, namingStore, nsStore := newTestCluster(t)
	router := leaderroute.NewRouter(node, nil)
	srv := NewHTTPServer("", &HTTPConfig{Node: node, Router: router, Config: cfgStore, Naming: namingStore, Namespace: nsStore})
	ts := httptest.NewServer(srv.Handler)
	defer ts.Close()

	client := ts.Client()
	form := url.Values{"dataId": {"app.yaml"}, "group": {"DEFAULT_GROUP"}, "content": {"a: 1"}, "type": {"yaml"}}
	resp, err := client.PostForm(ts.URL+"/nacos/v1/cs/configs", form)
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	resp.Body.Close()

	resp, err = client.Get(ts.URL + "/nacos/v1/cs/configs?dataId=app.yaml&group=DEFAULT_GROUP")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("content-md5"))

	body, err := readAll(resp)
	require.NoError(t, err)
	require.Equal(t, "a: 1", body)
}

func TestHTTPConfigNotFound(t *testing.T) {
	node, cfgStore, namingStore, nsStore := newTestCluster(t)
	router := leaderroute.NewRouter(node, nil)
	srv := NewHTTPServer("", &HTTPConfig{Node: node, Router: router, Config: cfgStore, Naming: namingStore, Namespace: nsStore})
	ts := httptest.NewServer(srv.Handler)
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + "/nacos/v1/cs/configs?dataId=missing&group=DEFAULT_GROUP")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 404, resp.StatusCode)
}

func TestHTTPConfigListenerReturnsChangedKey(t *testing.T) {
	node, cfgStore, namingStore, nsStore := newTestCluster(t)
	router := leaderroute.NewRouter(node, nil)
	srv := NewHTTPServer("", &HTTPConfig{Node: node, Router: router, Config: cfgStore, Naming: namingStore, Namespace: nsStore})
	ts := httptest.NewServer(srv.Handler)
	defer ts.Close()

	client := ts.Client()
	form := url.Values{"dataId": {"app.yaml"}, "group": {"DEFAULT_GROUP"}, "content": {"a: 1"}}
	resp, err := client.PostForm(ts.URL+"/nacos/v1/cs/configs", form)
	require.NoError(t, err)
	resp.Body.Close()

	listen := url.Values{"Listening-Configs": {"app.yaml\x02DEFAULT_GROUP\x02stale-md5\x01"}}
	req, err := httpNewPostForm(ts.URL+"/nacos/v1/cs/configs/listener", listen)
	require.NoError(t, err)
	req.Header.Set("Long-Pulling-Timeout", "10000")

	resp, err = client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)

	body, err := readAll(resp)
	require.NoError(t, err)
	decoded, err := url.QueryUnescape(strings.TrimSuffix(body, "\n"))
	require.NoError(t, err)
	require.Equal(t, configsm.BuildListenerKey(configsm.Key{DataID: "app.yaml", Group: "DEFAULT_GROUP"})+"\x01", decoded)
}

func TestHTTPInstanceRegisterBeatAndQuery(t *testing.T) {
	node, cfgStore, namingStore, nsStore := newTestCluster(t)
	router := leaderroute.NewRouter(node, nil)
	srv := NewHTTPServer("", &HTTPConfig{Node: node, Router: router, Config: cfgStore, Naming: namingStore, Namespace: nsStore})
	ts := httptest.NewServer(srv.Handler)
	defer ts.Close()

	form := url.Values{"groupName": {"DEFAULT_GROUP"}, "serviceName": {"svc"}, "ip": {"10.0.0.1"}, "port": {"8080"}}
	resp, err := ts.Client().PostForm(ts.URL+"/nacos/v1/ns/instance", form)
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	resp.Body.Close()

	beatReq, err := httpNewPostForm(ts.URL+"/nacos/v1/ns/instance/beat", form)
	require.NoError(t, err)
	beatReq.Method = "PUT"
	resp, err = ts.Client().Do(beatReq)
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	resp.Body.Close()

	resp, err = ts.Client().Get(ts.URL + "/nacos/v1/ns/instance/list?groupName=DEFAULT_GROUP&serviceName=svc")
	require.NoError(t, err)
	defer resp.Body.Close()
	var info namingsm.ServiceInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	require.Len(t, info.Instances, 1)
	require.Equal(t, "10.0.0.1", info.Instances[0].IP)
}

func TestHTTPHealth(t *testing.T) {
	node, cfgStore, namingStore, nsStore := newTestCluster(t)
	router := leaderroute.NewRouter(node, nil)
	srv := NewHTTPServer("", &HTTPConfig{Node: node, Router: router, Config: cfgStore, Naming: namingStore, Namespace: nsStore})
	ts := httptest.NewServer(srv.Handler)
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)
}

func TestGRPCDispatchAppliesCommand(t *testing.T) {
	node, cfgStore, namingStore, _ := newTestCluster(t)
	router := leaderroute.NewRouter(node, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	gsrv, err := NewGRPCServer(&Config{
		Node: node, Router: router, Streams: streammgr.NewManager(),
		ConfigStore: cfgStore, NamingStore: namingStore,
		Authorizer: &stubAuthorizer{allow: true},
	})
	require.NoError(t, err)
	go gsrv.Serve(ln)
	defer gsrv.Stop()

	conn, err := grpc.NewClient(ln.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := transport.NewClient(conn)

	cmd := configsm.NewSetCommand(configsm.Key{DataID: "a", Group: "g"}, "hello", "text", "")
	req := &wire.Payload{Body: &wire.Any{Value: cmd.Marshal()}}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := client.Request(ctx, req)
	require.NoError(t, err)
	require.Equal(t, "ack", resp.Metadata.Type)

	item, ok := cfgStore.Get(configsm.Key{DataID: "a", Group: "g"})
	require.True(t, ok)
	require.Equal(t, "hello", item.Value)
}

func TestGRPCDispatchDeniesUnauthorized(t *testing.T) {
	node, cfgStore, namingStore, _ := newTestCluster(t)
	router := leaderroute.NewRouter(node, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	gsrv, err := NewGRPCServer(&Config{
		Node: node, Router: router, Streams: streammgr.NewManager(),
		ConfigStore: cfgStore, NamingStore: namingStore,
		Authorizer: &stubAuthorizer{allow: false},
	})
	require.NoError(t, err)
	go gsrv.Serve(ln)
	defer gsrv.Stop()

	conn, err := grpc.NewClient(ln.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := transport.NewClient(conn)

	cmd := configsm.NewSetCommand(configsm.Key{DataID: "a", Group: "g"}, "hello", "text", "")
	req := &wire.Payload{Body: &wire.Any{Value: cmd.Marshal()}}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = client.Request(ctx, req)
	require.Error(t, err)
}

func TestGRPCDispatchConfigQuery(t *testing.T) {
	node, cfgStore, namingStore, _ := newTestCluster(t)
	router := leaderroute.NewRouter(node, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	gsrv, err := NewGRPCServer(&Config{
		Node: node, Router: router, Streams: streammgr.NewManager(),
		ConfigStore: cfgStore, NamingStore: namingStore,
		Authorizer: &stubAuthorizer{allow: true},
	})
	require.NoError(t, err)
	go gsrv.Serve(ln)
	defer gsrv.Stop()

	conn, err := grpc.NewClient(ln.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := transport.NewClient(conn)

	setCmd := configsm.NewSetCommand(configsm.Key{DataID: "a", Group: "g"}, "hello", "text", "")
	_, applyErr := node.Apply(setCmd, ApplyTimeout)
	require.NoError(t, applyErr)

	qbody, err := json.Marshal(wire.ConfigQueryRequest{DataID: "a", Group: "g"})
	require.NoError(t, err)
	req := &wire.Payload{
		Metadata: &wire.Metadata{Type: wire.TypeConfigQueryRequest},
		Body:     &wire.Any{TypeURL: wire.TypeConfigQueryRequest, Value: qbody},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := client.Request(ctx, req)
	require.NoError(t, err)
	require.Equal(t, wire.TypeConfigQueryResponse, resp.Metadata.Type)

	var out wire.ConfigQueryResponse
	require.NoError(t, json.Unmarshal(resp.Body.Value, &out))
	require.True(t, out.Found)
	require.Equal(t, "hello", out.Content)
}

func TestGRPCStreamSubscribeReceivesNotify(t *testing.T) {
	node, cfgStore, namingStore, _ := newTestCluster(t)
	router := leaderroute.NewRouter(node, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	gsrv, err := NewGRPCServer(&Config{
		Node: node, Router: router, Streams: streammgr.NewManager(),
		ConfigStore: cfgStore, NamingStore: namingStore,
		Authorizer: &stubAuthorizer{allow: true},
	})
	require.NoError(t, err)
	go gsrv.Serve(ln)
	defer gsrv.Stop()

	conn, err := grpc.NewClient(ln.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := transport.NewClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := client.OpenStream(ctx)
	require.NoError(t, err)

	// first frame is the ServerCheckResponse handshake.
	handshake, err := stream.Recv()
	require.NoError(t, err)
	require.Equal(t, wire.TypeServerCheckResponse, handshake.Metadata.Type)

	subBody, err := json.Marshal(wire.SubscribeServiceRequest{
		Group: "DEFAULT_GROUP", Service: "svc", Subscribe: true,
	})
	require.NoError(t, err)
	require.NoError(t, stream.Send(&wire.Payload{
		Metadata: &wire.Metadata{Type: wire.TypeSubscribeServiceRequest},
		Body:     &wire.Any{TypeURL: wire.TypeSubscribeServiceRequest, Value: subBody},
	}))

	// empty-complete notify sent synchronously from the subscribe call.
	notify, err := stream.Recv()
	require.NoError(t, err)
	require.Equal(t, wire.TypeNotifySubscriberRequest, notify.Metadata.Type)

	regCmd := namingsm.NewRegisterCommand(
		namingsm.ServiceKey{Group: "DEFAULT_GROUP", Service: "svc"},
		&namingsm.Instance{IP: "10.0.0.5", Port: 9000, Healthy: true, Enabled: true},
	)
	_, err = node.Apply(regCmd, ApplyTimeout)
	require.NoError(t, err)

	pushed, err := stream.Recv()
	require.NoError(t, err)
	require.Equal(t, wire.TypeNotifySubscriberRequest, pushed.Metadata.Type)

	var frame wire.NotifySubscriberRequest
	require.NoError(t, json.Unmarshal(pushed.Body.Value, &frame))
	require.Len(t, frame.Instances, 1)
	require.Equal(t, "10.0.0.5", frame.Instances[0].IP)
}

func readAll(resp *http.Response) (string, error) {
	b, err := io.ReadAll(resp.Body)
	return string(b), err
}

func httpNewPostForm(rawURL string, form url.Values) (*http.Request, error) {
	req, err := http.NewRequest(http.MethodPost, rawURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req, nil
}
