// Package agent wires every component into a single running node: the
// replicated state engine, the bidirectional stream manager, the
// leader-route front-door, the grpc and HTTP mirror transports, and
// gossip-driven cluster membership, started and stopped in a fixed
// order.
package agent

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/hashicorp/raft"

	"github.com/nacos-go/nacosd/internal/auth"
	"github.com/nacos-go/nacosd/internal/configsm"
	"github.com/nacos-go/nacosd/internal/discovery"
	"github.com/nacos-go/nacosd/internal/leaderroute"
	"github.com/nacos-go/nacosd/internal/namingsm"
	"github.com/nacos-go/nacosd/internal/nsmcp"
	"github.com/nacos-go/nacosd/internal/raftfsm"
	"github.com/nacos-go/nacosd/internal/server"
	"github.com/nacos-go/nacosd/internal/streammgr"
	"github.com/nacos-go/nacosd/internal/tablesm"
)

// Agent sets up and manages every component a running nacosd node
// needs: the raft-replicated state engine, the stream manager, the
// leader-route front-door, the grpc and HTTP transports, and gossip
// membership.
type Agent struct {
	Config Config

	node       *raftfsm.Node
	streams    *streammgr.Manager
	router     *leaderroute.Router
	grpcServer *grpc.Server
	httpServer *http.Server
	membership *discovery.Membership

	backgroundCancel context.CancelFunc
	backgroundDone    sync.WaitGroup

	shutdown     bool
	shutdowns    chan struct{}
	shutdownLock sync.Mutex
}

// Config contains all the details needed to set up each component in
// the Agent: every raft_* option, the gossip bind address, and the
// HTTP mirror port.
type Config struct {
	ServerTLSConfig *tls.Config
	PeerTLSConfig   *tls.Config
	DataDir         string
	BindAddr        string
	RPCPort         int
	RaftPort        int
	HTTPPort        int
	NodeName        string
	StartJoinAddrs  []string
	ACLModelFile    string
	ACLPolicyFile   string
	Bootstrap       bool
	ClusterToken    string

	// Raft tuning, forwarded into raftfsm.Config; zero values let raft
	// and the Apply Manager fall back to their own defaults.
	HeartbeatInterval  time.Duration
	ElectionTimeoutMin time.Duration
	SnapshotThreshold  uint64
}

// RPCAddr returns the grpc service address from the binding address and
// the configured RPC port. This is the address clients and
// leader-forwarded peers dial.
func (c *Config) RPCAddr() (string, error) {
	host, _, err := net.SplitHostPort(c.BindAddr)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%d", host, c.RPCPort), nil
}

// RaftAddr returns the address the raft peer transport listens and
// dials on, kept on its own port from RPCAddr so the raft stream
// layer's connection handshake never has to coexist with grpc's own
// framing on the same socket.
func (c *Config) RaftAddr() (string, error) {
	host, _, err := net.SplitHostPort(c.BindAddr)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%d", host, c.RaftPort), nil
}

// HTTPAddr returns the address the HTTP mirror API listens on.
func (c *Config) HTTPAddr() (string, error) {
	host, _, err := net.SplitHostPort(c.BindAddr)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%d", host, c.HTTPPort), nil
}

// New creates and sets up an agent together with its components as
// defined in the config argument. Calling New starts a running,
// functioning node.
func New(config Config) (*Agent, error) {
	a := &Agent{
		Config:    config,
		shutdowns: make(chan struct{}),
	}

	setup := []func() error{
		a.setupLogger,
		a.setupNode,
		a.setupRouter,
		a.setupGRPCServer,
		a.setupHTTPServer,
		a.setupMembership,
		a.setupBackgroundLoops,
	}
	for _, fn := range setup {
		if err := fn(); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *Agent) setupLogger() error {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	zap.ReplaceGlobals(logger)
	return nil
}

// setupNode opens the raft-replicated state engine with every state
// machine registered: config, naming, generic table, namespace and MCP
// catalog.
func (a *Agent) setupNode() error {
	raftAddr, err := a.Config.RaftAddr()
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", raftAddr)
	if err != nil {
		return err
	}

	layer := raftfsm.NewStreamLayer(ln, a.Config.ServerTLSConfig, a.Config.PeerTLSConfig, a.Config.ClusterToken)
	node, err := raftfsm.Open(a.Config.DataDir, raftfsm.Config{
		LocalID:            raft.ServerID(a.Config.NodeName),
		Bootstrap:          a.Config.Bootstrap,
		StreamLayer:        layer,
		RPCPortOffset:      a.Config.RPCPort - a.Config.RaftPort,
		HeartbeatInterval:  a.Config.HeartbeatInterval,
		ElectionTimeoutMin: a.Config.ElectionTimeoutMin,
		SnapshotThreshold:  a.Config.SnapshotThreshold,
	},
		configsm.New(),
		namingsm.New(),
		tablesm.NewTable(),
		nsmcp.NewNamespaceStore(),
		nsmcp.NewMcpStore(),
	)
	if err != nil {
		return err
	}
	a.node = node
	return nil
}

// setupRouter builds the leader-route front-door, dialing peers with
// the same peer TLS config the raft transport itself uses.
func (a *Agent) setupRouter() error {
	a.streams = streammgr.NewManager()
	dialer := server.NewDialer(peerCreds(a.Config.PeerTLSConfig))
	a.router = leaderroute.NewRouter(a.node, dialer)
	return nil
}

func peerCreds(cfg *tls.Config) credentials.TransportCredentials {
	if cfg == nil {
		return nil
	}
	return credentials.NewTLS(cfg)
}

func (a *Agent) setupGRPCServer() error {
	authorizer := auth.New(a.Config.ACLModelFile, a.Config.ACLPolicyFile)
	serverConfig := &server.Config{
		Node:        a.node,
		Router:      a.router,
		Streams:     a.streams,
		ConfigStore: a.node.FSM.Machine(raftfsm.TreeConfig).(*configsm.Store),
		NamingStore: a.node.FSM.Machine(raftfsm.TreeNaming).(*namingsm.Store),
		Authorizer:  authorizer,
	}

	var opts []grpc.ServerOption
	if a.Config.ServerTLSConfig != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(a.Config.ServerTLSConfig)))
	}
	gsrv, err := server.NewGRPCServer(serverConfig, opts...)
	if err != nil {
		return err
	}
	a.grpcServer = gsrv

	rpcAddr, err := a.Config.RPCAddr()
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", rpcAddr)
	if err != nil {
		return err
	}
	go func() {
		if err := a.grpcServer.Serve(ln); err != nil {
			a.Shutdown()
		}
	}()
	return nil
}

// setupHTTPServer starts the JSON mirror API, reading the same state
// machines setupNode registered.
func (a *Agent) setupHTTPServer() error {
	httpAddr, err := a.Config.HTTPAddr()
	if err != nil {
		return err
	}
	cfgStore := a.node.FSM.Machine(raftfsm.TreeConfig).(*configsm.Store)
	namingStore := a.node.FSM.Machine(raftfsm.TreeNaming).(*namingsm.Store)
	nsStore := a.node.FSM.Machine(raftfsm.TreeNamespace).(*nsmcp.NamespaceStore)

	a.httpServer = server.NewHTTPServer(httpAddr, &server.HTTPConfig{
		Node: a.node, Router: a.router,
		Config: cfgStore, Naming: namingStore, Namespace: nsStore,
	})
	go func() {
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.Shutdown()
		}
	}()
	return nil
}

// setupMembership binds gossip-observed joins and leaves directly to
// raft configuration changes through node.Join/node.Leave, the
// Handler discovery.Membership expects. The gossiped "rpc_addr" tag
// carries the raft transport address, not the grpc service address:
// it feeds straight into raft.AddVoter through Node.Join, which needs
// the address the raft StreamLayer listens on for the new peer.
func (a *Agent) setupMembership() error {
	raftAddr, err := a.Config.RaftAddr()
	if err != nil {
		return err
	}
	a.membership, err = discovery.New(a.node, discovery.Config{
		NodeName: a.Config.NodeName,
		BindAddr: a.Config.BindAddr,
		Tags: map[string]string{
			"rpc_addr": raftAddr,
		},
		StartJoinAddrs: a.Config.StartJoinAddrs,
	})
	return err
}

// configListenerSweepInterval and namingTimeoutPollInterval drive the
// two background loops a running node needs beyond raft itself: expiring
// parked config long-poll listeners and applying due naming health/delete
// timers.
const (
	configListenerSweepInterval = time.Second
	namingTimeoutPollInterval   = 500 * time.Millisecond
)

// setupBackgroundLoops starts the stream liveness detector, the config
// listener deadline sweep, and the naming timeout driver. The naming
// timeout driver only submits commands while this node is leader, since
// every other node's raft log already carries the same transitions once
// the leader applies them.
func (a *Agent) setupBackgroundLoops() error {
	ctx, cancel := context.WithCancel(context.Background())
	a.backgroundCancel = cancel

	cfgStore := a.node.FSM.Machine(raftfsm.TreeConfig).(*configsm.Store)
	namingStore := a.node.FSM.Machine(raftfsm.TreeNaming).(*namingsm.Store)

	a.backgroundDone.Add(3)
	go func() {
		defer a.backgroundDone.Done()
		a.streams.RunDetectionLoop(ctx)
	}()
	go func() {
		defer a.backgroundDone.Done()
		ticker := time.NewTicker(configListenerSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				cfgStore.SweepExpired(now)
			}
		}
	}()
	go func() {
		defer a.backgroundDone.Done()
		ticker := time.NewTicker(namingTimeoutPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if !a.node.IsLeader() {
					continue
				}
				for _, cmd := range namingStore.DueTimeouts(now) {
					if _, err := a.node.Apply(cmd, server.ApplyTimeout); err != nil {
						zap.L().Named("agent").Warn("apply naming timeout", zap.Error(err))
					}
				}
			}
		}
	}()
	return nil
}

// Shutdown shuts an agent and its components down once, guarded by a
// mutex so a failed grpc listener and an explicit Shutdown call can't
// race each other.
func (a *Agent) Shutdown() error {
	a.shutdownLock.Lock()
	defer a.shutdownLock.Unlock()
	if a.shutdown {
		return nil
	}
	a.shutdown = true
	close(a.shutdowns)

	if a.backgroundCancel != nil {
		a.backgroundCancel()
		a.backgroundDone.Wait()
	}

	shutdown := []func() error{
		a.membership.Leave,
		func() error { return a.httpServer.Close() },
		func() error { a.grpcServer.GracefulStop(); return nil },
		func() error { return a.node.Raft.Shutdown().Error() },
	}
	for _, fn := range shutdown {
		if err := fn(); err != nil {
			return err
		}
	}
	return nil
}
