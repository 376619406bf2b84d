// Package leaderroute implements the leader-route front-door
// (component K): every mutating request is dispatched locally when
// this node is the raft leader, forwarded over a cached RPC channel
// when another node is leader, and rejected with a retriable NoLeader
// error when no leader is currently known. Reads bypass this package
// entirely and call their state machine directly.
package leaderroute

import (
	"context"
	"sync"

	"github.com/nacos-go/nacosd/internal/apperr"
	"github.com/nacos-go/nacosd/internal/wire"
)

// Dispatcher is the subset of raftfsm.Node the router needs; kept as
// an interface so tests can fake leader transitions without standing
// up a real raft cluster.
type Dispatcher interface {
	LeaderAddr() string
	IsLeader() bool
}

// RemoteClient forwards one framed payload to the node at the address
// it was dialed with and returns the response frame.
type RemoteClient interface {
	Forward(ctx context.Context, payload *wire.Payload) (*wire.Payload, error)
	Close() error
}

// Dialer opens a RemoteClient to addr; the transport layer supplies
// the concrete grpc-backed implementation.
type Dialer func(addr string) (RemoteClient, error)

// LocalHandler applies a mutation on this node once the router has
// determined it is the leader.
type LocalHandler func(ctx context.Context, payload *wire.Payload) (*wire.Payload, error)

// Router caches one RemoteClient per leader address, redialing only
// when the leader changes or the cached channel fails.
type Router struct {
	node   Dispatcher
	dialer Dialer

	mu     sync.Mutex
	addr   string
	client RemoteClient
}

func NewRouter(node Dispatcher, dialer Dialer) *Router {
	return &Router{node: node, dialer: dialer}
}

// Route dispatches payload per the leader-route rule: local if this
// node is leader, forwarded if another node is, NoLeader if neither is
// known yet.
func (r *Router) Route(ctx context.Context, payload *wire.Payload, local LocalHandler) (*wire.Payload, error) {
	if r.node.IsLeader() {
		return local(ctx, payload)
	}

	addr := r.node.LeaderAddr()
	if addr == "" {
		return nil, apperr.New(apperr.NoLeader, "no raft leader known")
	}

	client, err := r.clientFor(addr)
	if err != nil {
		return nil, apperr.Wrap(apperr.NoLeader, "dial leader "+addr, err)
	}

	resp, err := client.Forward(ctx, payload)
	if err != nil {
		r.invalidate(addr)
		return nil, apperr.Wrap(apperr.NoLeader, "forward to leader "+addr, err)
	}
	return resp, nil
}

func (r *Router) clientFor(addr string) (RemoteClient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil && r.addr == addr {
		return r.client, nil
	}
	if r.client != nil {
		r.client.Close()
		r.client = nil
	}
	client, err := r.dialer(addr)
	if err != nil {
		return nil, err
	}
	r.addr = addr
	r.client = client
	return client, nil
}

// invalidate drops the cached channel to addr so the next Route call
// redials instead of reusing a connection that just failed.
func (r *Router) invalidate(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.addr == addr && r.client != nil {
		r.client.Close()
		r.client = nil
		r.addr = ""
	}
}
