package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/nacos-go/nacosd/internal/leaderroute"
	"github.com/nacos-go/nacosd/internal/transport"
	"github.com/nacos-go/nacosd/internal/wire"
)

// remoteClient adapts transport.Client (Request) to
// leaderroute.RemoteClient (Forward); the two are the same RPC under
// different names because the front-door and the SDK-facing client
// both ride the same generic request/response pipe.
type remoteClient struct {
	*transport.Client
}

func (c *remoteClient) Forward(ctx context.Context, payload *wire.Payload) (*wire.Payload, error) {
	return c.Request(ctx, payload)
}

// NewDialer builds a leaderroute.Dialer that opens a grpc connection to
// a peer's raft-advertised address and wraps it as a RemoteClient; tls
// is used when creds is non-nil, plaintext otherwise (intra-cluster
// forwarding behind the operator's own network boundary).
func NewDialer(creds credentials.TransportCredentials) leaderroute.Dialer {
	return func(addr string) (leaderroute.RemoteClient, error) {
		opt := grpc.WithTransportCredentials(insecure.NewCredentials())
		if creds != nil {
			opt = grpc.WithTransportCredentials(creds)
		}
		conn, err := grpc.NewClient(addr, opt)
		if err != nil {
			return nil, err
		}
		return &remoteClient{Client: transport.NewClient(conn)}, nil
	}
}
