package transport

import (
	"context"

	"google.golang.org/grpc"

	"github.com/nacos-go/nacosd/internal/wire"
)

// Client is the counterpart to Handler on the dialing side: it wraps
// a *grpc.ClientConn with the same raw-codec framing the server uses,
// giving callers (the leader-route forwarder's dialer, the tests)
// wire.Payload in, wire.Payload out without touching grpc internals.
type Client struct {
	conn *grpc.ClientConn
}

func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

func (c *Client) Close() error { return c.conn.Close() }

// Request performs the unary "/nacos.Request/request" call.
func (c *Client) Request(ctx context.Context, req *wire.Payload) (*wire.Payload, error) {
	out := new(rawMessage)
	in := &rawMessage{data: req.Marshal()}
	err := c.conn.Invoke(ctx, "/nacos.Request/request", in, out, grpc.CallContentSubtype(Codec{}.Name()))
	if err != nil {
		return nil, err
	}
	resp := &wire.Payload{}
	if err := resp.Unmarshal(out.data); err != nil {
		return nil, err
	}
	return resp, nil
}

// ClientStream is the dialing side of the bidirectional RPC.
type ClientStream struct {
	stream grpc.ClientStream
}

func (s *ClientStream) Send(p *wire.Payload) error {
	return s.stream.SendMsg(&rawMessage{data: p.Marshal()})
}

func (s *ClientStream) Recv() (*wire.Payload, error) {
	m := new(rawMessage)
	if err := s.stream.RecvMsg(m); err != nil {
		return nil, err
	}
	p := &wire.Payload{}
	if err := p.Unmarshal(m.data); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *ClientStream) CloseSend() error { return s.stream.CloseSend() }

// OpenStream opens the "/nacos.Request/requestBiStream" RPC.
func (c *Client) OpenStream(ctx context.Context) (*ClientStream, error) {
	desc := &grpc.StreamDesc{StreamName: "requestBiStream", ServerStreams: true, ClientStreams: true}
	stream, err := c.conn.NewStream(ctx, desc, "/nacos.Request/requestBiStream", grpc.CallContentSubtype(Codec{}.Name()))
	if err != nil {
		return nil, err
	}
	return &ClientStream{stream: stream}, nil
}
