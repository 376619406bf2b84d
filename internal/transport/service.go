// Package transport defines the gRPC unary/streaming services of
// component F and the client that dials them; the Handler that serves
// them and the HTTP mirror API live in the server package. The
// service descriptor below is hand-written in the exact shape
// protoc-gen-go-grpc would emit for a single generic Payload
// message and two methods, mirroring Nacos's own remoting protocol:
// one envelope type, dispatched internally by its metadata "type"
// field rather than by distinct protobuf message types per operation.
package transport

import (
	"context"
	"io"

	"google.golang.org/grpc"

	"github.com/nacos-go/nacosd/internal/wire"
)

// Handler serves decoded Payload envelopes; Dispatch routes a request
// by its Metadata.Type to the right state machine or leader-route hop,
// and Stream drives a connected client's bidirectional channel.
type Handler interface {
	Dispatch(ctx context.Context, req *wire.Payload) (*wire.Payload, error)
	Stream(stream BiStream) error
}

// BiStream is the server side of the bidirectional RPC, decoded to
// wire.Payload so callers never see raw bytes.
type BiStream interface {
	Context() context.Context
	Send(*wire.Payload) error
	Recv() (*wire.Payload, error)
}

type serverStream struct {
	grpc.ServerStream
}

func (s *serverStream) Send(p *wire.Payload) error {
	return s.ServerStream.SendMsg(&rawMessage{data: p.Marshal()})
}

func (s *serverStream) Recv() (*wire.Payload, error) {
	m := new(rawMessage)
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	p := &wire.Payload{}
	if err := p.Unmarshal(m.data); err != nil {
		return nil, err
	}
	return p, nil
}

func requestHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(rawMessage)
	if err := dec(in); err != nil {
		return nil, err
	}
	req := &wire.Payload{}
	if err := req.Unmarshal(in.data); err != nil {
		return nil, err
	}

	call := func(ctx context.Context, req interface{}) (interface{}, error) {
		resp, err := srv.(Handler).Dispatch(ctx, req.(*wire.Payload))
		if err != nil {
			return nil, err
		}
		return &rawMessage{data: resp.Marshal()}, nil
	}
	if interceptor == nil {
		return call(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/nacos.Request/request"}
	return interceptor(ctx, req, info, call)
}

func biStreamHandler(srv interface{}, stream grpc.ServerStream) error {
	err := srv.(Handler).Stream(&serverStream{ServerStream: stream})
	if err == io.EOF {
		return nil
	}
	return err
}

// ServiceDesc registers the generic Request/RequestBiStream surface
// with a *grpc.Server; it plays the role protoc-gen-go-grpc's
// generated _ServiceDesc var would, hand-written because no .proto
// codegen runs in this build.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "nacos.Request",
	HandlerType: (*Handler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "request", Handler: requestHandler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "requestBiStream",
			Handler:       biStreamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "internal/transport/service.go",
}

// RegisterHandler attaches h to gsrv under ServiceDesc.
func RegisterHandler(gsrv *grpc.Server, h Handler) {
	gsrv.RegisterService(&ServiceDesc, h)
}
