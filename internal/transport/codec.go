package transport

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

func init() {
	encoding.RegisterCodec(Codec{})
}

// rawMessage carries an already-encoded wire.Payload through grpc
// without a second marshal/unmarshal pass; Handler decodes it into a
// *wire.Payload itself.
type rawMessage struct {
	data []byte
}

// Codec is a substitute for protoc-generated message (un)marshaling:
// the transport's own frames are already protobuf-wire bytes produced
// by the wire package, so the grpc layer only needs to
// pass them through untouched. Registered server-side via
// grpc.ForceServerCodec and client-side via grpc.CallContentSubtype.
type Codec struct{}

type rawCodec = Codec

func (Codec) Name() string { return "raw" }

func (Codec) Marshal(v interface{}) ([]byte, error) {
	m, ok := v.(*rawMessage)
	if !ok {
		return nil, fmt.Errorf("transport: rawCodec cannot marshal %T", v)
	}
	return m.data, nil
}

func (rawCodec) Unmarshal(data []byte, v interface{}) error {
	m, ok := v.(*rawMessage)
	if !ok {
		return fmt.Errorf("transport: rawCodec cannot unmarshal into %T", v)
	}
	m.data = append([]byte(nil), data...)
	return nil
}
