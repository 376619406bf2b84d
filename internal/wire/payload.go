// Package wire implements the on-the-wire and on-disk binary records this
// server exchanges and persists: the gRPC Payload envelope and the
// LogRecord/SnapshotItem records the segmented log and snapshot store
// frame on disk.
//
// No .proto/.pb.go exists to generate these messages from. Rather than
// hand-forging fake protoc-gen-go output, reflection tables and raw
// descriptors included, these messages are encoded directly against
// the wire format using
// google.golang.org/protobuf/encoding/protowire, the same low-level
// package protoc-gen-go's output calls into. Field numbers below are
// chosen to match the upstream Nacos Payload/Metadata/Any shape so the
// framing is compatible with real Nacos clients speaking the same
// tag numbers.
package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Any mirrors google.protobuf.Any's two fields as Nacos uses them: a
// type_url naming the JSON-encoded inner message and its raw bytes.
type Any struct {
	TypeURL string
	Value   []byte
}

const (
	anyFieldTypeURL protowire.Number = 1
	anyFieldValue   protowire.Number = 2
)

func (a *Any) Marshal() []byte {
	var b []byte
	if a.TypeURL != "" {
		b = protowire.AppendTag(b, anyFieldTypeURL, protowire.BytesType)
		b = protowire.AppendString(b, a.TypeURL)
	}
	if len(a.Value) > 0 {
		b = protowire.AppendTag(b, anyFieldValue, protowire.BytesType)
		b = protowire.AppendBytes(b, a.Value)
	}
	return b
}

func (a *Any) Unmarshal(b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case anyFieldTypeURL:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			a.TypeURL = v
			b = b[m:]
		case anyFieldValue:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			a.Value = append([]byte(nil), v...)
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			b = b[m:]
		}
	}
	return nil
}

// Metadata carries the request type name, caller IP and arbitrary
// string headers. The server does not read the headers: the auth
// subject comes from the client's TLS certificate and cluster_token is
// checked by the raft stream layer.
type Metadata struct {
	Type     string
	ClientIP string
	Headers  map[string]string
}

const (
	metaFieldType     protowire.Number = 3
	metaFieldHeaders  protowire.Number = 7
	metaFieldClientIP protowire.Number = 8
)

func (m *Metadata) Marshal() []byte {
	var b []byte
	if m.Type != "" {
		b = protowire.AppendTag(b, metaFieldType, protowire.BytesType)
		b = protowire.AppendString(b, m.Type)
	}
	for k, v := range m.Headers {
		entry := marshalMapEntry(k, v)
		b = protowire.AppendTag(b, metaFieldHeaders, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	if m.ClientIP != "" {
		b = protowire.AppendTag(b, metaFieldClientIP, protowire.BytesType)
		b = protowire.AppendString(b, m.ClientIP)
	}
	return b
}

func marshalMapEntry(k, v string) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, k)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, v)
	return b
}

func unmarshalMapEntry(b []byte) (k, v string, err error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", "", protowire.ParseError(n)
		}
		b = b[n:]
		val, m := protowire.ConsumeString(b)
		if m < 0 {
			m2 := protowire.ConsumeFieldValue(num, typ, b)
			if m2 < 0 {
				return "", "", protowire.ParseError(m2)
			}
			b = b[m2:]
			continue
		}
		switch num {
		case 1:
			k = val
		case 2:
			v = val
		}
		b = b[m:]
	}
	return k, v, nil
}

func (m *Metadata) Unmarshal(b []byte) error {
	m.Headers = map[string]string{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case metaFieldType:
			v, mm := protowire.ConsumeString(b)
			if mm < 0 {
				return protowire.ParseError(mm)
			}
			m.Type = v
			b = b[mm:]
		case metaFieldClientIP:
			v, mm := protowire.ConsumeString(b)
			if mm < 0 {
				return protowire.ParseError(mm)
			}
			m.ClientIP = v
			b = b[mm:]
		case metaFieldHeaders:
			v, mm := protowire.ConsumeBytes(b)
			if mm < 0 {
				return protowire.ParseError(mm)
			}
			k, val, err := unmarshalMapEntry(v)
			if err != nil {
				return err
			}
			m.Headers[k] = val
			b = b[mm:]
		default:
			mm := protowire.ConsumeFieldValue(num, typ, b)
			if mm < 0 {
				return protowire.ParseError(mm)
			}
			b = b[mm:]
		}
	}
	return nil
}

// Payload is the single envelope every RPC message is framed in (section
// 6): metadata names the JSON request/response type carried in body.
type Payload struct {
	Metadata *Metadata
	Body     *Any
}

const (
	payloadFieldMetadata protowire.Number = 2
	payloadFieldBody     protowire.Number = 3
)

func (p *Payload) Marshal() []byte {
	var b []byte
	if p.Metadata != nil {
		b = protowire.AppendTag(b, payloadFieldMetadata, protowire.BytesType)
		b = protowire.AppendBytes(b, p.Metadata.Marshal())
	}
	if p.Body != nil {
		b = protowire.AppendTag(b, payloadFieldBody, protowire.BytesType)
		b = protowire.AppendBytes(b, p.Body.Marshal())
	}
	return b
}

func (p *Payload) Unmarshal(b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case payloadFieldMetadata:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			p.Metadata = &Metadata{}
			if err := p.Metadata.Unmarshal(v); err != nil {
				return fmt.Errorf("payload metadata: %w", err)
			}
			b = b[m:]
		case payloadFieldBody:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			p.Body = &Any{}
			if err := p.Body.Unmarshal(v); err != nil {
				return fmt.Errorf("payload body: %w", err)
			}
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			b = b[m:]
		}
	}
	return nil
}
