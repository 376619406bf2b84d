package wire

import "google.golang.org/protobuf/encoding/protowire"

// LogRecord is the protobuf record persisted in the data area of every
// log segment. Index is the absolute raft log index; Tree, Key, Value
// and OpType are opaque to the log store (mirrors r-nacos's
// LogRecord.tree). The raft adapter in raftfsm stores every entry with
// Tree "_raftentry", the raft entry's data in Value and its
// raft.LogType in OpType.
type LogRecord struct {
	Index  uint64
	Term   uint64
	Tree   string
	Key    []byte
	Value  []byte
	OpType uint32
}

const (
	logFieldIndex  protowire.Number = 1
	logFieldTerm   protowire.Number = 2
	logFieldTree   protowire.Number = 3
	logFieldKey    protowire.Number = 4
	logFieldValue  protowire.Number = 5
	logFieldOpType protowire.Number = 6
)

func (r *LogRecord) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, logFieldIndex, protowire.VarintType)
	b = protowire.AppendVarint(b, r.Index)
	b = protowire.AppendTag(b, logFieldTerm, protowire.VarintType)
	b = protowire.AppendVarint(b, r.Term)
	if r.Tree != "" {
		b = protowire.AppendTag(b, logFieldTree, protowire.BytesType)
		b = protowire.AppendString(b, r.Tree)
	}
	if len(r.Key) > 0 {
		b = protowire.AppendTag(b, logFieldKey, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Key)
	}
	if len(r.Value) > 0 {
		b = protowire.AppendTag(b, logFieldValue, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Value)
	}
	b = protowire.AppendTag(b, logFieldOpType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.OpType))
	return b
}

func (r *LogRecord) Unmarshal(b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case logFieldIndex:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			r.Index = v
			b = b[m:]
		case logFieldTerm:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			r.Term = v
			b = b[m:]
		case logFieldTree:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			r.Tree = v
			b = b[m:]
		case logFieldKey:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			r.Key = append([]byte(nil), v...)
			b = b[m:]
		case logFieldValue:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			r.Value = append([]byte(nil), v...)
			b = b[m:]
		case logFieldOpType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			r.OpType = uint32(v)
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

// SnapshotHeader opens every snapshot file: the raft index the
// snapshot was taken at, the membership sets for joint consensus, and
// the node address table so a restored node can dial peers again.
type SnapshotHeader struct {
	LastIncludedIndex  uint64
	LastIncludedTerm   uint64
	Member             []uint64
	MemberAfterConsensus []uint64
	NodeAddrs          map[uint64]string
	Extension          []byte
}

const (
	snapHdrLastIndex protowire.Number = 1
	snapHdrLastTerm  protowire.Number = 2
	snapHdrMember    protowire.Number = 3
	snapHdrMemberAC  protowire.Number = 4
	snapHdrNodeAddrs protowire.Number = 5
	snapHdrExtension protowire.Number = 6
)

func (h *SnapshotHeader) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, snapHdrLastIndex, protowire.VarintType)
	b = protowire.AppendVarint(b, h.LastIncludedIndex)
	b = protowire.AppendTag(b, snapHdrLastTerm, protowire.VarintType)
	b = protowire.AppendVarint(b, h.LastIncludedTerm)
	for _, m := range h.Member {
		b = protowire.AppendTag(b, snapHdrMember, protowire.VarintType)
		b = protowire.AppendVarint(b, m)
	}
	for _, m := range h.MemberAfterConsensus {
		b = protowire.AppendTag(b, snapHdrMemberAC, protowire.VarintType)
		b = protowire.AppendVarint(b, m)
	}
	for id, addr := range h.NodeAddrs {
		entry := marshalMapEntry(uitoa(id), addr)
		b = protowire.AppendTag(b, snapHdrNodeAddrs, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	if len(h.Extension) > 0 {
		b = protowire.AppendTag(b, snapHdrExtension, protowire.BytesType)
		b = protowire.AppendBytes(b, h.Extension)
	}
	return b
}

func (h *SnapshotHeader) Unmarshal(b []byte) error {
	h.NodeAddrs = map[uint64]string{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case snapHdrLastIndex:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			h.LastIncludedIndex = v
			b = b[m:]
		case snapHdrLastTerm:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			h.LastIncludedTerm = v
			b = b[m:]
		case snapHdrMember:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			h.Member = append(h.Member, v)
			b = b[m:]
		case snapHdrMemberAC:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			h.MemberAfterConsensus = append(h.MemberAfterConsensus, v)
			b = b[m:]
		case snapHdrNodeAddrs:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			k, val, err := unmarshalMapEntry(v)
			if err != nil {
				return err
			}
			h.NodeAddrs[atoui(k)] = val
			b = b[m:]
		case snapHdrExtension:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			h.Extension = append([]byte(nil), v...)
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

// SnapshotItem is one keyed record of a state machine's snapshot dump.
type SnapshotItem struct {
	Tree   string
	Key    []byte
	Value  []byte
	OpType uint32
}

const (
	snapItemTree   protowire.Number = 1
	snapItemKey    protowire.Number = 2
	snapItemValue  protowire.Number = 3
	snapItemOpType protowire.Number = 4
)

func (s *SnapshotItem) Marshal() []byte {
	var b []byte
	if s.Tree != "" {
		b = protowire.AppendTag(b, snapItemTree, protowire.BytesType)
		b = protowire.AppendString(b, s.Tree)
	}
	if len(s.Key) > 0 {
		b = protowire.AppendTag(b, snapItemKey, protowire.BytesType)
		b = protowire.AppendBytes(b, s.Key)
	}
	if len(s.Value) > 0 {
		b = protowire.AppendTag(b, snapItemValue, protowire.BytesType)
		b = protowire.AppendBytes(b, s.Value)
	}
	b = protowire.AppendTag(b, snapItemOpType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.OpType))
	return b
}

func (s *SnapshotItem) Unmarshal(b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case snapItemTree:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			s.Tree = v
			b = b[m:]
		case snapItemKey:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			s.Key = append([]byte(nil), v...)
			b = b[m:]
		case snapItemValue:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			s.Value = append([]byte(nil), v...)
			b = b[m:]
		case snapItemOpType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			s.OpType = uint32(v)
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

func uitoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

func atoui(s string) uint64 {
	var v uint64
	for _, c := range s {
		if c < '0' || c > '9' {
			break
		}
		v = v*10 + uint64(c-'0')
	}
	return v
}
