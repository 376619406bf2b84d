package raftfsm

import "github.com/nacos-go/nacosd/internal/wire"

// Tree names a target state machine's keyspace; it doubles as the
// SnapshotItem.Tree discriminator used on both the command path and the
// snapshot replay path, so Apply and Restore share one routing table.
type Tree string

const (
	TreeConfig    Tree = "config"
	TreeNaming    Tree = "naming"
	TreeTable     Tree = "table"
	TreeCache     Tree = "cache"
	TreeSequence  Tree = "sequence"
	TreeNamespace Tree = "namespace"
	TreeMCP       Tree = "mcp"
)

// PayloadKind enumerates the raft command categories carried by a log
// entry. The source enum omits an explicit naming operation despite
// naming being the largest single component; NamingOp is added here to
// close that gap.
type PayloadKind uint32

const (
	PayloadNoop PayloadKind = iota
	PayloadConfigWrite
	PayloadConfigDelete
	PayloadNamingOp
	PayloadNodeAddr
	PayloadNamespaceOp
	PayloadTableOp
	PayloadSequenceOp
	PayloadMcpOp
	PayloadSnapshotPointer
	PayloadMembershipChange
)

// treeFor maps a payload kind to the state machine responsible for it.
// Noop, SnapshotPointer, NodeAddr and MembershipChange are handled by
// the FSM itself and never reach a state machine.
func treeFor(kind PayloadKind) Tree {
	switch kind {
	case PayloadConfigWrite, PayloadConfigDelete:
		return TreeConfig
	case PayloadNamingOp:
		return TreeNaming
	case PayloadNamespaceOp:
		return TreeNamespace
	case PayloadTableOp:
		return TreeTable
	case PayloadSequenceOp:
		return TreeSequence
	case PayloadMcpOp:
		return TreeMCP
	default:
		return ""
	}
}

// Command is the application-level envelope carried inside a raft
// log entry's Data (distinct from the LogRecord the segmented log
// persists it as): it reuses the SnapshotItem wire shape since both are,
// structurally, "apply op_type to tree/key/value".
type Command struct {
	Kind  PayloadKind
	Key   []byte
	Value []byte
}

func (c *Command) marshal() []byte {
	item := &wire.SnapshotItem{
		Tree:   string(treeFor(c.Kind)),
		Key:    c.Key,
		Value:  c.Value,
		OpType: uint32(c.Kind),
	}
	return item.Marshal()
}

// Marshal exposes the same encoding marshal uses so transport clients
// can frame a Command into a request payload without reaching into
// package internals.
func (c *Command) Marshal() []byte { return c.marshal() }

func unmarshalCommand(b []byte) (*Command, error) {
	var item wire.SnapshotItem
	if err := item.Unmarshal(b); err != nil {
		return nil, err
	}
	return &Command{Kind: PayloadKind(item.OpType), Key: item.Key, Value: item.Value}, nil
}

// UnmarshalCommand decodes a Command from the bytes Marshal produced;
// the transport layer uses it to recover a client's request out of a
// wire.Payload body before dispatching it to Apply or a direct read.
func UnmarshalCommand(b []byte) (*Command, error) { return unmarshalCommand(b) }
