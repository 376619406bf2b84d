package nsmcp

import (
	"fmt"
	"strings"
	"sync"

	"github.com/nacos-go/nacosd/internal/raftfsm"
	"github.com/nacos-go/nacosd/internal/wire"
)

// ToolKey identifies one version of a tool spec.
type ToolKey struct {
	Name    string
	Version string
}

func (k ToolKey) String() string { return k.Name + "\x02" + k.Version }

func decodeToolKey(s string) ToolKey {
	p := strings.SplitN(s, "\x02", 2)
	k := ToolKey{Name: p[0]}
	if len(p) > 1 {
		k.Version = p[1]
	}
	return k
}

// ToolSpec is one version of a tool definition; RefCount tracks how
// many server versions currently pin it.
type ToolSpec struct {
	Key         ToolKey
	Description string
	RefCount    int
}

// ServerSpec is one version of a server that bundles a set of tool
// versions.
type ServerSpec struct {
	Name    string
	Version string
	Tools   []ToolKey
}

func (s ServerSpec) key() string { return s.Name + "\x02" + s.Version }

// McpStore is the MCP half of component L: a two-level catalog with
// version-ref counting so a tool spec version can be garbage-collected
// once no server version still pins it.
type McpStore struct {
	mu      sync.Mutex
	tools   map[ToolKey]*ToolSpec
	servers map[string]ServerSpec
}

var _ raftfsm.StateMachine = (*McpStore)(nil)

func NewMcpStore() *McpStore {
	return &McpStore{tools: map[ToolKey]*ToolSpec{}, servers: map[string]ServerSpec{}}
}

func (s *McpStore) Tree() raftfsm.Tree { return raftfsm.TreeMCP }

const (
	mcpOpPutTool      byte = 1
	mcpOpDeleteTool   byte = 2
	mcpOpPutServer    byte = 3
	mcpOpDeleteServer byte = 4
)

func encodeToolSpec(spec ToolSpec) []byte {
	return []byte(spec.Description)
}

func encodeServerSpec(spec ServerSpec) []byte {
	var toolStrs []string
	for _, t := range spec.Tools {
		toolStrs = append(toolStrs, t.String())
	}
	return []byte(spec.Name + "\x02" + spec.Version + "\x02" + strings.Join(toolStrs, "\x03"))
}

func decodeServerSpec(b []byte) (ServerSpec, error) {
	parts := strings.SplitN(string(b), "\x02", 3)
	if len(parts) != 3 {
		return ServerSpec{}, fmt.Errorf("nsmcp: malformed server spec")
	}
	spec := ServerSpec{Name: parts[0], Version: parts[1]}
	if parts[2] != "" {
		for _, t := range strings.Split(parts[2], "\x03") {
			spec.Tools = append(spec.Tools, decodeToolKey(t))
		}
	}
	return spec, nil
}

func NewPutToolCommand(spec ToolSpec) *raftfsm.Command {
	return &raftfsm.Command{Kind: raftfsm.PayloadMcpOp, Key: append([]byte{mcpOpPutTool}, []byte(spec.Key.String())...), Value: encodeToolSpec(spec)}
}

func NewDeleteToolCommand(key ToolKey) *raftfsm.Command {
	return &raftfsm.Command{Kind: raftfsm.PayloadMcpOp, Key: append([]byte{mcpOpDeleteTool}, []byte(key.String())...)}
}

func NewPutServerCommand(spec ServerSpec) *raftfsm.Command {
	return &raftfsm.Command{Kind: raftfsm.PayloadMcpOp, Key: append([]byte{mcpOpPutServer}, []byte(spec.key())...), Value: encodeServerSpec(spec)}
}

func NewDeleteServerCommand(name, version string) *raftfsm.Command {
	return &raftfsm.Command{Kind: raftfsm.PayloadMcpOp, Key: append([]byte{mcpOpDeleteServer}, []byte(name+"\x02"+version)...)}
}

func (s *McpStore) Apply(cmd *raftfsm.Command) (interface{}, error) {
	if len(cmd.Key) == 0 {
		return nil, fmt.Errorf("nsmcp: empty mcp command key")
	}
	op := cmd.Key[0]
	rest := string(cmd.Key[1:])
	s.mu.Lock()
	defer s.mu.Unlock()
	switch op {
	case mcpOpPutTool:
		key := decodeToolKey(rest)
		existing, ok := s.tools[key]
		refCount := 0
		if ok {
			refCount = existing.RefCount
		}
		s.tools[key] = &ToolSpec{Key: key, Description: string(cmd.Value), RefCount: refCount}
		return s.tools[key], nil
	case mcpOpDeleteTool:
		key := decodeToolKey(rest)
		if spec, ok := s.tools[key]; ok && spec.RefCount > 0 {
			return nil, fmt.Errorf("nsmcp: tool %s still referenced by %d server version(s)", key, spec.RefCount)
		}
		delete(s.tools, key)
		return nil, nil
	case mcpOpPutServer:
		spec, err := decodeServerSpec(cmd.Value)
		if err != nil {
			return nil, err
		}
		s.putServerLocked(spec)
		return spec, nil
	case mcpOpDeleteServer:
		parts := strings.SplitN(rest, "\x02", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("nsmcp: malformed delete-server key")
		}
		s.deleteServerLocked(parts[0], parts[1])
		return nil, nil
	default:
		return nil, fmt.Errorf("nsmcp: unknown mcp subop %d", op)
	}
}

func (s *McpStore) putServerLocked(spec ServerSpec) {
	if old, ok := s.servers[spec.key()]; ok {
		s.unrefLocked(old.Tools)
	}
	s.servers[spec.key()] = spec
	s.refLocked(spec.Tools)
}

func (s *McpStore) deleteServerLocked(name, version string) {
	key := name + "\x02" + version
	spec, ok := s.servers[key]
	if !ok {
		return
	}
	delete(s.servers, key)
	s.unrefLocked(spec.Tools)
}

func (s *McpStore) refLocked(keys []ToolKey) {
	for _, k := range keys {
		if t, ok := s.tools[k]; ok {
			t.RefCount++
		}
	}
}

// unrefLocked decrements ref counts but never auto-deletes the tool
// spec: garbage collection is an explicit DeleteTool call once RefCount
// reaches zero, keeping the spec record (and its description) available
// for inspection until then.
func (s *McpStore) unrefLocked(keys []ToolKey) {
	for _, k := range keys {
		if t, ok := s.tools[k]; ok && t.RefCount > 0 {
			t.RefCount--
		}
	}
}

func (s *McpStore) GetTool(key ToolKey) (ToolSpec, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tools[key]
	if !ok {
		return ToolSpec{}, false
	}
	return *t, true
}

func (s *McpStore) GetServer(name, version string) (ServerSpec, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	spec, ok := s.servers[name+"\x02"+version]
	return spec, ok
}

func (s *McpStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools = map[ToolKey]*ToolSpec{}
	s.servers = map[string]ServerSpec{}
}

func (s *McpStore) Snapshot(sink raftfsm.ItemSink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, spec := range s.tools {
		err := sink.Record(&wire.SnapshotItem{
			Tree: string(raftfsm.TreeMCP), Key: []byte("tool\x02" + key.String()),
			Value: encodeToolSpec(*spec), OpType: uint32(spec.RefCount),
		})
		if err != nil {
			return err
		}
	}
	for _, spec := range s.servers {
		err := sink.Record(&wire.SnapshotItem{
			Tree: string(raftfsm.TreeMCP), Key: []byte("server\x02" + spec.key()),
			Value: encodeServerSpec(spec),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *McpStore) Restore(item *wire.SnapshotItem) error {
	parts := strings.SplitN(string(item.Key), "\x02", 2)
	if len(parts) != 2 {
		return fmt.Errorf("nsmcp: malformed mcp snapshot key")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch parts[0] {
	case "tool":
		key := decodeToolKey(parts[1])
		s.tools[key] = &ToolSpec{Key: key, Description: string(item.Value), RefCount: int(item.OpType)}
	case "server":
		spec, err := decodeServerSpec(item.Value)
		if err != nil {
			return err
		}
		s.servers[spec.key()] = spec
	default:
		return fmt.Errorf("nsmcp: unknown mcp snapshot kind %q", parts[0])
	}
	return nil
}

func (s *McpStore) RestoreComplete() error { return nil }
