// Package nsmcp implements the Namespace & MCP catalogs (component L):
// two small replicated catalogs riding on the same apply/snapshot
// machinery as config and naming, grounded on r-nacos's namespace and
// MCP tool/server tables.
package nsmcp

import (
	"fmt"
	"strings"
	"sync"

	"github.com/nacos-go/nacosd/internal/raftfsm"
	"github.com/nacos-go/nacosd/internal/wire"
)

type NamespaceType string

const (
	NamespaceDefault NamespaceType = "default"
	NamespaceCustom  NamespaceType = "custom"
)

type Namespace struct {
	ID          string
	DisplayName string
	Type        NamespaceType
}

// NamespaceStore is the Namespace half of component L.
type NamespaceStore struct {
	mu         sync.Mutex
	namespaces map[string]Namespace
}

var _ raftfsm.StateMachine = (*NamespaceStore)(nil)

func NewNamespaceStore() *NamespaceStore {
	return &NamespaceStore{namespaces: map[string]Namespace{}}
}

func (s *NamespaceStore) Tree() raftfsm.Tree { return raftfsm.TreeNamespace }

const (
	nsOpPut    byte = 1
	nsOpDelete byte = 2
)

func encodeNamespace(ns Namespace) []byte {
	return []byte(ns.DisplayName + "\x02" + string(ns.Type))
}

func decodeNamespace(id string, b []byte) Namespace {
	parts := strings.SplitN(string(b), "\x02", 2)
	ns := Namespace{ID: id}
	if len(parts) > 0 {
		ns.DisplayName = parts[0]
	}
	if len(parts) > 1 {
		ns.Type = NamespaceType(parts[1])
	}
	return ns
}

func NewPutNamespaceCommand(ns Namespace) *raftfsm.Command {
	return &raftfsm.Command{Kind: raftfsm.PayloadNamespaceOp, Key: append([]byte{nsOpPut}, []byte(ns.ID)...), Value: encodeNamespace(ns)}
}

func NewDeleteNamespaceCommand(id string) *raftfsm.Command {
	return &raftfsm.Command{Kind: raftfsm.PayloadNamespaceOp, Key: append([]byte{nsOpDelete}, []byte(id)...)}
}

func (s *NamespaceStore) Apply(cmd *raftfsm.Command) (interface{}, error) {
	if len(cmd.Key) == 0 {
		return nil, fmt.Errorf("nsmcp: empty namespace command key")
	}
	op := cmd.Key[0]
	id := string(cmd.Key[1:])
	switch op {
	case nsOpPut:
		ns := decodeNamespace(id, cmd.Value)
		s.mu.Lock()
		s.namespaces[id] = ns
		s.mu.Unlock()
		return ns, nil
	case nsOpDelete:
		s.mu.Lock()
		delete(s.namespaces, id)
		s.mu.Unlock()
		return nil, nil
	default:
		return nil, fmt.Errorf("nsmcp: unknown namespace subop %d", op)
	}
}

func (s *NamespaceStore) Get(id string) (Namespace, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns, ok := s.namespaces[id]
	return ns, ok
}

func (s *NamespaceStore) List() []Namespace {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Namespace, 0, len(s.namespaces))
	for _, ns := range s.namespaces {
		out = append(out, ns)
	}
	return out
}

func (s *NamespaceStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.namespaces = map[string]Namespace{}
}

func (s *NamespaceStore) Snapshot(sink raftfsm.ItemSink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ns := range s.namespaces {
		err := sink.Record(&wire.SnapshotItem{Tree: string(raftfsm.TreeNamespace), Key: []byte(id), Value: encodeNamespace(ns)})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *NamespaceStore) Restore(item *wire.SnapshotItem) error {
	ns := decodeNamespace(string(item.Key), item.Value)
	s.mu.Lock()
	s.namespaces[ns.ID] = ns
	s.mu.Unlock()
	return nil
}

func (s *NamespaceStore) RestoreComplete() error { return nil }
