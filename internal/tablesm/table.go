// Package tablesm implements the generic Table store and the Sequence
// allocator (component I), grounded on r-nacos's src/raft/db/table.rs
// and src/raft/db/sequence.rs, using a single mutex-guarded map. The
// TTL Cache half of component I is deliberately not a raft.FSM
// participant: the payload_kind enum carries no CacheOp, matching
// Cache's role as a local-only optimisation that is never replicated.
package tablesm

import (
	"fmt"
	"strings"
	"sync"

	"github.com/nacos-go/nacosd/internal/raftfsm"
	"github.com/nacos-go/nacosd/internal/wire"
)

// Table is a generic (table_name, key) -> value store.
type Table struct {
	mu   sync.Mutex
	data map[string]map[string][]byte
}

var _ raftfsm.StateMachine = (*Table)(nil)

func NewTable() *Table {
	return &Table{data: map[string]map[string][]byte{}}
}

func (t *Table) Tree() raftfsm.Tree { return raftfsm.TreeTable }

const (
	tableOpPut    byte = 1
	tableOpDelete byte = 2
)

func encodeTableKey(tableName, key string) []byte {
	return []byte(tableName + "\x02" + key)
}

func decodeTableKey(b []byte) (tableName, key string) {
	parts := strings.SplitN(string(b), "\x02", 2)
	tableName = parts[0]
	if len(parts) > 1 {
		key = parts[1]
	}
	return
}

func NewPutCommand(tableName, key string, value []byte) *raftfsm.Command {
	return &raftfsm.Command{Kind: raftfsm.PayloadTableOp, Key: encodeTableKey(tableName, key), Value: append([]byte{tableOpPut}, value...)}
}

func NewDeleteCommand(tableName, key string) *raftfsm.Command {
	return &raftfsm.Command{Kind: raftfsm.PayloadTableOp, Key: encodeTableKey(tableName, key), Value: []byte{tableOpDelete}}
}

func (t *Table) Apply(cmd *raftfsm.Command) (interface{}, error) {
	tableName, key := decodeTableKey(cmd.Key)
	if len(cmd.Value) == 0 {
		return nil, fmt.Errorf("tablesm: empty command value")
	}
	switch cmd.Value[0] {
	case tableOpPut:
		t.put(tableName, key, append([]byte(nil), cmd.Value[1:]...))
		return nil, nil
	case tableOpDelete:
		t.remove(tableName, key)
		return nil, nil
	default:
		return nil, fmt.Errorf("tablesm: unknown subop %d", cmd.Value[0])
	}
}

func (t *Table) put(tableName, key string, value []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tbl, ok := t.data[tableName]
	if !ok {
		tbl = map[string][]byte{}
		t.data[tableName] = tbl
	}
	tbl[key] = value
}

func (t *Table) remove(tableName, key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tbl, ok := t.data[tableName]; ok {
		delete(tbl, key)
	}
}

func (t *Table) Get(tableName, key string) ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tbl, ok := t.data[tableName]
	if !ok {
		return nil, false
	}
	v, ok := tbl[key]
	return v, ok
}

func (t *Table) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data = map[string]map[string][]byte{}
}

func (t *Table) Snapshot(sink raftfsm.ItemSink) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for tableName, tbl := range t.data {
		for key, value := range tbl {
			err := sink.Record(&wire.SnapshotItem{
				Tree:  string(raftfsm.TreeTable),
				Key:   encodeTableKey(tableName, key),
				Value: value,
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *Table) Restore(item *wire.SnapshotItem) error {
	tableName, key := decodeTableKey(item.Key)
	t.put(tableName, key, append([]byte(nil), item.Value...))
	return nil
}

func (t *Table) RestoreComplete() error { return nil }
