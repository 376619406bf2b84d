package raftfsm

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"
	"golang.org/x/sync/errgroup"

	"github.com/nacos-go/nacosd/internal/raftidx"
	"github.com/nacos-go/nacosd/internal/snapshotstore"
	"github.com/nacos-go/nacosd/internal/wire"
)

// ItemSink is satisfied by anything a state machine can stream its
// snapshot dump into; *snapshotstore.Writer already implements this, as
// does the per-machine buffer Persist fans snapshot building out into.
type ItemSink interface {
	Record(item *wire.SnapshotItem) error
}

// StateMachine is implemented by each of the replicated stores (config,
// naming, table, sequence, namespace, mcp; the TTL cache is local and
// does not implement it). The Apply Manager
// (component D) dispatches committed commands to the one matching
// Tree() and drives the periodic snapshot/restore cycle uniformly
// across all of them.
type StateMachine interface {
	Tree() Tree
	Apply(cmd *Command) (interface{}, error)
	Snapshot(sink ItemSink) error
	Reset()
	Restore(item *wire.SnapshotItem) error
	RestoreComplete() error
}

// FSM implements raft.FSM, dispatching every committed entry to the
// registered state machine for its tree and orchestrating whole-node
// snapshot/restore across all of them (component D, adapted from the
// teacher's single-log fsm in distributed.go).
type FSM struct {
	mu       sync.Mutex
	machines map[Tree]StateMachine
	order    []Tree
	idx      *raftidx.Manager
}

var _ raft.FSM = (*FSM)(nil)

func NewFSM(idx *raftidx.Manager, machines ...StateMachine) *FSM {
	f := &FSM{idx: idx, machines: map[Tree]StateMachine{}}
	for _, sm := range machines {
		f.machines[sm.Tree()] = sm
		f.order = append(f.order, sm.Tree())
	}
	return f
}

// Machine returns the state machine registered for tree, or nil if
// none was. Callers that need a concrete store back for non-raft reads
// (the HTTP mirror's handlers) type-assert the result.
func (f *FSM) Machine(tree Tree) StateMachine {
	return f.machines[tree]
}

// Apply is invoked by raft after a log entry commits.
func (f *FSM) Apply(log *raft.Log) interface{} {
	if log.Type != raft.LogCommand {
		return nil
	}
	cmd, err := unmarshalCommand(log.Data)
	if err != nil {
		return err
	}
	switch cmd.Kind {
	case PayloadNoop, PayloadSnapshotPointer, PayloadNodeAddr, PayloadMembershipChange:
		_ = f.idx.SetLastApplied(log.Index)
		return nil
	}
	tree := treeFor(cmd.Kind)
	sm, ok := f.machines[tree]
	if !ok {
		return fmt.Errorf("raftfsm: no state machine registered for tree %q", tree)
	}
	resp, err := sm.Apply(cmd)
	if err != nil {
		return err
	}
	if err := f.idx.SetLastApplied(log.Index); err != nil {
		return err
	}
	return resp
}

// Snapshot returns a point-in-time dump of every registered machine,
// framed the same way snapshotstore persists one (component B): a
// SnapshotHeader followed by each machine's SnapshotItems.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	machines := make([]StateMachine, len(f.order))
	for i, t := range f.order {
		machines[i] = f.machines[t]
	}
	return &fsmSnapshot{machines: machines, idx: f.idx.Snapshot()}, nil
}

// Restore replaces every machine's state from a stream produced by
// Snapshot/Persist: header first, then items routed to the machine
// matching their Tree, finished off with a RestoreComplete signal to
// each (mirrors the Snapshot Store's install semantics).
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, sm := range f.machines {
		sm.Reset()
	}

	headerBody, err := snapshotstore.ReadFrame(rc)
	if err != nil {
		return fmt.Errorf("raftfsm: reading snapshot header: %w", err)
	}
	var header wire.SnapshotHeader
	if err := header.Unmarshal(headerBody); err != nil {
		return err
	}

	for {
		body, err := snapshotstore.ReadFrame(rc)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		var item wire.SnapshotItem
		if err := item.Unmarshal(body); err != nil {
			return err
		}
		sm, ok := f.machines[Tree(item.Tree)]
		if !ok {
			continue
		}
		if err := sm.Restore(&item); err != nil {
			return err
		}
	}

	for _, sm := range f.machines {
		if err := sm.RestoreComplete(); err != nil {
			return err
		}
	}

	return f.idx.Mutate(func(s *raftidx.State) {
		s.LastSnapshotIndex = header.LastIncludedIndex
		s.LastSnapshotTerm = header.LastIncludedTerm
		s.Member = header.Member
		s.MemberAfterConsensus = header.MemberAfterConsensus
		s.NodeAddrs = header.NodeAddrs
	})
}

type fsmSnapshot struct {
	machines []StateMachine
	idx      raftidx.State
}

var _ raft.FSMSnapshot = (*fsmSnapshot)(nil)

// bufSink collects one machine's snapshot frames in memory so several
// machines can build their dumps concurrently before Persist writes
// them to the raft.SnapshotSink in a fixed, deterministic order.
type bufSink struct {
	mu     sync.Mutex
	frames []byte
}

func (b *bufSink) Record(item *wire.SnapshotItem) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return snapshotstore.WriteFrame(&sliceWriter{b}, item.Marshal())
}

type sliceWriter struct{ b *bufSink }

func (w *sliceWriter) Write(p []byte) (int, error) {
	w.b.frames = append(w.b.frames, p...)
	return len(p), nil
}

// buildMachineDump runs every machine's Snapshot concurrently via an
// errgroup, since each machine only touches its own mutex-guarded
// state; the caller flushes the returned buffers in machine order so
// restore order stays deterministic regardless of finish order.
func buildMachineDump(machines []StateMachine) ([][]byte, error) {
	bufs := make([]*bufSink, len(machines))
	g, _ := errgroup.WithContext(context.Background())
	for i, sm := range machines {
		i, sm := i, sm
		bufs[i] = &bufSink{}
		g.Go(func() error {
			return sm.Snapshot(bufs[i])
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	dumps := make([][]byte, len(bufs))
	for i, b := range bufs {
		dumps[i] = b.frames
	}
	return dumps, nil
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	header := &wire.SnapshotHeader{
		LastIncludedIndex:    s.idx.LastSnapshotIndex,
		LastIncludedTerm:     s.idx.LastSnapshotTerm,
		Member:               s.idx.Member,
		MemberAfterConsensus: s.idx.MemberAfterConsensus,
		NodeAddrs:            s.idx.NodeAddrs,
	}
	if err := snapshotstore.WriteFrame(sink, header.Marshal()); err != nil {
		sink.Cancel()
		return err
	}
	dumps, err := buildMachineDump(s.machines)
	if err != nil {
		sink.Cancel()
		return err
	}
	for _, dump := range dumps {
		if _, err := sink.Write(dump); err != nil {
			sink.Cancel()
			return err
		}
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
