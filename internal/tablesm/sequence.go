package tablesm

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/nacos-go/nacosd/internal/raftfsm"
	"github.com/nacos-go/nacosd/internal/wire"
)

// DefaultRangeStep is the default batch size a node reserves per
// NextRange call before asking the replicated counter for another.
const DefaultRangeStep = 100

// Sequence is the raft-replicated monotonic counter; NextRange is the
// raw primitive, and local batching on top of it is done by
// LocalAllocator below.
type Sequence struct {
	mu      sync.Mutex
	current map[string]uint64
}

var _ raftfsm.StateMachine = (*Sequence)(nil)

func NewSequence() *Sequence {
	return &Sequence{current: map[string]uint64{}}
}

func (s *Sequence) Tree() raftfsm.Tree { return raftfsm.TreeSequence }

// NewNextRangeCommand asks the replicated counter for `step` more ids
// under key; the committed response is the half-open [start, end) range
// this caller may hand out locally before requesting another.
func NewNextRangeCommand(key string, step uint64) *raftfsm.Command {
	value := make([]byte, 8)
	binary.BigEndian.PutUint64(value, step)
	return &raftfsm.Command{Kind: raftfsm.PayloadSequenceOp, Key: []byte(key), Value: value}
}

// Range is the [Start, End) half-open id range NextRange allocated.
type Range struct {
	Start uint64
	End   uint64
}

func (s *Sequence) Apply(cmd *raftfsm.Command) (interface{}, error) {
	if len(cmd.Value) != 8 {
		return nil, fmt.Errorf("tablesm: malformed sequence step")
	}
	step := binary.BigEndian.Uint64(cmd.Value)
	key := string(cmd.Key)

	s.mu.Lock()
	defer s.mu.Unlock()
	start := s.current[key]
	end := start + step
	s.current[key] = end
	return Range{Start: start, End: end}, nil
}

func (s *Sequence) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = map[string]uint64{}
}

func (s *Sequence) Snapshot(sink raftfsm.ItemSink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, value := range s.current {
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, value)
		if err := sink.Record(&wire.SnapshotItem{Tree: string(raftfsm.TreeSequence), Key: []byte(key), Value: buf}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sequence) Restore(item *wire.SnapshotItem) error {
	if len(item.Value) != 8 {
		return fmt.Errorf("tablesm: malformed sequence snapshot item")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current[string(item.Key)] = binary.BigEndian.Uint64(item.Value)
	return nil
}

func (s *Sequence) RestoreComplete() error { return nil }

// LocalAllocator batches NextID calls on top of a Sequence's raw
// NextRange primitive, requesting a fresh range only once the local one
// is exhausted (spec 4.I: "each node uses its local range and requests
// a new range when exhausted").
type LocalAllocator struct {
	mu      sync.Mutex
	key     string
	step    uint64
	next    uint64
	end     uint64
	applyFn func(cmd *raftfsm.Command) (interface{}, error)
}

func NewLocalAllocator(key string, step uint64, applyFn func(cmd *raftfsm.Command) (interface{}, error)) *LocalAllocator {
	if step == 0 {
		step = DefaultRangeStep
	}
	return &LocalAllocator{key: key, step: step, applyFn: applyFn}
}

func (a *LocalAllocator) NextID() (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.next >= a.end {
		resp, err := a.applyFn(NewNextRangeCommand(a.key, a.step))
		if err != nil {
			return 0, err
		}
		rng, ok := resp.(Range)
		if !ok {
			return 0, fmt.Errorf("tablesm: unexpected NextRange response %T", resp)
		}
		a.next, a.end = rng.Start, rng.End
	}
	id := a.next
	a.next++
	return id, nil
}
