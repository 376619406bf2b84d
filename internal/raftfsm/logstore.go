package raftfsm

import (
	"github.com/hashicorp/raft"

	"github.com/nacos-go/nacosd/internal/logstore"
	"github.com/nacos-go/nacosd/internal/wire"
)

// entryTree marks the on-disk LogRecord as a raw raft log entry rather
// than an already-applied snapshot item; the application command itself
// lives opaquely in Value, re-decoded by FSM.Apply.
const entryTree = "_raftentry"

// LogStore adapts the segmented log store to raft's raft.LogStore
// interface.
type LogStore struct {
	log *logstore.Log
}

var _ raft.LogStore = (*LogStore)(nil)

func NewLogStore(log *logstore.Log) *LogStore { return &LogStore{log: log} }

func (l *LogStore) FirstIndex() (uint64, error) {
	return l.log.FirstIndex(), nil
}

func (l *LogStore) LastIndex() (uint64, error) {
	last, _ := l.log.LastIndexTerm()
	return last, nil
}

func (l *LogStore) GetLog(index uint64, out *raft.Log) error {
	rec, err := l.log.Read(index)
	if err != nil {
		return err
	}
	out.Index = rec.Index
	out.Term = rec.Term
	out.Type = raft.LogType(rec.OpType)
	out.Data = rec.Value
	return nil
}

func (l *LogStore) StoreLog(log *raft.Log) error {
	return l.StoreLogs([]*raft.Log{log})
}

func (l *LogStore) StoreLogs(logs []*raft.Log) error {
	for _, log := range logs {
		rec := &wire.LogRecord{
			Index:  log.Index,
			Term:   log.Term,
			Tree:   entryTree,
			Value:  log.Data,
			OpType: uint32(log.Type),
		}
		if _, err := l.log.Append(rec); err != nil {
			return err
		}
	}
	return nil
}

// DeleteRange serves both of raft's compaction calls: a tail truncation
// (conflict resolution, max == current last index) and a head trim
// (post-snapshot reclaim, min == current first index). We tell them
// apart by which bound matches the log's current extent.
func (l *LogStore) DeleteRange(min, max uint64) error {
	last, _ := l.log.LastIndexTerm()
	if max >= last {
		return l.log.TruncateFrom(min)
	}
	return l.log.SplitOff(max + 1)
}
