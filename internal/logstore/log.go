package logstore

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/nacos-go/nacosd/internal/wire"
)

// Config configures a Log's segment sizing.
type Config struct {
	MaxSegmentDataBytes uint64
	IndexInterval       uint32
	InitialIndex        uint64
}

// Log owns the ordered sequence of segments making up one raft log,
// with each segment a single file (fixed header, sparse index,
// length-prefixed data area) instead of a two-file-per-segment layout.
type Log struct {
	mu sync.RWMutex

	Dir    string
	Config Config

	segments []*Segment
	active   *Segment

	// splitOffIndex marks the logical start of the log: records below
	// this index are considered reclaimed even if a stale segment
	// hasn't been deleted from disk yet.
	splitOffIndex uint64
}

// Open loads (or initializes) a segmented log rooted at dir.
func Open(dir string, cfg Config) (*Log, error) {
	if cfg.MaxSegmentDataBytes == 0 {
		cfg.MaxSegmentDataBytes = DefaultMaxSegmentBytes
	}
	if cfg.IndexInterval == 0 {
		cfg.IndexInterval = DefaultIndexInterval
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	l := &Log{Dir: dir, Config: cfg}
	return l, l.setup()
}

func (l *Log) setup() error {
	files, err := os.ReadDir(l.Dir)
	if err != nil {
		return err
	}
	var firsts []uint64
	for _, f := range files {
		name := f.Name()
		if !strings.HasPrefix(name, "log_") || !strings.HasSuffix(name, ".seg") {
			continue
		}
		numStr := strings.TrimSuffix(strings.TrimPrefix(name, "log_"), ".seg")
		n, err := strconv.ParseUint(numStr, 10, 64)
		if err != nil {
			continue
		}
		firsts = append(firsts, n)
	}
	sort.Slice(firsts, func(i, j int) bool { return firsts[i] < firsts[j] })

	var prevTerm uint64
	for _, first := range firsts {
		seg, err := CreateSegment(l.Dir, first, prevTerm, l.Config.MaxSegmentDataBytes, l.Config.IndexInterval)
		if err != nil {
			return fmt.Errorf("logstore: opening segment at %d: %w", first, err)
		}
		l.segments = append(l.segments, seg)
		l.active = seg
		if seg.nextIndex > seg.firstIndex {
			if last, err := seg.Read(seg.nextIndex - 1); err == nil {
				prevTerm = last.Term
			}
		}
	}

	if l.active == nil {
		seg, err := CreateSegment(l.Dir, l.Config.InitialIndex, 0, l.Config.MaxSegmentDataBytes, l.Config.IndexInterval)
		if err != nil {
			return err
		}
		l.segments = append(l.segments, seg)
		l.active = seg
		l.splitOffIndex = l.Config.InitialIndex
	} else {
		l.splitOffIndex = l.segments[0].firstIndex
	}
	return nil
}

// Append writes rec to the active segment, rotating to a fresh segment
// transparently if the active one is full.
func (l *Log) Append(rec *wire.LogRecord) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx, err := l.active.Append(rec)
	if err == ErrSegmentFull {
		if err := l.rotate(); err != nil {
			return 0, err
		}
		return l.active.Append(rec)
	}
	if err != nil {
		return 0, err
	}
	if l.active.IsFull() {
		_ = l.rotate()
	}
	return idx, nil
}

func (l *Log) rotate() error {
	term := rec0Term(l.active)
	next := l.active.NextIndex()
	seg, err := CreateSegment(l.Dir, next, term, l.Config.MaxSegmentDataBytes, l.Config.IndexInterval)
	if err != nil {
		return err
	}
	l.segments = append(l.segments, seg)
	l.active = seg
	return nil
}

func rec0Term(seg *Segment) uint64 {
	if seg.nextIndex == seg.firstIndex {
		return seg.hdr.termBeforeFirst
	}
	rec, err := seg.Read(seg.nextIndex - 1)
	if err != nil {
		return seg.hdr.termBeforeFirst
	}
	return rec.Term
}

// Read fetches the record at idx from whichever segment holds it.
func (l *Log) Read(idx uint64) (*wire.LogRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if idx < l.splitOffIndex {
		return nil, fmt.Errorf("logstore: index %d has been split off", idx)
	}
	seg := l.findSegment(idx)
	if seg == nil {
		return nil, fmt.Errorf("logstore: index %d not found", idx)
	}
	return seg.Read(idx)
}

// ReadRange returns [start, endExclusive) across segments, concatenated
// in log-index order.
func (l *Log) ReadRange(start, endExclusive uint64) ([]*wire.LogRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*wire.LogRecord
	for idx := start; idx < endExclusive; idx++ {
		seg := l.findSegment(idx)
		if seg == nil {
			break
		}
		rec, err := seg.Read(idx)
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (l *Log) findSegment(idx uint64) *Segment {
	for _, seg := range l.segments {
		if idx >= seg.firstIndex && idx < seg.nextIndex {
			return seg
		}
	}
	return nil
}

// TruncateFrom deletes all records with index >= idx (conflict
// resolution on a new leader).
func (l *Log) TruncateFrom(idx uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var keep []*Segment
	for _, seg := range l.segments {
		if seg.firstIndex >= idx {
			if err := seg.Remove(); err != nil {
				return err
			}
			continue
		}
		if idx > seg.firstIndex && idx <= seg.NextIndex() {
			if err := seg.TruncateFrom(idx); err != nil {
				return err
			}
		}
		keep = append(keep, seg)
	}
	if len(keep) == 0 {
		seg, err := CreateSegment(l.Dir, idx, 0, l.Config.MaxSegmentDataBytes, l.Config.IndexInterval)
		if err != nil {
			return err
		}
		keep = append(keep, seg)
	}
	l.segments = keep
	l.active = keep[len(keep)-1]
	return nil
}

// SplitOff marks every record below idx inaccessible, reclaiming whole
// segments once they fall entirely behind the split point; used after a
// snapshot installs.
func (l *Log) SplitOff(idx uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if idx <= l.splitOffIndex {
		return nil
	}
	l.splitOffIndex = idx

	var keep []*Segment
	for i, seg := range l.segments {
		isLast := i == len(l.segments)-1
		if !isLast && seg.NextIndex() <= idx {
			if err := seg.Remove(); err != nil {
				return err
			}
			continue
		}
		keep = append(keep, seg)
	}
	if len(keep) == 0 {
		keep = append(keep, l.active)
	}
	l.segments = keep
	return nil
}

// LastIndexTerm returns the highest index/term pair durably stored.
func (l *Log) LastIndexTerm() (uint64, uint64) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.active.nextIndex == l.active.firstIndex {
		if l.active.firstIndex == 0 {
			return 0, 0
		}
		return l.active.firstIndex - 1, l.active.hdr.termBeforeFirst
	}
	last := l.active.NextIndex() - 1
	rec, err := l.active.Read(last)
	if err != nil {
		return last, 0
	}
	return last, rec.Term
}

// FirstIndex is the lowest index still retrievable (post split-off).
func (l *Log) FirstIndex() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.splitOffIndex
}

// Close flushes and closes every segment.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, seg := range l.segments {
		if err := seg.Close(); err != nil {
			return err
		}
	}
	return nil
}
