package logstore

import (
	"io"
	"os"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/tysonmote/gommap"
)

// indexEntry is one sparse index point: recordNum is the count of
// records written when this entry was taken (relative to the segment's
// first record), byteOffset is the absolute byte offset of that record
// in the data area.
type indexEntry struct {
	recordNum  uint32
	byteOffset uint64
}

// sparseIndex is the sparse in-file index: one entry every indexInterval
// records, enabling O(log N) seek by record number within a segment.
// The fixed [HeaderSize:DataAreaOffset) region is memory-mapped, and
// holds a varint delta stream (byte offset delta from the previous
// entry) rather than fixed-width records, because the sparse index is
// append-only and never needs random writes -- only a sequential scan
// to rebuild the in-memory slice on open, and a sequential append on
// write.
type sparseIndex struct {
	file    *os.File
	mmap    gommap.MMap
	entries []indexEntry
	written int // bytes already persisted into mmap
}

func openSparseIndex(f *os.File, h header) (*sparseIndex, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if fi.Size() < DataAreaOffset {
		if err := f.Truncate(DataAreaOffset); err != nil {
			return nil, err
		}
	}
	m, err := gommap.Map(f.Fd(), gommap.PROT_READ|gommap.PROT_WRITE, gommap.MAP_SHARED)
	if err != nil {
		return nil, err
	}
	idx := &sparseIndex{file: f, mmap: m}
	region := m[HeaderSize:DataAreaOffset]
	var prevOffset uint64
	pos := 0
	for i := uint32(0); i < h.indexCount; i++ {
		delta, n := protowire.ConsumeVarint(region[pos:])
		if n < 0 {
			break
		}
		pos += n
		prevOffset += delta
		idx.entries = append(idx.entries, indexEntry{recordNum: i * h.indexInterval, byteOffset: prevOffset})
	}
	idx.written = pos
	return idx, nil
}

// append records a new sparse index point. byteOffset must be
// monotonically increasing across calls.
func (s *sparseIndex) append(recordNum uint32, byteOffset uint64) error {
	var prev uint64
	if len(s.entries) > 0 {
		prev = s.entries[len(s.entries)-1].byteOffset
	}
	delta := byteOffset - prev
	var buf []byte
	buf = protowire.AppendVarint(buf, delta)
	region := s.mmap[HeaderSize:DataAreaOffset]
	if s.written+len(buf) > len(region) {
		return io.ErrShortBuffer
	}
	copy(region[s.written:], buf)
	s.written += len(buf)
	s.entries = append(s.entries, indexEntry{recordNum: recordNum, byteOffset: byteOffset})
	return nil
}

// seekFloor returns the sparse entry with the largest byteOffset whose
// recordNum is <= target, or (0,0,false) if target precedes every entry
// (caller should scan from the start of the data area in that case).
func (s *sparseIndex) seekFloor(target uint32) (indexEntry, bool) {
	if len(s.entries) == 0 {
		return indexEntry{}, false
	}
	lo, hi := 0, len(s.entries)-1
	best := -1
	for lo <= hi {
		mid := (lo + hi) / 2
		if s.entries[mid].recordNum <= target {
			best = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	if best < 0 {
		return indexEntry{}, false
	}
	return s.entries[best], true
}

// truncateFrom drops every sparse entry at or after recordNum, rewinding
// the on-disk stream so subsequent appends overwrite it.
func (s *sparseIndex) truncateFrom(recordNum uint32) {
	cut := len(s.entries)
	for i, e := range s.entries {
		if e.recordNum >= recordNum {
			cut = i
			break
		}
	}
	s.entries = s.entries[:cut]
	// rebuild the persisted varint stream from the surviving entries.
	region := s.mmap[HeaderSize:DataAreaOffset]
	var prev uint64
	pos := 0
	for _, e := range s.entries {
		var buf []byte
		buf = protowire.AppendVarint(buf, e.byteOffset-prev)
		copy(region[pos:], buf)
		pos += len(buf)
		prev = e.byteOffset
	}
	for i := pos; i < s.written; i++ {
		region[i] = 0
	}
	s.written = pos
}

func (s *sparseIndex) count() uint32 { return uint32(len(s.entries)) }

func (s *sparseIndex) sync() error {
	if err := s.mmap.Sync(gommap.MS_SYNC); err != nil {
		return err
	}
	return s.file.Sync()
}

func (s *sparseIndex) close() error {
	if err := s.sync(); err != nil {
		return err
	}
	return s.mmap.UnsafeUnmap()
}
