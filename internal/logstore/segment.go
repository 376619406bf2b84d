package logstore

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/nacos-go/nacosd/internal/wire"
)

var enc = binary.BigEndian

// lenWidth is the width, in bytes, of the length prefix on every record
// in the data area.
const lenWidth = 8

// DefaultIndexInterval is how many records separate two sparse index
// points, matching config option log_sparse_index_interval's default.
const DefaultIndexInterval = 128

// DefaultMaxSegmentBytes is the data-area size, in bytes, at which a
// segment is closed and a new one opened (config log_segment_max_bytes).
const DefaultMaxSegmentBytes = 2_000_000_000

// ErrSegmentFull is returned by Append when the active segment has
// reached its capacity; the Log rotates transparently on this error.
var ErrSegmentFull = fmt.Errorf("logstore: segment full")

// Segment is one capped, append-only file: 256-byte header, sparse
// index area, length-prefixed LogRecord data area.
type Segment struct {
	mu sync.Mutex

	file *os.File
	hdr  header
	idx  *sparseIndex

	dir           string
	firstIndex    uint64
	nextIndex     uint64
	dataSize      uint64 // bytes written so far in the data area
	maxDataBytes  uint64
	indexInterval uint32
	recordsSince  uint32 // records appended since the last index point
}

func segmentPath(dir string, firstIndex uint64) string {
	return filepath.Join(dir, fmt.Sprintf("log_%020d.seg", firstIndex))
}

// CreateSegment opens or creates the segment file starting at
// firstIndex, writing a fresh header if the file is new.
func CreateSegment(dir string, firstIndex, termBeforeFirst uint64, maxDataBytes uint64, indexInterval uint32) (*Segment, error) {
	if maxDataBytes == 0 {
		maxDataBytes = DefaultMaxSegmentBytes
	}
	if indexInterval == 0 {
		indexInterval = DefaultIndexInterval
	}
	path := segmentPath(dir, firstIndex)
	isNew := true
	if fi, err := os.Stat(path); err == nil && fi.Size() > 0 {
		isNew = false
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}

	s := &Segment{
		file:          f,
		dir:           dir,
		firstIndex:    firstIndex,
		maxDataBytes:  maxDataBytes,
		indexInterval: indexInterval,
	}

	if isNew {
		s.hdr = newHeader(firstIndex, termBeforeFirst, indexInterval)
		if _, err := f.WriteAt(s.hdr.encode(), 0); err != nil {
			return nil, err
		}
	} else {
		buf := make([]byte, HeaderSize)
		if _, err := f.ReadAt(buf, 0); err != nil {
			return nil, err
		}
		s.hdr, err = decodeHeader(buf)
		if err != nil {
			return nil, err
		}
	}

	s.idx, err = openSparseIndex(f, s.hdr)
	if err != nil {
		return nil, err
	}

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if uint64(fi.Size()) < DataAreaOffset {
		s.dataSize = 0
	} else {
		s.dataSize = uint64(fi.Size()) - DataAreaOffset
	}
	s.nextIndex = firstIndex

	if err := s.recoverTail(); err != nil {
		return nil, err
	}
	return s, nil
}

// recoverTail scans the data area to find the highest index actually
// present (recomputing nextIndex and detecting a torn tail write --
// section 4.A failure semantics) since the header's indexCount can lag
// a crash that happened between a data write and its index point.
func (s *Segment) recoverTail() error {
	var off uint64
	var count uint32
	for off < s.dataSize {
		lenBuf := make([]byte, lenWidth)
		if _, err := s.file.ReadAt(lenBuf, int64(DataAreaOffset+off)); err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
		size := enc.Uint64(lenBuf)
		if size == 0 || off+lenWidth+size > s.dataSize {
			// torn write at the tail: truncate back to the last full record.
			s.dataSize = off
			break
		}
		body := make([]byte, size)
		if _, err := s.file.ReadAt(body, int64(DataAreaOffset+off+lenWidth)); err != nil {
			s.dataSize = off
			break
		}
		var rec wire.LogRecord
		if err := rec.Unmarshal(body); err != nil {
			s.dataSize = off
			break
		}
		off += lenWidth + size
		count++
		if rec.Index+1 > s.nextIndex {
			s.nextIndex = rec.Index + 1
		}
	}
	if s.dataSize != off {
		if err := s.file.Truncate(int64(DataAreaOffset + s.dataSize)); err != nil {
			return err
		}
	}
	s.recordsSince = count % s.indexInterval
	return nil
}

// FirstIndex is the lowest log index this segment can hold.
func (s *Segment) FirstIndex() uint64 { return s.firstIndex }

// NextIndex is the index the next Append call will assign.
func (s *Segment) NextIndex() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextIndex
}

// IsFull reports whether the segment has reached its data-area cap.
func (s *Segment) IsFull() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dataSize >= s.maxDataBytes
}

// Append writes rec to the data area, tagging it with the assigned
// index, and records a sparse index point every indexInterval records.
func (s *Segment) Append(rec *wire.LogRecord) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dataSize >= s.maxDataBytes {
		return 0, ErrSegmentFull
	}
	idx := s.nextIndex
	rec.Index = idx

	body := rec.Marshal()
	lenBuf := make([]byte, lenWidth)
	enc.PutUint64(lenBuf, uint64(len(body)))

	pos := s.dataSize
	if _, err := s.file.WriteAt(lenBuf, int64(DataAreaOffset+pos)); err != nil {
		return 0, err
	}
	if _, err := s.file.WriteAt(body, int64(DataAreaOffset+pos+lenWidth)); err != nil {
		return 0, err
	}
	s.dataSize += lenWidth + uint64(len(body))

	if s.recordsSince == 0 {
		if err := s.idx.append(uint32(idx-s.firstIndex), pos); err != nil {
			return 0, err
		}
		s.hdr.indexCount = s.idx.count()
	}
	s.recordsSince = (s.recordsSince + 1) % s.indexInterval
	s.nextIndex++
	return idx, nil
}

// Read retrieves the record at absolute log index idx from this segment.
func (s *Segment) Read(idx uint64) (*wire.LogRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx < s.firstIndex || idx >= s.nextIndex {
		return nil, fmt.Errorf("logstore: index %d out of segment range [%d,%d)", idx, s.firstIndex, s.nextIndex)
	}
	rel := uint32(idx - s.firstIndex)

	var pos uint64
	if e, ok := s.idx.seekFloor(rel); ok {
		pos = e.byteOffset
	}
	// linear scan forward from the nearest indexed point.
	for {
		lenBuf := make([]byte, lenWidth)
		if _, err := s.file.ReadAt(lenBuf, int64(DataAreaOffset+pos)); err != nil {
			return nil, err
		}
		size := enc.Uint64(lenBuf)
		body := make([]byte, size)
		if _, err := s.file.ReadAt(body, int64(DataAreaOffset+pos+lenWidth)); err != nil {
			return nil, err
		}
		var rec wire.LogRecord
		if err := rec.Unmarshal(body); err != nil {
			return nil, err
		}
		if rec.Index == idx {
			return &rec, nil
		}
		pos += lenWidth + size
	}
}

// TruncateFrom discards every record with index >= idx, rewinding both
// the data area and the sparse index.
func (s *Segment) TruncateFrom(idx uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx <= s.firstIndex {
		s.dataSize = 0
		s.nextIndex = s.firstIndex
		s.idx.truncateFrom(0)
		s.hdr.indexCount = 0
		return s.file.Truncate(DataAreaOffset)
	}
	rel := uint32(idx - s.firstIndex)
	var pos uint64
	if e, ok := s.idx.seekFloor(rel); ok {
		pos = e.byteOffset
	}
	for pos < s.dataSize {
		lenBuf := make([]byte, lenWidth)
		if _, err := s.file.ReadAt(lenBuf, int64(DataAreaOffset+pos)); err != nil {
			return err
		}
		size := enc.Uint64(lenBuf)
		body := make([]byte, size)
		if _, err := s.file.ReadAt(body, int64(DataAreaOffset+pos+lenWidth)); err != nil {
			return err
		}
		var rec wire.LogRecord
		if err := rec.Unmarshal(body); err != nil {
			return err
		}
		if rec.Index >= idx {
			break
		}
		pos += lenWidth + uint64(size)
	}
	s.dataSize = pos
	s.nextIndex = idx
	s.idx.truncateFrom(rel)
	s.hdr.indexCount = s.idx.count()
	return s.file.Truncate(int64(DataAreaOffset + pos))
}

// Close flushes the header/index and closes the underlying file.
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.WriteAt(s.hdr.encode(), 0); err != nil {
		return err
	}
	if err := s.idx.close(); err != nil {
		return err
	}
	return s.file.Close()
}

// Remove closes and deletes the segment file, used when reclaiming
// space after split-off.
func (s *Segment) Remove() error {
	path := s.file.Name()
	if err := s.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}
