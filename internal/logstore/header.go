// Package logstore implements the segmented append-only log store: a
// capped sequence of segment files, each holding a fixed header, a
// sparse in-file index and a data area of length-prefixed LogRecord
// protobufs.
package logstore

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the fixed size of a segment's header.
const HeaderSize = 256

// DataAreaOffset is the fixed byte offset where the data area begins in
// every segment file.
const DataAreaOffset = 4096

// segmentMagic identifies a nacosd log segment file.
const segmentMagic uint32 = 0x42313644

const segmentVersion uint16 = 1

// status byte values for a segment.
const (
	statusOpen   byte = 0
	statusClosed byte = 1
)

// header is the 256-byte fixed header at the start of every segment
// file.
type header struct {
	magic           uint32
	version         uint16
	firstIndex      uint64
	termBeforeFirst uint64
	dataAreaOffset  uint32
	indexInterval   uint32
	indexCount      uint32
	status          byte
}

func newHeader(firstIndex, termBeforeFirst uint64, indexInterval uint32) header {
	return header{
		magic:           segmentMagic,
		version:         segmentVersion,
		firstIndex:      firstIndex,
		termBeforeFirst: termBeforeFirst,
		dataAreaOffset:  DataAreaOffset,
		indexInterval:   indexInterval,
		indexCount:      0,
		status:          statusOpen,
	}
}

func (h header) encode() []byte {
	buf := make([]byte, HeaderSize)
	enc := binary.BigEndian
	enc.PutUint32(buf[0:4], h.magic)
	enc.PutUint16(buf[4:6], h.version)
	enc.PutUint64(buf[6:14], h.firstIndex)
	enc.PutUint64(buf[14:22], h.termBeforeFirst)
	enc.PutUint32(buf[22:26], h.dataAreaOffset)
	enc.PutUint32(buf[26:30], h.indexInterval)
	enc.PutUint32(buf[30:34], h.indexCount)
	buf[34] = h.status
	return buf
}

func decodeHeader(buf []byte) (header, error) {
	if len(buf) < HeaderSize {
		return header{}, fmt.Errorf("logstore: short segment header: %d bytes", len(buf))
	}
	enc := binary.BigEndian
	h := header{
		magic:           enc.Uint32(buf[0:4]),
		version:         enc.Uint16(buf[4:6]),
		firstIndex:      enc.Uint64(buf[6:14]),
		termBeforeFirst: enc.Uint64(buf[14:22]),
		dataAreaOffset:  enc.Uint32(buf[22:26]),
		indexInterval:   enc.Uint32(buf[26:30]),
		indexCount:      enc.Uint32(buf[30:34]),
		status:          buf[34],
	}
	if h.magic != segmentMagic {
		return header{}, fmt.Errorf("logstore: bad segment magic %x", h.magic)
	}
	return h, nil
}
