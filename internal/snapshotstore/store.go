// Package snapshotstore implements the point-in-time dump store: a
// varint-framed protobuf stream of one SnapshotHeader followed by any
// number of SnapshotItem records, written to a staging file and
// atomically renamed into place (the same staging+rename discipline the
// teacher's raft wiring gets for free from raft.NewFileSnapshotStore).
// This is hand-rolled rather than delegated to raft's own snapshot store
// because one snapshot spans every state machine, not just the log.
package snapshotstore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/nacos-go/nacosd/internal/wire"
)

// Meta describes a finalised snapshot.
type Meta struct {
	ID                string
	LastIncludedIndex uint64
	LastIncludedTerm  uint64
}

// Store owns the snapshot directory; writes are staged then renamed in,
// reads are never mutating.
type Store struct {
	mu  sync.Mutex
	dir string
}

func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(id string) string { return filepath.Join(s.dir, id) }

// Writer accumulates SnapshotItem records into a staging file until
// Finalise renames it into place.
type Writer struct {
	store *Store
	id    string
	staging *os.File
	header  wire.SnapshotHeader
	mu      sync.Mutex
}

// BeginWrite allocates a new snapshot id and opens its staging file.
func (s *Store) BeginWrite(header wire.SnapshotHeader) (*Writer, error) {
	id := uuid.NewString()
	f, err := os.Create(s.path(id) + ".staging")
	if err != nil {
		return nil, err
	}
	w := &Writer{store: s, id: id, staging: f, header: header}
	return w, nil
}

// Record appends one SnapshotItem. Concurrent state machines may each
// call Record on their own Writer handle sharing the same staging file;
// order across trees is unspecified, order within a tree is preserved
// because each state machine serialises its own build_snapshot call.
func (w *Writer) Record(item *wire.SnapshotItem) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	body := item.Marshal()
	var framed []byte
	framed = protowire.AppendVarint(framed, uint64(len(body)))
	framed = append(framed, body...)
	_, err := w.staging.Write(framed)
	return err
}

// Finalise writes the header, fsyncs, and renames the staging file into
// place, returning the committed Meta.
func (w *Writer) Finalise(lastIncludedIndex, lastIncludedTerm uint64) (Meta, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.header.LastIncludedIndex = lastIncludedIndex
	w.header.LastIncludedTerm = lastIncludedTerm

	// the header goes first: write it, the buffered items, then
	// concatenate by re-opening since items were appended to the
	// staging file ahead of the header being known in full.
	itemsPath := w.staging.Name()
	if err := w.staging.Sync(); err != nil {
		return Meta{}, err
	}
	if err := w.staging.Close(); err != nil {
		return Meta{}, err
	}

	finalPath := w.store.path(w.id) + ".tmp"
	out, err := os.Create(finalPath)
	if err != nil {
		return Meta{}, err
	}
	headerBody := w.header.Marshal()
	var framed []byte
	framed = protowire.AppendVarint(framed, uint64(len(headerBody)))
	framed = append(framed, headerBody...)
	if _, err := out.Write(framed); err != nil {
		out.Close()
		return Meta{}, err
	}
	items, err := os.Open(itemsPath)
	if err != nil {
		out.Close()
		return Meta{}, err
	}
	if _, err := io.Copy(out, items); err != nil {
		items.Close()
		out.Close()
		return Meta{}, err
	}
	items.Close()
	if err := out.Sync(); err != nil {
		out.Close()
		return Meta{}, err
	}
	if err := out.Close(); err != nil {
		return Meta{}, err
	}
	if err := os.Remove(itemsPath); err != nil {
		return Meta{}, err
	}
	if err := os.Rename(finalPath, w.store.path(w.id)); err != nil {
		return Meta{}, err
	}
	return Meta{ID: w.id, LastIncludedIndex: lastIncludedIndex, LastIncludedTerm: lastIncludedTerm}, nil
}

// BeginRaw allocates a staging file directly, bypassing the Writer's
// Record/Finalise bookkeeping, for callers (the raft snapshot store
// adapter) that already hold a framed byte stream ready to copy through
// verbatim.
func (s *Store) BeginRaw() (id string, f *os.File, err error) {
	id = uuid.NewString()
	f, err = os.Create(s.path(id) + ".staging")
	return id, f, err
}

// CommitRaw renames a BeginRaw staging file into place.
func (s *Store) CommitRaw(id string) error {
	return os.Rename(s.path(id)+".staging", s.path(id))
}

// AbortRaw discards a BeginRaw staging file without installing it.
func (s *Store) AbortRaw(id string, f *os.File) error {
	f.Close()
	return os.Remove(f.Name())
}

// PathFor exposes the final on-disk path of a finalised snapshot id, for
// callers that need to open it directly (raft.SnapshotStore.Open).
func (s *Store) PathFor(id string) string { return s.path(id) }

// Reader streams a finalised snapshot back: Header first, then each
// Item via Next until io.EOF.
type Reader struct {
	f      *os.File
	Header wire.SnapshotHeader
}

// OpenForRead opens a finalised snapshot by id and decodes its header.
func (s *Store) OpenForRead(id string) (*Reader, error) {
	f, err := os.Open(s.path(id))
	if err != nil {
		return nil, err
	}
	r := &Reader{f: f}
	body, err := readFrame(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("snapshotstore: reading header: %w", err)
	}
	if err := r.Header.Unmarshal(body); err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

// Next returns the next SnapshotItem, or io.EOF when the stream ends.
func (r *Reader) Next() (*wire.SnapshotItem, error) {
	body, err := readFrame(r.f)
	if err != nil {
		return nil, err
	}
	item := &wire.SnapshotItem{}
	if err := item.Unmarshal(body); err != nil {
		return nil, err
	}
	return item, nil
}

func (r *Reader) Close() error { return r.f.Close() }

func readFrame(r io.Reader) ([]byte, error) { return ReadFrame(r) }

// ReadFrame reads one varint-length-prefixed frame from r, exported so
// callers outside this package (the raft FSM's Restore, which is handed
// a bare io.ReadCloser by the raft library) can decode the same framing
// without going through a Store.
func ReadFrame(r io.Reader) ([]byte, error) {
	var first [1]byte
	n, err := r.Read(first[:])
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, io.EOF
	}
	// protowire varints are at most 10 bytes; read one byte at a time
	// until the continuation bit clears.
	buf := []byte{first[0]}
	for buf[len(buf)-1]&0x80 != 0 {
		var b [1]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, err
		}
		buf = append(buf, b[0])
	}
	size, _ := protowire.ConsumeVarint(buf)
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// WriteFrame writes one varint-length-prefixed frame to w, the
// streaming counterpart of ReadFrame used when persisting a snapshot
// straight into a raft.SnapshotSink instead of a staging file.
func WriteFrame(w io.Writer, body []byte) error {
	var framed []byte
	framed = protowire.AppendVarint(framed, uint64(len(body)))
	framed = append(framed, body...)
	_, err := w.Write(framed)
	return err
}

// List returns every finalised snapshot id on disk, sorted by name.
// Snapshot ids are uuids, so this order is not creation order.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".staging") || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		ids = append(ids, e.Name())
	}
	sort.Strings(ids)
	return ids, nil
}

// Remove deletes a finalised snapshot by id (used once a newer snapshot
// makes an older one redundant).
func (s *Store) Remove(id string) error {
	return os.Remove(s.path(id))
}
