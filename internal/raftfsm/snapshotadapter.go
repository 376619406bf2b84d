package raftfsm

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/hashicorp/raft"

	"github.com/nacos-go/nacosd/internal/snapshotstore"
	"github.com/nacos-go/nacosd/internal/wire"
)

// SnapshotStore adapts the shared component-B snapshotstore.Store to
// raft's raft.SnapshotStore interface, so raft's own compaction and
// follower catch-up transfer reuse exactly the same on-disk format and
// directory (snapshot/<snapshot_id>) the Apply Manager's periodic
// snapshot uses, rather than the library's default file format under a
// second directory.
type SnapshotStore struct {
	store *snapshotstore.Store
}

var _ raft.SnapshotStore = (*SnapshotStore)(nil)

func NewSnapshotStore(store *snapshotstore.Store) *SnapshotStore {
	return &SnapshotStore{store: store}
}

func (s *SnapshotStore) Create(version raft.SnapshotVersion, index, term uint64, configuration raft.Configuration, configurationIndex uint64, trans raft.Transport) (raft.SnapshotSink, error) {
	id, f, err := s.store.BeginRaw()
	if err != nil {
		return nil, err
	}
	return &sink{store: s.store, f: f, id: id, index: index, term: term, configuration: configuration, configurationIndex: configurationIndex}, nil
}

func (s *SnapshotStore) List() ([]*raft.SnapshotMeta, error) {
	ids, err := s.store.List()
	if err != nil {
		return nil, err
	}
	var metas []*raft.SnapshotMeta
	for i := len(ids) - 1; i >= 0; i-- {
		meta, _, err := s.readMeta(ids[i])
		if err != nil {
			continue
		}
		metas = append(metas, meta)
	}
	// newest first, matching the convention raft.FileSnapshotStore uses
	// when deciding which snapshot to install or ship to a follower;
	// ids are uuids, so order comes from the header's term and index.
	sort.SliceStable(metas, func(i, j int) bool {
		if metas[i].Term != metas[j].Term {
			return metas[i].Term > metas[j].Term
		}
		return metas[i].Index > metas[j].Index
	})
	return metas, nil
}

func (s *SnapshotStore) Open(id string) (*raft.SnapshotMeta, io.ReadCloser, error) {
	meta, _, err := s.readMeta(id)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(s.store.PathFor(id))
	if err != nil {
		return nil, nil, err
	}
	return meta, f, nil
}

func (s *SnapshotStore) readMeta(id string) (*raft.SnapshotMeta, *wire.SnapshotHeader, error) {
	f, err := os.Open(s.store.PathFor(id))
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, nil, err
	}
	body, err := snapshotstore.ReadFrame(f)
	if err != nil {
		return nil, nil, fmt.Errorf("raftfsm: reading snapshot header for %s: %w", id, err)
	}
	var header wire.SnapshotHeader
	if err := header.Unmarshal(body); err != nil {
		return nil, nil, err
	}
	meta := &raft.SnapshotMeta{
		Version: raft.SnapshotVersionMax,
		ID:      id,
		Index:   header.LastIncludedIndex,
		Term:    header.LastIncludedTerm,
		Size:    fi.Size(),
	}
	return meta, &header, nil
}

// sink is the raw staging file a Persist call streams frames into
// directly; Close renames it into place under the shared snapshot
// directory so it is immediately visible to both raft and the Apply
// Manager's own snapshot bookkeeping.
type sink struct {
	store              *snapshotstore.Store
	f                  *os.File
	id                 string
	index, term        uint64
	configuration      raft.Configuration
	configurationIndex uint64
}

var _ raft.SnapshotSink = (*sink)(nil)

func (s *sink) Write(p []byte) (int, error) { return s.f.Write(p) }

func (s *sink) ID() string { return s.id }

func (s *sink) Cancel() error {
	return s.store.AbortRaw(s.id, s.f)
}

func (s *sink) Close() error {
	if err := s.f.Sync(); err != nil {
		return err
	}
	if err := s.f.Close(); err != nil {
		return err
	}
	return s.store.CommitRaw(s.id)
}
