// Package raftidx implements the Raft Index Manager: the single small
// durable file holding term/vote/membership/manifest metadata, written
// with the same write-temp-then-rename discipline the snapshotstore
// package uses for whole snapshots.
package raftidx

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// SegmentManifestEntry mirrors one entry of the segment manifest: enough
// bookkeeping to reopen the log store's segments without re-scanning the
// directory from scratch.
type SegmentManifestEntry struct {
	SegmentID     string `json:"segment_id"`
	FirstIndex    uint64 `json:"first_index"`
	PreTerm       uint64 `json:"pre_term"`
	RecordCount   uint32 `json:"record_count"`
	IsClosed      bool   `json:"is_closed"`
	SplitOffIndex uint64 `json:"split_off_index"`
}

// SnapshotManifestEntry records one snapshot the node has taken.
type SnapshotManifestEntry struct {
	SnapshotID string `json:"snapshot_id"`
	Index      uint64 `json:"index"`
	Term       uint64 `json:"term"`
}

// State is the full durable content of the index file.
type State struct {
	CurrentTerm uint64 `json:"current_term"`
	VotedFor    string `json:"voted_for"`

	SegmentManifest  []SegmentManifestEntry  `json:"segment_manifest"`
	SnapshotManifest []SnapshotManifestEntry `json:"snapshot_manifest"`

	LastSnapshotID    string `json:"last_snapshot_id"`
	LastSnapshotIndex uint64 `json:"last_snapshot_index"`
	LastSnapshotTerm  uint64 `json:"last_snapshot_term"`

	Member              []uint64          `json:"member"`
	MemberAfterConsensus []uint64         `json:"member_after_consensus"`
	NodeAddrs           map[uint64]string `json:"node_addrs"`

	LastAppliedIndex uint64 `json:"last_applied_index"`
}

// Manager owns the raft_index file, serialising every metadata write
// through a mutex.
type Manager struct {
	mu   sync.Mutex
	path string
	st   State
}

// Open reads the existing raft_index file at dir/raft_index, or starts
// from a zero State if none exists yet.
func Open(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, "raft_index")
	m := &Manager{path: path, st: State{NodeAddrs: map[uint64]string{}}}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, err
	}
	if len(b) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(b, &m.st); err != nil {
		return nil, err
	}
	if m.st.NodeAddrs == nil {
		m.st.NodeAddrs = map[uint64]string{}
	}
	return m, nil
}

// Snapshot returns a copy of the current state for read-only inspection.
func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := m.st
	cp.NodeAddrs = make(map[uint64]string, len(m.st.NodeAddrs))
	for k, v := range m.st.NodeAddrs {
		cp.NodeAddrs[k] = v
	}
	cp.SegmentManifest = append([]SegmentManifestEntry(nil), m.st.SegmentManifest...)
	cp.SnapshotManifest = append([]SnapshotManifestEntry(nil), m.st.SnapshotManifest...)
	return cp
}

// Mutate applies fn to the in-memory state and persists the result
// atomically (write-temp + rename).
func (m *Manager) Mutate(fn func(*State)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&m.st)
	return m.persistLocked()
}

func (m *Manager) persistLocked() error {
	b, err := json.MarshalIndent(&m.st, "", "  ")
	if err != nil {
		return err
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, m.path)
}

// SetLastApplied records the "update last_applied_log" bookkeeping the
// Apply Manager performs after every committed entry, rewriting the
// index file on each call.
func (m *Manager) SetLastApplied(index uint64) error {
	return m.Mutate(func(s *State) { s.LastAppliedIndex = index })
}

func (m *Manager) LastApplied() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.LastAppliedIndex
}
