// Package configsm implements the Config State Machine (component G):
// a tenant/group/dataId map with md5 fingerprinting, a bounded history
// ring, and long-poll listener parking, using a mutex-guarded
// in-memory map instead of an actor mailbox.
package configsm

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nacos-go/nacosd/internal/raftfsm"
	"github.com/nacos-go/nacosd/internal/wire"
)

// DefaultHistoryLimit is the default bound on ConfigItem.History,
// config option's "history length" default.
const DefaultHistoryLimit = 10

// Key identifies one config entry; tenant "" and "public" are aliases
// for the default tenant and must be normalised by the caller (HTTP/RPC
// transport) before reaching the state machine.
type Key struct {
	DataID string
	Group  string
	Tenant string
}

func NormaliseTenant(tenant string) string {
	if tenant == "public" {
		return ""
	}
	return tenant
}

func (k Key) String() string {
	return k.DataID + "\x02" + k.Group + "\x02" + k.Tenant
}

// Item is one config entry's durable state.
type Item struct {
	Value        string
	MD5          string
	LastModified int64
	ContentType  string
	Description  string
	History      []HistoryEntry
}

type HistoryEntry struct {
	Value        string
	MD5          string
	LastModified int64
}

// listener is a parked long-poll/push registration.
type listener struct {
	clientID string
	key      Key
	clientMD5 string
	deadline  time.Time
	notify    chan struct{}
}

// Store is the Config State Machine. nowFunc is overridable for tests.
type Store struct {
	mu            sync.Mutex
	items         map[Key]*Item
	listeners     map[Key][]*listener
	historyLimit  int
	nowFunc       func() int64
}

var _ raftfsm.StateMachine = (*Store)(nil)

func New() *Store {
	return &Store{
		items:        map[Key]*Item{},
		listeners:    map[Key][]*listener{},
		historyLimit: DefaultHistoryLimit,
		nowFunc:      func() int64 { return time.Now().UnixMilli() },
	}
}

func (s *Store) Tree() raftfsm.Tree { return raftfsm.TreeConfig }

// encodeSetValue/decodeSetValue build and parse the Command.Value of a
// config write, encoded plainly: the new value, content type and
// description joined with \x03 separators (the key itself uses \x02).
// A delete command carries no value.
func encodeSetValue(content, contentType, description string) []byte {
	return []byte(content + "\x03" + contentType + "\x03" + description)
}

func decodeSetValue(b []byte) (content, contentType, description string) {
	parts := strings.SplitN(string(b), "\x03", 3)
	content = parts[0]
	if len(parts) > 1 {
		contentType = parts[1]
	}
	if len(parts) > 2 {
		description = parts[2]
	}
	return
}

func encodeKey(k Key) []byte { return []byte(k.String()) }

func decodeKey(b []byte) Key {
	parts := strings.SplitN(string(b), "\x02", 3)
	k := Key{}
	if len(parts) > 0 {
		k.DataID = parts[0]
	}
	if len(parts) > 1 {
		k.Group = parts[1]
	}
	if len(parts) > 2 {
		k.Tenant = parts[2]
	}
	return k
}

// NewSetCommand builds the raft command a ConfigPublish request
// submits through the leader-route front-door.
func NewSetCommand(key Key, content, contentType, description string) *raftfsm.Command {
	return &raftfsm.Command{
		Kind:  raftfsm.PayloadConfigWrite,
		Key:   encodeKey(key),
		Value: encodeSetValue(content, contentType, description),
	}
}

// NewDeleteCommand builds the raft command a ConfigRemove request
// submits through the leader-route front-door.
func NewDeleteCommand(key Key) *raftfsm.Command {
	return &raftfsm.Command{Kind: raftfsm.PayloadConfigDelete, Key: encodeKey(key)}
}

// Apply dispatches a committed command: PayloadConfigWrite or
// PayloadConfigDelete, the only two kinds routed to this tree.
func (s *Store) Apply(cmd *raftfsm.Command) (interface{}, error) {
	key := decodeKey(cmd.Key)
	switch cmd.Kind {
	case raftfsm.PayloadConfigWrite:
		content, contentType, description := decodeSetValue(cmd.Value)
		return s.applySet(key, content, contentType, description)
	case raftfsm.PayloadConfigDelete:
		s.applyDelete(key)
		return nil, nil
	default:
		return nil, fmt.Errorf("configsm: unexpected payload kind %d", cmd.Kind)
	}
}

func md5Hex(v string) string {
	sum := md5.Sum([]byte(v))
	return hex.EncodeToString(sum[:])
}

func (s *Store) applySet(key Key, content, contentType, description string) (*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	newMD5 := md5Hex(content)
	item, exists := s.items[key]
	if exists && item.MD5 == newMD5 {
		// idempotent: matching md5 never bumps last_modified or history.
		return item, nil
	}

	now := s.nowFunc()
	if !exists {
		item = &Item{}
		s.items[key] = item
	} else {
		item.History = append(item.History, HistoryEntry{
			Value: item.Value, MD5: item.MD5, LastModified: item.LastModified,
		})
		if len(item.History) > s.historyLimit {
			item.History = item.History[len(item.History)-s.historyLimit:]
		}
	}
	item.Value = content
	item.MD5 = newMD5
	item.LastModified = now
	if contentType != "" {
		item.ContentType = contentType
	}
	if description != "" {
		item.Description = description
	}

	s.fireListenersLocked(key)
	return item, nil
}

func (s *Store) applyDelete(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	s.fireListenersLocked(key)
}

// Get reads the current value without going through raft (reads bypass
// the leader-route front door per the read path in the overview).
func (s *Store) Get(key Key) (Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[key]
	if !ok {
		return Item{}, false
	}
	return *item, true
}

// AddListener parks clientID on key until the stored md5 diverges from
// clientMD5 or deadline elapses; the returned channel receives at most
// one signal, either immediately (md5 already differs) or later from
// fireListenersLocked or SweepExpired, which the caller runs on a timer.
func (s *Store) AddListener(clientID string, key Key, clientMD5 string, deadline time.Time) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan struct{}, 1)
	item, ok := s.items[key]
	current := ""
	if ok {
		current = item.MD5
	}
	if current != clientMD5 {
		ch <- struct{}{}
		return ch
	}
	l := &listener{clientID: clientID, key: key, clientMD5: clientMD5, deadline: deadline, notify: ch}
	s.listeners[key] = append(s.listeners[key], l)
	return ch
}

// SweepExpired fires (empty, deadline-only) every listener whose
// deadline has passed; callers run this on a coarse timer.
func (s *Store) SweepExpired(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, ls := range s.listeners {
		var kept []*listener
		for _, l := range ls {
			if now.After(l.deadline) {
				select {
				case l.notify <- struct{}{}:
				default:
				}
				continue
			}
			kept = append(kept, l)
		}
		if len(kept) == 0 {
			delete(s.listeners, key)
		} else {
			s.listeners[key] = kept
		}
	}
}

// ListenerItem is one decoded entry from a Listening-Configs long-poll
// request body.
type ListenerItem struct {
	Key Key
	MD5 string
}

// DecodeListenerItems parses the Listening-Configs body format:
// dataId\x02group\x02md5[\x02tenant], repeated and separated by \x01.
func DecodeListenerItems(body string) []ListenerItem {
	var items []ListenerItem
	for _, raw := range strings.Split(body, "\x01") {
		if raw == "" {
			continue
		}
		parts := strings.Split(raw, "\x02")
		if len(parts) < 3 {
			continue
		}
		item := ListenerItem{Key: Key{DataID: parts[0], Group: parts[1]}, MD5: parts[2]}
		if len(parts) > 3 {
			item.Key.Tenant = NormaliseTenant(parts[3])
		}
		items = append(items, item)
	}
	return items
}

// BuildListenerKey renders key in the \x02-joined format the
// changed-key long-poll response reuses.
func BuildListenerKey(key Key) string {
	if key.Tenant != "" {
		return key.DataID + "\x02" + key.Group + "\x02" + key.Tenant
	}
	return key.DataID + "\x02" + key.Group
}

func (s *Store) fireListenersLocked(key Key) {
	ls := s.listeners[key]
	for _, l := range ls {
		select {
		case l.notify <- struct{}{}:
		default:
		}
	}
	delete(s.listeners, key)
}

// Reset, Snapshot and Restore implement raftfsm.StateMachine.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = map[Key]*Item{}
}

func (s *Store) Snapshot(sink raftfsm.ItemSink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, item := range s.items {
		value := encodeSetValue(item.Value, item.ContentType, item.Description)
		err := sink.Record(&wire.SnapshotItem{
			Tree:  string(raftfsm.TreeConfig),
			Key:   encodeKey(key),
			Value: value,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Restore(item *wire.SnapshotItem) error {
	key := decodeKey(item.Key)
	content, contentType, description := decodeSetValue(item.Value)
	_, err := s.applySet(key, content, contentType, description)
	return err
}

func (s *Store) RestoreComplete() error { return nil }
