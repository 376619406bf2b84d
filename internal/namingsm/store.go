// Package namingsm implements the Naming State Machine (component H):
// a namespace/group/service/instance map with heartbeat-driven health
// transitions and subscriber fan-out, grounded on r-nacos's
// src/naming/core.rs service/instance model and adapted to the
// teacher's mutex-guarded map idiom.
package namingsm

import (
	"container/heap"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nacos-go/nacosd/internal/raftfsm"
	"github.com/nacos-go/nacosd/internal/wire"
)

// DefaultHeartbeatTimeout and DefaultDeleteTimeout mirror
// instance_heartbeat_timeout_ms/instance_ip_delete_timeout_ms.
const (
	DefaultHeartbeatTimeout = 15 * time.Second
	DefaultDeleteTimeout    = 30 * time.Second
)

type ServiceKey struct {
	Namespace string
	Group     string
	Service   string
}

func (k ServiceKey) String() string { return k.Namespace + "\x02" + k.Group + "\x02" + k.Service }

func decodeServiceKey(b []byte) ServiceKey {
	p := strings.SplitN(string(b), "\x02", 3)
	k := ServiceKey{}
	if len(p) > 0 {
		k.Namespace = p[0]
	}
	if len(p) > 1 {
		k.Group = p[1]
	}
	if len(p) > 2 {
		k.Service = p[2]
	}
	return k
}

// Instance is one registered service instance.
type Instance struct {
	InstanceID     string
	IP             string
	Port           int
	Weight         float64
	Healthy        bool
	Enabled        bool
	Ephemeral      bool
	FromGRPC       bool
	ClusterName    string
	Metadata       map[string]string
	LastModifiedMs int64
	OwningClientID string
}

// InstanceID derives the stable instance identity beat and registration
// requests that omit an explicit id must agree on.
func InstanceID(ip string, port int, cluster string) string {
	sum := sha1.Sum([]byte(fmt.Sprintf("%s:%d:%s", ip, port, cluster)))
	return hex.EncodeToString(sum[:8])
}

// Service groups the instances registered under one ServiceKey.
type Service struct {
	Instances           map[string]*Instance
	ProtectionThreshold float64
	Metadata            map[string]string
}

func newService() *Service {
	return &Service{Instances: map[string]*Instance{}, Metadata: map[string]string{}}
}

// ServiceInfo is the read-side projection returned by Query.
type ServiceInfo struct {
	Key       ServiceKey
	Instances []*Instance
}

// Delta is what Subscribe fan-out delivers on every change.
type Delta struct {
	Key      ServiceKey
	Added    []*Instance
	Removed  []*Instance
	Complete []*Instance
}

type subscriber struct {
	id   string
	sink func(Delta) error
}

// timeoutEntry is one pending heartbeat/delete deadline in the priority
// queue driving health transitions (spec 4.H timers).
type timeoutEntry struct {
	deadline   time.Time
	key        ServiceKey
	instanceID string
	kind       byte
	index      int
}

const (
	timeoutHealthCheck byte = 1
	timeoutDelete      byte = 2
)

type timeoutQueue []*timeoutEntry

func (q timeoutQueue) Len() int { return len(q) }
func (q timeoutQueue) Less(i, j int) bool {
	if q[i].deadline.Equal(q[j].deadline) {
		if q[i].key.String() != q[j].key.String() {
			return q[i].key.String() < q[j].key.String()
		}
		return q[i].instanceID < q[j].instanceID
	}
	return q[i].deadline.Before(q[j].deadline)
}
func (q timeoutQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index, q[j].index = i, j
}
func (q *timeoutQueue) Push(x interface{}) {
	e := x.(*timeoutEntry)
	e.index = len(*q)
	*q = append(*q, e)
}
func (q *timeoutQueue) Pop() interface{} {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return e
}

// Store is the Naming State Machine.
type Store struct {
	mu sync.Mutex

	services    map[ServiceKey]*Service
	subscribers map[ServiceKey][]*subscriber

	timeouts      timeoutQueue
	pending       map[string]*timeoutEntry // instanceID#kind -> entry, for cancellation
	nowFunc       func() time.Time
	heartbeatTTL  time.Duration
	deleteTTL     time.Duration
}

var _ raftfsm.StateMachine = (*Store)(nil)

func New() *Store {
	return &Store{
		services:     map[ServiceKey]*Service{},
		subscribers:  map[ServiceKey][]*subscriber{},
		pending:      map[string]*timeoutEntry{},
		nowFunc:      time.Now,
		heartbeatTTL: DefaultHeartbeatTimeout,
		deleteTTL:    DefaultDeleteTimeout,
	}
}

func (s *Store) Tree() raftfsm.Tree { return raftfsm.TreeNaming }

const (
	opRegister      byte = 1
	opDeregister    byte = 2
	opHeartbeat     byte = 3
	opHealthTimeout byte = 4
	opDeleteTimeout byte = 5
)

// Apply dispatches a committed NamingOp command.
func (s *Store) Apply(cmd *raftfsm.Command) (interface{}, error) {
	if len(cmd.Value) == 0 {
		return nil, fmt.Errorf("namingsm: empty command value")
	}
	key := decodeServiceKey(cmd.Key)
	subop := cmd.Value[0]
	body := cmd.Value[1:]
	switch subop {
	case opRegister:
		inst, err := decodeInstance(body)
		if err != nil {
			return nil, err
		}
		return s.applyRegister(key, inst)
	case opDeregister:
		return nil, s.applyDeregister(key, string(body))
	case opHeartbeat:
		return nil, s.applyHeartbeat(key, string(body))
	case opHealthTimeout:
		return nil, s.applyHealthTimeout(key, string(body))
	case opDeleteTimeout:
		return nil, s.applyDeleteTimeout(key, string(body))
	default:
		return nil, fmt.Errorf("namingsm: unknown subop %d", subop)
	}
}

func (s *Store) applyRegister(key ServiceKey, inst *Instance) (*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	svc, ok := s.services[key]
	if !ok {
		svc = newService()
		s.services[key] = svc
	}
	if inst.InstanceID == "" {
		inst.InstanceID = InstanceID(inst.IP, inst.Port, inst.ClusterName)
	}
	inst.Healthy = true
	inst.Enabled = true
	inst.LastModifiedMs = s.nowFunc().UnixMilli()
	svc.Instances[inst.InstanceID] = inst

	if inst.Ephemeral {
		s.scheduleLocked(key, inst.InstanceID, timeoutHealthCheck, s.nowFunc().Add(s.heartbeatTTL))
	}
	s.fanOutLocked(key, svc, []*Instance{inst}, nil)
	return inst, nil
}

func (s *Store) applyDeregister(key ServiceKey, instID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	svc, ok := s.services[key]
	if !ok {
		return nil
	}
	inst, ok := svc.Instances[instID]
	if !ok {
		return nil
	}
	delete(svc.Instances, instID)
	s.cancelLocked(instID)
	s.fanOutLocked(key, svc, nil, []*Instance{inst})
	return nil
}

// Heartbeat tie-break rule: a heartbeat arriving at the same instant as
// a scheduled timeout wins, which falls out naturally here since the
// heartbeat handler always reschedules forward from now().
func (s *Store) applyHeartbeat(key ServiceKey, instID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	svc, ok := s.services[key]
	if !ok {
		return fmt.Errorf("namingsm: heartbeat for unknown service %s", key)
	}
	inst, ok := svc.Instances[instID]
	if !ok {
		return fmt.Errorf("namingsm: heartbeat for unknown instance %s", instID)
	}
	wasUnhealthy := !inst.Healthy
	inst.Healthy = true
	inst.LastModifiedMs = s.nowFunc().UnixMilli()
	s.cancelLocked(instID)
	s.scheduleLocked(key, instID, timeoutHealthCheck, s.nowFunc().Add(s.heartbeatTTL))
	if wasUnhealthy {
		s.fanOutLocked(key, svc, nil, nil)
	}
	return nil
}

func (s *Store) applyHealthTimeout(key ServiceKey, instID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	svc, ok := s.services[key]
	if !ok {
		return nil
	}
	inst, ok := svc.Instances[instID]
	if !ok {
		return nil
	}
	inst.Healthy = false
	if inst.Ephemeral {
		s.scheduleLocked(key, instID, timeoutDelete, s.nowFunc().Add(s.deleteTTL))
	}
	s.fanOutLocked(key, svc, nil, nil)
	return nil
}

func (s *Store) applyDeleteTimeout(key ServiceKey, instID string) error {
	return s.applyDeregister(key, instID)
}

// OnStreamClosed reports the service key and id of every ephemeral
// instance registered over gRPC by owningClientID (the from_grpc
// lifetime-binding invariant). It only reads: no instance is marked
// unhealthy or removed, and no health or delete timeout is scheduled.
func (s *Store) OnStreamClosed(owningClientID string) []struct {
	Key ServiceKey
	ID  string
} {
	s.mu.Lock()
	defer s.mu.Unlock()
	var affected []struct {
		Key ServiceKey
		ID  string
	}
	for key, svc := range s.services {
		for id, inst := range svc.Instances {
			if inst.Ephemeral && inst.FromGRPC && inst.OwningClientID == owningClientID {
				affected = append(affected, struct {
					Key ServiceKey
					ID  string
				}{key, id})
			}
		}
	}
	return affected
}

func (s *Store) scheduleLocked(key ServiceKey, instID string, kind byte, deadline time.Time) {
	e := &timeoutEntry{deadline: deadline, key: key, instanceID: instID, kind: kind}
	heap.Push(&s.timeouts, e)
	s.pending[instID] = e
}

func (s *Store) cancelLocked(instID string) {
	e, ok := s.pending[instID]
	if !ok {
		return
	}
	delete(s.pending, instID)
	if e.index >= 0 && e.index < len(s.timeouts) {
		heap.Remove(&s.timeouts, e.index)
	}
}

// DueTimeouts pops every timer entry whose deadline has passed,
// returning the NamingOp commands an external driver (run on the
// leader only) should Apply through raft to keep the transition
// replicated and ordered like any other mutation.
func (s *Store) DueTimeouts(now time.Time) []*raftfsm.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cmds []*raftfsm.Command
	for len(s.timeouts) > 0 && !s.timeouts[0].deadline.After(now) {
		e := heap.Pop(&s.timeouts).(*timeoutEntry)
		delete(s.pending, e.instanceID)
		subop := opHealthTimeout
		if e.kind == timeoutDelete {
			subop = opDeleteTimeout
		}
		cmds = append(cmds, &raftfsm.Command{
			Kind:  raftfsm.PayloadNamingOp,
			Key:   []byte(e.key.String()),
			Value: append([]byte{subop}, []byte(e.instanceID)...),
		})
	}
	return cmds
}

// Query returns the current instance list for key, optionally filtered
// by cluster names and healthy-only.
func (s *Store) Query(key ServiceKey, clusters []string, healthyOnly bool) ServiceInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	svc, ok := s.services[key]
	if !ok {
		return ServiceInfo{Key: key}
	}
	clusterSet := map[string]bool{}
	for _, c := range clusters {
		clusterSet[c] = true
	}
	var out []*Instance
	for _, inst := range svc.Instances {
		if len(clusterSet) > 0 && !clusterSet[inst.ClusterName] {
			continue
		}
		if healthyOnly && !inst.Healthy {
			continue
		}
		cp := *inst
		out = append(out, &cp)
	}
	return ServiceInfo{Key: key, Instances: out}
}

func (s *Store) Subscribe(key ServiceKey, id string, sink func(Delta) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers[key] = append(s.subscribers[key], &subscriber{id: id, sink: sink})
}

func (s *Store) Unsubscribe(key ServiceKey, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := s.subscribers[key]
	var kept []*subscriber
	for _, sub := range subs {
		if sub.id != id {
			kept = append(kept, sub)
		}
	}
	if len(kept) == 0 {
		delete(s.subscribers, key)
	} else {
		s.subscribers[key] = kept
	}
}

// fanOutLocked delivers a delta to every subscriber of key; a sink
// returning an error is treated as closed and dropped silently (spec:
// subscriber-sink errors never propagate).
func (s *Store) fanOutLocked(key ServiceKey, svc *Service, added, removed []*Instance) {
	subs := s.subscribers[key]
	if len(subs) == 0 {
		return
	}
	var complete []*Instance
	for _, inst := range svc.Instances {
		cp := *inst
		complete = append(complete, &cp)
	}
	delta := Delta{Key: key, Added: added, Removed: removed, Complete: complete}
	var kept []*subscriber
	for _, sub := range subs {
		if err := sub.sink(delta); err != nil {
			continue
		}
		kept = append(kept, sub)
	}
	if len(kept) == 0 {
		delete(s.subscribers, key)
	} else {
		s.subscribers[key] = kept
	}
}

func encodeInstance(inst *Instance) []byte {
	var meta []string
	for k, v := range inst.Metadata {
		meta = append(meta, k+"\x05"+v)
	}
	flags := 0
	if inst.Ephemeral {
		flags |= 1
	}
	if inst.FromGRPC {
		flags |= 2
	}
	fields := []string{
		inst.InstanceID, inst.IP, strconv.Itoa(inst.Port),
		strconv.FormatFloat(inst.Weight, 'f', -1, 64),
		strconv.Itoa(flags), inst.ClusterName, inst.OwningClientID,
		strings.Join(meta, "\x04"),
	}
	return []byte(strings.Join(fields, "\x02"))
}

func decodeInstance(b []byte) (*Instance, error) {
	parts := strings.Split(string(b), "\x02")
	if len(parts) < 8 {
		return nil, fmt.Errorf("namingsm: malformed instance payload")
	}
	port, err := strconv.Atoi(parts[2])
	if err != nil {
		return nil, err
	}
	weight, err := strconv.ParseFloat(parts[3], 64)
	if err != nil {
		return nil, err
	}
	flags, err := strconv.Atoi(parts[4])
	if err != nil {
		return nil, err
	}
	inst := &Instance{
		InstanceID:     parts[0],
		IP:             parts[1],
		Port:           port,
		Weight:         weight,
		Ephemeral:      flags&1 != 0,
		FromGRPC:       flags&2 != 0,
		ClusterName:    parts[5],
		OwningClientID: parts[6],
		Metadata:       map[string]string{},
	}
	if parts[7] != "" {
		for _, kv := range strings.Split(parts[7], "\x04") {
			p := strings.SplitN(kv, "\x05", 2)
			if len(p) == 2 {
				inst.Metadata[p[0]] = p[1]
			}
		}
	}
	return inst, nil
}

// NewRegisterCommand builds the raft command for Register, for callers
// (the transport layer) that need to submit it through raftfsm.Node.
func NewRegisterCommand(key ServiceKey, inst *Instance) *raftfsm.Command {
	return &raftfsm.Command{
		Kind:  raftfsm.PayloadNamingOp,
		Key:   []byte(key.String()),
		Value: append([]byte{opRegister}, encodeInstance(inst)...),
	}
}

func NewDeregisterCommand(key ServiceKey, instanceID string) *raftfsm.Command {
	return &raftfsm.Command{
		Kind:  raftfsm.PayloadNamingOp,
		Key:   []byte(key.String()),
		Value: append([]byte{opDeregister}, []byte(instanceID)...),
	}
}

func NewHeartbeatCommand(key ServiceKey, instanceID string) *raftfsm.Command {
	return &raftfsm.Command{
		Kind:  raftfsm.PayloadNamingOp,
		Key:   []byte(key.String()),
		Value: append([]byte{opHeartbeat}, []byte(instanceID)...),
	}
}

// Reset, Snapshot, Restore implement raftfsm.StateMachine.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services = map[ServiceKey]*Service{}
	s.timeouts = nil
	s.pending = map[string]*timeoutEntry{}
}

func (s *Store) Snapshot(sink raftfsm.ItemSink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, svc := range s.services {
		for _, inst := range svc.Instances {
			if inst.Ephemeral {
				// ephemeral instances are not durable across a
				// cluster-wide restart (explicit non-goal); only
				// persistent instances survive into a snapshot.
				continue
			}
			err := sink.Record(&wire.SnapshotItem{
				Tree:  string(raftfsm.TreeNaming),
				Key:   []byte(key.String()),
				Value: encodeInstance(inst),
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Store) Restore(item *wire.SnapshotItem) error {
	key := decodeServiceKey(item.Key)
	inst, err := decodeInstance(item.Value)
	if err != nil {
		return err
	}
	_, err = s.applyRegister(key, inst)
	return err
}

func (s *Store) RestoreComplete() error { return nil }
