package namingsm

import (
	"testing"
	"time"

	"github.com/nacos-go/nacosd/internal/wire"
	"github.com/stretchr/testify/require"
)

type recorder struct{ items []*wire.SnapshotItem }

func (r *recorder) Record(item *wire.SnapshotItem) error {
	r.items = append(r.items, item)
	return nil
}

func testKey() ServiceKey { return ServiceKey{Namespace: "", Group: "DEFAULT_GROUP", Service: "foo"} }

func TestRegisterAndQuery(t *testing.T) {
	s := New()
	inst := &Instance{IP: "127.0.0.1", Port: 8080, Weight: 1, Ephemeral: true}
	_, err := s.Apply(NewRegisterCommand(testKey(), inst))
	require.NoError(t, err)

	info := s.Query(testKey(), nil, false)
	require.Len(t, info.Instances, 1)
	require.True(t, info.Instances[0].Healthy)
}

func TestHeartbeatKeepsInstanceHealthy(t *testing.T) {
	s := New()
	inst := &Instance{IP: "127.0.0.1", Port: 8080, Ephemeral: true}
	_, err := s.Apply(NewRegisterCommand(testKey(), inst))
	require.NoError(t, err)
	id := InstanceID("127.0.0.1", 8080, "")

	_, err = s.Apply(NewHeartbeatCommand(testKey(), id))
	require.NoError(t, err)

	info := s.Query(testKey(), nil, true)
	require.Len(t, info.Instances, 1)
}

func TestHeartbeatTimeoutMarksUnhealthyThenDeletes(t *testing.T) {
	s := New()
	base := time.Unix(1000, 0)
	s.nowFunc = func() time.Time { return base }
	inst := &Instance{IP: "127.0.0.1", Port: 8080, Ephemeral: true}
	_, err := s.Apply(NewRegisterCommand(testKey(), inst))
	require.NoError(t, err)

	cmds := s.DueTimeouts(base.Add(s.heartbeatTTL + time.Millisecond))
	require.Len(t, cmds, 1)
	_, err = s.Apply(cmds[0])
	require.NoError(t, err)

	info := s.Query(testKey(), nil, false)
	require.Len(t, info.Instances, 1)
	require.False(t, info.Instances[0].Healthy)

	cmds = s.DueTimeouts(base.Add(s.heartbeatTTL + s.deleteTTL + time.Millisecond))
	require.Len(t, cmds, 1)
	_, err = s.Apply(cmds[0])
	require.NoError(t, err)

	info = s.Query(testKey(), nil, false)
	require.Empty(t, info.Instances)
}

func TestDeregister(t *testing.T) {
	s := New()
	inst := &Instance{IP: "127.0.0.1", Port: 8080}
	_, err := s.Apply(NewRegisterCommand(testKey(), inst))
	require.NoError(t, err)
	id := InstanceID("127.0.0.1", 8080, "")

	_, err = s.Apply(NewDeregisterCommand(testKey(), id))
	require.NoError(t, err)

	info := s.Query(testKey(), nil, false)
	require.Empty(t, info.Instances)
}

func TestSubscribeFanOut(t *testing.T) {
	s := New()
	var got Delta
	s.Subscribe(testKey(), "sub-1", func(d Delta) error { got = d; return nil })

	inst := &Instance{IP: "127.0.0.1", Port: 8080}
	_, err := s.Apply(NewRegisterCommand(testKey(), inst))
	require.NoError(t, err)

	require.Len(t, got.Added, 1)
	require.Len(t, got.Complete, 1)
}

func TestSnapshotSkipsEphemeral(t *testing.T) {
	s := New()
	persistent := &Instance{IP: "10.0.0.1", Port: 80, Ephemeral: false}
	ephemeral := &Instance{IP: "10.0.0.2", Port: 81, Ephemeral: true}
	_, err := s.Apply(NewRegisterCommand(testKey(), persistent))
	require.NoError(t, err)
	_, err = s.Apply(NewRegisterCommand(testKey(), ephemeral))
	require.NoError(t, err)

	rec := &recorder{}
	require.NoError(t, s.Snapshot(rec))
	require.Len(t, rec.items, 1)
}
