package configsm

import (
	"testing"
	"time"

	"github.com/nacos-go/nacosd/internal/raftfsm"
	"github.com/nacos-go/nacosd/internal/wire"
	"github.com/stretchr/testify/require"
)

type recorder struct{ items []*wire.SnapshotItem }

func (r *recorder) Record(item *wire.SnapshotItem) error {
	r.items = append(r.items, item)
	return nil
}

func testKey() Key { return Key{DataID: "a", Group: "g", Tenant: ""} }

func TestApplySetAndGet(t *testing.T) {
	s := New()
	_, err := s.Apply(&raftfsm.Command{
		Kind:  raftfsm.PayloadConfigWrite,
		Key:   encodeKey(testKey()),
		Value: encodeSetValue("v1", "text", "first"),
	})
	require.NoError(t, err)

	item, ok := s.Get(testKey())
	require.True(t, ok)
	require.Equal(t, "v1", item.Value)
	require.Equal(t, md5Hex("v1"), item.MD5)
}

func TestSetIdempotentOnEqualMD5(t *testing.T) {
	s := New()
	var tick int64
	s.nowFunc = func() int64 { tick++; return tick }

	_, err := s.Apply(&raftfsm.Command{Kind: raftfsm.PayloadConfigWrite, Key: encodeKey(testKey()), Value: encodeSetValue("v1", "", "")})
	require.NoError(t, err)
	first, _ := s.Get(testKey())

	_, err = s.Apply(&raftfsm.Command{Kind: raftfsm.PayloadConfigWrite, Key: encodeKey(testKey()), Value: encodeSetValue("v1", "", "")})
	require.NoError(t, err)
	second, _ := s.Get(testKey())

	require.Equal(t, first.LastModified, second.LastModified)
	require.Empty(t, second.History)
}

func TestHistoryBoundedness(t *testing.T) {
	s := New()
	s.historyLimit = 3
	for i := 0; i < 5; i++ {
		_, err := s.Apply(&raftfsm.Command{
			Kind: raftfsm.PayloadConfigWrite, Key: encodeKey(testKey()),
			Value: encodeSetValue(string(rune('a'+i)), "", ""),
		})
		require.NoError(t, err)
	}
	item, ok := s.Get(testKey())
	require.True(t, ok)
	require.Len(t, item.History, 3)
	// writes were a,b,c,d,e (5 writes); history holds the 3 most recent
	// prior values b,c,d, so the oldest surviving entry is the 2nd write.
	require.Equal(t, "b", item.History[0].Value)
	require.Equal(t, "d", item.History[2].Value)
}

func TestDeleteRemovesEntry(t *testing.T) {
	s := New()
	_, err := s.Apply(&raftfsm.Command{Kind: raftfsm.PayloadConfigWrite, Key: encodeKey(testKey()), Value: encodeSetValue("v1", "", "")})
	require.NoError(t, err)

	_, err = s.Apply(&raftfsm.Command{Kind: raftfsm.PayloadConfigDelete, Key: encodeKey(testKey())})
	require.NoError(t, err)

	_, ok := s.Get(testKey())
	require.False(t, ok)
}

func TestAddListenerFiresImmediatelyOnStaleMD5(t *testing.T) {
	s := New()
	_, err := s.Apply(&raftfsm.Command{Kind: raftfsm.PayloadConfigWrite, Key: encodeKey(testKey()), Value: encodeSetValue("v1", "", "")})
	require.NoError(t, err)

	ch := s.AddListener("client-1", testKey(), "stale-md5", time.Now().Add(time.Minute))
	select {
	case <-ch:
	default:
		t.Fatal("expected immediate fire on stale md5")
	}
}

func TestAddListenerFiresOnChange(t *testing.T) {
	s := New()
	ch := s.AddListener("client-1", testKey(), "", time.Now().Add(time.Minute))

	_, err := s.Apply(&raftfsm.Command{Kind: raftfsm.PayloadConfigWrite, Key: encodeKey(testKey()), Value: encodeSetValue("v1", "", "")})
	require.NoError(t, err)

	select {
	case <-ch:
	default:
		t.Fatal("expected fire after write")
	}
}

func TestSweepExpiredFiresAndDrops(t *testing.T) {
	s := New()
	past := time.Now().Add(-time.Second)
	ch := s.AddListener("client-1", testKey(), "", past)
	s.SweepExpired(time.Now())

	select {
	case <-ch:
	default:
		t.Fatal("expected expiry fire")
	}
	require.Empty(t, s.listeners)
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	s := New()
	_, err := s.Apply(&raftfsm.Command{Kind: raftfsm.PayloadConfigWrite, Key: encodeKey(testKey()), Value: encodeSetValue("v1", "text", "d")})
	require.NoError(t, err)

	rec := &recorder{}
	err = s.Snapshot(rec)
	require.NoError(t, err)
	require.Len(t, rec.items, 1)

	fresh := New()
	fresh.Reset()
	for _, it := range rec.items {
		require.NoError(t, fresh.Restore(it))
	}
	require.NoError(t, fresh.RestoreComplete())

	got, ok := fresh.Get(testKey())
	require.True(t, ok)
	require.Equal(t, "v1", got.Value)
}
