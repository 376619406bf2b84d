package tablesm

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

func TestTablePutGetDelete(t *testing.T) {
	tbl := NewTable()
	_, err := tbl.Apply(NewPutCommand("t1", "k1", []byte("v1")))
	require.NoError(t, err)

	v, ok := tbl.Get("t1", "k1")
	require.True(t, ok)
	require.Equal(t, "v1", string(v))

	_, err = tbl.Apply(NewDeleteCommand("t1", "k1"))
	require.NoError(t, err)
	_, ok = tbl.Get("t1", "k1")
	require.False(t, ok)
}

func TestTableSnapshotRoundTrip(t *testing.T) {
	tbl := NewTable()
	_, err := tbl.Apply(NewPutCommand("t1", "k1", []byte("v1")))
	require.NoError(t, err)

	rec := &recorder{}
	require.NoError(t, tbl.Snapshot(rec))
	require.Len(t, rec.items, 1)

	fresh := NewTable()
	for _, item := range rec.items {
		require.NoError(t, fresh.Restore(item))
	}
	v, ok := fresh.Get("t1", "k1")
	require.True(t, ok)
	require.Equal(t, "v1", string(v))
}

func TestSequenceNextRangeAdvances(t *testing.T) {
	seq := NewSequence()
	resp, err := seq.Apply(NewNextRangeCommand("ids", 100))
	require.NoError(t, err)
	rng := resp.(Range)
	require.Equal(t, Range{Start: 0, End: 100}, rng)

	resp, err = seq.Apply(NewNextRangeCommand("ids", 100))
	require.NoError(t, err)
	rng = resp.(Range)
	require.Equal(t, Range{Start: 100, End: 200}, rng)
}

func TestLocalAllocatorBatches(t *testing.T) {
	seq := NewSequence()
	alloc := NewLocalAllocator("ids", 10, seq.Apply)

	seen := map[uint64]bool{}
	for i := 0; i < 25; i++ {
		id, err := alloc.NextID()
		require.NoError(t, err)
		require.False(t, seen[id], "id %d allocated twice", id)
		seen[id] = true
	}
	require.Len(t, seen, 25)
}

func TestCacheTTLExpiry(t *testing.T) {
	c := NewCache()
	now := time.Now()
	c.nowFunc = func() time.Time { return now }
	c.Set("k", []byte("v"), time.Second)

	v, ok := c.Get("k")
	require.True(t, ok)
	require.Equal(t, "v", string(v))

	now = now.Add(2 * time.Second)
	_, ok = c.Get("k")
	require.False(t, ok)
}

func TestRateLimiterAllowsUpToLimit(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	require.True(t, rl.Allow("subject"))
	require.True(t, rl.Allow("subject"))
	require.False(t, rl.Allow("subject"))
}
