package logstore

import (
	"os"
	"testing"

	"github.com/nacos-go/nacosd/internal/wire"
	"github.com/stretchr/testify/require"
)

func TestLog(t *testing.T) {
	table := map[string]func(t *testing.T, l *Log){
		"append and read record":      testAppendRead,
		"out of range error":          testOutOfRangeErr,
		"init with existing segments": testInitExisting,
		"truncate from":               testTruncateFrom,
		"split off reclaims segments": testSplitOff,
	}
	for scenario, fn := range table {
		t.Run(scenario, func(t *testing.T) {
			dir, err := os.MkdirTemp("", "logstore-test")
			require.NoError(t, err)
			defer os.RemoveAll(dir)

			cfg := Config{MaxSegmentDataBytes: 256, IndexInterval: 2}
			l, err := Open(dir, cfg)
			require.NoError(t, err)
			fn(t, l)
		})
	}
}

func testAppendRead(t *testing.T, l *Log) {
	rec := &wire.LogRecord{Tree: "config", Value: []byte("hello world")}
	idx, err := l.Append(rec)
	require.NoError(t, err)
	require.Equal(t, uint64(0), idx)

	read, err := l.Read(idx)
	require.NoError(t, err)
	require.Equal(t, rec.Value, read.Value)
}

func testOutOfRangeErr(t *testing.T, l *Log) {
	_, err := l.Read(5)
	require.Error(t, err)
}

func testInitExisting(t *testing.T, l *Log) {
	rec := &wire.LogRecord{Tree: "config", Value: []byte("v")}
	for i := 0; i < 5; i++ {
		_, err := l.Append(rec)
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())

	n, err := Open(l.Dir, l.Config)
	require.NoError(t, err)

	last, _ := n.LastIndexTerm()
	require.Equal(t, uint64(4), last)

	read, err := n.Read(0)
	require.NoError(t, err)
	require.Equal(t, rec.Value, read.Value)
}

func testTruncateFrom(t *testing.T, l *Log) {
	rec := &wire.LogRecord{Tree: "naming", Value: []byte("v")}
	for i := 0; i < 5; i++ {
		_, err := l.Append(rec)
		require.NoError(t, err)
	}
	require.NoError(t, l.TruncateFrom(3))

	_, err := l.Read(3)
	require.Error(t, err)
	_, err = l.Read(2)
	require.NoError(t, err)
}

func testSplitOff(t *testing.T, l *Log) {
	rec := &wire.LogRecord{Tree: "config", Value: []byte("this is a reasonably long value to fill a segment")}
	var lastIdx uint64
	for i := 0; i < 20; i++ {
		idx, err := l.Append(rec)
		require.NoError(t, err)
		lastIdx = idx
	}
	require.Greater(t, len(l.segments), 1)

	require.NoError(t, l.SplitOff(lastIdx))
	require.Equal(t, lastIdx, l.FirstIndex())
	_, err := l.Read(0)
	require.Error(t, err)
}
