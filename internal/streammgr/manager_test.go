package streammgr

import (
	"errors"
	"testing"
	"time"

	"github.com/nacos-go/nacosd/internal/wire"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	pushed  []*wire.Payload
	failing bool
	closed  bool
}

func (c *fakeConn) Push(p *wire.Payload) error {
	if c.failing {
		return errors.New("send failed")
	}
	c.pushed = append(c.pushed, p)
	return nil
}

func (c *fakeConn) Close() { c.closed = true }

func TestRegisterAndTouch(t *testing.T) {
	m := NewManager()
	now := time.Now()
	m.nowFunc = func() time.Time { return now }

	conn := &fakeConn{}
	m.Register("c1", conn, map[string]string{"app": "demo"})
	require.Equal(t, 1, m.Count())

	md, ok := m.Metadata("c1")
	require.True(t, ok)
	require.Equal(t, "demo", md["app"])

	now = now.Add(5 * time.Second)
	m.Touch("c1")
	m.mu.Lock()
	lastActive := m.clients["c1"].lastActiveMs
	m.mu.Unlock()
	require.Equal(t, now.UnixMilli(), lastActive)
}

func TestPushDropsConnectionOnFailure(t *testing.T) {
	m := NewManager()
	conn := &fakeConn{failing: true}
	m.Register("c1", conn, nil)

	closed := make(chan string, 1)
	m.OnClose = func(id string) { closed <- id }

	err := m.Push("c1", &wire.Payload{})
	require.Error(t, err)
	require.Equal(t, 0, m.Count())
	require.True(t, conn.closed)

	select {
	case id := <-closed:
		require.Equal(t, "c1", id)
	default:
		t.Fatal("expected OnClose to fire")
	}
}

func TestDetectionPassProbesIdleClients(t *testing.T) {
	m := NewManager()
	m.detectionInterval = 10 * time.Second
	now := time.Now()
	m.nowFunc = func() time.Time { return now }

	conn := &fakeConn{}
	m.Register("c1", conn, nil)

	now = now.Add(11 * time.Second)
	closed := m.runDetectionPass()
	require.Empty(t, closed)
	require.Len(t, conn.pushed, 1)
	require.Equal(t, DetectionFrameType, conn.pushed[0].Metadata.Type)
}

func TestThreeMissedDetectionsClosesStream(t *testing.T) {
	m := NewManager()
	m.detectionInterval = 10 * time.Second
	now := time.Now()
	m.nowFunc = func() time.Time { return now }

	conn := &fakeConn{}
	m.Register("c1", conn, nil)

	var closedIDs []string
	m.OnClose = func(id string) { closedIDs = append(closedIDs, id) }

	for i := 0; i < 3; i++ {
		now = now.Add(11 * time.Second)
		m.runDetectionPass()
	}

	require.Equal(t, 0, m.Count())
	require.Equal(t, []string{"c1"}, closedIDs)
	require.True(t, conn.closed)
}

func TestInboundTrafficResetsMissedCount(t *testing.T) {
	m := NewManager()
	m.detectionInterval = 10 * time.Second
	now := time.Now()
	m.nowFunc = func() time.Time { return now }

	conn := &fakeConn{}
	m.Register("c1", conn, nil)

	now = now.Add(11 * time.Second)
	m.runDetectionPass()
	m.mu.Lock()
	require.Equal(t, 1, m.clients["c1"].missedDetections)
	m.mu.Unlock()

	// an inbound frame (the ack) resets the counter
	m.Touch("c1")
	m.mu.Lock()
	require.Equal(t, 0, m.clients["c1"].missedDetections)
	m.mu.Unlock()
	require.Equal(t, 1, m.Count())
}
