// Package streammgr implements the bidirectional stream manager
// (component J): one entry per connected RPC client, a liveness
// detection loop layered over a push-capable connection, and a push
// API that drops the connection on send failure.
package streammgr

import (
	"context"
	"sync"
	"time"

	"github.com/nacos-go/nacosd/internal/wire"
)

// DetectionFrameType marks a server-initiated liveness probe; the
// client's next inbound frame of any kind serves as the ack.
const DetectionFrameType = "Detection"

// DefaultDetectionInterval matches instance_heartbeat_timeout_ms's
// sibling setting for stream liveness, kept independent so the two
// timeouts can be tuned separately.
const DefaultDetectionInterval = 15 * time.Second

// DefaultMaxMissedDetections is the number of consecutive detection
// windows a client may go silent before its stream is closed.
const DefaultMaxMissedDetections = 3

// Conn is the send half of a connected client's stream; the transport
// layer supplies the concrete implementation (a grpc server-stream
// wrapper in production, a channel in tests).
type Conn interface {
	Push(payload *wire.Payload) error
	Close()
}

type client struct {
	id               string
	conn             Conn
	metadata         map[string]string
	lastActiveMs     int64
	missedDetections int
}

// Manager tracks every connected client and drives the detection loop.
// OnClose, when set, is invoked (outside the manager's lock) whenever a
// client is deregistered, so naming can process the close per its own
// ephemeral-instance cleanup rule.
type Manager struct {
	mu                sync.Mutex
	clients           map[string]*client
	detectionInterval time.Duration
	maxMissed         int
	nowFunc           func() time.Time

	OnClose func(clientID string)
}

func NewManager() *Manager {
	return &Manager{
		clients:           map[string]*client{},
		detectionInterval: DefaultDetectionInterval,
		maxMissed:         DefaultMaxMissedDetections,
		nowFunc:           time.Now,
	}
}

func (m *Manager) nowMs() int64 { return m.nowFunc().UnixMilli() }

// Register adds a newly connected client.
func (m *Manager) Register(clientID string, conn Conn, metadata map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[clientID] = &client{
		id:           clientID,
		conn:         conn,
		metadata:     metadata,
		lastActiveMs: m.nowMs(),
	}
}

// Touch records an inbound frame from clientID, resetting its
// liveness window and clearing any accumulated missed-detection count.
func (m *Manager) Touch(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.clients[clientID]; ok {
		c.lastActiveMs = m.nowMs()
		c.missedDetections = 0
	}
}

// Deregister removes clientID, closing its connection and firing
// OnClose. Safe to call more than once for the same client.
func (m *Manager) Deregister(clientID string) {
	m.mu.Lock()
	c, ok := m.clients[clientID]
	if ok {
		delete(m.clients, clientID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	c.conn.Close()
	if m.OnClose != nil {
		m.OnClose(clientID)
	}
}

// Push sends payload to clientID, deregistering the client (and firing
// OnClose) if the send fails.
func (m *Manager) Push(clientID string, payload *wire.Payload) error {
	m.mu.Lock()
	c, ok := m.clients[clientID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if err := c.conn.Push(payload); err != nil {
		m.Deregister(clientID)
		return err
	}
	return nil
}

// Metadata returns the app_metadata recorded at Register time.
func (m *Manager) Metadata(clientID string) (map[string]string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[clientID]
	if !ok {
		return nil, false
	}
	return c.metadata, true
}

// Count reports the number of currently registered clients.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

func detectionFrame() *wire.Payload {
	return &wire.Payload{Metadata: &wire.Metadata{Type: DetectionFrameType}}
}

// runDetectionPass scans every client once: those idle for at least one
// detection_interval get a Detection frame pushed and their missed
// count bumped; a client that reaches maxMissed consecutive misses is
// closed. Returns the client ids closed this pass so callers (tests)
// can assert on them without relying on OnClose ordering.
func (m *Manager) runDetectionPass() []string {
	now := m.nowMs()
	interval := m.detectionInterval.Milliseconds()

	type probe struct {
		id   string
		conn Conn
	}
	var toProbe []probe
	var toClose []string

	m.mu.Lock()
	for id, c := range m.clients {
		if now-c.lastActiveMs < interval {
			continue
		}
		c.missedDetections++
		if c.missedDetections >= m.maxMissed {
			toClose = append(toClose, id)
			continue
		}
		toProbe = append(toProbe, probe{id: id, conn: c.conn})
	}
	m.mu.Unlock()

	for _, p := range toProbe {
		if err := p.conn.Push(detectionFrame()); err != nil {
			toClose = append(toClose, p.id)
		}
	}
	for _, id := range toClose {
		m.Deregister(id)
	}
	return toClose
}

// RunDetectionLoop drives the scheduled detection pass until ctx is
// cancelled; run it once per node, not once per client.
func (m *Manager) RunDetectionLoop(ctx context.Context) {
	ticker := time.NewTicker(m.detectionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runDetectionPass()
		}
	}
}
