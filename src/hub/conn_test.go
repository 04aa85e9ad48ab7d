package hub

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/orchestra-mcp/realtime/src/protocol"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// mockConn implements types.Conn for testing without a real WebSocket.
type mockConn struct {
	mu        sync.Mutex
	written   [][]byte
	closeCode int
	readCh    chan []byte
	closed    bool
	closedCh  chan struct{}
}

func newMockConn() *mockConn {
	return &mockConn{
		readCh:   make(chan []byte, 16),
		closedCh: make(chan struct{}),
	}
}

func (m *mockConn) ReadMessage() ([]byte, error) {
	select {
	case frame := <-m.readCh:
		return frame, nil
	case <-m.closedCh:
		return nil, errors.New("connection closed")
	}
}

func (m *mockConn) WriteMessage(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.written = append(m.written, data)
	return nil
}

func (m *mockConn) WriteClose(code int, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCode = code
	return nil
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.closedCh)
	}
	return nil
}

func (m *mockConn) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mockConn) getCloseCode() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeCode
}

func (m *mockConn) getWritten() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([][]byte, len(m.written))
	copy(cp, m.written)
	return cp
}

// sendJSON feeds a raw protocol frame to the client's read pump.
func (m *mockConn) sendJSON(t *testing.T, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	m.readCh <- b
}

// frames returns every raw frame written so far with the given event.
func (m *mockConn) frames(event string) []map[string]any {
	var out []map[string]any
	for _, w := range m.getWritten() {
		var f map[string]any
		if json.Unmarshal(w, &f) != nil {
			continue
		}
		if f["event"] == event {
			out = append(out, f)
		}
	}
	return out
}

// waitFrame blocks until a frame with event arrives and returns it.
func (m *mockConn) waitFrame(t *testing.T, event string) map[string]any {
	t.Helper()
	var got map[string]any
	require.Eventually(t, func() bool {
		fs := m.frames(event)
		if len(fs) == 0 {
			return false
		}
		got = fs[len(fs)-1]
		return true
	}, time.Second, 5*time.Millisecond, "no %q frame", event)
	return got
}

// newTestHub creates a hub and starts its event loop in a goroutine.
func newTestHub(t *testing.T, opts Options) *Hub {
	t.Helper()
	h := New(0, opts, zerolog.Nop())
	go h.Run()
	t.Cleanup(h.Stop)
	return h
}

// connect registers a raw-protocol client and starts its pumps.
func connect(t *testing.T, h *Hub, id string) (*Client, *mockConn) {
	t.Helper()
	return connectWith(t, h, id, protocol.NewRaw(120))
}

func connectWith(t *testing.T, h *Hub, id string, adapter protocol.Adapter) (*Client, *mockConn) {
	t.Helper()
	conn := newMockConn()
	c := NewClient(id, "127.0.0.1:5000", conn, adapter, h)
	h.Register(c)
	go c.WritePump(0)
	go c.ReadPump()
	return c, conn
}

// next waits for the first frame written at or after index from whose
// event is one of events.
func (m *mockConn) next(t *testing.T, from int, events ...string) map[string]any {
	t.Helper()
	var got map[string]any
	require.Eventually(t, func() bool {
		written := m.getWritten()
		for i := from; i < len(written); i++ {
			var f map[string]any
			if json.Unmarshal(written[i], &f) != nil {
				continue
			}
			for _, e := range events {
				if f["event"] == e {
					got = f
					return true
				}
			}
		}
		return false
	}, time.Second, 5*time.Millisecond, "no %v frame", events)
	return got
}

// request sends msg and waits for the reply carrying one of events.
func request(t *testing.T, conn *mockConn, msg map[string]any, events ...string) map[string]any {
	t.Helper()
	from := len(conn.getWritten())
	conn.sendJSON(t, msg)
	return conn.next(t, from, events...)
}

func subscribe(t *testing.T, conn *mockConn, channel string, extra map[string]any) map[string]any {
	t.Helper()
	msg := map[string]any{"type": "subscribe", "channel": channel}
	for k, v := range extra {
		msg[k] = v
	}
	return request(t, conn, msg, "subscribed", "error")
}

func errorData(t *testing.T, f map[string]any) map[string]any {
	t.Helper()
	require.Equal(t, "error", f["event"])
	data, ok := f["data"].(map[string]any)
	require.True(t, ok)
	return data
}
