package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/orchestra-mcp/realtime/src/bridge"
	"github.com/orchestra-mcp/realtime/src/hub"
	"github.com/orchestra-mcp/realtime/src/protocol"
	"github.com/orchestra-mcp/realtime/src/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeConn implements types.Conn over channels.
type pipeConn struct {
	in     chan []byte
	mu     sync.Mutex
	out    [][]byte
	closed chan struct{}
	once   sync.Once
}

func newPipeConn() *pipeConn {
	return &pipeConn{in: make(chan []byte, 8), closed: make(chan struct{})}
}

func (p *pipeConn) ReadMessage() ([]byte, error) {
	select {
	case b := <-p.in:
		return b, nil
	case <-p.closed:
		return nil, errors.New("closed")
	}
}

func (p *pipeConn) WriteMessage(b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.out = append(p.out, b)
	return nil
}

func (p *pipeConn) WriteClose(int, string) error { return nil }

func (p *pipeConn) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *pipeConn) has(event string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range p.out {
		var f map[string]any
		if json.Unmarshal(b, &f) == nil && f["event"] == event {
			return true
		}
	}
	return false
}

// testWorkers is a two-worker pool with worker 0 relaying to worker 1.
type testWorkers struct {
	hubs []*hub.Hub
}

func newTestWorkers(t *testing.T) *testWorkers {
	t.Helper()
	w := &testWorkers{hubs: []*hub.Hub{
		hub.New(0, hub.Options{}, zerolog.Nop()),
		hub.New(1, hub.Options{}, zerolog.Nop()),
	}}
	w.hubs[0].SetSiblings([]hub.Relayer{w.hubs[1]})
	for _, h := range w.hubs {
		go h.Run()
		t.Cleanup(h.Stop)
	}
	return w
}

func (w *testWorkers) Hubs() []*hub.Hub { return w.hubs }
func (w *testWorkers) Deliver(d bridge.Delivery) { w.hubs[0].Deliver(d) }

func (w *testWorkers) connect(t *testing.T, worker int, id string, channels ...string) *pipeConn {
	t.Helper()
	h := w.hubs[worker]
	conn := newPipeConn()
	c := hub.NewClient(id, "127.0.0.1:1", conn, protocol.NewRaw(120), h)
	h.Register(c)
	go c.WritePump(0)
	go c.ReadPump()
	for _, ch := range channels {
		b, _ := json.Marshal(map[string]any{"type": "subscribe", "channel": ch})
		conn.in <- b
	}
	require.Eventually(t, func() bool {
		info := h.ClientInfo(id)
		return info != nil && len(info.Channels) == len(channels)
	}, time.Second, 5*time.Millisecond)
	return conn
}

type recordingPublisher struct {
	mu   sync.Mutex
	sent []bridge.Delivery
	err  error
}

func (r *recordingPublisher) Publish(_ context.Context, d bridge.Delivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, d)
	return nil
}

func TestServicePublishWithoutBroker(t *testing.T) {
	w := newTestWorkers(t)
	svc := New(w, nil, zerolog.Nop())

	conn0 := w.connect(t, 0, "c0", "news")
	conn1 := w.connect(t, 1, "c1", "news")

	require.NoError(t, svc.Publish(context.Background(), "news", "headline", map[string]any{"title": "test"}, ""))
	require.Eventually(t, func() bool { return conn0.has("headline") && conn1.has("headline") }, time.Second, 5*time.Millisecond)
}

func TestServicePublishThroughBroker(t *testing.T) {
	w := newTestWorkers(t)
	pub := &recordingPublisher{}
	svc := New(w, pub, zerolog.Nop())

	require.NoError(t, svc.Publish(context.Background(), "news", "headline", "plain", "sock-1"))
	require.Len(t, pub.sent, 1)
	assert.Equal(t, bridge.Delivery{
		Channel: "news",
		Event:   "headline",
		Data:    map[string]any{"value": "plain"},
		Except:  "sock-1",
	}, pub.sent[0])

	pub.err = errors.New("broker down")
	err := svc.Publish(context.Background(), "news", "headline", nil, "")
	assert.ErrorIs(t, err, pub.err)
}

func TestServicePublishValidation(t *testing.T) {
	svc := New(newTestWorkers(t), nil, zerolog.Nop())

	err := svc.Publish(context.Background(), "", "e", nil, "")
	assert.Equal(t, 400, types.AsError(err).Status)
	err = svc.Publish(context.Background(), "c", "", nil, "")
	assert.Equal(t, 400, types.AsError(err).Status)
}

func TestServiceQueriesSpanWorkers(t *testing.T) {
	w := newTestWorkers(t)
	svc := New(w, nil, zerolog.Nop())

	w.connect(t, 0, "a", "news", "sports")
	conn := w.connect(t, 1, "b", "news")

	assert.Equal(t, []string{"a", "b"}, svc.GetConnectedClients())
	assert.Equal(t, 2, svc.ClientCount())
	assert.Equal(t, map[string]int{"news": 2, "sports": 1}, svc.GetChannels())

	info, err := svc.GetClientInfo("b")
	require.NoError(t, err)
	assert.Equal(t, 1, info.Worker)
	_, err = svc.GetClientInfo("nobody")
	assert.Error(t, err)

	require.NoError(t, svc.SendToClient("b", "dm", "direct", map[string]any{"k": "v"}))
	require.Eventually(t, func() bool { return conn.has("direct") }, time.Second, 5*time.Millisecond)
	assert.Error(t, svc.SendToClient("nobody", "dm", "direct", nil))

	_, err = svc.GetMembers("news")
	assert.Error(t, err)
	members, err := svc.GetMembers("presence-room")
	require.NoError(t, err)
	assert.Empty(t, members)

	require.NoError(t, svc.Disconnect("b"))
	assert.Error(t, svc.Disconnect("b"))
	assert.Equal(t, []string{"a"}, svc.GetConnectedClients())
}

func TestServiceConnectionCallbacks(t *testing.T) {
	w := newTestWorkers(t)
	svc := New(w, nil, zerolog.Nop())

	var mu sync.Mutex
	var events []string
	svc.OnConnection(func(id string) {
		mu.Lock()
		events = append(events, "+"+id)
		mu.Unlock()
	})
	svc.OnDisconnection(func(id string) {
		mu.Lock()
		events = append(events, "-"+id)
		mu.Unlock()
	})

	w.connect(t, 1, "x")
	require.NoError(t, svc.Disconnect("x"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"+x", "-x"}, events)
}
