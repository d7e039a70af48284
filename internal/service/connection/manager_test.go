package connection

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/zhouzirui/z-tavern/realtime/internal/metrics"
	"github.com/zhouzirui/z-tavern/realtime/internal/model/stream"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var errRemoteClosed = errors.New("remote closed")

type fakeFrame struct {
	messageType int
	data        []byte
}

type fakeConn struct {
	frames chan fakeFrame
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	written []fakeFrame
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan fakeFrame, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case f := <-c.frames:
		return f.messageType, f.data, nil
	case <-c.closed:
		return 0, nil, errRemoteClosed
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.closed:
		return errRemoteClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, fakeFrame{messageType: messageType, data: data})
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) Written() []fakeFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]fakeFrame(nil), c.written...)
}

// fakeDialer hands out queued results in order; an empty queue refuses.
type fakeDialer struct {
	mu      sync.Mutex
	results []dialResult
	dials   int
}

type dialResult struct {
	conn Conn
	err  error
}

func (d *fakeDialer) push(conn Conn, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.results = append(d.results, dialResult{conn: conn, err: err})
}

func (d *fakeDialer) Dial(context.Context, string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.results) == 0 {
		return nil, errors.New("connection refused")
	}
	r := d.results[0]
	d.results = d.results[1:]
	return r.conn, r.err
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type manualTask struct {
	delay   time.Duration
	fn      func()
	stopped bool
	fired   bool
}

// manualScheduler records every requested delay and fires tasks on demand.
type manualScheduler struct {
	mu    sync.Mutex
	tasks []*manualTask
}

func (s *manualScheduler) AfterFunc(d time.Duration, f func()) Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &manualTask{delay: d, fn: f}
	s.tasks = append(s.tasks, t)
	return &manualHandle{s: s, t: t}
}

type manualHandle struct {
	s *manualScheduler
	t *manualTask
}

func (h *manualHandle) Stop() bool {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	if h.t.fired || h.t.stopped {
		return false
	}
	h.t.stopped = true
	return true
}

func (s *manualScheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if !t.fired && !t.stopped {
			n++
		}
	}
	return n
}

// fireNext runs the oldest pending task on the calling goroutine.
func (s *manualScheduler) fireNext() bool {
	s.mu.Lock()
	var next *manualTask
	for _, t := range s.tasks {
		if !t.fired && !t.stopped {
			next = t
			break
		}
	}
	if next != nil {
		next.fired = true
	}
	s.mu.Unlock()
	if next == nil {
		return false
	}
	next.fn()
	return true
}

func (s *manualScheduler) delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.delay)
	}
	return out
}

type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) record(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) labels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.states))
	for _, s := range r.states {
		out = append(out, s.String())
	}
	return out
}

type harness struct {
	manager   *Manager
	dialer    *fakeDialer
	scheduler *manualScheduler
	states    *stateRecorder
	metrics   *metrics.Metrics

	framesMu sync.Mutex
	frames   []string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		dialer:    &fakeDialer{},
		scheduler: &manualScheduler{},
		states:    &stateRecorder{},
		metrics:   metrics.New(),
	}
	opts := DefaultOptions("ws://assistant.test/ws")
	opts.PingInterval = 0
	opts.Dialer = h.dialer
	opts.Scheduler = h.scheduler
	opts.Metrics = h.metrics
	h.manager = NewManager(opts, func(kind stream.FrameKind, data []byte) {
		h.framesMu.Lock()
		defer h.framesMu.Unlock()
		h.frames = append(h.frames, string(data))
	})
	h.manager.Subscribe(h.states.record)
	t.Cleanup(func() { h.manager.Disconnect() })
	return h
}

// waitState blocks until label is the most recently published state.
func (h *harness) waitState(t *testing.T, label string) {
	t.Helper()
	require.Eventually(t, func() bool {
		labels := h.states.labels()
		return len(labels) > 0 && labels[len(labels)-1] == label
	}, time.Second, time.Millisecond)
}

func TestBackoff(t *testing.T) {
	base := time.Second
	assert.Equal(t, time.Duration(0), Backoff(base, 0))
	assert.Equal(t, 1*time.Second, Backoff(base, 1))
	assert.Equal(t, 2*time.Second, Backoff(base, 2))
	assert.Equal(t, 4*time.Second, Backoff(base, 3))
	assert.Equal(t, 8*time.Second, Backoff(base, 4))
	assert.Equal(t, 16*time.Second, Backoff(base, 5))
	assert.Equal(t, 64*time.Second, Backoff(base, 7), "backoff is uncapped")
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", State{}.String())
	assert.Equal(t, "connected", State{Phase: Connected}.String())
	assert.Equal(t, "reconnecting(3)", State{Phase: Reconnecting, Attempt: 3}.String())
}

func TestConnectIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.dialer.push(newFakeConn(), nil)

	require.NoError(t, h.manager.Connect(context.Background()))
	require.NoError(t, h.manager.Connect(context.Background()))

	assert.Equal(t, 1, h.dialer.Dials())
	assert.Equal(t, Connected, h.manager.State().Phase)
	assert.Equal(t, []string{"connecting", "connected"}, h.states.labels())
}

func TestStaleStateIsNotPublishedAfterNewerOne(t *testing.T) {
	h := newHarness(t)

	h.manager.mu.Lock()
	connected := h.manager.setStateLocked(State{Phase: Connected})
	lost := h.manager.setStateLocked(State{Phase: Reconnecting, Attempt: 1})
	h.manager.mu.Unlock()

	// The read loop publishes the loss before Connect gets to publish its state.
	h.manager.publish(lost)
	h.manager.publish(connected)

	assert.Equal(t, []string{"reconnecting(1)"}, h.states.labels())
}

func TestImmediateCloseEndsOnReconnecting(t *testing.T) {
	h := newHarness(t)
	conn := newFakeConn()
	conn.Close()
	h.dialer.push(conn, nil)

	require.NoError(t, h.manager.Connect(context.Background()))
	h.waitState(t, "reconnecting(1)")

	assert.Equal(t, Reconnecting, h.manager.State().Phase)
	labels := h.states.labels()
	assert.Equal(t, "reconnecting(1)", labels[len(labels)-1], "last published state matches the manager")
}

func TestInitialConnectFailureDoesNotRetry(t *testing.T) {
	h := newHarness(t)

	err := h.manager.Connect(context.Background())
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.False(t, connErr.Exhausted)

	assert.Equal(t, Disconnected, h.manager.State().Phase)
	assert.Zero(t, h.scheduler.pending())
	assert.Equal(t, 1, h.dialer.Dials())
}

func TestSendRequiresConnection(t *testing.T) {
	h := newHarness(t)
	msg := stream.Outbound{RequestType: stream.RequestText, Content: "hi"}

	require.ErrorIs(t, h.manager.Send(msg), ErrNotConnected)

	conn := newFakeConn()
	h.dialer.push(conn, nil)
	require.NoError(t, h.manager.Connect(context.Background()))
	require.NoError(t, h.manager.Send(msg))

	written := conn.Written()
	require.Len(t, written, 1)
	assert.Equal(t, websocket.TextMessage, written[0].messageType)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(written[0].data, &decoded))
	assert.Equal(t, "text", decoded["request_type"])
	assert.Equal(t, "hi", decoded["content"])
}

func TestFramesDeliveredInOrder(t *testing.T) {
	h := newHarness(t)
	conn := newFakeConn()
	h.dialer.push(conn, nil)
	require.NoError(t, h.manager.Connect(context.Background()))

	for _, s := range []string{"a", "b", "c", "d"} {
		conn.frames <- fakeFrame{messageType: websocket.TextMessage, data: []byte(s)}
	}

	require.Eventually(t, func() bool {
		h.framesMu.Lock()
		defer h.framesMu.Unlock()
		return len(h.frames) == 4
	}, time.Second, time.Millisecond)
	assert.Equal(t, []string{"a", "b", "c", "d"}, h.frames)
}

func TestReconnectSucceedsAndResetsAttempt(t *testing.T) {
	h := newHarness(t)
	first := newFakeConn()
	h.dialer.push(first, nil)
	require.NoError(t, h.manager.Connect(context.Background()))

	first.Close()
	h.waitState(t, "reconnecting(1)")
	assert.Equal(t, State{Phase: Reconnecting, Attempt: 1}, h.manager.State())

	h.dialer.push(nil, errors.New("still down"))
	second := newFakeConn()
	h.dialer.push(second, nil)

	require.True(t, h.scheduler.fireNext())
	assert.Equal(t, State{Phase: Reconnecting, Attempt: 2}, h.manager.State())
	require.True(t, h.scheduler.fireNext())
	assert.Equal(t, State{Phase: Connected}, h.manager.State())

	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, h.scheduler.delays())
	assert.Equal(t,
		[]string{"connecting", "connected", "reconnecting(1)", "reconnecting(2)", "connected"},
		h.states.labels())

	// A second failure episode starts counting from one again.
	second.Close()
	h.waitState(t, "reconnecting(1)")
	assert.Equal(t, State{Phase: Reconnecting, Attempt: 1}, h.manager.State())
}

func TestReconnectGivesUpAfterMaxAttempts(t *testing.T) {
	h := newHarness(t)
	conn := newFakeConn()
	h.dialer.push(conn, nil)
	require.NoError(t, h.manager.Connect(context.Background()))

	conn.Close()
	h.waitState(t, "reconnecting(1)")
	for h.scheduler.fireNext() {
	}

	assert.Equal(t, []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
	}, h.scheduler.delays())
	assert.Equal(t, 6, h.dialer.Dials(), "one initial dial plus five retries")

	state := h.manager.State()
	assert.Equal(t, Disconnected, state.Phase)

	select {
	case err := <-h.manager.Failures():
		var connErr *ConnectionError
		require.ErrorAs(t, err, &connErr)
		assert.True(t, connErr.Exhausted)
		assert.Equal(t, 5, connErr.Attempt)
		assert.Same(t, connErr, state.Cause)
	default:
		t.Fatal("expected a connection failure")
	}

	labels := h.states.labels()
	assert.Equal(t, []string{
		"connecting", "connected",
		"reconnecting(1)", "reconnecting(2)", "reconnecting(3)", "reconnecting(4)", "reconnecting(5)",
		"disconnected",
	}, labels)
}

func TestDisconnectCancelsPendingRetry(t *testing.T) {
	h := newHarness(t)
	conn := newFakeConn()
	h.dialer.push(conn, nil)
	require.NoError(t, h.manager.Connect(context.Background()))

	conn.Close()
	h.waitState(t, "reconnecting(1)")

	require.NoError(t, h.manager.Disconnect())
	assert.Zero(t, h.scheduler.pending())
	assert.False(t, h.scheduler.fireNext())
	assert.Equal(t, 1, h.dialer.Dials())

	state := h.manager.State()
	assert.Equal(t, Disconnected, state.Phase)
	assert.ErrorIs(t, state.Cause, ErrClosed)
}

func TestStaleRetryIsIgnoredAfterDisconnect(t *testing.T) {
	h := newHarness(t)
	conn := newFakeConn()
	h.dialer.push(conn, nil)
	require.NoError(t, h.manager.Connect(context.Background()))

	conn.Close()
	h.waitState(t, "reconnecting(1)")

	// Grab the task before it is cancelled so it can be run anyway.
	h.scheduler.mu.Lock()
	task := h.scheduler.tasks[0]
	h.scheduler.mu.Unlock()

	require.NoError(t, h.manager.Disconnect())
	task.fn()

	assert.Equal(t, 1, h.dialer.Dials())
	assert.Equal(t, Disconnected, h.manager.State().Phase)
}

func TestManualDisconnectDoesNotReconnect(t *testing.T) {
	h := newHarness(t)
	conn := newFakeConn()
	h.dialer.push(conn, nil)
	require.NoError(t, h.manager.Connect(context.Background()))

	require.NoError(t, h.manager.Disconnect())

	written := conn.Written()
	require.NotEmpty(t, written)
	assert.Equal(t, websocket.CloseMessage, written[len(written)-1].messageType)

	// Give the read loop a chance to observe the close.
	time.Sleep(10 * time.Millisecond)
	assert.Zero(t, h.scheduler.pending())
	assert.Equal(t, []string{"connecting", "connected", "disconnected"}, h.states.labels())
	assert.ErrorIs(t, h.manager.Send(stream.Outbound{RequestType: stream.RequestText}), ErrNotConnected)
}

func TestWebsocketRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var accepted sync.WaitGroup
	accepted.Add(2)
	var connsMu sync.Mutex
	var conns []*websocket.Conn

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		connsMu.Lock()
		conns = append(conns, conn)
		n := len(conns)
		connsMu.Unlock()
		accepted.Done()

		if n == 1 {
			// Drop the first connection to force a reconnect.
			conn.Close()
			return
		}
		for {
			messageType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			conn.WriteMessage(messageType, data)
		}
	}))
	defer srv.Close()

	received := make(chan string, 4)
	opts := DefaultOptions("ws" + strings.TrimPrefix(srv.URL, "http"))
	opts.Base = 5 * time.Millisecond
	opts.PingInterval = 0
	m := NewManager(opts, func(kind stream.FrameKind, data []byte) {
		received <- string(data)
	})

	require.NoError(t, m.Connect(context.Background()))
	require.Eventually(t, func() bool {
		connsMu.Lock()
		defer connsMu.Unlock()
		return m.State().Phase == Connected && len(conns) == 2
	}, 2*time.Second, 5*time.Millisecond)
	accepted.Wait()

	require.NoError(t, m.Send(stream.Outbound{RequestType: stream.RequestText, Content: "ping"}))
	select {
	case got := <-received:
		assert.Contains(t, got, `"content":"ping"`)
	case <-time.After(2 * time.Second):
		t.Fatal("no echo received")
	}

	require.NoError(t, m.Disconnect())
	connsMu.Lock()
	for _, c := range conns {
		c.Close()
	}
	connsMu.Unlock()
}
