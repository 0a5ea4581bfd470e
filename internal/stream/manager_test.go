package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeConn is a scriptable Conn for manager tests.
type fakeConn struct {
	mu      sync.Mutex
	writes  [][]byte
	inbound chan []byte
	readErr error
	done    chan struct{}
	once    sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		readErr: &websocket.CloseError{Code: websocket.CloseAbnormalClosure},
		done:    make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-f.inbound:
		return websocket.TextMessage, data, nil
	case <-f.done:
		return 0, nil, f.readErr
	}
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-f.done:
		return errors.New("connection closed")
	default:
	}
	if messageType != websocket.TextMessage {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, data)
	return nil
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.done) })
	return nil
}

func (f *fakeConn) writtenMessages() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.writes))
	copy(out, f.writes)
	return out
}

// fakeDialer scripts dial outcomes.
type fakeDialer struct {
	mu       sync.Mutex
	attempts int
	failAll  bool
	gate     chan struct{} // when set, Dial blocks until the gate closes
	conns    []*fakeConn
}

func (d *fakeDialer) Dial(_ context.Context, _ string) (Conn, error) {
	d.mu.Lock()
	gate := d.gate
	d.mu.Unlock()
	if gate != nil {
		<-gate
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts++
	if d.failAll {
		return nil, errors.New("dial refused")
	}
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) attemptCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

func (d *fakeDialer) lastConn() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// eventRecorder captures dispatched events.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) listener(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) countOf(t EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func testConfig() Config {
	return Config{
		HeartbeatInterval:    time.Hour, // sweeps driven manually in tests
		HeartbeatTimeout:     10 * time.Second,
		ReconnectInterval:    time.Millisecond,
		MaxReconnectAttempts: 5,
		OutboxLimit:          100,
	}
}

func TestManager_ReconnectBound(t *testing.T) {
	dialer := &fakeDialer{failAll: true}
	m := NewManager(dialer, testConfig(), zap.NewNop(), nil)
	defer m.Shutdown()

	rec := &eventRecorder{}
	m.AddListener(rec.listener)

	m.CreateConnection("feed", "ws://upstream/feed", nil)

	require.Eventually(t, func() bool {
		return rec.countOf(EventReconnectFailed) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// no further attempts after the terminal event
	settled := dialer.attemptCount()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, settled, dialer.attemptCount())
	assert.Equal(t, 5, settled, "configured max attempts are consumed exactly")
	assert.Equal(t, 1, rec.countOf(EventReconnectFailed))
	assert.Nil(t, m.Info("feed"), "abandoned connection is removed from the active set")
}

func TestManager_ConnectFlushesOutboxOldestFirst(t *testing.T) {
	gate := make(chan struct{})
	dialer := &fakeDialer{gate: gate}
	m := NewManager(dialer, testConfig(), zap.NewNop(), nil)
	defer m.Shutdown()

	m.CreateConnection("feed", "ws://upstream/feed", nil)

	// while the dial is pending, sends queue and report false
	assert.False(t, m.SendMessage("feed", []byte("one")))
	assert.False(t, m.SendMessage("feed", []byte("two")))
	assert.False(t, m.SendMessage("feed", []byte("three")))

	close(gate)

	require.Eventually(t, func() bool {
		conn := dialer.lastConn()
		return conn != nil && len(conn.writtenMessages()) == 3
	}, time.Second, 5*time.Millisecond)

	writes := dialer.lastConn().writtenMessages()
	assert.Equal(t, [][]byte{[]byte("one"), []byte("two"), []byte("three")}, writes)
}

func TestManager_OutboxDropsOldestBeyondLimit(t *testing.T) {
	gate := make(chan struct{})
	dialer := &fakeDialer{gate: gate}
	cfg := testConfig()
	cfg.OutboxLimit = 2
	m := NewManager(dialer, cfg, zap.NewNop(), nil)
	defer m.Shutdown()

	m.CreateConnection("feed", "ws://upstream/feed", nil)
	m.SendMessage("feed", []byte("a"))
	m.SendMessage("feed", []byte("b"))
	m.SendMessage("feed", []byte("c"))

	close(gate)

	require.Eventually(t, func() bool {
		conn := dialer.lastConn()
		return conn != nil && len(conn.writtenMessages()) == 2
	}, time.Second, 5*time.Millisecond)

	writes := dialer.lastConn().writtenMessages()
	assert.Equal(t, [][]byte{[]byte("b"), []byte("c")}, writes, "oldest entry dropped")
}

func TestManager_MessageDispatch(t *testing.T) {
	dialer := &fakeDialer{}
	m := NewManager(dialer, testConfig(), zap.NewNop(), nil)
	defer m.Shutdown()

	rec := &eventRecorder{}
	m.AddListener(rec.listener)

	typed := &eventRecorder{}
	m.AddTypeListener("ticker", typed.listener)

	m.CreateConnection("feed", "ws://upstream/feed", nil)
	require.Eventually(t, func() bool { return dialer.lastConn() != nil }, time.Second, time.Millisecond)
	conn := dialer.lastConn()

	conn.inbound <- []byte(`{"type":"ticker","data":{"symbol":"BTCUSD","price":"97000"}}`)
	conn.inbound <- []byte(`not json at all`)
	conn.inbound <- []byte(`{"type":"account","data":{}}`)

	require.Eventually(t, func() bool { return rec.countOf(EventMessage) == 2 }, time.Second, time.Millisecond)

	assert.Equal(t, 1, typed.countOf(EventMessage), "type-scoped listener sees only its type")
	assert.GreaterOrEqual(t, m.ErrorCount(), int64(1), "malformed frame increments the error counter")
}

func TestManager_AbnormalCloseTriggersReconnect(t *testing.T) {
	dialer := &fakeDialer{}
	m := NewManager(dialer, testConfig(), zap.NewNop(), nil)
	defer m.Shutdown()

	rec := &eventRecorder{}
	m.AddListener(rec.listener)

	m.CreateConnection("feed", "ws://upstream/feed", nil)
	require.Eventually(t, func() bool { return dialer.attemptCount() == 1 }, time.Second, time.Millisecond)

	// peer drops abnormally
	dialer.lastConn().Close()

	require.Eventually(t, func() bool { return dialer.attemptCount() >= 2 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		info := m.Info("feed")
		return info != nil && info.Status == StatusConnected.String()
	}, time.Second, time.Millisecond)
	assert.GreaterOrEqual(t, rec.countOf(EventDisconnected), 1)
}

func TestManager_NormalCloseDoesNotReconnect(t *testing.T) {
	dialer := &fakeDialer{}
	m := NewManager(dialer, testConfig(), zap.NewNop(), nil)
	defer m.Shutdown()

	m.CreateConnection("feed", "ws://upstream/feed", nil)
	require.Eventually(t, func() bool { return dialer.attemptCount() == 1 }, time.Second, time.Millisecond)

	conn := dialer.lastConn()
	conn.readErr = &websocket.CloseError{Code: websocket.CloseNormalClosure}
	conn.Close()

	require.Eventually(t, func() bool { return m.Info("feed") == nil }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, dialer.attemptCount(), "normal close must not schedule a reconnect")
}

func TestManager_HeartbeatSweep(t *testing.T) {
	dialer := &fakeDialer{}
	m := NewManager(dialer, testConfig(), zap.NewNop(), nil)
	defer m.Shutdown()

	c := m.CreateConnection("feed", "ws://upstream/feed", nil)
	require.Eventually(t, func() bool { return dialer.lastConn() != nil }, time.Second, time.Millisecond)
	conn := dialer.lastConn()

	// fresh heartbeat: sweep pings, does not terminate
	m.sweepHeartbeats()
	select {
	case <-conn.done:
		t.Fatal("live connection must not be terminated by the sweep")
	default:
	}

	// silence past the timeout: sweep terminates the dead peer
	c.mu.Lock()
	c.lastHeartbeatAt = time.Now().Add(-time.Minute)
	c.mu.Unlock()
	m.sweepHeartbeats()

	select {
	case <-conn.done:
	case <-time.After(time.Second):
		t.Fatal("silent connection should have been terminated")
	}
}

func TestManager_SubscriptionBookkeeping(t *testing.T) {
	dialer := &fakeDialer{}
	m := NewManager(dialer, testConfig(), zap.NewNop(), nil)
	defer m.Shutdown()

	m.CreateConnection("feed", "ws://upstream/feed", nil)

	require.True(t, m.Subscribe("feed", "ticker:BTCUSD"))
	require.True(t, m.Subscribe("feed", "funding:BTCUSD"))
	assert.ElementsMatch(t, []string{"ticker:BTCUSD", "funding:BTCUSD"}, m.Subscriptions("feed"))

	require.True(t, m.Unsubscribe("feed", "funding:BTCUSD"))
	assert.Equal(t, []string{"ticker:BTCUSD"}, m.Subscriptions("feed"))

	assert.False(t, m.Subscribe("unknown", "x"))
}

func TestManager_BroadcastCountsOnlyConnected(t *testing.T) {
	gate := make(chan struct{})
	blocked := &fakeDialer{gate: gate}
	defer close(gate)

	live := &fakeDialer{}

	m := NewManager(live, testConfig(), zap.NewNop(), nil)
	defer m.Shutdown()
	m.CreateConnection("a", "ws://upstream/a", nil)
	require.Eventually(t, func() bool {
		info := m.Info("a")
		return info != nil && info.Status == StatusConnected.String()
	}, time.Second, time.Millisecond)

	m2 := NewManager(blocked, testConfig(), zap.NewNop(), nil)
	defer m2.Shutdown()
	m2.CreateConnection("b", "ws://upstream/b", nil)

	assert.Equal(t, 1, m.Broadcast([]byte("x")))
	assert.Equal(t, 0, m2.Broadcast([]byte("x")))
}
