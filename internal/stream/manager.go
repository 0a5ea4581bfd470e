// Package stream manages the persistent duplex connections of the
// dashboard: outbound links to upstream market-data feeds and, through
// the hub, inbound links from dashboard browsers. Outbound connections
// reconnect with a fixed interval per attempt; reconnects target a live
// market feed where freshness matters more than backoff.
package stream

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Status is the connection lifecycle state.
type Status int

const (
	StatusConnecting Status = iota
	StatusConnected
	StatusDisconnected
	StatusErrored
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	case StatusErrored:
		return "errored"
	}
	return "unknown"
}

// Config holds the manager tunables.
type Config struct {
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval" json:"heartbeat_interval"`
	HeartbeatTimeout     time.Duration `yaml:"heartbeat_timeout" json:"heartbeat_timeout"`
	ReconnectInterval    time.Duration `yaml:"reconnect_interval" json:"reconnect_interval"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts" json:"max_reconnect_attempts"`
	OutboxLimit          int           `yaml:"outbox_limit" json:"outbox_limit"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:    30 * time.Second,
		HeartbeatTimeout:     10 * time.Second,
		ReconnectInterval:    3 * time.Second,
		MaxReconnectAttempts: 5,
		OutboxLimit:          100,
	}
}

// Connection is one managed outbound stream.
type Connection struct {
	ID       string
	URL      string
	Metadata map[string]string

	mu                sync.Mutex
	status            Status
	conn              Conn
	lastHeartbeatAt   time.Time
	reconnectAttempts int
	subscriptions     map[string]struct{}
	outbox            [][]byte
	terminal          bool // reconnect budget exhausted, reconnect_failed fired
	closed            bool // explicit close requested
}

// ConnectionInfo is a point-in-time snapshot for the status API.
type ConnectionInfo struct {
	ID                string            `json:"id"`
	URL               string            `json:"url"`
	Status            string            `json:"status"`
	LastHeartbeatAt   time.Time         `json:"last_heartbeat_at"`
	ReconnectAttempts int               `json:"reconnect_attempts"`
	Subscriptions     []string          `json:"subscriptions"`
	OutboxDepth       int               `json:"outbox_depth"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// Manager owns the set of managed connections, the heartbeat sweep, and
// event dispatch.
type Manager struct {
	mu    sync.RWMutex
	conns map[string]*Connection

	dialer Dialer
	cfg    Config
	logger *zap.Logger

	listenersMu   sync.RWMutex
	listeners     []Listener
	typeListeners map[string][]Listener

	errorCount int64

	metrics *Metrics
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewManager creates a Manager and starts its heartbeat sweep. metrics
// may be nil.
func NewManager(dialer Dialer, cfg Config, logger *zap.Logger, metrics *Metrics) *Manager {
	m := &Manager{
		conns:         make(map[string]*Connection),
		dialer:        dialer,
		cfg:           cfg,
		logger:        logger,
		typeListeners: make(map[string][]Listener),
		metrics:       metrics,
		stopCh:        make(chan struct{}),
	}
	m.wg.Add(1)
	go m.heartbeatLoop()
	return m
}

// AddListener registers a listener for every event.
func (m *Manager) AddListener(l Listener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, l)
}

// AddTypeListener registers a listener scoped to one inbound message type.
func (m *Manager) AddTypeListener(msgType string, l Listener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.typeListeners[msgType] = append(m.typeListeners[msgType], l)
}

// CreateConnection registers a connection and starts connecting.
func (m *Manager) CreateConnection(id, url string, metadata map[string]string) *Connection {
	c := &Connection{
		ID:            id,
		URL:           url,
		Metadata:      metadata,
		status:        StatusConnecting,
		subscriptions: make(map[string]struct{}),
	}

	m.mu.Lock()
	m.conns[id] = c
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.ConnectionsTotal.Inc()
	}

	go m.connect(c)
	return c
}

func (m *Manager) connect(c *Connection) {
	c.mu.Lock()
	if c.closed || c.terminal {
		c.mu.Unlock()
		return
	}
	c.status = StatusConnecting
	c.mu.Unlock()

	conn, err := m.dialer.Dial(context.Background(), c.URL)
	if err != nil {
		m.logger.Warn("stream dial failed",
			zap.String("conn_id", c.ID), zap.String("url", c.URL), zap.Error(err))
		atomic.AddInt64(&m.errorCount, 1)
		m.dispatch(Event{Type: EventError, ConnID: c.ID, Err: err})
		m.scheduleReconnect(c)
		return
	}

	c.mu.Lock()
	c.conn = conn
	c.status = StatusConnected
	c.lastHeartbeatAt = time.Now()
	c.reconnectAttempts = 0
	pending := c.outbox
	c.outbox = nil
	c.mu.Unlock()

	// flush messages queued while disconnected, oldest first
	for _, msg := range pending {
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			atomic.AddInt64(&m.errorCount, 1)
			break
		}
	}

	m.logger.Info("stream connected", zap.String("conn_id", c.ID), zap.String("url", c.URL))
	m.dispatch(Event{Type: EventConnected, ConnID: c.ID})

	m.wg.Add(1)
	go m.readLoop(c, conn)
}

func (m *Manager) readLoop(c *Connection, conn Conn) {
	defer m.wg.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleClose(c, conn, err)
			return
		}

		var msg InboundMessage
		if jsonErr := json.Unmarshal(data, &msg); jsonErr != nil || msg.Type == "" {
			// malformed payloads are dropped, never crash the manager
			atomic.AddInt64(&m.errorCount, 1)
			m.logger.Debug("malformed stream frame dropped", zap.String("conn_id", c.ID))
			continue
		}

		c.mu.Lock()
		c.lastHeartbeatAt = time.Now()
		c.mu.Unlock()

		if m.metrics != nil {
			m.metrics.MessagesTotal.Inc()
		}

		ev := Event{Type: EventMessage, ConnID: c.ID, Message: &msg}
		m.dispatch(ev)
		m.dispatchTyped(msg.Type, ev)
	}
}

func (m *Manager) handleClose(c *Connection, conn Conn, err error) {
	code := websocket.CloseAbnormalClosure
	if ce, ok := err.(*websocket.CloseError); ok {
		code = ce.Code
	} else {
		// a transport error is not a close frame; surface it before the
		// close transition
		atomic.AddInt64(&m.errorCount, 1)
		c.mu.Lock()
		c.status = StatusErrored
		c.mu.Unlock()
		m.dispatch(Event{Type: EventError, ConnID: c.ID, Err: err})
	}

	conn.Close()

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.status = StatusDisconnected
	explicitClose := c.closed
	c.mu.Unlock()

	if m.metrics != nil {
		m.metrics.DisconnectsTotal.Inc()
	}
	m.dispatch(Event{Type: EventDisconnected, ConnID: c.ID, CloseCode: code})

	if code != websocket.CloseNormalClosure && !explicitClose {
		m.scheduleReconnect(c)
		return
	}
	m.remove(c.ID)
}

func (m *Manager) scheduleReconnect(c *Connection) {
	c.mu.Lock()
	if c.terminal || c.closed {
		c.mu.Unlock()
		return
	}
	c.reconnectAttempts++
	attempts := c.reconnectAttempts
	if attempts >= m.cfg.MaxReconnectAttempts {
		c.terminal = true
		c.status = StatusDisconnected
		c.mu.Unlock()

		m.remove(c.ID)
		m.logger.Warn("stream reconnect budget exhausted, abandoning connection",
			zap.String("conn_id", c.ID), zap.Int("attempts", attempts))
		m.dispatch(Event{Type: EventReconnectFailed, ConnID: c.ID})
		return
	}
	c.mu.Unlock()

	if m.metrics != nil {
		m.metrics.ReconnectsTotal.Inc()
	}
	m.logger.Info("stream reconnect scheduled",
		zap.String("conn_id", c.ID),
		zap.Int("attempt", attempts),
		zap.Duration("delay", m.cfg.ReconnectInterval))

	// same interval every attempt: freshness over backoff for market feeds
	time.AfterFunc(m.cfg.ReconnectInterval, func() {
		select {
		case <-m.stopCh:
		default:
			m.connect(c)
		}
	})
}

// SendMessage sends to a connection if it is Connected, otherwise queues
// into the bounded outbox (drop-oldest) and returns false.
func (m *Manager) SendMessage(id string, data []byte) bool {
	c := m.get(id)
	if c == nil {
		return false
	}

	c.mu.Lock()
	if c.status != StatusConnected || c.conn == nil {
		c.outbox = append(c.outbox, data)
		if len(c.outbox) > m.cfg.OutboxLimit {
			c.outbox = c.outbox[len(c.outbox)-m.cfg.OutboxLimit:]
		}
		c.mu.Unlock()
		return false
	}
	conn := c.conn
	c.mu.Unlock()

	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		atomic.AddInt64(&m.errorCount, 1)
		m.logger.Warn("stream send failed", zap.String("conn_id", id), zap.Error(err))
		return false
	}
	if m.metrics != nil {
		m.metrics.MessagesTotal.Inc()
	}
	return true
}

// Broadcast sends to every Connected connection, best-effort, and returns
// how many sends succeeded.
func (m *Manager) Broadcast(data []byte) int {
	m.mu.RLock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	sent := 0
	for _, id := range ids {
		if m.SendMessage(id, data) {
			sent++
		}
	}
	return sent
}

// Subscribe records topic interest on a connection. Bookkeeping only; the
// caller sends the protocol subscribe frame if the upstream requires one.
func (m *Manager) Subscribe(id, topic string) bool {
	c := m.get(id)
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions[topic] = struct{}{}
	return true
}

// Unsubscribe removes topic interest.
func (m *Manager) Unsubscribe(id, topic string) bool {
	c := m.get(id)
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscriptions, topic)
	return true
}

// Subscriptions returns the topics a connection is subscribed to.
func (m *Manager) Subscriptions(id string) []string {
	c := m.get(id)
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	topics := make([]string, 0, len(c.subscriptions))
	for t := range c.subscriptions {
		topics = append(topics, t)
	}
	return topics
}

// Info returns a snapshot of one connection, or nil if unknown.
func (m *Manager) Info(id string) *ConnectionInfo {
	c := m.get(id)
	if c == nil {
		return nil
	}
	return c.snapshot()
}

// Infos returns snapshots of every managed connection.
func (m *Manager) Infos() []*ConnectionInfo {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	infos := make([]*ConnectionInfo, 0, len(conns))
	for _, c := range conns {
		infos = append(infos, c.snapshot())
	}
	return infos
}

func (c *Connection) snapshot() *ConnectionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	topics := make([]string, 0, len(c.subscriptions))
	for t := range c.subscriptions {
		topics = append(topics, t)
	}
	return &ConnectionInfo{
		ID:                c.ID,
		URL:               c.URL,
		Status:            c.status.String(),
		LastHeartbeatAt:   c.lastHeartbeatAt,
		ReconnectAttempts: c.reconnectAttempts,
		Subscriptions:     topics,
		OutboxDepth:       len(c.outbox),
		Metadata:          c.Metadata,
	}
}

// ErrorCount returns the running error tally.
func (m *Manager) ErrorCount() int64 {
	return atomic.LoadInt64(&m.errorCount)
}

// CloseConnection closes a connection gracefully; no reconnect follows.
func (m *Manager) CloseConnection(id string) {
	c := m.get(id)
	if c == nil {
		return
	}

	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.status = StatusDisconnected
	c.mu.Unlock()

	if conn != nil {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}
	m.remove(id)
	m.dispatch(Event{Type: EventDisconnected, ConnID: id, CloseCode: websocket.CloseNormalClosure})
}

// Shutdown stops the heartbeat sweep and closes every connection.
func (m *Manager) Shutdown() {
	close(m.stopCh)

	m.mu.RLock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.CloseConnection(id)
	}
	m.wg.Wait()
}

func (m *Manager) heartbeatLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweepHeartbeats()
		}
	}
}

// sweepHeartbeats force-terminates Connected peers silent past the
// timeout and pings the rest. A terminated peer surfaces through the read
// loop as an abnormal close and re-enters the reconnect path.
func (m *Manager) sweepHeartbeats() {
	now := time.Now()

	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	for _, c := range conns {
		c.mu.Lock()
		if c.status != StatusConnected || c.conn == nil {
			c.mu.Unlock()
			continue
		}
		conn := c.conn
		silent := now.Sub(c.lastHeartbeatAt) > m.cfg.HeartbeatTimeout
		c.mu.Unlock()

		if silent {
			m.logger.Warn("stream heartbeat timeout, terminating dead peer",
				zap.String("conn_id", c.ID))
			conn.Close()
			continue
		}
		if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
			atomic.AddInt64(&m.errorCount, 1)
		}
	}
}

func (m *Manager) get(id string) *Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conns[id]
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	delete(m.conns, id)
	m.mu.Unlock()
}

func (m *Manager) dispatch(ev Event) {
	m.listenersMu.RLock()
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.listenersMu.RUnlock()

	for _, l := range listeners {
		l(ev)
	}
}

func (m *Manager) dispatchTyped(msgType string, ev Event) {
	m.listenersMu.RLock()
	listeners := make([]Listener, len(m.typeListeners[msgType]))
	copy(listeners, m.typeListeners[msgType])
	m.listenersMu.RUnlock()

	for _, l := range listeners {
		l(ev)
	}
}
