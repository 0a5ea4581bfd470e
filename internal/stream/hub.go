package stream

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// hubMessage is a topic-addressed payload fanned out to subscribed
// dashboard clients.
type hubMessage struct {
	topic string
	data  []byte
}

// HubClient is one dashboard browser connection, scoped by service and
// user.
type HubClient struct {
	id      string
	service string
	userID  string
	conn    *websocket.Conn
	send    chan []byte

	subsMu        sync.Mutex
	subscriptions map[string]struct{}

	hub *Hub
}

// serviceStats tallies per-service connection activity.
type serviceStats struct {
	active int64
	total  int64
	errors int64
}

// ServiceHealth is the per-service health report.
type ServiceHealth struct {
	Active int64 `json:"active"`
	Total  int64 `json:"total"`
	Errors int64 `json:"errors"`
}

// Hub fans out events to dashboard browser connections. Connections are
// scoped by service and userID; fan-out is by topic subscription.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*HubClient

	register   chan *HubClient
	unregister chan *HubClient
	broadcast  chan hubMessage

	statsMu sync.Mutex
	stats   map[string]*serviceStats

	upgrader websocket.Upgrader
	logger   *zap.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewHub creates a Hub and starts its run loop.
func NewHub(logger *zap.Logger) *Hub {
	h := &Hub{
		clients:    make(map[string]*HubClient),
		register:   make(chan *HubClient, 256),
		unregister: make(chan *HubClient, 256),
		broadcast:  make(chan hubMessage, 4096),
		stats:      make(map[string]*serviceStats),
		logger:     logger,
		stopCh:     make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	h.wg.Add(1)
	go h.run()
	return h
}

func (h *Hub) run() {
	defer h.wg.Done()
	for {
		select {
		case <-h.stopCh:
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.id] = c
			h.mu.Unlock()
			st := h.statsFor(c.service)
			atomic.AddInt64(&st.active, 1)
			atomic.AddInt64(&st.total, 1)
			h.logger.Debug("dashboard client registered",
				zap.String("client_id", c.id), zap.String("service", c.service), zap.String("user_id", c.userID))
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				close(c.send)
				atomic.AddInt64(&h.statsFor(c.service).active, -1)
			}
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.fanOut(msg)
		}
	}
}

func (h *Hub) fanOut(msg hubMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		c.subsMu.Lock()
		_, subscribed := c.subscriptions[msg.topic]
		c.subsMu.Unlock()
		if !subscribed {
			continue
		}
		select {
		case c.send <- msg.data:
		default:
			// slow client; drop rather than stall the hub
			atomic.AddInt64(&h.statsFor(c.service).errors, 1)
			h.logger.Warn("dropping message for slow dashboard client",
				zap.String("client_id", c.id), zap.String("topic", msg.topic))
		}
	}
}

// Publish fans a payload out to every client subscribed to the topic.
func (h *Hub) Publish(topic string, data []byte) {
	select {
	case h.broadcast <- hubMessage{topic: topic, data: data}:
	default:
		h.logger.Warn("hub broadcast channel full, dropping message", zap.String("topic", topic))
	}
}

// SendToUser delivers a payload to every connection of one user within a
// service, regardless of subscriptions. Returns the number of clients
// reached.
func (h *Hub) SendToUser(service, userID string, data []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sent := 0
	for _, c := range h.clients {
		if c.service != service || c.userID != userID {
			continue
		}
		select {
		case c.send <- data:
			sent++
		default:
			atomic.AddInt64(&h.statsFor(c.service).errors, 1)
		}
	}
	return sent
}

// Health reports per-service active/total connection counts and error
// tallies.
func (h *Hub) Health() map[string]ServiceHealth {
	h.statsMu.Lock()
	defer h.statsMu.Unlock()
	out := make(map[string]ServiceHealth, len(h.stats))
	for service, st := range h.stats {
		out[service] = ServiceHealth{
			Active: atomic.LoadInt64(&st.active),
			Total:  atomic.LoadInt64(&st.total),
			Errors: atomic.LoadInt64(&st.errors),
		}
	}
	return out
}

// ServeWS upgrades an HTTP request and registers the client.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, clientID, service, userID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &HubClient{
		id:            clientID,
		service:       service,
		userID:        userID,
		conn:          conn,
		send:          make(chan []byte, 256),
		subscriptions: make(map[string]struct{}),
		hub:           h,
	}
	h.register <- c
	go c.writePump()
	go c.readPump()
}

// Shutdown stops the run loop and closes every client.
func (h *Hub) Shutdown() {
	close(h.stopCh)
	h.wg.Wait()

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		c.conn.Close()
	}
	h.clients = make(map[string]*HubClient)
}

func (h *Hub) statsFor(service string) *serviceStats {
	h.statsMu.Lock()
	defer h.statsMu.Unlock()
	st, ok := h.stats[service]
	if !ok {
		st = &serviceStats{}
		h.stats[service] = st
	}
	return st
}

// readPump handles inbound control frames and subscription requests of
// the form {"subscribe":["topic"],"unsubscribe":["topic"]}.
func (c *HubClient) readPump() {
	defer func() { c.hub.unregister <- c; c.conn.Close() }()
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		var req map[string][]string
		if err := json.Unmarshal(msg, &req); err != nil {
			continue
		}
		c.subsMu.Lock()
		for _, topic := range req["subscribe"] {
			c.subscriptions[topic] = struct{}{}
		}
		for _, topic := range req["unsubscribe"] {
			delete(c.subscriptions, topic)
		}
		c.subsMu.Unlock()
	}
}

// writePump sends messages and heartbeats to the client.
func (c *HubClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() { ticker.Stop(); c.conn.Close() }()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
