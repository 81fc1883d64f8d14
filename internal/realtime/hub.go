// Package realtime streams settlement state changes to WebSocket clients.
//
// Services publish an Event whenever a payment, escrow, dispute or anchor
// transfer changes status. Clients narrow the stream to the accounts and
// event types they care about.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/rentvault/rentvault/internal/metrics"
)

// EventType names the kind of record that changed.
type EventType string

const (
	EventPayment EventType = "payment"
	EventEscrow  EventType = "escrow"
	EventDispute EventType = "dispute"
	EventAnchor  EventType = "anchor"
)

// Event is one state change. Accounts lists every public key the change
// concerns; subscriptions filter on it.
type Event struct {
	Type      EventType `json:"type"`
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	Accounts  []string  `json:"accounts,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// Publisher accepts events. Publish never blocks.
type Publisher interface {
	Publish(e Event)
}

type discard struct{}

func (discard) Publish(Event) {}

// Discard drops every event.
var Discard Publisher = discard{}

// Subscription filters the stream. Empty lists match everything.
type Subscription struct {
	Types    []EventType `json:"types"`
	Accounts []string    `json:"accounts"`
}

func (s Subscription) matches(e *Event) bool {
	if len(s.Types) > 0 && !slices.Contains(s.Types, e.Type) {
		return false
	}
	if len(s.Accounts) == 0 {
		return true
	}
	for _, a := range e.Accounts {
		if slices.Contains(s.Accounts, a) {
			return true
		}
	}
	return false
}

const (
	DefaultMaxClients = 5000

	sendBuffer   = 64
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingEvery    = 30 * time.Second
	maxMessage   = 4 << 10
)

type client struct {
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	sub  Subscription
}

func (c *client) subscription() Subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sub
}

// Hub fans published events out to connected clients.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*client]struct{}
	events     chan *Event
	register   chan *client
	unregister chan *client
	done       chan struct{}
	maxClients int
	upgrader   websocket.Upgrader
	logger     *slog.Logger
}

// NewHub creates a hub. Browser connections are accepted from the same host
// and from allowedOrigins; a "*" entry accepts any origin.
func NewHub(allowedOrigins []string, logger *slog.Logger) *Hub {
	h := &Hub{
		clients:    make(map[*client]struct{}),
		events:     make(chan *Event, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		maxClients: DefaultMaxClients,
		logger:     logger,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if origin == "http://"+r.Host || origin == "https://"+r.Host {
			return true
		}
		return slices.Contains(allowed, "*") || slices.Contains(allowed, origin)
	}
}

// Publish queues e for delivery. When the queue is full the event is dropped.
func (h *Hub) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	select {
	case h.events <- &e:
	default:
		metrics.StreamEventsDropped.Inc()
		h.logger.Warn("event queue full, dropping event", "type", e.Type, "id", e.ID)
	}
}

// Run delivers events until ctx ends, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			metrics.StreamClients.Set(0)
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.StreamClients.Set(float64(n))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.StreamClients.Set(float64(n))

		case e := <-h.events:
			h.deliver(e)
		}
	}
}

func (h *Hub) deliver(e *Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		h.logger.Error("encode event", "type", e.Type, "id", e.ID, "error", err)
		return
	}
	var slow []*client
	h.mu.RLock()
	for c := range h.clients {
		if !c.subscription().matches(e) {
			continue
		}
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()
	if len(slow) == 0 {
		return
	}
	h.mu.Lock()
	for _, c := range slow {
		if _, ok := h.clients[c]; ok {
			delete(h.clients, c)
			close(c.send)
			metrics.StreamEventsDropped.Inc()
		}
	}
	h.mu.Unlock()
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// RegisterRoutes mounts the stream endpoint on r.
func (h *Hub) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/events", h.Stream)
}

// Stream handles GET /v1/events?accounts=G...,G...&types=escrow,payment and
// upgrades to a WebSocket. Clients may replace their subscription at any
// time by sending a Subscription as JSON.
func (h *Hub) Stream(c *gin.Context) {
	select {
	case <-h.done:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting_down", "message": "server is shutting down"})
		return
	default:
	}
	if h.Clients() >= h.maxClients {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "too_many_clients", "message": "event stream is at capacity"})
		return
	}

	sub := Subscription{Accounts: splitQuery(c.Query("accounts"))}
	for _, t := range splitQuery(c.Query("types")) {
		sub.Types = append(sub.Types, EventType(strings.ToLower(t)))
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	cl := &client{conn: conn, send: make(chan []byte, sendBuffer), sub: sub}
	select {
	case h.register <- cl:
	case <-h.done:
		_ = conn.Close()
		return
	}
	go h.writePump(cl)
	go h.readPump(cl)
}

func (h *Hub) readPump(c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				h.logger.Debug("websocket read error", "error", err)
			}
			return
		}
		var sub Subscription
		if err := json.Unmarshal(msg, &sub); err != nil {
			continue
		}
		c.mu.Lock()
		c.sub = sub
		c.mu.Unlock()
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingEvery)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func splitQuery(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
