// Package realtime provides WebSocket streaming of wallet analysis events.
//
// Clients connect to /ws and receive every event by default. Sending
// {"addresses": [...], "eventTypes": [...]} narrows the stream; the
// union of subscribed addresses is what the watcher polls.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/stellarcredit/internal/metrics"
	"github.com/mbd888/stellarcredit/internal/validation"
)

// ErrDropped is returned by Notify when the broadcast queue is full.
var ErrDropped = errors.New("realtime: broadcast queue full, event dropped")

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Allow non-browser clients
		}
		// Allow same-host connections
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// EventType for real-time events
type EventType string

const (
	EventWalletDataReady EventType = "wallet_data_ready"
	EventScoreCalculated EventType = "score_calculated"
	EventAnalysisError   EventType = "analysis_error"
	EventNewTransaction  EventType = "new_transaction"
	EventBalanceUpdated  EventType = "balance_updated"
)

// Event represents a real-time event. It serializes flat: the payload keys
// sit next to type, address and timestamp.
type Event struct {
	Type      EventType
	Address   string
	Timestamp time.Time
	Data      map[string]any
}

// MarshalJSON flattens Data into the top-level object. The reserved keys
// always win over payload keys of the same name.
func (e *Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Data)+3)
	for k, v := range e.Data {
		out[k] = v
	}
	out["type"] = e.Type
	out["address"] = e.Address
	out["timestamp"] = e.Timestamp.UTC().Format(time.RFC3339)
	return json.Marshal(out)
}

// Subscription filters for a client. Empty lists match everything.
type Subscription struct {
	Addresses  []string    `json:"addresses"`
	EventTypes []EventType `json:"eventTypes"`
}

func (s Subscription) matches(event *Event) bool {
	if len(s.EventTypes) > 0 && !contains(s.EventTypes, event.Type) {
		return false
	}
	if len(s.Addresses) > 0 && !contains(s.Addresses, event.Address) {
		return false
	}
	return true
}

// MaxSubscribedAddresses caps how many addresses one client may watch.
const MaxSubscribedAddresses = 50

// errNoValidAddresses rejects a subscription whose address list held only
// invalid entries; accepting it would widen the client to every address.
var errNoValidAddresses = errors.New("realtime: subscription names no valid address")

// normalize upper-cases and de-duplicates addresses, drops anything that is
// not a valid account or contract strkey, and keeps at most
// MaxSubscribedAddresses of them in the order sent.
func (s Subscription) normalize() (Subscription, error) {
	if len(s.Addresses) == 0 {
		return s, nil
	}
	seen := make(map[string]struct{}, len(s.Addresses))
	addrs := make([]string, 0, min(len(s.Addresses), MaxSubscribedAddresses))
	for _, raw := range s.Addresses {
		addr := validation.SanitizeAddress(raw)
		if !validation.IsValidStellarAddress(addr) {
			continue
		}
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		addrs = append(addrs, addr)
		if len(addrs) == MaxSubscribedAddresses {
			break
		}
	}
	if len(addrs) == 0 {
		return s, errNoValidAddresses
	}
	s.Addresses = addrs
	return s, nil
}

func contains[T comparable](list []T, v T) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// Client represents a WebSocket connection
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	sub  Subscription
}

func (c *Client) subscription() Subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sub
}

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 10000

// Hub manages all WebSocket connections
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxClients int
	now        func() time.Time

	// Stats
	totalEvents  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

// NewHub creates a new WebSocket hub
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
		now:        time.Now,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("realtime hub shutting down, closing client connections")
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends CloseMessage on closed channel
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.totalClients.Add(1)
			if current := int64(len(h.clients)); current > h.peakClients.Load() {
				h.peakClients.Store(current)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("client connected", "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("client disconnected", "total", n)

		case event := <-h.broadcast:
			h.deliver(event)
		}
	}
}

func (h *Hub) deliver(event *Event) {
	h.totalEvents.Add(1)
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Warn("event serialization failed", "type", event.Type, "error", err)
		return
	}

	h.mu.RLock()
	var slow []*Client
	for client := range h.clients {
		if !client.subscription().matches(event) {
			continue
		}
		select {
		case client.send <- payload:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	// Remove slow clients under write lock
	if len(slow) > 0 {
		h.mu.Lock()
		for _, client := range slow {
			if _, ok := h.clients[client]; ok {
				close(client.send)
				delete(h.clients, client)
			}
		}
		n := len(h.clients)
		h.mu.Unlock()
		metrics.ActiveWebSocketClients.Set(float64(n))
		h.logger.Warn("dropped slow websocket clients", "count", len(slow))
	}
}

// Broadcast queues an event for delivery. It never blocks; when the queue is
// full the event is dropped and false is returned.
func (h *Hub) Broadcast(event *Event) bool {
	if event.Timestamp.IsZero() {
		event.Timestamp = h.now()
	}
	select {
	case h.broadcast <- event:
		metrics.PushEventsTotal.WithLabelValues(string(event.Type), "queued").Inc()
		return true
	default:
		metrics.PushEventsTotal.WithLabelValues(string(event.Type), "dropped").Inc()
		h.logger.Warn("broadcast channel full, dropping event", "type", event.Type)
		return false
	}
}

// Notify publishes an event for address. Delivery is fire-and-forget.
func (h *Hub) Notify(_ context.Context, eventType, address string, data map[string]any) error {
	if !h.Broadcast(&Event{Type: EventType(eventType), Address: address, Data: data}) {
		return ErrDropped
	}
	return nil
}

// WatchedAddresses returns the sorted union of addresses named in client
// subscriptions.
func (h *Hub) WatchedAddresses() []string {
	seen := make(map[string]struct{})
	h.mu.RLock()
	for client := range h.clients {
		for _, addr := range client.subscription().Addresses {
			seen[addr] = struct{}{}
		}
	}
	h.mu.RUnlock()

	out := make([]string, 0, len(seen))
	for addr := range seen {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

// Stats returns hub statistics
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]any{
		"connectedClients": len(h.clients),
		"totalEvents":      h.totalEvents.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
	}
}

// HandleWebSocket upgrades HTTP to WebSocket
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Reject upgrades after the hub has stopped to prevent orphaned connections.
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	// Enforce connection limit
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
	}

	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump reads subscription updates from the WebSocket.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			break
		}

		var sub Subscription
		if err := json.Unmarshal(message, &sub); err != nil {
			c.hub.logger.Debug("ignoring malformed subscription", "error", err)
			continue
		}
		requested := len(sub.Addresses)
		sub, err = sub.normalize()
		if err != nil {
			c.hub.logger.Debug("ignoring subscription", "error", err, "addresses", requested)
			continue
		}
		if len(sub.Addresses) < requested {
			c.hub.logger.Debug("subscription addresses filtered", "requested", requested, "kept", len(sub.Addresses))
		}
		c.mu.Lock()
		c.sub = sub
		c.mu.Unlock()
	}
}

// writePump writes messages to WebSocket
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Warn("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}
