// Package relay streams store changes to dashboard clients over WebSocket.
//
// Each client may send a filter ({"riskLevel": "high", "searchTerm": "acme"})
// and then only receives inserted/updated records that pass it. Snapshot
// notices go to everyone so clients know when to refetch a view.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mbd888/riskwatch/internal/filter"
	"github.com/mbd888/riskwatch/internal/metrics"
	"github.com/mbd888/riskwatch/internal/reconciliation"
	"github.com/mbd888/riskwatch/internal/transaction"
)

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
			return true // non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// EventType for relayed events
type EventType string

const (
	EventInserted EventType = "inserted"
	EventUpdated  EventType = "updated"
	EventSnapshot EventType = "snapshot"
	EventFilter   EventType = "filter"
	EventError    EventType = "error"
)

// Event is one message to clients.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`

	tx *transaction.Transaction
}

// SnapshotData is the payload of a snapshot event.
type SnapshotData struct {
	Source reconciliation.Source `json:"source"`
	Len    int                   `json:"len"`
}

// FromNotification converts a store notification to an event.
func FromNotification(n reconciliation.Notification) *Event {
	ev := &Event{Timestamp: time.Now().UTC()}
	switch n.Kind {
	case reconciliation.KindInserted, reconciliation.KindUpdated:
		tx := n.Tx
		ev.Type = EventType(n.Kind)
		ev.Data = tx.Annotate()
		ev.tx = &tx
	default:
		ev.Type = EventSnapshot
		ev.Data = SnapshotData{Source: n.Source, Len: n.Len}
	}
	return ev
}

// Client represents a WebSocket connection
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	// direct carries replies to this client; only the hub closes send.
	direct chan []byte
	mu     sync.RWMutex
	spec   filter.Spec
}

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 1000

// Hub manages all relay connections.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxClients int

	totalEvents  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

// NewHub creates a new relay hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("relay hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends CloseMessage on closed channel
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveRelayClients.Set(0)
			h.logger.Info("relay hub stopped")
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
			metrics.ActiveRelayClients.Set(float64(n))
			h.logger.Info("relay client connected", "client_id", client.id, "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveRelayClients.Set(float64(n))
			h.logger.Info("relay client disconnected", "client_id", client.id, "total", n)

		case event := <-h.broadcast:
			h.totalEvents.Add(1)
			payload := h.serialize(event)
			h.mu.RLock()
			var slow []*Client
			for client := range h.clients {
				if h.shouldSend(client, event) {
					select {
					case client.send <- payload:
					default:
						slow = append(slow, client)
					}
				}
			}
			h.mu.RUnlock()
			if len(slow) > 0 {
				h.mu.Lock()
				for _, client := range slow {
					if _, ok := h.clients[client]; ok {
						close(client.send)
						delete(h.clients, client)
					}
				}
				h.mu.Unlock()
			}
		}
	}
}

// Follow forwards store notifications until ctx is done or ch is closed.
// Call in a goroutine.
func (h *Hub) Follow(ctx context.Context, ch <-chan reconciliation.Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-ch:
			if !ok {
				return
			}
			h.Broadcast(FromNotification(n))
		}
	}
}

// shouldSend checks the event against the client's filter. Events that
// carry no record go to every client.
func (h *Hub) shouldSend(client *Client, event *Event) bool {
	if event.tx == nil {
		return true
	}
	client.mu.RLock()
	spec := client.spec
	client.mu.RUnlock()
	return spec.Match(*event.tx)
}

func (h *Hub) serialize(event *Event) []byte {
	data, _ := json.Marshal(event)
	return data
}

// Broadcast sends an event to all matching clients
func (h *Hub) Broadcast(event *Event) {
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("broadcast channel full, dropping event", "type", event.Type)
	}
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

// HandleWebSocket upgrades HTTP to WebSocket. Query parameters risk, q and
// mode set the initial filter.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Reject upgrades after the hub has stopped to prevent orphaned connections.
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	q := r.URL.Query()
	spec, err := parseSpec(filter.Spec{
		RiskLevel:  filter.Level(q.Get("risk")),
		SearchTerm: q.Get("q"),
		Mode:       filter.Mode(q.Get("mode")),
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		id:     uuid.NewString(),
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 256),
		direct: make(chan []byte, 8),
		spec:   spec,
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

func parseSpec(in filter.Spec) (filter.Spec, error) {
	level, err := filter.ParseRiskLevel(string(in.RiskLevel))
	if err != nil {
		return filter.Spec{}, err
	}
	mode, err := filter.ParseMode(string(in.Mode))
	if err != nil {
		return filter.Spec{}, err
	}
	return filter.Spec{RiskLevel: level, SearchTerm: in.SearchTerm, Mode: mode}, nil
}

// reply queues a message for this client only.
func (c *Client) reply(typ EventType, data any) {
	msg, _ := json.Marshal(&Event{Type: typ, Timestamp: time.Now().UTC(), Data: data})
	select {
	case c.direct <- msg:
	default:
	}
}

// readPump reads filter updates from the client.
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
				c.hub.logger.Debug("relay read error", "client_id", c.id, "error", err)
			}
			break
		}

		var in filter.Spec
		if err := json.Unmarshal(message, &in); err != nil {
			c.reply(EventError, map[string]string{"error": "invalid filter: " + err.Error()})
			continue
		}
		spec, err := parseSpec(in)
		if err != nil {
			c.reply(EventError, map[string]string{"error": err.Error()})
			continue
		}
		c.mu.Lock()
		c.spec = spec
		c.mu.Unlock()
		c.reply(EventFilter, spec)
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
				c.hub.logger.Debug("relay write error", "client_id", c.id, "error", err)
				return
			}

		case message := <-c.direct:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
