package statusapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/truar/DepotVente-sub001/internal/logging"
	"github.com/truar/DepotVente-sub001/internal/sync/worker"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	clientBuffer   = 256
	broadcastQueue = 256
)

// Event types pushed over the websocket.
const (
	EventSyncStatus    = "sync.status"
	EventSyncOperation = "sync.operation"
	EventSyncCompleted = "sync.completed"
	EventSyncFailed    = "sync.failed"
	EventStreamState   = "stream.state"
	EventStreamStats   = "stream.stats"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     localOrigin,
}

// localOrigin accepts non-browser clients and pages served from this machine.
func localOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// Envelope wraps all websocket messages.
type Envelope struct {
	Type      string `json:"type"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

// Dispatcher receives worker commands sent by websocket clients.
type Dispatcher interface {
	Send(msg worker.Message) bool
}

// Client is one websocket connection.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	mu            sync.Mutex
	subscriptions map[string]bool
}

// wants reports whether the client receives events of type t. A client with no
// subscriptions receives everything.
func (c *Client) wants(t string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscriptions) == 0 || c.subscriptions[t]
}

type message struct {
	eventType string
	payload   []byte
	// to restricts delivery to one client.
	to *Client
}

// Hub maintains active connections and broadcasts events to them.
type Hub struct {
	clients    map[string]*Client
	broadcast  chan message
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	dispatcher Dispatcher

	mu    sync.RWMutex
	count int
}

// NewHub creates a hub. Run must be called for it to deliver anything.
func NewHub(dispatcher Dispatcher) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		broadcast:  make(chan message, broadcastQueue),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		dispatcher: dispatcher,
	}
}

// Run manages connections and broadcasts until ctx is done. A hub runs once.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		for id, c := range h.clients {
			close(c.send)
			delete(h.clients, id)
		}
		h.setCount(0)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			h.clients[c.id] = c
			h.setCount(len(h.clients))
			logging.Debug("Websocket client connected", map[string]interface{}{
				"client": c.id,
				"total":  len(h.clients),
			})

		case c := <-h.unregister:
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				close(c.send)
			}
			h.setCount(len(h.clients))
			logging.Debug("Websocket client disconnected", map[string]interface{}{
				"client": c.id,
				"total":  len(h.clients),
			})

		case m := <-h.broadcast:
			for id, c := range h.clients {
				if m.to != nil && m.to != c {
					continue
				}
				if m.to == nil && !c.wants(m.eventType) {
					continue
				}
				select {
				case c.send <- m.payload:
				default:
					// Slow client: drop it.
					close(c.send)
					delete(h.clients, id)
				}
			}
			h.setCount(len(h.clients))
		}
	}
}

func (h *Hub) setCount(n int) {
	h.mu.Lock()
	h.count = n
	h.mu.Unlock()
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Broadcast queues an event for every interested client. It never blocks; an
// event is dropped when the queue is full.
func (h *Hub) Broadcast(eventType string, data any) {
	payload, err := json.Marshal(Envelope{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		logging.Error("Websocket: failed to marshal event", err, map[string]interface{}{"type": eventType})
		return
	}

	if !h.enqueue(message{eventType: eventType, payload: payload}) {
		logging.Warn("Websocket: broadcast queue full, dropping event", map[string]interface{}{"type": eventType})
	}
}

func (h *Hub) enqueue(m message) bool {
	select {
	case h.broadcast <- m:
		return true
	default:
		return false
	}
}

// inbound is a frame sent by a websocket client.
type inbound struct {
	Action  string          `json:"action"`
	Events  []string        `json:"events,omitempty"`
	Message json.RawMessage `json:"message,omitempty"`
}

// readPump handles frames from the connection until it fails.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn("Websocket read error", map[string]interface{}{"client": c.id, "error": err.Error()})
			}
			return
		}

		var in inbound
		if err := json.Unmarshal(data, &in); err != nil {
			c.reply("error", map[string]any{"error": "invalid frame"})
			continue
		}

		switch in.Action {
		case "subscribe":
			c.mu.Lock()
			for _, e := range in.Events {
				c.subscriptions[e] = true
			}
			c.mu.Unlock()
			c.reply("subscribe_ack", map[string]any{"subscribed": in.Events})

		case "unsubscribe":
			c.mu.Lock()
			for _, e := range in.Events {
				delete(c.subscriptions, e)
			}
			c.mu.Unlock()

		case "ping":
			c.reply("pong", nil)

		case "worker":
			msg, err := worker.DecodeMessage(in.Message)
			if err != nil {
				c.reply("error", map[string]any{"error": err.Error()})
				continue
			}
			if c.hub.dispatcher == nil || !c.hub.dispatcher.Send(msg) {
				c.reply("error", map[string]any{"error": "worker unavailable", "type": msg.Type})
				continue
			}
			c.reply("worker_ack", map[string]any{"type": msg.Type})

		default:
			c.reply("error", map[string]any{"error": "unknown action " + in.Action})
		}
	}
}

// writePump writes queued messages and keeps the connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// reply sends a direct answer to this client only, through the hub so it never
// races the hub closing the send channel.
func (c *Client) reply(action string, data map[string]any) {
	frame := map[string]any{
		"action":    action,
		"timestamp": time.Now().UnixMilli(),
	}
	for k, v := range data {
		frame[k] = v
	}
	payload, _ := json.Marshal(frame)
	c.hub.enqueue(message{eventType: action, payload: payload, to: c})
}

// ServeWS upgrades the request and registers the connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("Websocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	c := &Client{
		id:            time.Now().Format("20060102150405.000") + "-" + r.RemoteAddr,
		conn:          conn,
		send:          make(chan []byte, clientBuffer),
		hub:           h,
		subscriptions: make(map[string]bool),
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}
