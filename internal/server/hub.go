package server

import "sync"

// Hub fans out change notifications to open admin streams. A notification
// carries no payload: subscribers re-query what they need, so pending
// notifications for a slow subscriber collapse into one.
type Hub struct {
	mu      sync.Mutex
	clients map[int]chan struct{}
	nextID  int
	before  []func()
}

// NewHub creates an empty Hub. Each beforePublish func runs on every Publish
// before any client is notified.
func NewHub(beforePublish ...func()) *Hub {
	return &Hub{clients: make(map[int]chan struct{}), before: beforePublish}
}

// Subscribe registers a client. The returned func unregisters it and closes
// the channel; calling it more than once is safe.
func (h *Hub) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.clients[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.clients, id)
			close(ch)
			h.mu.Unlock()
		})
	}
}

// Publish notifies every client without blocking.
func (h *Hub) Publish() {
	for _, fn := range h.before {
		fn()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.clients {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Clients returns the number of subscribers.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
