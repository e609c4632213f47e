package http

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const sendBuffer = 64

// client is one websocket connection as seen by the hub.
type client struct {
	id          string
	connectedAt time.Time

	mu         sync.Mutex
	closed     bool
	send       chan []byte
	questionID string
}

func newClient() *client {
	return &client{
		id:          uuid.NewString(),
		connectedAt: time.Now(),
		send:        make(chan []byte, sendBuffer),
	}
}

// enqueue queues msg without blocking. A full queue drops its oldest frame so
// a slow reader only ever misses stale notifications.
func (c *client) enqueue(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
	}
	select {
	case <-c.send:
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *client) subscribe(questionID string) {
	c.mu.Lock()
	c.questionID = questionID
	c.mu.Unlock()
}

func (c *client) subscription() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.questionID
}

// Hub tracks connected realtime clients and fans messages out to them.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

func (h *Hub) register(c *client) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	log.Debug().Str("connection_id", c.id).Int("total_connections", len(h.clients)).Msg("connection registered")
	return len(h.clients)
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		log.Debug().Str("connection_id", c.id).Int("total_connections", len(h.clients)).Msg("connection unregistered")
	}
	h.mu.Unlock()
	c.close()
}

// Broadcast sends msg to every client and returns how many accepted it.
func (h *Hub) Broadcast(msg any) int {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Msg("encode broadcast")
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for c := range h.clients {
		if c.enqueue(data) {
			delivered++
		}
	}
	return delivered
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Subscriptions counts clients per subscribed question id.
func (h *Hub) Subscriptions() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]int)
	for c := range h.clients {
		if qid := c.subscription(); qid != "" {
			out[qid]++
		}
	}
	return out
}

// Close disconnects every client; their writers send a close frame and exit.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()
	for c := range clients {
		c.close()
	}
}
