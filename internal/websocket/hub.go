package websocket

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/stemsi/testsync/internal/metrics"
	"github.com/stemsi/testsync/internal/model"
)

// Hub maps connection ids to live connections so sessions can address
// participants without holding socket references.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*Connection
	log   zerolog.Logger
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		conns: make(map[string]*Connection),
		log:   log.With().Str("component", "ws_hub").Logger(),
	}
}

func (h *Hub) Register(c *Connection) {
	h.mu.Lock()
	h.conns[c.ID()] = c
	n := len(h.conns)
	h.mu.Unlock()

	metrics.Connections.Set(float64(n))
	h.log.Debug().Str("conn_id", c.ID()).Int("connections", n).Msg("Connection registered")
}

func (h *Hub) Unregister(c *Connection) {
	h.mu.Lock()
	delete(h.conns, c.ID())
	n := len(h.conns)
	h.mu.Unlock()

	metrics.Connections.Set(float64(n))
}

// Get returns the connection registered under id.
func (h *Hub) Get(id string) (*Connection, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[id]
	return c, ok
}

// Len returns the number of registered connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Send delivers ev to connID. It reports false when the connection is gone
// or too slow to keep up, so callers can drop it.
func (h *Hub) Send(connID string, ev model.Event) bool {
	c, ok := h.Get(connID)
	if !ok {
		return false
	}
	return c.Enqueue(FromEvent(ev)) == nil
}

// CloseAll closes every registered connection.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.Close()
	}
}
