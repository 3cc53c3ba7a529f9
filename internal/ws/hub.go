package ws

import (
	"sync"

	"raterhub/api/internal/metrics"
)

// Hub tracks the live clients of every principal.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
}

func NewHub() *Hub {
	return &Hub{clients: make(map[string]map[*Client]struct{})}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	uid := c.uid
	if _, ok := h.clients[uid]; !ok {
		h.clients[uid] = make(map[*Client]struct{})
	}
	h.clients[uid][c] = struct{}{}
	metrics.IncWSActive()
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	uid := c.uid
	conns, ok := h.clients[uid]
	if !ok {
		return
	}
	if _, ok := conns[c]; !ok {
		return
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(h.clients, uid)
	}
	metrics.DecWSActive()
}

// Count returns the number of open clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, conns := range h.clients {
		n += len(conns)
	}
	return n
}

// Connected reports whether uid has at least one open client.
func (h *Hub) Connected(uid string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[uid]) > 0
}

// Disconnect closes every client of uid, for example after suspension.
func (h *Hub) Disconnect(uid string) int {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients[uid]))
	for c := range h.clients[uid] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	for _, c := range targets {
		c.shutdown()
	}
	return len(targets)
}

// CloseAll closes every client. Used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	var targets []*Client
	for _, conns := range h.clients {
		for c := range conns {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range targets {
		c.shutdown()
	}
}
