// Package socket is the WebSocket transport: one hub, one goroutine pair per
// client, channel-addressed frames pushed from the notification router.
package socket

import (
	"sync"

	"codepad/api/internal/logger"
	"codepad/api/internal/presence"
)

// Hub tracks connected clients and implements notify.Transport. Clients are
// indexed by user id so private sends can address every live connection a
// user holds.
type Hub struct {
	registry presence.Registry

	mu      sync.Mutex
	clients map[*Client]bool
	byUser  map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
}

func NewHub(registry presence.Registry) *Hub {
	return &Hub{
		registry:   registry,
		clients:    make(map[*Client]bool),
		byUser:     make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// Run processes connect/disconnect lifecycle events. Call in its own
// goroutine before serving connections.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.add(client)
		case client := <-h.unregister:
			h.drop(client)
		}
	}
}

func (h *Hub) add(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	if h.byUser[client.userID] == nil {
		h.byUser[client.userID] = make(map[*Client]bool)
	}
	h.byUser[client.userID][client] = true
	h.mu.Unlock()

	// Presence add is outside the hub lock: the registry's change hook
	// broadcasts, and broadcasting takes the lock again.
	h.registry.Add(client.userID)
	logger.Sugar.Infow("client connected", "user", client.userID)
}

func (h *Hub) drop(client *Client) {
	h.mu.Lock()
	if !h.clients[client] {
		// Duplicate unregister from a reconnect race; dropping twice is
		// harmless.
		h.mu.Unlock()
		return
	}
	delete(h.clients, client)
	delete(h.byUser[client.userID], client)
	lastConn := len(h.byUser[client.userID]) == 0
	if lastConn {
		delete(h.byUser, client.userID)
	}
	close(client.send)
	h.mu.Unlock()

	if lastConn {
		h.registry.Remove(client.userID)
	}
	logger.Sugar.Infow("client disconnected", "user", client.userID)
}

// Broadcast queues the payload for every connected client. Queueing happens
// under the lock so a concurrent drop cannot close a channel mid-send; the
// actual socket writes happen on each client's write pump.
func (h *Hub) Broadcast(channel string, payload []byte) {
	h.mu.Lock()
	var lagging []*Client
	for client := range h.clients {
		if !h.offer(client, payload) {
			lagging = append(lagging, client)
		}
	}
	h.mu.Unlock()

	h.dropLagging(lagging)
}

// SendToUser queues the payload for every live connection the user holds and
// reports whether there was at least one.
func (h *Hub) SendToUser(userID string, payload []byte) bool {
	h.mu.Lock()
	connections := len(h.byUser[userID])
	var lagging []*Client
	for client := range h.byUser[userID] {
		if !h.offer(client, payload) {
			lagging = append(lagging, client)
		}
	}
	h.mu.Unlock()

	h.dropLagging(lagging)
	return connections > 0
}

// offer queues without blocking. Callers hold h.mu, the same lock drop closes
// send under, so the send can never hit a closed channel.
func (h *Hub) offer(client *Client, payload []byte) bool {
	select {
	case client.send <- payload:
		return true
	default:
		return false
	}
}

// dropLagging disconnects clients whose send buffer was full; better to lose
// a slow client than block the hub. Called without the lock held.
func (h *Hub) dropLagging(clients []*Client) {
	for _, client := range clients {
		logger.Sugar.Warnw("send buffer full, dropping client", "user", client.userID)
		go func(c *Client) { h.unregister <- c }(client)
	}
}
