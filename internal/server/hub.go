package server

import (
	"encoding/json"
	"sync"

	"github.com/voxbridge-dev/voxbridge/internal/log"
)

// Hub fans session events out to relay observers. Delivery is
// best-effort: slow observers are dropped, and nothing is replayed.
type Hub struct {
	clients    map[*hubClient]bool
	broadcast  chan []byte
	register   chan *hubClient
	unregister chan *hubClient
	done       chan struct{}
	stopOnce   sync.Once

	mu sync.RWMutex
}

// hubClient is one observer connection's send queue.
type hubClient struct {
	send chan []byte
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*hubClient]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *hubClient),
		unregister: make(chan *hubClient),
		done:       make(chan struct{}),
	}
}

// Run is the hub's main loop; call it in a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- msg:
				default:
					// Observer can't keep up; cut it loose.
					close(client.send)
					delete(h.clients, client)
					log.Debug("dropped slow relay observer")
				}
			}
			h.mu.Unlock()
		}
	}
}

// Stop shuts the hub down and disconnects every observer.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Broadcast queues raw bytes for every observer, dropping on overflow.
func (h *Hub) Broadcast(msg []byte) {
	select {
	case h.broadcast <- msg:
	case <-h.done:
	default:
		log.Warn("relay broadcast queue full, dropping event")
	}
}

// BroadcastJSON encodes and broadcasts one event.
func (h *Hub) BroadcastJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.Broadcast(data)
	return nil
}

// ClientCount reports connected observers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) subscribe() *hubClient {
	c := &hubClient{send: make(chan []byte, 64)}
	select {
	case h.register <- c:
	case <-h.done:
		close(c.send)
	}
	return c
}

func (h *Hub) drop(c *hubClient) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// RelayEvent is the envelope observers receive on /relay.
type RelayEvent struct {
	SessionID string `json:"session_id"`
	Type      string `json:"type"`
	Role      string `json:"role,omitempty"`
	Text      string `json:"text,omitempty"`
	State     string `json:"state,omitempty"`
	Agent     string `json:"agent,omitempty"`
}
