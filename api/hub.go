package api

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub fans cycle updates out to connected websocket clients. The
// broadcast channel is buffered and drops on overflow so the pipeline
// never blocks on a slow or disconnected dashboard.
type Hub struct {
	clients   map[*websocket.Conn]bool
	broadcast chan []byte
	lock      sync.Mutex
	log       *logrus.Entry
}

// NewHub creates a hub; call Run in its own goroutine.
func NewHub(log *logrus.Logger) *Hub {
	return &Hub{
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan []byte, 16),
		log:       log.WithField("component", "hub"),
	}
}

// Run delivers broadcasts until the channel is closed. Clients that
// fail a write are dropped.
func (h *Hub) Run() {
	for message := range h.broadcast {
		h.lock.Lock()
		for client := range h.clients {
			if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
				client.Close()
				delete(h.clients, client)
			}
		}
		h.lock.Unlock()
	}
}

// Broadcast queues a JSON-encoded update, dropping it when the buffer
// is full.
func (h *Hub) Broadcast(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		h.log.WithError(err).Warn("failed to encode broadcast payload")
		return
	}
	select {
	case h.broadcast <- payload:
	default:
		h.log.Debug("broadcast buffer full, dropping update")
	}
}

// ClientCount returns the number of connected dashboard clients.
func (h *Hub) ClientCount() int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return len(h.clients)
}

func (h *Hub) register(conn *websocket.Conn) {
	h.lock.Lock()
	h.clients[conn] = true
	h.lock.Unlock()
}

// Close stops the delivery loop and disconnects all clients.
func (h *Hub) Close() {
	close(h.broadcast)
	h.lock.Lock()
	defer h.lock.Unlock()
	for client := range h.clients {
		client.Close()
		delete(h.clients, client)
	}
}
