package utils

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/usenocturne/envsensed/metrics"
)

const (
	writeDeadline = 100 * time.Millisecond
	outboxSize    = 256
)

type WebSocketHub struct {
	clients map[*websocket.Conn]bool
	mu      sync.Mutex
	outbox  chan WebSocketEvent
}

func NewWebSocketHub() *WebSocketHub {
	return &WebSocketHub{
		clients: make(map[*websocket.Conn]bool),
		outbox:  make(chan WebSocketEvent, outboxSize),
	}
}

func (h *WebSocketHub) AddClient(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[conn] = true
	metrics.WebSocketClients.Set(float64(len(h.clients)))
}

func (h *WebSocketHub) RemoveClient(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
	metrics.WebSocketClients.Set(float64(len(h.clients)))
}

func (h *WebSocketHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Publish queues event for the Run loop without blocking. Events are dropped
// when the outbox is full.
func (h *WebSocketHub) Publish(event WebSocketEvent) {
	select {
	case h.outbox <- event:
	default:
		log.Debug().Str("component", "ws").Str("type", event.Type).Msg("outbox full, dropping event")
	}
}

// Run broadcasts queued events in order until ctx ends, then closes every
// client.
func (h *WebSocketHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case ev := <-h.outbox:
			h.Broadcast(ev)
		}
	}
}

// Broadcast writes event to every client. Only one Broadcast may run at a
// time; use Publish from other goroutines.
func (h *WebSocketHub) Broadcast(event WebSocketEvent) {
	h.mu.Lock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		clients = append(clients, conn)
	}
	h.mu.Unlock()

	var wg sync.WaitGroup
	var failedClients []*websocket.Conn
	var failedMu sync.Mutex

	for _, conn := range clients {
		wg.Add(1)
		go func(c *websocket.Conn) {
			defer wg.Done()

			// Slow clients must not hold up the rest.
			c.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.WriteJSON(event); err != nil {
				failedMu.Lock()
				failedClients = append(failedClients, c)
				failedMu.Unlock()
			}
		}(conn)
	}
	wg.Wait()

	if len(failedClients) > 0 {
		h.mu.Lock()
		for _, conn := range failedClients {
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
		}
		metrics.WebSocketClients.Set(float64(len(h.clients)))
		h.mu.Unlock()
	}
}

func (h *WebSocketHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeDeadline))
		conn.Close()
		delete(h.clients, conn)
	}
	metrics.WebSocketClients.Set(0)
}
