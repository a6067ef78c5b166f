package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

// hub owns every websocket connection; only its run loop writes to them.
type hub struct {
	log        *slog.Logger
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
}

func newHub(logger *slog.Logger) *hub {
	return &hub{
		log:        logger,
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 4),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

// add registers conn; false when the hub has stopped or ctx ended first.
func (h *hub) add(ctx context.Context, conn *websocket.Conn) bool {
	select {
	case h.register <- conn:
		return true
	case <-h.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func (h *hub) remove(conn *websocket.Conn) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

// send queues a message for every client, dropping it when the hub is backed up.
func (h *hub) send(data []byte) {
	select {
	case h.broadcast <- data:
	case <-h.done:
	default:
		h.log.Debug("websocket broadcast dropped")
	}
}

func (h *hub) run(ctx context.Context) {
	defer func() {
		close(h.done)
		for client := range h.clients {
			client.Close()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.clients[client] = true
			h.log.Debug("WebSocket client connected", "clients", len(h.clients))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
				h.log.Debug("WebSocket client disconnected", "clients", len(h.clients))
			}

		case message := <-h.broadcast:
			for client := range h.clients {
				client.SetWriteDeadline(time.Now().Add(writeWait))
				if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
					delete(h.clients, client)
					client.Close()
				}
			}
		}
	}
}
