package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lihuazhang/aicowork/pkg/bridge"
	"github.com/lihuazhang/aicowork/pkg/events"
	"github.com/lihuazhang/aicowork/pkg/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // same-origin requests carry no Origin header
		}
		for _, prefix := range []string{"http://localhost", "http://127.0.0.1", "https://localhost", "https://127.0.0.1"} {
			if len(origin) >= len(prefix) && origin[:len(prefix)] == prefix {
				return true
			}
		}
		logger.WarnCF("api", "Rejected WebSocket from disallowed origin", map[string]any{"origin": origin})
		return false
	},
}

// WSClient is one connected WebSocket consumer.
type WSClient struct {
	conn *websocket.Conn
	send chan []byte
	hub  *WSHub
}

// WSHub fan-outs bridge events to WebSocket clients.
type WSHub struct {
	registry   *bridge.Registry
	clients    map[*WSClient]bool
	broadcast  chan events.Event
	register   chan *WSClient
	unregister chan *WSClient
	mu         sync.Mutex
}

// NewWSHub creates the hub.
func NewWSHub(registry *bridge.Registry) *WSHub {
	return &WSHub{
		registry:   registry,
		clients:    make(map[*WSClient]bool),
		broadcast:  make(chan events.Event, 256),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
	}
}

// Forward feeds a bridge event into the hub. Non-blocking; a full queue
// drops the event rather than stalling the publisher.
func (h *WSHub) Forward(ev events.Event) {
	select {
	case h.broadcast <- ev:
	default:
	}
}

// Run is the hub's main loop.
func (h *WSHub) Run(ctx context.Context) {
	statusTicker := time.NewTicker(10 * time.Second)
	defer statusTicker.Stop()

	for {
		select {
		case <-ctx.Done():
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
			logger.DebugC("api", "WebSocket client connected")
			h.sendSnapshot(client)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			logger.DebugC("api", "WebSocket client disconnected")

		case ev := <-h.broadcast:
			h.send(ev)

		case <-statusTicker.C:
			h.mu.Lock()
			n := len(h.clients)
			h.mu.Unlock()
			if n > 0 {
				h.send(events.New("bots.snapshot", "api", h.registry.AllStatuses()))
			}
		}
	}
}

func (h *WSHub) send(ev events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, drop it.
			close(client.send)
			delete(h.clients, client)
		}
	}
}

// sendSnapshot pushes the current bot statuses to a new client.
func (h *WSHub) sendSnapshot(client *WSClient) {
	data, err := json.Marshal(events.New("bots.snapshot", "api", h.registry.AllStatuses()))
	if err != nil {
		return
	}
	select {
	case client.send <- data:
	default:
	}
}

// HandleWebSocket upgrades the request. Auth happened in the middleware;
// established connections need no per-message auth.
func (h *WSHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.ErrorCF("api", "WebSocket upgrade failed", map[string]any{"error": err.Error()})
		return
	}
	client := &WSClient{
		conn: conn,
		send: make(chan []byte, 256),
		hub:  h,
	}
	h.register <- client
	go client.writePump()
	go client.readPump()
}

// --- Client pumps ---

func (c *WSClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
