package hub

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
)

// Hub fans monitor events out to every connected operator. Run owns the
// client set; everything else talks to it over channels.
type Hub struct {
	name   string
	logger *slog.Logger

	clients map[*Client]bool

	broadcast  chan Message
	register   chan *Client
	unregister chan *Client

	// Guards clients for ClientCount
	mu sync.RWMutex

	running atomic.Bool
	done    chan struct{}

	dropped atomic.Uint64
}

// New creates a new Hub
func New(name string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		name:       name,
		logger:     logger.With("component", "hub", "hub", name),
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Message, monitorQueue),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main loop and returns when ctx is cancelled, after
// disconnecting every client. Call it in a goroutine.
func (h *Hub) Run(ctx context.Context) {
	h.running.Store(true)
	defer func() {
		h.mu.Lock()
		for client := range h.clients {
			delete(h.clients, client)
			close(client.send)
		}
		h.mu.Unlock()
		h.running.Store(false)
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("monitor client connected", "addr", client.addr, "clients", count)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("monitor client disconnected", "addr", client.addr, "clients", count)

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Client's buffer is full - they're too slow
					close(client.send)
					delete(h.clients, client)
					h.logger.Warn("dropped slow monitor client", "addr", client.addr)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast sends a message to all connected clients
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	default:
		h.dropped.Add(1)
		h.logger.Warn("monitor queue full, dropping event", "kind", msg.Kind)
	}
}

// Publish broadcasts an Event envelope. Encoding failures are logged.
func (h *Hub) Publish(kind string, payload any) {
	data, err := Event{Kind: kind, Time: time.Now().UTC(), Data: payload}.Encode()
	if err != nil {
		h.logger.Error("encode monitor event", "kind", kind, "error", err)
		return
	}
	h.Broadcast(Message{Kind: kind, Data: data})
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many broadcasts were dropped because the hub was busy.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// IsRunning returns whether the hub is running
func (h *Hub) IsRunning() bool {
	return h.running.Load()
}

// RegisterRoutes serves the monitor feed at path. The path must sit under
// a route guarded by websocket upgrade middleware.
func (h *Hub) RegisterRoutes(app *fiber.App, path string) {
	app.Get(path, websocket.New(func(c *websocket.Conn) {
		client, ok := NewClient(h, c)
		if !ok {
			return
		}
		client.Run()
	}))
}
