// Package relay connects browser WebSocket sessions to upstream realtime
// sessions and bridges cart function calls between the two.
package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/teslashibe/pizzavoice/pkg/cart"
	"github.com/teslashibe/pizzavoice/pkg/catalog"
	"github.com/teslashibe/pizzavoice/pkg/orders"
	"github.com/teslashibe/pizzavoice/pkg/prompt"
	"github.com/teslashibe/pizzavoice/pkg/upstream"
)

// Monitor receives lifecycle and order events for operators.
type Monitor interface {
	Publish(kind string, payload any)
}

// Config configures a Relay.
type Config struct {
	// Provider opens upstream sessions. Required.
	Provider upstream.Provider

	// Catalog prices the cart mirror and renders instructions. Nil uses
	// the built-in catalog.
	Catalog *catalog.Catalog

	// Sink receives placed orders. Optional.
	Sink orders.Sink

	// Monitor receives session and order events. Optional.
	Monitor Monitor

	// Language is the default for sessions that do not pick one.
	Language prompt.Language

	ReconnectDelay     time.Duration
	PendingCallTimeout time.Duration
	SweepInterval      time.Duration
	DialTimeout        time.Duration

	Commit CommitConfig

	Logger *slog.Logger
}

// DefaultConfig returns the production defaults without a provider.
func DefaultConfig() Config {
	return Config{
		Language:           prompt.DefaultLanguage,
		ReconnectDelay:     2 * time.Second,
		PendingCallTimeout: 60 * time.Second,
		SweepInterval:      5 * time.Second,
		DialTimeout:        15 * time.Second,
		Commit:             DefaultCommitConfig(),
	}
}

var (
	// ErrNoProvider is returned by New without an upstream provider.
	ErrNoProvider = errors.New("relay: upstream provider is required")

	errSenderClosed = errors.New("relay: browser connection closed")
)

// Relay owns the session registry and the browser-facing routes.
type Relay struct {
	cfg      Config
	provider upstream.Provider
	catalog  *catalog.Catalog
	sink     orders.Sink
	monitor  Monitor
	logger   *slog.Logger
	registry *Registry
	stats    *Stats

	options map[prompt.Language]upstream.SessionOptions

	closeOnce sync.Once
}

// New creates a relay. Zero durations and an empty language take their
// DefaultConfig values.
func New(cfg Config) (*Relay, error) {
	if cfg.Provider == nil {
		return nil, ErrNoProvider
	}
	def := DefaultConfig()
	if cfg.Language == "" {
		cfg.Language = def.Language
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.PendingCallTimeout <= 0 {
		cfg.PendingCallTimeout = def.PendingCallTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.Commit.Policy == "" {
		cfg.Commit = def.Commit
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Catalog == nil {
		cat, err := catalog.Default()
		if err != nil {
			return nil, err
		}
		cfg.Catalog = cat
	}

	r := &Relay{
		cfg:      cfg,
		provider: cfg.Provider,
		catalog:  cfg.Catalog,
		sink:     cfg.Sink,
		monitor:  cfg.Monitor,
		logger:   cfg.Logger.With("component", "relay"),
		stats:    &Stats{},
		options:  make(map[prompt.Language]upstream.SessionOptions),
	}
	for _, lang := range []prompt.Language{prompt.English, prompt.Urdu} {
		opts, err := SessionOptions(cfg.Catalog, lang)
		if err != nil {
			return nil, err
		}
		r.options[lang] = opts
	}
	r.registry = newRegistry(r)
	return r, nil
}

// SessionOptions builds the upstream configuration for a language: rendered
// instructions, voice, transcription language, cart tools and server VAD.
func SessionOptions(cat *catalog.Catalog, lang prompt.Language) (upstream.SessionOptions, error) {
	instructions, err := prompt.Instructions(cat, lang)
	if err != nil {
		return upstream.SessionOptions{}, fmt.Errorf("relay: render %s instructions: %w", lang, err)
	}
	return upstream.SessionOptions{
		Instructions:          instructions,
		Voice:                 lang.Voice(),
		TranscriptionLanguage: lang.Locale(),
		Tools:                 Tools(cat),
		TurnDetection:         upstream.DefaultTurnDetection(),
	}, nil
}

// Tools converts the cart functions to upstream tool definitions.
func Tools(cat *catalog.Catalog) []upstream.Tool {
	fns := cart.Functions(cat)
	tools := make([]upstream.Tool, len(fns))
	for i, fn := range fns {
		tools[i] = upstream.Tool{
			Name:        fn.Name,
			Description: fn.Description,
			Parameters:  fn.Parameters,
		}
	}
	return tools
}

func (r *Relay) sessionOptions(lang prompt.Language) upstream.SessionOptions {
	if opts, ok := r.options[lang]; ok {
		return opts
	}
	return r.options[prompt.DefaultLanguage]
}

func (r *Relay) publish(kind string, payload any) {
	if r.monitor != nil {
		r.monitor.Publish(kind, payload)
	}
}

// Registry returns the session registry.
func (r *Relay) Registry() *Registry { return r.registry }

// Stats returns a snapshot of the relay counters.
func (r *Relay) Stats() StatsSnapshot {
	return r.stats.Snapshot(r.registry.Len())
}

// Close closes every session. It is safe to call more than once.
func (r *Relay) Close() {
	r.closeOnce.Do(func() {
		r.registry.Close()
		r.logger.Info("relay closed")
	})
}

// RegisterRoutes registers the browser WebSocket route on a Fiber app.
func (r *Relay) RegisterRoutes(app *fiber.App) {
	// WebSocket upgrade middleware
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws", websocket.New(r.handleBrowser))
}

// RegisterAPIRoutes registers REST API routes
func (r *Relay) RegisterAPIRoutes(api fiber.Router) {
	api.Get("/sessions", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"sessions": r.registry.Snapshot(),
			"count":    r.registry.Len(),
		})
	})

	api.Get("/sessions/stats", func(c *fiber.Ctx) error {
		return c.JSON(r.Stats())
	})

	api.Get("/sessions/:id", func(c *fiber.Ctx) error {
		s, ok := r.registry.Get(c.Params("id"))
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "session not found",
			})
		}
		return c.JSON(SessionInfo{
			ID:          s.ID(),
			State:       s.State(),
			Language:    s.Language(),
			ConnectedAt: s.CreatedAt(),
			Uptime:      time.Since(s.CreatedAt()).Round(time.Second).String(),
		})
	})

	api.Get("/menu", func(c *fiber.Ctx) error {
		return c.JSON(r.catalog)
	})
}

// handleBrowser handles one browser WebSocket connection
func (r *Relay) handleBrowser(c *websocket.Conn) {
	sender := newWSSender(c)
	s := r.registry.Create(sender)
	defer r.registry.Remove(s.ID())

	// Read loop
	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.logger.Warn("browser read error", "session_id", s.ID(), "error", err)
			}
			return
		}
		r.stats.MessagesReceived.Add(1)
		if !s.Deliver(data) {
			return
		}
	}
}

// browserWriteWait bounds a single write to a browser. A peer that stops
// reading fails the write instead of stalling the session loop.
const browserWriteWait = 10 * time.Second

// wsConn is the part of *websocket.Conn a wsSender writes through.
type wsConn interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// wsSender serializes writes to a browser connection.
type wsSender struct {
	mu     sync.Mutex
	conn   wsConn
	wait   time.Duration
	closed bool
}

func newWSSender(conn wsConn) *wsSender {
	return &wsSender{conn: conn, wait: browserWriteWait}
}

func (w *wsSender) Send(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errSenderClosed
	}
	if err := w.conn.SetWriteDeadline(time.Now().Add(w.wait)); err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsSender) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
		time.Now().Add(time.Second))
	return w.conn.Close()
}
