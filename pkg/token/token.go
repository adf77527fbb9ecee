// Package token serves session-token mode: the browser asks the server for
// an ephemeral realtime credential and then talks to the upstream directly.
// The server only provisions the credential and the session configuration.
package token

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/teslashibe/pizzavoice/internal/httpc"
	"github.com/teslashibe/pizzavoice/pkg/catalog"
	"github.com/teslashibe/pizzavoice/pkg/prompt"
	"github.com/teslashibe/pizzavoice/pkg/relay"
	"github.com/teslashibe/pizzavoice/pkg/upstream"
)

// DefaultBaseURL is the REST API root.
const DefaultBaseURL = "https://api.openai.com"

// Config configures a Minter.
type Config struct {
	APIKey   string
	BaseURL  string
	Model    string
	Catalog  *catalog.Catalog
	Language prompt.Language

	// Client defaults to httpc.Client.
	Client *http.Client
	Logger *slog.Logger
}

// Session is returned to the browser.
type Session struct {
	ClientSecret string           `json:"client_secret"`
	ExpiresAt    int64            `json:"expires_at"`
	Model        string           `json:"model"`
	Voice        string           `json:"voice"`
	Instructions string           `json:"instructions"`
	Tools        []map[string]any `json:"tools"`
}

// Minter creates ephemeral realtime sessions.
type Minter struct {
	apiKey   string
	baseURL  string
	model    string
	catalog  *catalog.Catalog
	language prompt.Language
	client   *http.Client
	logger   *slog.Logger
}

// New creates a Minter.
func New(cfg Config) (*Minter, error) {
	if cfg.APIKey == "" {
		return nil, upstream.ErrMissingAPIKey
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = upstream.DefaultModel
	}
	if cfg.Language == "" {
		cfg.Language = prompt.DefaultLanguage
	}
	if cfg.Client == nil {
		cfg.Client = httpc.Client
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Minter{
		apiKey:   cfg.APIKey,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		model:    cfg.Model,
		catalog:  cfg.Catalog,
		language: cfg.Language,
		client:   cfg.Client,
		logger:   cfg.Logger.With("component", "token"),
	}, nil
}

type sessionResponse struct {
	ClientSecret struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// Mint requests an ephemeral session configured exactly like a relayed one.
func (m *Minter) Mint(ctx context.Context, lang prompt.Language) (*Session, error) {
	opts, err := relay.SessionOptions(m.catalog, lang)
	if err != nil {
		return nil, err
	}

	cfg := upstream.SessionConfig(opts)
	cfg["model"] = m.model
	body, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("token: marshal session config: %w", err)
	}

	resp, err := httpc.PostJSON(ctx, m.client, m.baseURL+"/v1/realtime/sessions", m.apiKey, body)
	if err != nil {
		return nil, upstream.NewConnectionError("session request failed", err, true)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, upstream.NewConnectionError("read session response", err, true)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, parseError(resp.StatusCode, data)
	}

	var sr sessionResponse
	if err := json.Unmarshal(data, &sr); err != nil {
		return nil, fmt.Errorf("token: decode session response: %w", err)
	}
	if sr.ClientSecret.Value == "" {
		return nil, &upstream.APIError{StatusCode: resp.StatusCode, Message: "response has no client secret"}
	}

	tools, _ := cfg["tools"].([]map[string]any)
	m.logger.Debug("minted session", "language", lang, "expires_at", sr.ClientSecret.ExpiresAt)

	return &Session{
		ClientSecret: sr.ClientSecret.Value,
		ExpiresAt:    sr.ClientSecret.ExpiresAt,
		Model:        m.model,
		Voice:        opts.Voice,
		Instructions: opts.Instructions,
		Tools:        tools,
	}, nil
}

func parseError(status int, body []byte) error {
	var er errorResponse
	if json.Unmarshal(body, &er) == nil && er.Error.Message != "" {
		return upstream.NewAPIError(status, er.Error.Code, er.Error.Message)
	}
	return upstream.NewAPIError(status, "", http.StatusText(status))
}

// RegisterRoutes registers POST /session on the API group.
func (m *Minter) RegisterRoutes(api fiber.Router) {
	api.Post("/session", m.handleSession)
}

func (m *Minter) handleSession(c *fiber.Ctx) error {
	var req struct {
		Language string `json:"language"`
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
		}
	}

	lang := m.language
	if req.Language != "" {
		l, ok := prompt.ParseLanguage(req.Language)
		if !ok {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": fmt.Sprintf("unsupported language %q", req.Language),
			})
		}
		lang = l
	}

	sess, err := m.Mint(c.UserContext(), lang)
	if err != nil {
		m.logger.Error("mint session failed", "error", err, "retryable", upstream.IsRetryable(err))
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "failed to create session"})
	}
	return c.JSON(sess)
}
