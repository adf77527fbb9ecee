// Package upstream connects relay sessions to the OpenAI Realtime API.
//
// Each Open call dials one WebSocket, sends session.update with the voice,
// tools and instructions for the session, then reads frames on its own
// goroutine and hands them to the caller's Handler:
//
//	conn, err := provider.Open(ctx, upstream.SessionOptions{
//	    Instructions: instructions,
//	    Voice:        upstream.VoiceNova,
//	    Tools:        tools,
//	}, handler)
//	if err != nil {
//	    return err
//	}
//	defer conn.Close()
//
//	conn.AppendAudio(chunk)
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
)

// Event types handled specially.
const (
	EventFunctionCallArgumentsDone = "response.function_call_arguments.done"
	EventError                     = "error"
)

// OpenAI implements Provider for the OpenAI Realtime API.
type OpenAI struct {
	config *Config
	logger *slog.Logger
}

// NewOpenAI creates a new OpenAI Realtime provider.
func NewOpenAI(opts ...Option) (*OpenAI, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &OpenAI{
		config: cfg,
		logger: cfg.Logger.With("component", "upstream.openai"),
	}, nil
}

// Open dials the realtime endpoint and configures the session.
func (o *OpenAI) Open(ctx context.Context, opts SessionOptions, h Handler) (Conn, error) {
	endpoint := fmt.Sprintf("%s?model=%s", o.config.URL, url.QueryEscape(o.config.Model))

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+o.config.APIKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	dialer := websocket.Dialer{
		HandshakeTimeout: o.config.HandshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}

	o.logger.Debug("connecting to OpenAI Realtime API", "model", o.config.Model)

	ws, resp, err := dialer.DialContext(ctx, endpoint, headers)
	if err != nil {
		if resp != nil {
			ce := NewConnectionError(
				fmt.Sprintf("dial failed with status %d", resp.StatusCode),
				err,
				resp.StatusCode >= 500,
			)
			ce.StatusCode = resp.StatusCode
			return nil, ce
		}
		return nil, NewConnectionError("dial failed", err, true)
	}

	c := &openAIConn{
		ws:           ws,
		handler:      h,
		logger:       o.logger,
		readTimeout:  o.config.ReadTimeout,
		writeTimeout: o.config.WriteTimeout,
		connectedAt:  time.Now(),
		done:         make(chan struct{}),
	}

	if err := c.writeJSON(SessionUpdate(opts)); err != nil {
		_ = ws.Close()
		return nil, NewConnectionError("configure session failed", err, true)
	}

	go c.readLoop()
	if o.config.PingInterval > 0 {
		go c.pingLoop(o.config.PingInterval)
	}

	o.logger.Info("connected to OpenAI Realtime API",
		"voice", opts.Voice,
		"language", opts.TranscriptionLanguage,
	)
	return c, nil
}

// SessionConfig returns the session object shared by session.update and
// ephemeral session creation.
func SessionConfig(opts SessionOptions) map[string]any {
	td := opts.TurnDetection
	if td == nil {
		td = DefaultTurnDetection()
	}

	tools := make([]map[string]any, len(opts.Tools))
	for i, tool := range opts.Tools {
		tools[i] = map[string]any{
			"type":        "function",
			"name":        tool.Name,
			"description": tool.Description,
			"parameters":  tool.Parameters,
		}
	}

	transcription := map[string]any{"model": "whisper-1"}
	if opts.TranscriptionLanguage != "" {
		transcription["language"] = opts.TranscriptionLanguage
	}

	return map[string]any{
		"modalities":                []string{"text", "audio"},
		"instructions":              opts.Instructions,
		"voice":                     opts.Voice,
		"input_audio_format":        "pcm16",
		"output_audio_format":       "pcm16",
		"input_audio_transcription": transcription,
		"turn_detection": map[string]any{
			"type":                td.Type,
			"threshold":           td.Threshold,
			"prefix_padding_ms":   td.PrefixPaddingMs,
			"silence_duration_ms": td.SilenceDurationMs,
		},
		"tools":       tools,
		"tool_choice": "auto",
	}
}

// SessionUpdate wraps SessionConfig in a session.update event.
func SessionUpdate(opts SessionOptions) map[string]any {
	return map[string]any{
		"type":    "session.update",
		"session": SessionConfig(opts),
	}
}

type openAIConn struct {
	ws      *websocket.Conn
	handler Handler
	logger  *slog.Logger

	readTimeout  time.Duration
	writeTimeout time.Duration
	connectedAt  time.Time

	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}

	messagesSent     atomic.Int64
	messagesReceived atomic.Int64
}

func (c *openAIConn) AppendAudio(b64 string) error {
	return c.writeJSON(map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": b64,
	})
}

func (c *openAIConn) CommitAudio() error {
	return c.writeJSON(map[string]string{"type": "input_audio_buffer.commit"})
}

func (c *openAIConn) SendText(text string) error {
	item := map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type": "message",
			"role": "user",
			"content": []map[string]any{
				{"type": "input_text", "text": text},
			},
		},
	}
	if err := c.writeJSON(item); err != nil {
		return err
	}
	return c.writeJSON(map[string]string{"type": "response.create"})
}

func (c *openAIConn) SubmitFunctionResult(callID, name, output string) error {
	item := map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  output,
		},
	}
	if err := c.writeJSON(item); err != nil {
		return err
	}
	if err := c.writeJSON(map[string]string{"type": "response.create"}); err != nil {
		return err
	}

	c.logger.Debug("submitted function result",
		"call_id", callID,
		"name", name,
		"result_len", len(output),
	)
	return nil
}

func (c *openAIConn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)

		c.writeMu.Lock()
		_ = c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		_ = c.ws.Close()
	})
	return nil
}

func (c *openAIConn) Stats() Stats {
	return Stats{
		ConnectedAt:      c.connectedAt,
		MessagesSent:     c.messagesSent.Load(),
		MessagesReceived: c.messagesReceived.Load(),
	}
}

func (c *openAIConn) writeJSON(v any) error {
	if c.closed.Load() {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := c.ws.WriteJSON(v); err != nil {
		return NewConnectionError("write failed", err, true)
	}
	c.messagesSent.Add(1)
	return nil
}

func (c *openAIConn) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	wait := c.writeTimeout
	if wait <= 0 {
		wait = 5 * time.Second
	}

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wait))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug("ping failed", "error", err)
				return
			}
		}
	}
}

// readLoop reads until the connection fails, then reports the close once.
func (c *openAIConn) readLoop() {
	c.extendDeadline()
	c.ws.SetPongHandler(func(string) error {
		c.extendDeadline()
		return nil
	})

	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.closed.Load() {
				return
			}
			code, reason := closeStatus(err)
			c.logger.Info("upstream closed", "code", code, "reason", reason)

			c.closeOnce.Do(func() {
				c.closed.Store(true)
				close(c.done)
				_ = c.ws.Close()
			})
			c.handler.OnClose(code, reason)
			return
		}

		c.messagesReceived.Add(1)
		c.extendDeadline()

		switch mt {
		case websocket.TextMessage:
			c.dispatch(data)
		case websocket.BinaryMessage:
			if utf8.Valid(data) && json.Valid(data) {
				c.dispatch(data)
			} else {
				c.handler.OnBinary(data)
			}
		}
	}
}

type envelope struct {
	Type      string `json:"type"`
	CallID    string `json:"call_id"`
	ItemID    string `json:"item_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
	Error     *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *openAIConn) dispatch(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.logger.Warn("dropping unparseable upstream message",
			"error", fmt.Errorf("%w: %v", ErrInvalidMessage, err),
			"size", len(data),
		)
		return
	}

	switch env.Type {
	case EventFunctionCallArgumentsDone:
		c.logger.Info("function call received", "name", env.Name, "call_id", env.CallID)
		c.handler.OnFunctionCall(FunctionCall{
			CallID:    env.CallID,
			ItemID:    env.ItemID,
			Name:      env.Name,
			Arguments: env.Arguments,
		})
		return
	case EventError:
		if env.Error != nil {
			c.logger.Warn("upstream error event", "error", NewAPIError(0, env.Error.Code, env.Error.Message))
		}
	}

	c.handler.OnEvent(Event{Type: env.Type, Raw: data})
}

func (c *openAIConn) extendDeadline() {
	if c.readTimeout > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.readTimeout))
	}
}

// closeStatus maps a read error to a WebSocket close code and reason.
// Errors without a close frame report 1006.
func closeStatus(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	return websocket.CloseAbnormalClosure, err.Error()
}

// Ensure implementations satisfy the interfaces.
var (
	_ Provider = (*OpenAI)(nil)
	_ Conn     = (*openAIConn)(nil)
)
