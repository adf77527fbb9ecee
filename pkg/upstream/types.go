package upstream

import (
	"context"
	"time"
)

// Tool is a function definition advertised to the model.
type Tool struct {
	// Name is the unique identifier for the tool.
	Name string

	// Description explains what the tool does (shown to the AI).
	Description string

	// Parameters is the complete JSON Schema object for the arguments.
	Parameters map[string]any
}

// TurnDetection configures voice activity detection (VAD) for turn-taking.
type TurnDetection struct {
	// Type specifies the VAD mode: "server_vad" or "none".
	Type string

	// Threshold is the VAD sensitivity (0.0-1.0, higher = less sensitive).
	Threshold float64

	// PrefixPaddingMs is the audio to include before speech detection (ms).
	PrefixPaddingMs int

	// SilenceDurationMs is how long silence indicates end of turn (ms).
	SilenceDurationMs int
}

// DefaultTurnDetection returns server VAD at 0.5 / 300ms / 500ms.
func DefaultTurnDetection() *TurnDetection {
	return &TurnDetection{
		Type:              "server_vad",
		Threshold:         0.5,
		PrefixPaddingMs:   300,
		SilenceDurationMs: 500,
	}
}

// SessionOptions configures one upstream session.
type SessionOptions struct {
	// Instructions is the system prompt.
	Instructions string

	// Voice is the output voice ("nova", "alloy", ...).
	Voice string

	// TranscriptionLanguage is passed to whisper-1 ("en", "ur").
	TranscriptionLanguage string

	// Tools available to the model.
	Tools []Tool

	// TurnDetection configures VAD. Nil uses DefaultTurnDetection.
	TurnDetection *TurnDetection
}

// Event is a structured upstream event, kept as raw bytes for pass-through.
type Event struct {
	Type string
	Raw  []byte
}

// FunctionCall is a completed function invocation from the model.
type FunctionCall struct {
	CallID    string
	ItemID    string
	Name      string
	Arguments string
}

// Handler receives everything read from an upstream connection. Calls come
// from the connection's reader goroutine, in arrival order.
type Handler interface {
	OnEvent(ev Event)
	OnBinary(data []byte)
	OnFunctionCall(call FunctionCall)
	// OnClose is called once when the remote side closes or the read fails.
	// It is not called after a local Close.
	OnClose(code int, reason string)
}

// Stats tracks per-connection usage.
type Stats struct {
	// ConnectedAt is when the connection was established.
	ConnectedAt time.Time

	// MessagesSent is the total messages written.
	MessagesSent int64

	// MessagesReceived is the total messages read.
	MessagesReceived int64
}

// Conn is one live upstream session.
type Conn interface {
	// AppendAudio forwards a base64 PCM16 chunk.
	AppendAudio(b64 string) error

	// CommitAudio commits the input audio buffer.
	CommitAudio() error

	// SendText adds a user text message and requests a response.
	SendText(text string) error

	// SubmitFunctionResult returns a function result and requests a response.
	SubmitFunctionResult(callID, name, output string) error

	// Close closes the connection without invoking Handler.OnClose.
	Close() error

	Stats() Stats
}

// Provider opens upstream sessions.
type Provider interface {
	// Open dials, sends the session configuration and starts reading.
	Open(ctx context.Context, opts SessionOptions, h Handler) (Conn, error)
}
