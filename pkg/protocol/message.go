// Package protocol defines the JSON messages exchanged between the browser
// and the relay over the /ws WebSocket.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies the type of WebSocket message
type MessageType string

const (
	// Browser → server messages
	TypeInit           MessageType = "init"            // Open (or re-open) the upstream session
	TypeAudio          MessageType = "audio"           // Base64 PCM16 chunk
	TypeText           MessageType = "text"            // Typed user message
	TypeFunctionResult MessageType = "function_result" // Browser's result for a function_call

	// Server → browser messages
	TypeConnection   MessageType = "connection"   // Session id, sent on connect
	TypeReady        MessageType = "ready"        // Upstream configured
	TypeError        MessageType = "error"        // Per-session error
	TypeFunctionCall MessageType = "function_call" // Cart function for the browser to execute
	TypeBinaryData   MessageType = "binary_data"  // Non-JSON upstream frame
	TypeDisconnected MessageType = "disconnected" // Upstream closed abnormally
)

// Parse errors.
var (
	ErrMalformed   = errors.New("protocol: malformed message")
	ErrUnknownType = errors.New("protocol: unknown message type")
)

// Inbound is any browser → server message. Only the fields belonging to
// Type are populated.
type Inbound struct {
	Type MessageType `json:"type"`

	// init
	Language string `json:"language,omitempty"`

	// audio
	Data string `json:"data,omitempty"`

	// text
	Text string `json:"text,omitempty"`

	// function_result
	ID     string          `json:"id,omitempty"`
	Name   string          `json:"name,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// Parse decodes a browser message. Malformed JSON wraps ErrMalformed; a
// well-formed message with an unrecognized type returns the message along
// with ErrUnknownType.
func Parse(data []byte) (*Inbound, error) {
	var msg Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch msg.Type {
	case TypeInit, TypeAudio, TypeText, TypeFunctionResult:
		return &msg, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return &msg, fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
}

// Outbound is any server → browser message.
type Outbound interface {
	MessageType() MessageType
}

// Encode serializes an outbound message. Upstream events are returned
// byte-for-byte.
func Encode(msg Outbound) ([]byte, error) {
	if ev, ok := msg.(Event); ok && len(ev.Raw) > 0 {
		return ev.Raw, nil
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s message: %w", msg.MessageType(), err)
	}
	return data, nil
}

// Sender delivers encoded frames to one browser connection. Implementations
// must be safe for concurrent use.
type Sender interface {
	Send(data []byte) error
	Close() error
}

// =============================================================================
// Server → Browser Message Types
// =============================================================================

// Connection carries the session id assigned on connect
type Connection struct {
	Type MessageType `json:"type"`
	ID   string      `json:"id"`
}

// Ready reports that the upstream session is configured
type Ready struct {
	Type MessageType `json:"type"`
}

// Error reports a per-session failure. The connection stays open.
type Error struct {
	Type  MessageType `json:"type"`
	Error string      `json:"error"`
}

// FunctionCall asks the browser to run a cart function
type FunctionCall struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// BinaryData wraps an upstream frame that was not JSON
type BinaryData struct {
	Type   MessageType `json:"type"`
	Format string      `json:"format"`
	Data   string      `json:"data"` // base64 encoded
}

// Disconnected reports an upstream close that will not be retried
type Disconnected struct {
	Type   MessageType `json:"type"`
	Code   int         `json:"code"`
	Reason string      `json:"reason"`
}

// Event is an upstream event forwarded verbatim.
type Event struct {
	Kind string
	Raw  json.RawMessage
}

func (Connection) MessageType() MessageType   { return TypeConnection }
func (Ready) MessageType() MessageType        { return TypeReady }
func (Error) MessageType() MessageType        { return TypeError }
func (FunctionCall) MessageType() MessageType { return TypeFunctionCall }
func (BinaryData) MessageType() MessageType   { return TypeBinaryData }
func (Disconnected) MessageType() MessageType { return TypeDisconnected }
func (e Event) MessageType() MessageType      { return MessageType(e.Kind) }

// MarshalJSON returns the upstream bytes unchanged.
func (e Event) MarshalJSON() ([]byte, error) {
	if len(e.Raw) == 0 {
		return []byte("null"), nil
	}
	return e.Raw, nil
}
