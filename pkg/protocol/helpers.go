package protocol

import (
	"encoding/base64"
	"encoding/json"
)

// =============================================================================
// Helper functions for creating messages
// =============================================================================

// NewConnection creates the connection message for a new session
func NewConnection(id string) Connection {
	return Connection{Type: TypeConnection, ID: id}
}

// NewReady creates a ready message
func NewReady() Ready {
	return Ready{Type: TypeReady}
}

// NewError creates an error message
func NewError(msg string) Error {
	return Error{Type: TypeError, Error: msg}
}

// NewFunctionCall creates a function_call message. Nil arguments encode as {}.
func NewFunctionCall(id, name string, args json.RawMessage) FunctionCall {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	return FunctionCall{Type: TypeFunctionCall, ID: id, Name: name, Arguments: args}
}

// NewBinaryData wraps an opaque upstream frame
func NewBinaryData(data []byte) BinaryData {
	return BinaryData{
		Type:   TypeBinaryData,
		Format: "application/octet-stream",
		Data:   base64.StdEncoding.EncodeToString(data),
	}
}

// NewDisconnected creates a disconnected message. An empty reason is
// reported as "Connection closed".
func NewDisconnected(code int, reason string) Disconnected {
	if reason == "" {
		reason = "Connection closed"
	}
	return Disconnected{Type: TypeDisconnected, Code: code, Reason: reason}
}

// NewEvent wraps an upstream event for pass-through
func NewEvent(kind string, raw []byte) Event {
	return Event{Kind: kind, Raw: raw}
}

// =============================================================================
// Helper functions for parsing messages
// =============================================================================

// DecodeAudio decodes the base64 audio payload
func (m *Inbound) DecodeAudio() ([]byte, error) {
	return base64.StdEncoding.DecodeString(m.Data)
}

// ResultSuccess reports the "success" field of a function_result payload.
// Results without the field count as successful.
func (m *Inbound) ResultSuccess() bool {
	var r struct {
		Success *bool `json:"success"`
	}
	if len(m.Result) == 0 || json.Unmarshal(m.Result, &r) != nil || r.Success == nil {
		return true
	}
	return *r.Success
}
