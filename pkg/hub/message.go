// Package hub is the operator monitor feed: a channel-based fan-out of
// session lifecycle and order events to /ws/monitor subscribers.
package hub

import (
	"encoding/json"
	"time"
)

// Message is one encoded event queued for monitor clients.
type Message struct {
	Kind string
	Data []byte
}

// Event is the envelope published to monitor clients.
type Event struct {
	Kind string    `json:"kind"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

// Encode serializes the event.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}
