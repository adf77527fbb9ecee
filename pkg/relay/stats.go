package relay

import (
	"fmt"
	"io"
	"sync/atomic"
)

// Stats are process-wide relay counters.
type Stats struct {
	SessionsOpened     atomic.Uint64
	SessionsClosed     atomic.Uint64
	MessagesReceived   atomic.Uint64
	MessagesSent       atomic.Uint64
	AudioChunks        atomic.Uint64
	AudioCommits       atomic.Uint64
	UpstreamOpens      atomic.Uint64
	UpstreamFailures   atomic.Uint64
	UpstreamReconnects atomic.Uint64
	FunctionCalls      atomic.Uint64
	FunctionRejected   atomic.Uint64
	FunctionResults    atomic.Uint64
	OrdersPlaced       atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	ActiveSessions     int    `json:"active_sessions"`
	SessionsOpened     uint64 `json:"sessions_opened"`
	SessionsClosed     uint64 `json:"sessions_closed"`
	MessagesReceived   uint64 `json:"messages_received"`
	MessagesSent       uint64 `json:"messages_sent"`
	AudioChunks        uint64 `json:"audio_chunks"`
	AudioCommits       uint64 `json:"audio_commits"`
	UpstreamOpens      uint64 `json:"upstream_opens"`
	UpstreamFailures   uint64 `json:"upstream_failures"`
	UpstreamReconnects uint64 `json:"upstream_reconnects"`
	FunctionCalls      uint64 `json:"function_calls"`
	FunctionRejected   uint64 `json:"function_rejected"`
	FunctionResults    uint64 `json:"function_results"`
	OrdersPlaced       uint64 `json:"orders_placed"`
}

// Snapshot copies the counters.
func (s *Stats) Snapshot(active int) StatsSnapshot {
	return StatsSnapshot{
		ActiveSessions:     active,
		SessionsOpened:     s.SessionsOpened.Load(),
		SessionsClosed:     s.SessionsClosed.Load(),
		MessagesReceived:   s.MessagesReceived.Load(),
		MessagesSent:       s.MessagesSent.Load(),
		AudioChunks:        s.AudioChunks.Load(),
		AudioCommits:       s.AudioCommits.Load(),
		UpstreamOpens:      s.UpstreamOpens.Load(),
		UpstreamFailures:   s.UpstreamFailures.Load(),
		UpstreamReconnects: s.UpstreamReconnects.Load(),
		FunctionCalls:      s.FunctionCalls.Load(),
		FunctionRejected:   s.FunctionRejected.Load(),
		FunctionResults:    s.FunctionResults.Load(),
		OrdersPlaced:       s.OrdersPlaced.Load(),
	}
}

// WritePrometheus writes the snapshot in the Prometheus text format.
func (s StatsSnapshot) WritePrometheus(w io.Writer) error {
	metrics := []struct {
		name, help, kind string
		value            uint64
	}{
		{"pizzavoice_sessions_active", "Connected browser sessions", "gauge", uint64(s.ActiveSessions)},
		{"pizzavoice_sessions_opened_total", "Browser sessions opened", "counter", s.SessionsOpened},
		{"pizzavoice_sessions_closed_total", "Browser sessions closed", "counter", s.SessionsClosed},
		{"pizzavoice_messages_received_total", "Messages received from browsers", "counter", s.MessagesReceived},
		{"pizzavoice_messages_sent_total", "Messages sent to browsers", "counter", s.MessagesSent},
		{"pizzavoice_audio_chunks_total", "Audio chunks forwarded upstream", "counter", s.AudioChunks},
		{"pizzavoice_audio_commits_total", "Audio buffer commits", "counter", s.AudioCommits},
		{"pizzavoice_upstream_opens_total", "Upstream connections established", "counter", s.UpstreamOpens},
		{"pizzavoice_upstream_failures_total", "Upstream connection failures", "counter", s.UpstreamFailures},
		{"pizzavoice_upstream_reconnects_total", "Upstream reconnect attempts", "counter", s.UpstreamReconnects},
		{"pizzavoice_function_calls_total", "Function calls from the model", "counter", s.FunctionCalls},
		{"pizzavoice_function_rejected_total", "Function calls rejected by validation", "counter", s.FunctionRejected},
		{"pizzavoice_function_results_total", "Function results returned upstream", "counter", s.FunctionResults},
		{"pizzavoice_orders_placed_total", "Orders placed", "counter", s.OrdersPlaced},
	}
	for _, m := range metrics {
		if _, err := fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n%s %d\n\n", m.name, m.help, m.name, m.kind, m.name, m.value); err != nil {
			return err
		}
	}
	return nil
}
