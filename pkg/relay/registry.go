package relay

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/pizzavoice/pkg/prompt"
	"github.com/teslashibe/pizzavoice/pkg/protocol"
)

// SessionInfo is the admin view of a session.
type SessionInfo struct {
	ID          string          `json:"id"`
	State       State           `json:"state"`
	Language    prompt.Language `json:"language"`
	ConnectedAt time.Time       `json:"connected_at"`
	Uptime      string          `json:"uptime"`
}

// Registry tracks live sessions by id.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	relay    *Relay
	newID    func() string
}

func newRegistry(r *Relay) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		relay:    r,
		newID:    uuid.NewString,
	}
}

// Create registers a session for sender under a fresh id and starts its
// event loop. The session's first message to sender is connection{id}.
func (g *Registry) Create(sender protocol.Sender) *Session {
	g.mu.Lock()
	id := g.newID()
	for _, taken := g.sessions[id]; taken; _, taken = g.sessions[id] {
		id = g.newID()
	}
	s := newSession(id, g.relay, sender)
	g.sessions[id] = s
	count := len(g.sessions)
	g.mu.Unlock()

	go s.run()

	g.relay.stats.SessionsOpened.Add(1)
	g.relay.logger.Info("session connected", "session_id", id, "sessions", count)
	g.relay.publish("session.opened", map[string]any{"session_id": id})
	return s
}

// Get returns the session with id.
func (g *Registry) Get(id string) (*Session, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.sessions[id]
	return s, ok
}

// Remove closes and forgets a session. Removing an unknown id is a no-op.
func (g *Registry) Remove(id string) {
	g.mu.Lock()
	s, ok := g.sessions[id]
	delete(g.sessions, id)
	count := len(g.sessions)
	g.mu.Unlock()
	if !ok {
		return
	}

	s.Close()
	g.relay.stats.SessionsClosed.Add(1)
	g.relay.logger.Info("session disconnected", "session_id", id, "sessions", count)
	g.relay.publish("session.closed", map[string]any{"session_id": id})
}

// Len returns the number of live sessions.
func (g *Registry) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.sessions)
}

// Snapshot lists live sessions, oldest first.
func (g *Registry) Snapshot() []SessionInfo {
	g.mu.RLock()
	infos := make([]SessionInfo, 0, len(g.sessions))
	for _, s := range g.sessions {
		infos = append(infos, SessionInfo{
			ID:          s.ID(),
			State:       s.State(),
			Language:    s.Language(),
			ConnectedAt: s.CreatedAt(),
			Uptime:      time.Since(s.CreatedAt()).Round(time.Second).String(),
		})
	}
	g.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ConnectedAt.Before(infos[j].ConnectedAt)
	})
	return infos
}

// Close closes every session and its browser connection.
func (g *Registry) Close() {
	g.mu.Lock()
	sessions := make([]*Session, 0, len(g.sessions))
	for id, s := range g.sessions {
		sessions = append(sessions, s)
		delete(g.sessions, id)
	}
	g.mu.Unlock()

	for _, s := range sessions {
		s.Close()
		_ = s.sender.Close()
		g.relay.stats.SessionsClosed.Add(1)
	}
}
