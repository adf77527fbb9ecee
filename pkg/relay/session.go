package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/teslashibe/pizzavoice/pkg/orders"
	"github.com/teslashibe/pizzavoice/pkg/prompt"
	"github.com/teslashibe/pizzavoice/pkg/protocol"
	"github.com/teslashibe/pizzavoice/pkg/upstream"
)

// State is a session's upstream lifecycle state.
type State int

const (
	StateNew State = iota
	StateAwaitingUpstream
	StateActive
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateAwaitingUpstream:
		return "awaiting_upstream_ready"
	case StateActive:
		return "active"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

const inboxSize = 256

// Loop events. Every upstream-originated event carries the generation of
// the connection (or dial, or timer) that produced it; events from an older
// generation are ignored.
type (
	clientFrame struct{ data []byte }

	dialResult struct {
		gen  uint64
		conn upstream.Conn
		err  error
	}

	upstreamEvent struct {
		gen uint64
		ev  upstream.Event
	}

	upstreamBinary struct {
		gen  uint64
		data []byte
	}

	upstreamCall struct {
		gen  uint64
		call upstream.FunctionCall
	}

	upstreamClosed struct {
		gen    uint64
		code   int
		reason string
	}

	reconnectDue struct{ gen uint64 }

	// taskDone runs the completion of off-loop work on the loop.
	taskDone struct{ fn func() }
)

// Session is one browser connection and its upstream. All state changes
// happen on a single goroutine fed by an inbox; readers, dials and timers
// only post events to it.
type Session struct {
	id        string
	createdAt time.Time
	relay     *Relay
	sender    protocol.Sender
	logger    *slog.Logger

	inbox     chan any
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	// Owned by run.
	gen        uint64
	conn       upstream.Conn
	dialCancel context.CancelFunc
	reconnect  *time.Timer
	earlyClose *upstreamClosed
	coord      *Coordinator
	audio      *committer

	mu       sync.RWMutex
	state    State
	language prompt.Language
}

func newSession(id string, r *Relay, sender protocol.Sender) *Session {
	s := &Session{
		id:        id,
		createdAt: time.Now(),
		relay:     r,
		sender:    sender,
		logger:    r.logger.With("session_id", id),
		inbox:     make(chan any, inboxSize),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
		audio:     newCommitter(r.cfg.Commit),
		state:     StateNew,
		language:  r.cfg.Language,
	}
	s.coord = NewCoordinator(CoordinatorConfig{
		SessionID: id,
		Catalog:   r.catalog,
		Timeout:   r.cfg.PendingCallTimeout,
		Sink:      r.sink,
		Logger:    s.logger,
		Stats:     r.stats,
		Emit:      s.send,
		Submit:    s.submitResult,
		Placed:    s.orderPlaced,
		Async:     s.async,
	})
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// CreatedAt returns when the browser connected.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Language returns the session's conversation language.
func (s *Session) Language() prompt.Language {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.language
}

// Deliver queues a raw browser frame. It blocks while the inbox is full and
// returns false once the session is closed.
func (s *Session) Deliver(data []byte) bool {
	return s.post(clientFrame{data: data})
}

// Close stops the session, closes its upstream and cancels its timers. It
// returns after the event loop has exited; nothing is sent afterwards.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.done) })
	<-s.stopped
}

func (s *Session) post(ev any) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.inbox <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) run() {
	defer close(s.stopped)

	s.send(protocol.NewConnection(s.id))

	sweep := time.NewTicker(s.relay.cfg.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-s.done:
			s.shutdown()
			return
		case now := <-sweep.C:
			s.coord.Sweep(now)
		case ev := <-s.inbox:
			select {
			case <-s.done:
				s.shutdown()
				return
			default:
			}
			s.dispatch(ev)
		}
	}
}

func (s *Session) dispatch(ev any) {
	switch ev := ev.(type) {
	case clientFrame:
		s.handleClient(ev.data)
	case dialResult:
		s.handleDial(ev)
	case upstreamEvent:
		if ev.gen == s.gen {
			if ev.ev.Type == "error" {
				s.logger.Warn("upstream error event", "event", string(ev.ev.Raw))
			}
			s.send(protocol.NewEvent(ev.ev.Type, ev.ev.Raw))
		}
	case upstreamBinary:
		if ev.gen == s.gen {
			s.send(protocol.NewBinaryData(ev.data))
		}
	case upstreamCall:
		if ev.gen == s.gen {
			s.coord.HandleCall(ev.call)
		}
	case upstreamClosed:
		s.handleUpstreamClosed(ev)
	case taskDone:
		ev.fn()
	case reconnectDue:
		if ev.gen != s.gen || s.State() != StateReconnecting {
			return
		}
		s.reconnect = nil
		s.relay.stats.UpstreamReconnects.Add(1)
		s.logger.Info("reconnecting upstream")
		s.openUpstream()
	}
}

func (s *Session) handleClient(data []byte) {
	msg, err := protocol.Parse(data)
	switch {
	case errors.Is(err, protocol.ErrUnknownType):
		s.logger.Warn("unknown message type ignored", "type", msg.Type)
		return
	case err != nil:
		s.logger.Warn("malformed browser message", "error", err)
		s.sendError("Invalid message format")
		return
	}

	switch msg.Type {
	case protocol.TypeInit:
		lang := s.Language()
		if msg.Language != "" {
			l, ok := prompt.ParseLanguage(msg.Language)
			if !ok {
				s.sendError(fmt.Sprintf("Unsupported language %q", msg.Language))
				return
			}
			lang = l
		}
		s.mu.Lock()
		s.language = lang
		s.mu.Unlock()
		s.openUpstream()

	case protocol.TypeAudio:
		s.handleAudio(msg)

	case protocol.TypeText:
		if !s.requireActive(msg.Type) {
			return
		}
		if strings.TrimSpace(msg.Text) == "" {
			s.sendError("Empty text message")
			return
		}
		if err := s.conn.SendText(msg.Text); err != nil {
			s.transportError("send text", err)
		}

	case protocol.TypeFunctionResult:
		s.coord.HandleResult(msg)
	}
}

func (s *Session) handleAudio(msg *protocol.Inbound) {
	if !s.requireActive(msg.Type) {
		return
	}
	pcm, err := msg.DecodeAudio()
	if err != nil {
		s.sendError("Invalid audio data")
		return
	}
	if len(pcm) == 0 {
		return
	}
	if err := s.conn.AppendAudio(msg.Data); err != nil {
		s.transportError("append audio", err)
		return
	}
	s.relay.stats.AudioChunks.Add(1)

	now := time.Now()
	if !s.audio.appended(len(pcm), now) {
		return
	}
	if err := s.conn.CommitAudio(); err != nil {
		s.transportError("commit audio", err)
		return
	}
	s.audio.committed(now)
	s.relay.stats.AudioCommits.Add(1)
}

func (s *Session) requireActive(t protocol.MessageType) bool {
	if s.State() == StateActive && s.conn != nil {
		return true
	}
	s.logger.Warn("message before upstream ready", "type", t, "state", s.State())
	s.sendError("Not connected to OpenAI")
	return false
}

// transportError reports a failed upstream write. The state is unchanged;
// a broken connection is reported through its close.
func (s *Session) transportError(op string, err error) {
	s.logger.Warn("upstream write failed", "op", op, "error", err)
	s.sendError(fmt.Sprintf("Failed to %s: %v", op, err))
}

// openUpstream discards any current upstream and dials a new one in the
// session's language.
func (s *Session) openUpstream() {
	s.dropUpstream()
	s.gen++
	gen := s.gen
	if n := s.coord.Reset(); n > 0 {
		s.logger.Info("dropped pending calls of the previous upstream", "count", n)
	}

	opts := s.relay.sessionOptions(s.Language())
	s.setState(StateAwaitingUpstream)

	ctx, cancel := context.WithTimeout(context.Background(), s.relay.cfg.DialTimeout)
	s.dialCancel = cancel
	h := &upstreamHandler{s: s, gen: gen}

	go func() {
		conn, err := s.relay.provider.Open(ctx, opts, h)
		if !s.post(dialResult{gen: gen, conn: conn, err: err}) && conn != nil {
			_ = conn.Close()
		}
	}()
}

func (s *Session) handleDial(ev dialResult) {
	if ev.gen != s.gen {
		if ev.conn != nil {
			_ = ev.conn.Close()
		}
		return
	}
	if s.dialCancel != nil {
		s.dialCancel()
		s.dialCancel = nil
	}

	if ev.err != nil {
		s.earlyClose = nil
		s.relay.stats.UpstreamFailures.Add(1)
		s.logger.Error("upstream connect failed", "error", ev.err, "retryable", upstream.IsRetryable(ev.err))
		s.setState(StateNew)
		s.sendError(fmt.Sprintf("Failed to connect to OpenAI: %v", ev.err))
		return
	}

	// The reader reported a close before Open returned.
	if closed := s.earlyClose; closed != nil {
		s.earlyClose = nil
		_ = ev.conn.Close()
		s.upstreamLost(closed.code, closed.reason)
		return
	}

	s.conn = ev.conn
	s.audio.reset(time.Now())
	s.relay.stats.UpstreamOpens.Add(1)
	s.setState(StateActive)
	s.logger.Info("upstream ready", "language", s.Language())
	s.send(protocol.NewReady())
}

func (s *Session) handleUpstreamClosed(ev upstreamClosed) {
	if ev.gen != s.gen {
		return
	}
	if s.State() == StateAwaitingUpstream {
		s.earlyClose = &ev
		return
	}
	s.upstreamLost(ev.code, ev.reason)
}

// upstreamLost applies the close policy: a normal closure reconnects once
// after ReconnectDelay, anything else tells the browser.
func (s *Session) upstreamLost(code int, reason string) {
	s.conn = nil
	s.logger.Info("upstream closed", "code", code, "reason", reason)

	if code == 1000 || code == 1001 {
		s.setState(StateReconnecting)
		gen := s.gen
		s.reconnect = time.AfterFunc(s.relay.cfg.ReconnectDelay, func() {
			s.post(reconnectDue{gen: gen})
		})
		return
	}

	s.setState(StateNew)
	s.send(protocol.NewDisconnected(code, reason))
}

// dropUpstream closes the current connection and cancels any dial or
// reconnect in flight.
func (s *Session) dropUpstream() {
	if s.reconnect != nil {
		s.reconnect.Stop()
		s.reconnect = nil
	}
	if s.dialCancel != nil {
		s.dialCancel()
		s.dialCancel = nil
	}
	s.earlyClose = nil
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

func (s *Session) shutdown() {
	s.dropUpstream()
	s.gen++
	s.setState(StateClosed)
	if n := s.coord.Reset(); n > 0 {
		s.logger.Debug("discarding pending calls", "count", n)
	}
}

// async runs work on its own goroutine and posts done back to the loop.
// done is skipped when the session closes first.
func (s *Session) async(work func() error, done func(error)) {
	go func() {
		err := work()
		if !s.post(taskDone{fn: func() { done(err) }}) {
			s.logger.Warn("session closed before background work finished", "error", err)
		}
	}()
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	if prev != st {
		s.logger.Debug("state change", "from", prev, "to", st)
		s.relay.publish("session.state", map[string]any{"session_id": s.id, "state": st})
	}
}

func (s *Session) submitResult(callID, name, output string) error {
	if s.conn == nil {
		return upstream.ErrNotConnected
	}
	return s.conn.SubmitFunctionResult(callID, name, output)
}

func (s *Session) orderPlaced(o orders.Order) {
	s.relay.publish("order.placed", o)
}

func (s *Session) send(msg protocol.Outbound) {
	data, err := protocol.Encode(msg)
	if err != nil {
		s.logger.Error("encode outbound message", "error", err)
		return
	}
	s.sendRaw(data)
}

func (s *Session) sendRaw(data []byte) {
	if err := s.sender.Send(data); err != nil {
		s.logger.Debug("browser send failed", "error", err)
		return
	}
	s.relay.stats.MessagesSent.Add(1)
}

func (s *Session) sendError(msg string) {
	s.send(protocol.NewError(msg))
}

// upstreamHandler posts one connection's callbacks into the session loop.
type upstreamHandler struct {
	s   *Session
	gen uint64
}

func (h *upstreamHandler) OnEvent(ev upstream.Event) {
	h.s.post(upstreamEvent{gen: h.gen, ev: ev})
}

func (h *upstreamHandler) OnBinary(data []byte) {
	h.s.post(upstreamBinary{gen: h.gen, data: data})
}

func (h *upstreamHandler) OnFunctionCall(call upstream.FunctionCall) {
	h.s.post(upstreamCall{gen: h.gen, call: call})
}

func (h *upstreamHandler) OnClose(code int, reason string) {
	h.s.post(upstreamClosed{gen: h.gen, code: code, reason: reason})
}
