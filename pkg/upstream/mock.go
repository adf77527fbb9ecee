package upstream

import (
	"context"
	"sync"
	"time"
)

// Mock is a Provider for tests. Every Open returns a new MockConn that
// records outbound calls and lets the test drive the handler.
type Mock struct {
	mu    sync.Mutex
	conns []*MockConn
	opts  []SessionOptions

	// OpenFunc, when set, replaces the default Open behavior. Returning a
	// nil Conn with a nil error falls through to the default.
	OpenFunc func(ctx context.Context, opts SessionOptions) (Conn, error)
}

// NewMock creates a new Mock provider.
func NewMock() *Mock {
	return &Mock{}
}

// Open implements Provider.
func (m *Mock) Open(ctx context.Context, opts SessionOptions, h Handler) (Conn, error) {
	m.mu.Lock()
	m.opts = append(m.opts, opts)
	fn := m.OpenFunc
	m.mu.Unlock()

	if fn != nil {
		c, err := fn(ctx, opts)
		if err != nil || c != nil {
			return c, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, NewConnectionError("dial cancelled", err, false)
	}

	c := &MockConn{handler: h, opts: opts, connectedAt: time.Now()}
	m.mu.Lock()
	m.conns = append(m.conns, c)
	m.mu.Unlock()
	return c, nil
}

// Opens returns the number of Open calls, successful or not.
func (m *Mock) Opens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.opts)
}

// Options returns the SessionOptions passed to every Open call.
func (m *Mock) Options() []SessionOptions {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SessionOptions{}, m.opts...)
}

// Conns returns every connection opened so far.
func (m *Mock) Conns() []*MockConn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*MockConn{}, m.conns...)
}

// Last returns the most recent connection, or nil.
func (m *Mock) Last() *MockConn {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.conns) == 0 {
		return nil
	}
	return m.conns[len(m.conns)-1]
}

// SubmittedResult is a captured SubmitFunctionResult call.
type SubmittedResult struct {
	CallID string
	Name   string
	Output string
}

// MockConn is the Conn returned by Mock.
type MockConn struct {
	mu          sync.Mutex
	handler     Handler
	opts        SessionOptions
	connectedAt time.Time
	closed      bool

	appends []string
	commits int
	texts   []string
	results []SubmittedResult
	sent    int64
}

func (c *MockConn) record(fn func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrNotConnected
	}
	fn()
	c.sent++
	return nil
}

// AppendAudio implements Conn.
func (c *MockConn) AppendAudio(b64 string) error {
	return c.record(func() { c.appends = append(c.appends, b64) })
}

// CommitAudio implements Conn.
func (c *MockConn) CommitAudio() error {
	return c.record(func() { c.commits++ })
}

// SendText implements Conn.
func (c *MockConn) SendText(text string) error {
	return c.record(func() { c.texts = append(c.texts, text) })
}

// SubmitFunctionResult implements Conn.
func (c *MockConn) SubmitFunctionResult(callID, name, output string) error {
	return c.record(func() {
		c.results = append(c.results, SubmittedResult{CallID: callID, Name: name, Output: output})
	})
}

// Close implements Conn.
func (c *MockConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Stats implements Conn.
func (c *MockConn) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{ConnectedAt: c.connectedAt, MessagesSent: c.sent}
}

// Test helpers

// Options returns the options this connection was opened with.
func (c *MockConn) Options() SessionOptions { return c.opts }

// Closed reports whether Close was called.
func (c *MockConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Appends returns captured audio chunks.
func (c *MockConn) Appends() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string{}, c.appends...)
}

// Commits returns the number of commits.
func (c *MockConn) Commits() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commits
}

// Texts returns captured text messages.
func (c *MockConn) Texts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string{}, c.texts...)
}

// Results returns captured function results.
func (c *MockConn) Results() []SubmittedResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SubmittedResult{}, c.results...)
}

// SimulateEvent delivers a structured event to the handler.
func (c *MockConn) SimulateEvent(eventType string, raw []byte) {
	c.handler.OnEvent(Event{Type: eventType, Raw: raw})
}

// SimulateBinary delivers a non-JSON binary frame.
func (c *MockConn) SimulateBinary(data []byte) {
	c.handler.OnBinary(data)
}

// SimulateFunctionCall delivers a completed function call.
func (c *MockConn) SimulateFunctionCall(callID, name, arguments string) {
	c.handler.OnFunctionCall(FunctionCall{CallID: callID, Name: name, Arguments: arguments})
}

// SimulateClose reports a remote close and marks the connection closed.
func (c *MockConn) SimulateClose(code int, reason string) {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.handler.OnClose(code, reason)
}

// Ensure Mock implements Provider.
var (
	_ Provider = (*Mock)(nil)
	_ Conn     = (*MockConn)(nil)
)
