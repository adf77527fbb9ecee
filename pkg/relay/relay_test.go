package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/pizzavoice/pkg/catalog"
	"github.com/teslashibe/pizzavoice/pkg/protocol"
	"github.com/teslashibe/pizzavoice/pkg/upstream"
)

type recordingMonitor struct {
	mu    sync.Mutex
	kinds []string
}

func (m *recordingMonitor) Publish(kind string, _ any) {
	m.mu.Lock()
	m.kinds = append(m.kinds, kind)
	m.mu.Unlock()
}

func (m *recordingMonitor) has(kind string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range m.kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func startApp(t *testing.T, r *Relay) string {
	t.Helper()
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	r.RegisterRoutes(app)
	r.RegisterAPIRoutes(app.Group("/api"))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = app.Listener(ln) }()
	t.Cleanup(func() {
		r.Close()
		_ = app.Shutdown()
	})
	return ln.Addr().String()
}

func readType(t *testing.T, ws *websocket.Conn, typ string) map[string]any {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, data, err := ws.ReadMessage()
		require.NoError(t, err)
		var m map[string]any
		require.NoError(t, json.Unmarshal(data, &m))
		if m["type"] == typ {
			return m
		}
	}
}

func TestRelayWebSocket(t *testing.T) {
	mock := upstream.NewMock()
	mon := &recordingMonitor{}
	r := newTestRelay(t, mock, func(c *Config) { c.Monitor = mon })
	addr := startApp(t, r)

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	require.NoError(t, err)
	defer ws.Close()

	conn := readType(t, ws, "connection")
	id, _ := conn["id"].(string)
	require.NotEmpty(t, id)

	_, ok := r.Registry().Get(id)
	assert.True(t, ok)

	require.NoError(t, ws.WriteJSON(map[string]any{"type": "init"}))
	readType(t, ws, "ready")

	require.NoError(t, ws.WriteJSON(map[string]any{"type": "text", "text": "one soda"}))
	require.Eventually(t, func() bool { return len(mock.Last().Texts()) == 1 }, waitFor, tick)

	mock.Last().SimulateFunctionCall("call_7", "add_to_cart", `{"item":"soda"}`)
	fc := readType(t, ws, "function_call")
	assert.Equal(t, "call_7", fc["id"])

	require.NoError(t, ws.WriteJSON(map[string]any{
		"type":   "function_result",
		"id":     "call_7",
		"name":   "add_to_cart",
		"result": map[string]any{"success": true},
	}))
	require.Eventually(t, func() bool { return len(mock.Last().Results()) == 1 }, waitFor, tick)

	require.NoError(t, ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	require.Eventually(t, func() bool { return r.Registry().Len() == 0 }, waitFor, tick)
	assert.True(t, mock.Last().Closed())
	assert.True(t, mon.has("session.opened"))
	assert.True(t, mon.has("session.closed"))
}

func TestRelayRequiresUpgrade(t *testing.T) {
	r := newTestRelay(t, upstream.NewMock(), nil)
	app := fiber.New()
	r.RegisterRoutes(app)

	resp, err := app.Test(httptest.NewRequest("GET", "/ws", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUpgradeRequired, resp.StatusCode)
}

func TestRelayAPIRoutes(t *testing.T) {
	mock := upstream.NewMock()
	r := newTestRelay(t, mock, nil)
	app := fiber.New()
	r.RegisterAPIRoutes(app.Group("/api"))

	s, _, _ := activeSession(t, r, mock)

	get := func(path string) (int, map[string]any) {
		t.Helper()
		resp, err := app.Test(httptest.NewRequest("GET", path, nil))
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		var m map[string]any
		require.NoError(t, json.Unmarshal(body, &m))
		return resp.StatusCode, m
	}

	t.Run("sessions", func(t *testing.T) {
		code, body := get("/api/sessions")
		assert.Equal(t, 200, code)
		assert.Equal(t, float64(1), body["count"])
		sessions := body["sessions"].([]any)
		require.Len(t, sessions, 1)
		first := sessions[0].(map[string]any)
		assert.Equal(t, s.ID(), first["id"])
		assert.Equal(t, "active", first["state"])
		assert.Equal(t, "en", first["language"])
	})

	t.Run("session by id", func(t *testing.T) {
		code, body := get("/api/sessions/" + s.ID())
		assert.Equal(t, 200, code)
		assert.Equal(t, "active", body["state"])

		code, _ = get("/api/sessions/missing")
		assert.Equal(t, 404, code)
	})

	t.Run("stats", func(t *testing.T) {
		code, body := get("/api/sessions/stats")
		assert.Equal(t, 200, code)
		assert.Equal(t, float64(1), body["active_sessions"])
		assert.Equal(t, float64(1), body["upstream_opens"])
	})

	t.Run("menu", func(t *testing.T) {
		code, body := get("/api/menu")
		assert.Equal(t, 200, code)
		assert.Equal(t, "Pixel Pizzeria", body["name"])
		menu := body["menu"].(map[string]any)
		assert.Len(t, menu["pizzas"], 6)
	})
}

func TestRegistryUniqueIDs(t *testing.T) {
	r := newTestRelay(t, upstream.NewMock(), nil)

	const n = 64
	var wg sync.WaitGroup
	ids := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids <- r.Registry().Create(&fakeSender{}).ID()
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)
	assert.Equal(t, n, r.Registry().Len())

	r.Close()
	assert.Equal(t, 0, r.Registry().Len())
}

func TestRegistryRegeneratesTakenID(t *testing.T) {
	r := newTestRelay(t, upstream.NewMock(), nil)
	seq := []string{"a", "a", "b"}
	r.Registry().newID = func() string {
		id := seq[0]
		seq = seq[1:]
		return id
	}

	first := r.Registry().Create(&fakeSender{})
	second := r.Registry().Create(&fakeSender{})

	assert.Equal(t, "a", first.ID())
	assert.Equal(t, "b", second.ID())
}

func TestRegistryCloseClosesSenders(t *testing.T) {
	mock := upstream.NewMock()
	r := newTestRelay(t, mock, nil)
	_, fs, mc := activeSession(t, r, mock)

	r.Close()

	fs.mu.Lock()
	closed := fs.closed
	fs.mu.Unlock()
	assert.True(t, closed)
	assert.True(t, mc.Closed())
	assert.Equal(t, uint64(1), r.Stats().SessionsClosed)
}

func TestStatsPrometheus(t *testing.T) {
	var s Stats
	s.SessionsOpened.Add(3)
	s.OrdersPlaced.Add(1)

	var buf bytes.Buffer
	require.NoError(t, s.Snapshot(2).WritePrometheus(&buf))

	out := buf.String()
	assert.Contains(t, out, "# TYPE pizzavoice_sessions_active gauge\npizzavoice_sessions_active 2\n")
	assert.Contains(t, out, "pizzavoice_sessions_opened_total 3\n")
	assert.Contains(t, out, "pizzavoice_orders_placed_total 1\n")
}

func TestParseCommitPolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    CommitPolicy
		wantErr bool
	}{
		{"", CommitBatched, false},
		{"batched", CommitBatched, false},
		{" Every-Append ", CommitEveryAppend, false},
		{"server-vad", CommitServerVAD, false},
		{"sometimes", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseCommitPolicy(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTools(t *testing.T) {
	tools := Tools(catalog.MustDefault())
	names := make([]string, len(tools))
	for i, tool := range tools {
		names[i] = tool.Name
		assert.Equal(t, "object", tool.Parameters["type"])
	}
	assert.Equal(t, []string{"add_to_cart", "modify_cart_item", "remove_from_cart", "clear_cart", "checkout"}, names)
}

// stalledConn never completes a write before its deadline, like a browser
// that stopped reading with the TCP connection still open.
type stalledConn struct {
	mu       sync.Mutex
	deadline time.Time
	closed   bool
}

func (c *stalledConn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadline = t
	return nil
}

func (c *stalledConn) WriteMessage(int, []byte) error {
	c.mu.Lock()
	d := c.deadline
	c.mu.Unlock()
	if d.IsZero() {
		return errors.New("write without deadline would block forever")
	}
	time.Sleep(time.Until(d))
	return os.ErrDeadlineExceeded
}

func (c *stalledConn) WriteControl(int, []byte, time.Time) error { return nil }

func (c *stalledConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func TestWSSenderWriteDeadline(t *testing.T) {
	conn := &stalledConn{}
	w := newWSSender(conn)
	assert.Equal(t, browserWriteWait, w.wait)
	w.wait = 20 * time.Millisecond

	start := time.Now()
	err := w.Send([]byte(`{"type":"ready"}`))
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)

	require.NoError(t, w.Close())
	assert.True(t, conn.closed)
	assert.ErrorIs(t, w.Send([]byte(`{}`)), errSenderClosed)
	assert.NoError(t, w.Close())
}

var _ protocol.Sender = (*wsSender)(nil)
