package hub

import (
	"time"

	"github.com/gofiber/contrib/websocket"
)

const (
	monitorWriteWait = 10 * time.Second
	monitorPongWait  = 60 * time.Second
	monitorPingEvery = monitorPongWait * 9 / 10

	// Monitors never send anything but control frames and the odd ping.
	monitorReadLimit = 4 * 1024

	// monitorQueue is how many events a monitor may fall behind before
	// the hub disconnects it.
	monitorQueue = 256
)

// Client is one operator watching the monitor feed.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	addr string

	// send is owned by the hub: it queues events and closes it on removal.
	send chan Message
}

// NewClient attaches conn to the hub. It reports false when the hub has
// already stopped.
func NewClient(hub *Hub, conn *websocket.Conn) (*Client, bool) {
	c := &Client{
		hub:  hub,
		conn: conn,
		addr: conn.RemoteAddr().String(),
		send: make(chan Message, monitorQueue),
	}
	select {
	case hub.register <- c:
		return c, true
	case <-hub.done:
		return nil, false
	}
}

// Run delivers events until either side goes away. It blocks for the life
// of the connection.
func (c *Client) Run() {
	go c.deliver()
	c.watch()
}

// watch consumes inbound frames so pongs and the peer's close are seen,
// then detaches from the hub.
func (c *Client) watch() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(monitorReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(monitorPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(monitorPongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// deliver is the connection's only writer.
func (c *Client) deliver() {
	ping := time.NewTicker(monitorPingEvery)
	defer func() {
		ping.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(monitorWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "monitor stopped"))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg.Data); err != nil {
				c.hub.logger.Debug("monitor write failed", "addr", c.addr, "kind", msg.Kind, "error", err)
				return
			}

		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(monitorWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
