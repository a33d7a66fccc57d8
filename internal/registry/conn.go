package registry

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Connection tuning.
const (
	// writeWait bounds one frame write.
	writeWait = 10 * time.Second
	// pongWait is the read deadline; a connection missing pongs this long is
	// closed and deregistered.
	pongWait = 90 * time.Second
	// pingPeriod spaces outbound pings. Must be shorter than pongWait.
	pingPeriod = 30 * time.Second
	// maxMessageSize bounds inbound frames; clients reply over HTTP, so
	// anything large on the socket is a misbehaving client.
	maxMessageSize = 4096
	// sendBufferSize is the per-connection outbound queue. A full queue drops
	// events rather than blocking the hub; clients recover missed prompts
	// through the unacknowledged endpoint.
	sendBufferSize = 32
)

// wsConn is the subset of *websocket.Conn the pumps use. Tests substitute a
// scripted implementation.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Conn is one live client connection, owned by the process that accepted it.
type Conn struct {
	ID        string
	UserID    string
	CreatedAt time.Time

	ws   wsConn
	send chan []byte

	lastActivity atomic.Int64
}

// newConn wraps an accepted socket.
func newConn(userID string, ws wsConn) *Conn {
	c := &Conn{
		ID:        uuid.NewString(),
		UserID:    userID,
		CreatedAt: time.Now(),
		ws:        ws,
		send:      make(chan []byte, sendBufferSize),
	}
	c.touch()
	return c
}

func (c *Conn) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity reports when the connection last showed signs of life.
func (c *Conn) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// enqueue offers a payload to the write pump without blocking. It reports
// whether the payload was queued. Callers must hold the hub lock so enqueue
// never races the channel close in deregister.
func (c *Conn) enqueue(payload []byte) bool {
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// readPump consumes the socket until it errors or closes. Inbound frames are
// discarded (replies arrive over HTTP); the pump exists to run the keepalive
// protocol and to notice disconnects.
func (c *Conn) readPump(h *Hub) {
	defer func() {
		h.deregister(c)
		c.ws.Close()
	}()
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.touch()
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("Conn read pump closing", "conn_id", c.ID, "user_id", c.UserID, "error", err)
			}
			return
		}
		c.touch()
	}
}

// writePump drains the send queue and keeps the connection alive with pings.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case payload, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				slog.Debug("Conn write failed", "conn_id", c.ID, "user_id", c.UserID, "error", err)
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
