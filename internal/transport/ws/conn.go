package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // development broker, any origin
	},
}

// Conn is the server side of a WebSocket frame connection.
type Conn struct {
	conn       *websocket.Conn
	remoteAddr string

	mu sync.Mutex
}

// Upgrade upgrades an HTTP request to a frame connection.
func Upgrade(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &Conn{conn: conn, remoteAddr: r.RemoteAddr}, nil
}

// Read implements transport.Conn.
// Text messages are skipped; frames travel as binary messages.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(deadline)
		defer c.conn.SetReadDeadline(time.Time{})
	}
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if messageType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// Write implements transport.Conn.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

// Close sends a close message and closes the connection.
func (c *Conn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.conn.Close()
}

// RemoteAddr implements transport.Conn.
func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}

// IsClosure reports whether err ends a connection normally.
func IsClosure(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
