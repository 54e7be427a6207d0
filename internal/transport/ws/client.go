// Package ws carries broker frames as binary WebSocket messages.
package ws

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ClientConn is the client side of a WebSocket frame connection.
type ClientConn struct {
	conn net.Conn
	rw   io.ReadWriter

	mu sync.Mutex
}

// Dial performs the WebSocket handshake with url.
func Dial(ctx context.Context, url string) (*ClientConn, error) {
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	return newClientConn(conn, br), nil
}

func newClientConn(conn net.Conn, br *bufio.Reader) *ClientConn {
	c := &ClientConn{conn: conn}
	// br holds frames the server sent right after the handshake.
	var r io.Reader = conn
	if br != nil {
		r = br
	}
	c.rw = struct {
		io.Reader
		io.Writer
	}{r, lockedWriter{mu: &c.mu, w: conn}}
	return c
}

// Read implements transport.Conn. Control frames are answered internally.
func (c *ClientConn) Read(ctx context.Context) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(deadline)
		defer c.conn.SetReadDeadline(time.Time{})
	}
	return wsutil.ReadServerBinary(c.rw)
}

// Write implements transport.Conn.
func (c *ClientConn) Write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteClientBinary(c.conn, data)
}

// Close sends a close frame and closes the connection.
func (c *ClientConn) Close() error {
	c.mu.Lock()
	frame := ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
	_ = ws.WriteFrame(c.conn, ws.MaskFrameInPlace(frame))
	c.mu.Unlock()
	return c.conn.Close()
}

// RemoteAddr implements transport.Conn.
func (c *ClientConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (l lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
