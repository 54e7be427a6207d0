// Package tcp carries length-delimited frames over TCP.
package tcp

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// MaxFrameSize bounds the payload of a single frame.
const MaxFrameSize = 1 << 20

// ErrFrameTooLarge is returned when a peer announces a frame above MaxFrameSize.
var ErrFrameTooLarge = errors.New("frame too large")

// Conn adapts net.Conn to transport.Conn. Every frame is prefixed with its
// length as a protobuf varint.
type Conn struct {
	conn net.Conn
	r    *bufio.Reader

	mu sync.Mutex
}

// NewConn wraps a net.Conn.
func NewConn(conn net.Conn) *Conn {
	return NewBufferedConn(conn, bufio.NewReader(conn))
}

// NewBufferedConn wraps a net.Conn whose first bytes were already consumed
// into r, e.g. by peeking at the protocol.
func NewBufferedConn(conn net.Conn, r *bufio.Reader) *Conn {
	return &Conn{conn: conn, r: r}
}

// Dial connects to a frame server at addr.
func Dial(ctx context.Context, addr string) (*Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	return NewConn(conn), nil
}

// Read implements transport.Conn.
// It blocks until a whole frame arrived; a deadline on ctx is honored.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(deadline)
		defer c.conn.SetReadDeadline(time.Time{})
	}

	size, err := binary.ReadUvarint(c.r)
	if err != nil {
		return nil, err
	}
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Write implements transport.Conn.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	if len(data) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}
	frame := protowire.AppendBytes(make([]byte, 0, len(data)+binary.MaxVarintLen64), data)

	c.mu.Lock()
	defer c.mu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	_, err := c.conn.Write(frame)
	return err
}

// Close implements transport.Conn.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// RemoteAddr implements transport.Conn.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}
