// Package transport defines the frame connection shared by the TCP and
// WebSocket adapters of the broker wire.
package transport

import "context"

// Conn exchanges whole frames with a peer. Write may be called concurrently
// with Read; concurrent Writes are serialized by the implementation.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
	RemoteAddr() string
}

// Handler serves one accepted connection. Serve returns when the connection
// is done; the caller closes it afterwards.
type Handler interface {
	Serve(ctx context.Context, conn Conn)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, conn Conn)

// Serve implements Handler.
func (f HandlerFunc) Serve(ctx context.Context, conn Conn) {
	f(ctx, conn)
}
