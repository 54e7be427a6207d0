package wire

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/omochice/chatroom-session/internal/session"
	"github.com/omochice/chatroom-session/internal/transport"
	"github.com/omochice/chatroom-session/internal/transport/tcp"
	"github.com/omochice/chatroom-session/internal/transport/ws"
)

// Dialer opens wire transports. The endpoint scheme selects the connection:
// ws:// and wss:// dial a WebSocket, tcp:// a raw TCP socket.
type Dialer struct {
	logger *slog.Logger
}

// NewDialer creates a Dialer.
func NewDialer(logger *slog.Logger) *Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialer{logger: logger}
}

// Dial implements session.Dialer.
func (d *Dialer) Dial(ctx context.Context, endpoint string, events session.Events) (session.Transport, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}

	var conn transport.Conn
	switch u.Scheme {
	case "ws", "wss":
		conn, err = ws.Dial(ctx, endpoint)
	case "tcp":
		conn, err = tcp.Dial(ctx, u.Host)
	default:
		return nil, fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	if err != nil {
		return nil, err
	}
	return New(conn, events, d.logger), nil
}

var _ session.Dialer = (*Dialer)(nil)
