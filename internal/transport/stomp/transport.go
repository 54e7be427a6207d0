// Package stomp connects a session to a STOMP broker over WebSocket, the way
// a Spring message broker exposes the chat room. Message bodies are JSON.
package stomp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-stomp/stomp/v3"
	"nhooyr.io/websocket"

	"github.com/omochice/chatroom-session/internal/session"
	"github.com/omochice/chatroom-session/pkg/protocol"
)

// Subprotocols offered during the WebSocket handshake.
var Subprotocols = []string{"v12.stomp", "v11.stomp", "v10.stomp"}

const contentType = "application/json"

// UnsubscribeTimeout bounds the wait for an UNSUBSCRIBE receipt.
const UnsubscribeTimeout = 500 * time.Millisecond

// Options configures a Dialer.
type Options struct {
	Login    string
	Passcode string
	Logger   *slog.Logger
}

// Dialer opens STOMP transports on ws:// and wss:// endpoints.
type Dialer struct {
	opts   Options
	logger *slog.Logger
}

// NewDialer creates a Dialer.
func NewDialer(opts Options) *Dialer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialer{opts: opts, logger: logger.With("component", "stomp")}
}

// Dial implements session.Dialer. Cancelling ctx aborts the WebSocket
// handshake and the STOMP CONNECT exchange.
func (d *Dialer) Dial(ctx context.Context, endpoint string, events session.Events) (session.Transport, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}

	ws, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{Subprotocols: Subprotocols})
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", endpoint, err)
	}
	// The connection outlives ctx, which only bounds connecting.
	netConn := websocket.NetConn(context.Background(), ws, websocket.MessageText)
	return d.connect(ctx, netConn, u.Hostname(), events)
}

func (d *Dialer) connect(ctx context.Context, netConn net.Conn, host string, events session.Events) (*Transport, error) {
	stop := context.AfterFunc(ctx, func() { _ = netConn.Close() })
	defer stop()

	opts := []func(*stomp.Conn) error{
		stomp.ConnOpt.Host(host),
		stomp.ConnOpt.HeartBeat(0, 0),
		stomp.ConnOpt.UnsubscribeReceiptTimeout(UnsubscribeTimeout),
	}
	if d.opts.Login != "" {
		opts = append(opts, stomp.ConnOpt.Login(d.opts.Login, d.opts.Passcode))
	}

	conn, err := stomp.Connect(netConn, opts...)
	if err != nil {
		_ = netConn.Close()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("stomp connect: %w", ctx.Err())
		}
		return nil, fmt.Errorf("stomp connect: %w", err)
	}
	return newTransport(conn, events, d.logger), nil
}

// Transport is a session.Transport over a STOMP connection.
type Transport struct {
	conn   *stomp.Conn
	events session.Events
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	failed bool

	// deliverMu serializes handlers across subscriptions.
	deliverMu sync.Mutex
	wg        sync.WaitGroup
}

func newTransport(conn *stomp.Conn, events session.Events, logger *slog.Logger) *Transport {
	return &Transport{conn: conn, events: events, logger: logger}
}

// Subscribe implements session.Transport.
func (t *Transport) Subscribe(destination string, handler session.MessageHandler) (session.Subscription, error) {
	sub, err := t.conn.Subscribe(destination, stomp.AckAuto)
	if err != nil {
		return nil, fmt.Errorf("stomp subscribe %s: %w", destination, err)
	}

	s := &subscription{t: t, sub: sub}
	t.wg.Add(1)
	go t.consume(s, handler)
	return s, nil
}

// Publish implements session.Transport.
func (t *Transport) Publish(destination string, msg protocol.ChatMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	if err := t.conn.Send(destination, contentType, body); err != nil {
		return fmt.Errorf("stomp send %s: %w", destination, err)
	}
	return nil
}

// Close disconnects from the broker and waits for the subscription readers.
// The broker drops every subscription of a disconnected client.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	err := t.conn.Disconnect()
	t.wg.Wait()
	return err
}

func (t *Transport) consume(s *subscription, handler session.MessageHandler) {
	defer t.wg.Done()

	// A detached subscription is drained until go-stomp closes its channel.
	for m := range s.sub.C {
		if s.detached.Load() {
			continue
		}
		if m.Err != nil {
			t.fail(m.Err)
			return
		}

		var msg protocol.ChatMessage
		if err := json.Unmarshal(m.Body, &msg); err != nil {
			t.logger.Warn("dropped undecodable message", "destination", m.Destination, "error", err)
			if t.events.OnError != nil {
				t.events.OnError(fmt.Errorf("%w: %v", protocol.ErrMalformedMessage, err), true)
			}
			continue
		}

		t.deliverMu.Lock()
		handler(msg)
		t.deliverMu.Unlock()
	}
}

// fail reports the first connection level error of a transport the caller
// did not close.
func (t *Transport) fail(err error) {
	t.mu.Lock()
	if t.closed || t.failed {
		t.mu.Unlock()
		return
	}
	t.failed = true
	t.mu.Unlock()

	t.logger.Error("stomp connection failed", "error", err)
	if t.events.OnError != nil {
		t.events.OnError(err, false)
	}
}

type subscription struct {
	t        *Transport
	sub      *stomp.Subscription
	detached atomic.Bool
}

// Unsubscribe stops delivery at once. The UNSUBSCRIBE frame is sent in the
// background since go-stomp blocks until its receipt arrives.
func (s *subscription) Unsubscribe() error {
	if s.detached.Swap(true) || !s.sub.Active() {
		return nil
	}

	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	if s.t.closed {
		return nil
	}
	s.t.wg.Add(1)
	go func() {
		defer s.t.wg.Done()
		if err := s.sub.Unsubscribe(); err != nil {
			s.t.logger.Debug("unsubscribe not acknowledged", "destination", s.sub.Destination(), "error", err)
		}
	}()
	return nil
}

var (
	_ session.Dialer    = (*Dialer)(nil)
	_ session.Transport = (*Transport)(nil)
)
