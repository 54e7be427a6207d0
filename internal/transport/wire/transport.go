// Package wire implements session.Transport over a frame connection to the
// development broker. Subscriptions are demultiplexed by their id.
package wire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/omochice/chatroom-session/internal/session"
	"github.com/omochice/chatroom-session/internal/transport"
	"github.com/omochice/chatroom-session/pkg/protocol"
)

// ErrBroker wraps the text of an ERROR frame.
var ErrBroker = errors.New("broker error")

// ErrClosed is returned by a closed Transport.
var ErrClosed = errors.New("transport closed")

// WriteTimeout bounds a single frame write.
const WriteTimeout = 5 * time.Second

// Transport is a session.Transport speaking protocol.Frame over a
// transport.Conn. A single reader goroutine invokes every handler.
type Transport struct {
	conn   transport.Conn
	events session.Events
	logger *slog.Logger

	mu       sync.Mutex
	handlers map[string]session.MessageHandler
	closed   bool

	done chan struct{}
}

// New starts reading frames from conn. Faults are reported to events.
func New(conn transport.Conn, events session.Events, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Transport{
		conn:     conn,
		events:   events,
		logger:   logger.With("component", "wire", "remote", conn.RemoteAddr()),
		handlers: make(map[string]session.MessageHandler),
		done:     make(chan struct{}),
	}
	go t.readLoop()
	return t
}

// Subscribe implements session.Transport.
func (t *Transport) Subscribe(destination string, handler session.MessageHandler) (session.Subscription, error) {
	id := uuid.NewString()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	t.handlers[id] = handler
	t.mu.Unlock()

	if err := t.write(protocol.Frame{Op: protocol.OpSubscribe, ID: id, Destination: destination}); err != nil {
		t.remove(id)
		return nil, err
	}
	t.logger.Debug("subscribed", "destination", destination, "id", id)
	return &subscription{t: t, id: id}, nil
}

// Publish implements session.Transport.
func (t *Transport) Publish(destination string, msg protocol.ChatMessage) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return t.write(protocol.Frame{Op: protocol.OpSend, Destination: destination, Message: &msg})
}

// Close closes the connection. The remote side is not reported as closed.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.handlers = make(map[string]session.MessageHandler)
	t.mu.Unlock()

	return t.conn.Close()
}

// Done is closed once the reader goroutine has exited.
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

func (t *Transport) write(f protocol.Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), WriteTimeout)
	defer cancel()
	if err := t.conn.Write(ctx, data); err != nil {
		return fmt.Errorf("failed to write %s frame: %w", f.Op, err)
	}
	return nil
}

func (t *Transport) remove(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.handlers[id]
	delete(t.handlers, id)
	return ok && !t.closed
}

func (t *Transport) readLoop() {
	defer close(t.done)

	for {
		data, err := t.conn.Read(context.Background())
		if err != nil {
			t.mu.Lock()
			closedByUs := t.closed
			t.closed = true
			t.mu.Unlock()
			if closedByUs {
				return
			}
			t.logger.Debug("connection closed", "error", err)
			if t.events.OnClose != nil {
				t.events.OnClose(err)
			}
			return
		}

		var f protocol.Frame
		if err := f.Decode(data); err != nil {
			t.raise(fmt.Errorf("%w: %v", protocol.ErrMalformedMessage, err))
			continue
		}
		t.dispatch(f)
	}
}

func (t *Transport) dispatch(f protocol.Frame) {
	switch f.Op {
	case protocol.OpMessage:
		t.mu.Lock()
		handler, ok := t.handlers[f.ID]
		t.mu.Unlock()
		if !ok {
			t.logger.Debug("dropped message for unknown subscription", "id", f.ID, "destination", f.Destination)
			return
		}
		handler(*f.Message)
	case protocol.OpError:
		t.logger.Warn("broker reported an error", "text", f.Text)
		t.raise(fmt.Errorf("%w: %s", ErrBroker, f.Text))
	default:
		t.raise(fmt.Errorf("%w: unexpected %s frame", protocol.ErrMalformedMessage, f.Op))
	}
}

func (t *Transport) raise(err error) {
	if t.events.OnError != nil {
		t.events.OnError(err, true)
	}
}

type subscription struct {
	t  *Transport
	id string
}

func (s *subscription) Unsubscribe() error {
	if !s.t.remove(s.id) {
		return nil
	}
	return s.t.write(protocol.Frame{Op: protocol.OpUnsubscribe, ID: s.id})
}

var _ session.Transport = (*Transport)(nil)
