// Package broker is a development message broker for the chat room. It
// speaks protocol.Frame over any transport.Conn: clients subscribe to
// destinations and send to the command destinations, which the broker fans
// out to the public topic or to one user's addressed topic.
package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/omochice/chatroom-session/internal/transport"
	"github.com/omochice/chatroom-session/pkg/protocol"
)

// DefaultQueueSize is the number of frames buffered per client.
const DefaultQueueSize = 64

const writeTimeout = 5 * time.Second

// Option configures a Broker.
type Option func(*Broker)

// WithQueueSize sets the per-client outgoing queue size.
func WithQueueSize(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// Broker routes frames between connected clients. It implements
// transport.Handler.
type Broker struct {
	logger    *slog.Logger
	queueSize int

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// client is one connection. subs maps subscription ids to destinations.
type client struct {
	id       string
	conn     transport.Conn
	outgoing chan []byte

	mu   sync.Mutex
	subs map[string]string
}

// New creates an empty Broker.
func New(logger *slog.Logger, opts ...Option) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broker{
		logger:    logger.With("component", "broker"),
		queueSize: DefaultQueueSize,
		clients:   make(map[*client]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Serve implements transport.Handler. It reads frames until the connection
// fails or ctx is done.
func (b *Broker) Serve(ctx context.Context, conn transport.Conn) {
	c := &client{
		id:       uuid.NewString(),
		conn:     conn,
		outgoing: make(chan []byte, b.queueSize),
		subs:     make(map[string]string),
	}
	logger := b.logger.With("client", c.id, "remote", conn.RemoteAddr())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	b.register(c)
	defer b.unregister(c)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		b.writeLoop(ctx, c, logger)
	}()
	defer func() {
		cancel()
		<-writerDone
	}()

	logger.Info("client connected")
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				logger.Debug("read failed", "error", err)
			}
			logger.Info("client disconnected")
			return
		}

		var f protocol.Frame
		if err := f.Decode(data); err != nil {
			logger.Warn("rejected undecodable frame", "error", err)
			b.reject(c, err)
			continue
		}
		if err := b.handle(c, f, logger); err != nil {
			logger.Warn("rejected frame", "op", f.Op, "destination", f.Destination, "error", err)
			b.reject(c, err)
		}
	}
}

// ClientCount returns the number of connected clients.
func (b *Broker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// SubscriberCount returns the number of subscriptions to destination.
func (b *Broker) SubscriberCount(destination string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for c := range b.clients {
		c.mu.Lock()
		for _, dest := range c.subs {
			if dest == destination {
				n++
			}
		}
		c.mu.Unlock()
	}
	return n
}

func (b *Broker) handle(c *client, f protocol.Frame, logger *slog.Logger) error {
	switch f.Op {
	case protocol.OpSubscribe:
		c.mu.Lock()
		c.subs[f.ID] = f.Destination
		c.mu.Unlock()
		logger.Debug("subscribed", "id", f.ID, "destination", f.Destination)
		return nil
	case protocol.OpUnsubscribe:
		c.mu.Lock()
		delete(c.subs, f.ID)
		c.mu.Unlock()
		logger.Debug("unsubscribed", "id", f.ID)
		return nil
	case protocol.OpSend:
		return b.route(f.Destination, *f.Message, logger)
	default:
		return fmt.Errorf("unexpected %s frame", f.Op)
	}
}

// route delivers a sent message according to its command destination.
func (b *Broker) route(destination string, msg protocol.ChatMessage, logger *slog.Logger) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	switch destination {
	case protocol.MessageCommand:
		if msg.Addressed() {
			return fmt.Errorf("%w: %s carries a receiver", protocol.ErrMalformedMessage, destination)
		}
		switch msg.Kind {
		case protocol.KindJoin:
			logger.Info("user joined", "user", msg.Sender)
		case protocol.KindLeave:
			logger.Info("user left", "user", msg.Sender)
		}
		b.publish(protocol.PublicTopic, msg)
		return nil
	case protocol.PrivateMessageCommand:
		if !msg.Addressed() {
			return fmt.Errorf("%w: %s requires a receiver", protocol.ErrMalformedMessage, destination)
		}
		b.publish(protocol.PrivateTopic(msg.Receiver), msg)
		return nil
	default:
		return fmt.Errorf("unknown destination %q", destination)
	}
}

// publish enqueues a MESSAGE frame for every subscription to topic. Clients
// whose queue is full miss the message.
func (b *Broker) publish(topic string, msg protocol.ChatMessage) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for c := range b.clients {
		c.mu.Lock()
		for id, dest := range c.subs {
			if dest != topic {
				continue
			}
			f := protocol.Frame{Op: protocol.OpMessage, ID: id, Destination: topic, Message: &msg}
			data, err := f.Encode()
			if err != nil {
				b.logger.Error("failed to encode message frame", "error", err)
				continue
			}
			b.enqueue(c, data)
		}
		c.mu.Unlock()
	}
}

func (b *Broker) reject(c *client, cause error) {
	f := protocol.Frame{Op: protocol.OpError, Text: cause.Error()}
	data, err := f.Encode()
	if err != nil {
		b.logger.Error("failed to encode error frame", "error", err)
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	b.enqueue(c, data)
}

// enqueue must be called with b.mu held so that c is still registered.
func (b *Broker) enqueue(c *client, data []byte) {
	if _, ok := b.clients[c]; !ok {
		return
	}
	select {
	case c.outgoing <- data:
	default:
		b.logger.Warn("client queue full, dropping frame", "client", c.id)
	}
}

func (b *Broker) writeLoop(ctx context.Context, c *client, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-c.outgoing:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(wctx, data)
			cancel()
			if err != nil {
				logger.Debug("write failed", "error", err)
				_ = c.conn.Close()
				return
			}
		}
	}
}

func (b *Broker) register(c *client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clients[c] = struct{}{}
}

func (b *Broker) unregister(c *client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.clients, c)
}

var _ transport.Handler = (*Broker)(nil)
