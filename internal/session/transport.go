package session

import (
	"context"

	"github.com/omochice/chatroom-session/pkg/protocol"
)

// MessageHandler receives messages delivered on a subscription.
type MessageHandler func(msg protocol.ChatMessage)

// Subscription is an open subscription on a Transport.
type Subscription interface {
	Unsubscribe() error
}

// Transport is a connected publish/subscribe connection to the broker.
// Handlers of a single transport are invoked serially.
type Transport interface {
	Subscribe(destination string, handler MessageHandler) (Subscription, error)
	// Publish is fire-and-forget: a nil error means the frame was handed to
	// the connection, not that the broker accepted it.
	Publish(destination string, msg protocol.ChatMessage) error
	Close() error
}

// Events are the connection level callbacks a Transport reports to.
type Events struct {
	// OnError reports a protocol level fault. usable is false when the
	// transport cannot carry further traffic.
	OnError func(err error, usable bool)
	// OnClose reports that the connection was closed by the remote side.
	OnClose func(err error)
}

// Dialer opens transports.
type Dialer interface {
	Dial(ctx context.Context, endpoint string, events Events) (Transport, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, endpoint string, events Events) (Transport, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context, endpoint string, events Events) (Transport, error) {
	return f(ctx, endpoint, events)
}

// InboundHandler consumes every message received by a joined session.
type InboundHandler interface {
	OnInbound(msg protocol.ChatMessage, from protocol.Channel) error
}
