// Package chat routes the traffic of a joined session into conversations: the
// public room feed and one private thread per peer.
package chat

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/samber/lo"

	"github.com/omochice/chatroom-session/internal/session"
	"github.com/omochice/chatroom-session/pkg/protocol"
)

// Hooks are optional observers of a Router. They run after the Router's lock
// has been released.
type Hooks struct {
	// OnAppend is called once msg has been appended to the conversation key.
	// key is protocol.BroadcastKey for the public feed.
	OnAppend    func(key protocol.Identity, msg protocol.ChatMessage)
	OnMalformed func(err error)
}

// Summary describes one conversation for a tab picker.
type Summary struct {
	Key   protocol.Identity
	Count int
	Last  *protocol.ChatMessage
}

// Router is the Conversation Router of one session. It exclusively owns the
// broadcast feed and the private threads; every store is append-only.
type Router struct {
	sender Sender
	hooks  Hooks
	logger *slog.Logger

	// sending orders private sends against addressed inbound messages, so a
	// reply never precedes the message it answers in a thread. It is taken
	// before mu and held across Sender.Send, which must not deliver inbound
	// messages synchronously.
	sending sync.Mutex

	mu      sync.RWMutex
	feed    feed
	threads threads
}

// NewRouter creates a Router with empty stores that publishes through sender.
func NewRouter(sender Sender, hooks Hooks, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		sender:  sender,
		hooks:   hooks,
		logger:  logger.With("component", "router"),
		threads: newThreads(),
	}
}

// OnInbound routes a received message. Broadcast messages, JOIN and LEAVE
// notices included, go to the feed. Addressed messages go to the thread of
// their sender. Invalid messages are rejected with
// protocol.ErrMalformedMessage and stored nowhere.
func (r *Router) OnInbound(msg protocol.ChatMessage, from protocol.Channel) error {
	if err := r.check(msg, from); err != nil {
		r.logger.Warn("rejected inbound message", "channel", from, "sender", msg.Sender, "error", err)
		if r.hooks.OnMalformed != nil {
			r.hooks.OnMalformed(err)
		}
		return err
	}

	key := protocol.BroadcastKey
	if from == protocol.ChannelAddressed {
		key = msg.Sender
		r.sending.Lock()
		r.mu.Lock()
		r.threads.append(key, msg)
		r.mu.Unlock()
		r.sending.Unlock()
	} else {
		r.mu.Lock()
		r.feed = append(r.feed, msg)
		r.mu.Unlock()
	}

	r.notifyAppend(key, msg)
	return nil
}

func (r *Router) check(msg protocol.ChatMessage, from protocol.Channel) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	switch from {
	case protocol.ChannelBroadcast:
		return nil
	case protocol.ChannelAddressed:
		// The sender becomes a thread key and must not collide with the
		// broadcast key.
		if err := msg.Sender.Validate(); err != nil {
			return fmt.Errorf("%w: %v", protocol.ErrMalformedMessage, err)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown channel %d", protocol.ErrMalformedMessage, int(from))
	}
}

// SendBroadcast publishes body to the room. Blank bodies are ignored. The
// message is not stored locally; it comes back through the broadcast
// subscription in broker order.
func (r *Router) SendBroadcast(body string) error {
	if strings.TrimSpace(body) == "" {
		return nil
	}
	if r.sender.State() != session.StateJoined {
		return session.ErrNotJoined
	}

	msg := protocol.ChatMessage{
		Sender: r.sender.Identity(),
		Body:   body,
		Kind:   protocol.KindMessage,
	}
	return r.sender.Send(msg)
}

// SendPrivate publishes body to peer and records it in the peer's thread,
// since the broker only delivers addressed messages to the receiver. The
// message is recorded only once Send succeeded; addressed messages arriving
// meanwhile wait so the thread keeps send order. Blank bodies are ignored.
func (r *Router) SendPrivate(peer protocol.Identity, body string) error {
	if strings.TrimSpace(body) == "" {
		return nil
	}
	if err := peer.Validate(); err != nil {
		return fmt.Errorf("%w: %v", session.ErrInvalidIdentity, err)
	}
	if r.sender.State() != session.StateJoined {
		return session.ErrNotJoined
	}

	msg := protocol.ChatMessage{
		Sender:   r.sender.Identity(),
		Receiver: peer,
		Body:     body,
		Kind:     protocol.KindMessage,
	}
	r.sending.Lock()
	if err := r.sender.Send(msg); err != nil {
		r.sending.Unlock()
		return err
	}
	r.mu.Lock()
	r.threads.append(peer, msg)
	r.mu.Unlock()
	r.sending.Unlock()

	r.notifyAppend(peer, msg)
	return nil
}

// OpenThread makes peer appear in Peers before any message was exchanged.
func (r *Router) OpenThread(peer protocol.Identity) error {
	if err := peer.Validate(); err != nil {
		return fmt.Errorf("%w: %v", session.ErrInvalidIdentity, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.threads.open(peer)
	return nil
}

// Conversation returns a copy of the conversation selected by key:
// protocol.BroadcastKey for the feed, a peer identity otherwise. Unknown peers
// yield an empty sequence.
func (r *Router) Conversation(key protocol.Identity) []protocol.ChatMessage {
	if key == protocol.BroadcastKey {
		return r.Feed()
	}
	return r.Thread(key)
}

// Feed returns a copy of the broadcast feed.
func (r *Router) Feed() []protocol.ChatMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.feed.snapshot()
}

// Thread returns a copy of the private thread with peer.
func (r *Router) Thread(peer protocol.Identity) []protocol.ChatMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.threads.get(peer).snapshot()
}

// Peers returns the thread keys in the order they were created.
func (r *Router) Peers() []protocol.Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]protocol.Identity{}, r.threads.order...)
}

// Summaries describes the feed followed by every private thread.
func (r *Router) Summaries() []Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := append([]protocol.Identity{protocol.BroadcastKey}, r.threads.order...)
	return lo.Map(keys, func(key protocol.Identity, _ int) Summary {
		msgs := r.feed
		if key != protocol.BroadcastKey {
			msgs = r.threads.get(key)
		}
		s := Summary{Key: key, Count: len(msgs)}
		if len(msgs) > 0 {
			last := msgs[len(msgs)-1]
			s.Last = &last
		}
		return s
	})
}

func (r *Router) notifyAppend(key protocol.Identity, msg protocol.ChatMessage) {
	if r.hooks.OnAppend != nil {
		r.hooks.OnAppend(key, msg)
	}
}
