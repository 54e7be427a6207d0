// Package client is what a user interface drives: one Client is one user in
// the chat room, connected through any session.Dialer.
package client

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/omochice/chatroom-session/internal/chat"
	"github.com/omochice/chatroom-session/internal/session"
	"github.com/omochice/chatroom-session/pkg/protocol"
)

// Hooks are optional observers of a Client.
type Hooks struct {
	OnJoined func(identity protocol.Identity)
	OnError  func(err error)
	// OnClosed is called when a joined session ended. Its conversations have
	// been discarded by then.
	OnClosed    func(err error)
	OnMalformed func(err error)
	OnAppend    func(key protocol.Identity, msg protocol.ChatMessage)
}

// Options configures a Client.
type Options struct {
	Endpoint string
	Hooks    Hooks
	Logger   *slog.Logger
}

// Client owns one Connection Manager and the Conversation Router of the
// current session.
type Client struct {
	manager *session.Manager
	hooks   Hooks
	logger  *slog.Logger

	mu     sync.RWMutex
	router *chat.Router
}

// New creates a disconnected Client.
func New(dialer session.Dialer, opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		hooks:  opts.Hooks,
		logger: logger,
	}
	c.manager = session.NewManager(dialer, session.Options{
		Endpoint:    opts.Endpoint,
		Inbound:     c,
		OnJoined:    opts.Hooks.OnJoined,
		OnError:     opts.Hooks.OnError,
		OnClosed:    c.sessionClosed,
		OnMalformed: opts.Hooks.OnMalformed,
		Logger:      logger,
	})
	return c
}

// Connect starts a new session with fresh conversations. It returns once the
// attempt is under way; the Handle resolves when the session joined or failed.
func (c *Client) Connect(ctx context.Context, identity protocol.Identity) (*session.Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	logger := c.logger.With("session", uuid.NewString(), "identity", identity)
	router := chat.NewRouter(c.manager, chat.Hooks{
		OnAppend:    c.hooks.OnAppend,
		OnMalformed: c.hooks.OnMalformed,
	}, logger)

	h, err := c.manager.Connect(ctx, identity)
	if err != nil {
		return nil, err
	}
	c.router = router

	go func() {
		<-h.Done()
		if h.Err() != nil {
			c.discard(router)
		}
	}()

	return h, nil
}

// Disconnect ends the current session and discards its conversations. The
// returned channel is closed once the connection has been released.
func (c *Client) Disconnect() <-chan struct{} {
	c.mu.Lock()
	c.router = nil
	c.mu.Unlock()
	return c.manager.Disconnect()
}

// Close disconnects and waits for all background work to finish.
func (c *Client) Close() {
	<-c.Disconnect()
	c.manager.Wait()
}

// OnInbound implements session.InboundHandler.
func (c *Client) OnInbound(msg protocol.ChatMessage, from protocol.Channel) error {
	router := c.current()
	if router == nil {
		return session.ErrNotJoined
	}
	return router.OnInbound(msg, from)
}

// SendBroadcast sends body to the whole room.
func (c *Client) SendBroadcast(body string) error {
	router := c.current()
	if router == nil {
		return session.ErrNotJoined
	}
	return router.SendBroadcast(body)
}

// SendPrivate sends body to peer and records it in the peer's thread.
func (c *Client) SendPrivate(peer protocol.Identity, body string) error {
	router := c.current()
	if router == nil {
		return session.ErrNotJoined
	}
	return router.SendPrivate(peer, body)
}

// OpenThread adds an empty private thread with peer.
func (c *Client) OpenThread(peer protocol.Identity) error {
	router := c.current()
	if router == nil {
		return session.ErrNotJoined
	}
	return router.OpenThread(peer)
}

// State returns the session state.
func (c *Client) State() session.State {
	return c.manager.State()
}

// Identity returns the identity of the current or last session.
func (c *Client) Identity() protocol.Identity {
	return c.manager.Identity()
}

// Feed returns the public room feed.
func (c *Client) Feed() []protocol.ChatMessage {
	return c.Conversation(protocol.BroadcastKey)
}

// Thread returns the private thread with peer.
func (c *Client) Thread(peer protocol.Identity) []protocol.ChatMessage {
	return c.Conversation(peer)
}

// Conversation returns the conversation selected by key, empty when there is
// no session or no such conversation.
func (c *Client) Conversation(key protocol.Identity) []protocol.ChatMessage {
	router := c.current()
	if router == nil {
		return []protocol.ChatMessage{}
	}
	return router.Conversation(key)
}

// Peers returns the identities with a private thread.
func (c *Client) Peers() []protocol.Identity {
	router := c.current()
	if router == nil {
		return []protocol.Identity{}
	}
	return router.Peers()
}

// Summaries describes every conversation of the session.
func (c *Client) Summaries() []chat.Summary {
	router := c.current()
	if router == nil {
		return nil
	}
	return router.Summaries()
}

func (c *Client) current() *chat.Router {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.router
}

func (c *Client) discard(router *chat.Router) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.router == router {
		c.router = nil
	}
}

// sessionClosed discards the conversations of a session the broker or an
// unrecoverable error ended. A session started in the meantime is kept.
func (c *Client) sessionClosed(err error) {
	c.mu.Lock()
	if c.manager.State() == session.StateTerminated {
		c.router = nil
	}
	c.mu.Unlock()

	if c.hooks.OnClosed != nil {
		c.hooks.OnClosed(err)
	}
}
