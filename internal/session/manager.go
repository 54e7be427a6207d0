// Package session owns the connection lifecycle of a chat session: it dials
// the broker, joins the room by opening the broadcast and addressed
// subscriptions, gates outbound traffic and tears the connection down.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/omochice/chatroom-session/pkg/protocol"
)

// Options configures a Manager. All callbacks are optional and are never
// invoked while the manager's lock is held.
type Options struct {
	Endpoint string

	// Inbound receives every message of the joined session.
	Inbound InboundHandler

	OnJoined    func(identity protocol.Identity)
	OnError     func(err error)
	OnClosed    func(err error)
	OnMalformed func(err error)

	Logger *slog.Logger
}

// errSuperseded stops a join whose attempt was disconnected meanwhile.
var errSuperseded = errors.New("connect attempt superseded")

// attempt is one Connect call. It outlives its session only as a stale
// pointer that callbacks compare against.
type attempt struct {
	identity protocol.Identity
	handle   *Handle
	cancel   context.CancelFunc
	finished chan struct{}
	// cause is set under Manager.mu when the attempt is aborted before it
	// joined.
	cause error
}

// Manager is the Connection Manager of a single user. It is safe for
// concurrent use.
type Manager struct {
	dialer Dialer
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	state     State
	attempt   *attempt
	transport Transport
	subs      []Subscription

	// active is the attempt whose subscriptions may deliver messages.
	active atomic.Pointer[attempt]
	wg     sync.WaitGroup
}

// NewManager creates a Manager in state DISCONNECTED.
func NewManager(dialer Dialer, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		dialer: dialer,
		opts:   opts,
		logger: logger.With("component", "session"),
	}
}

// State returns the current session state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Identity returns the identity of the current or last session.
func (m *Manager) Identity() protocol.Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attempt == nil {
		return ""
	}
	return m.attempt.identity
}

// Connect starts a session for identity. It validates the identity before
// any network activity and returns immediately; the Handle resolves once the
// session joined or failed. A terminated manager may be connected again.
func (m *Manager) Connect(ctx context.Context, identity protocol.Identity) (*Handle, error) {
	if err := identity.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateConnecting, StateJoined:
		return nil, ErrSessionActive
	case StateTerminated:
		m.setState(StateDisconnected)
	}

	dialCtx, cancel := context.WithCancel(ctx)
	a := &attempt{
		identity: identity,
		handle:   newHandle(),
		cancel:   cancel,
		finished: make(chan struct{}),
	}
	m.attempt = a
	m.setState(StateConnecting)

	m.wg.Add(1)
	go m.establish(dialCtx, a)

	return a.handle, nil
}

// Send publishes msg on its command destination. It fails with ErrNotJoined
// outside of JOINED.
func (m *Manager) Send(msg protocol.ChatMessage) error {
	m.mu.Lock()
	if m.state != StateJoined {
		m.mu.Unlock()
		return ErrNotJoined
	}
	tr := m.transport
	identity := m.attempt.identity
	m.mu.Unlock()

	if msg.Sender != identity {
		return fmt.Errorf("%w: sender %q is not the session identity", ErrInvalidIdentity, msg.Sender)
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	if err := tr.Publish(protocol.CommandFor(msg), msg); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// Disconnect ends the session. It is idempotent and safe in any state; an
// in-flight connect is torn down as soon as it resolves. The returned channel
// is closed once the transport has been released.
func (m *Manager) Disconnect() <-chan struct{} {
	done := make(chan struct{})

	m.mu.Lock()
	switch m.state {
	case StateConnecting:
		a := m.attempt
		a.cause = ErrDisconnected
		a.cancel()
		m.active.Store(nil)
		m.setState(StateTerminated)
		m.mu.Unlock()

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			defer close(done)
			<-a.finished
			m.notifyClosed(nil)
		}()
	case StateJoined:
		identity := m.attempt.identity
		tr, subs := m.detachLocked()
		m.mu.Unlock()

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			defer close(done)
			m.release(tr, subs, identity)
			m.notifyClosed(nil)
		}()
	default:
		m.mu.Unlock()
		close(done)
	}

	return done
}

// Wait blocks until background connect and teardown work has finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) establish(ctx context.Context, a *attempt) {
	defer m.wg.Done()
	defer close(a.finished)
	defer a.cancel()

	tr, err := m.dialer.Dial(ctx, m.opts.Endpoint, m.events(a))
	if err != nil {
		m.abort(a, fmt.Errorf("%w: %v", ErrConnection, err))
		return
	}

	m.mu.Lock()
	aborted := !m.pendingLocked(a)
	cause := a.cause
	if !aborted {
		m.active.Store(a)
	}
	m.mu.Unlock()
	if aborted {
		if err := tr.Close(); err != nil {
			m.logger.Debug("failed to close transport", "error", err)
		}
		m.resolveAborted(a, cause)
		return
	}

	subs, err := m.join(tr, a)
	if errors.Is(err, errSuperseded) {
		m.release(tr, subs, "")
		m.mu.Lock()
		cause = a.cause
		m.mu.Unlock()
		m.resolveAborted(a, cause)
		return
	}
	if err != nil {
		m.active.CompareAndSwap(a, nil)
		m.release(tr, subs, "")
		m.abort(a, fmt.Errorf("%w: %v", ErrJoinFailed, err))
		return
	}

	m.mu.Lock()
	if !m.pendingLocked(a) {
		cause = a.cause
		m.mu.Unlock()

		// Disconnect raced the join: the JOIN is already on the wire.
		m.release(tr, subs, a.identity)
		m.resolveAborted(a, cause)
		return
	}
	m.transport = tr
	m.subs = subs
	m.setState(StateJoined)
	m.mu.Unlock()

	m.logger.Info("joined chat room", "identity", a.identity)
	a.handle.resolve(nil)
	if m.opts.OnJoined != nil {
		m.opts.OnJoined(a.identity)
	}
}

// join opens the broadcast and addressed subscriptions and announces the
// user. The returned subscriptions are the ones opened so far, also on error.
func (m *Manager) join(tr Transport, a *attempt) ([]Subscription, error) {
	var subs []Subscription

	pub, err := tr.Subscribe(protocol.PublicTopic, m.deliver(a, protocol.ChannelBroadcast))
	if err != nil {
		return subs, fmt.Errorf("failed to subscribe to %s: %w", protocol.PublicTopic, err)
	}
	subs = append(subs, pub)

	private := protocol.PrivateTopic(a.identity)
	priv, err := tr.Subscribe(private, m.deliver(a, protocol.ChannelAddressed))
	if err != nil {
		return subs, fmt.Errorf("failed to subscribe to %s: %w", private, err)
	}
	subs = append(subs, priv)

	// A disconnected attempt must not announce itself.
	m.mu.Lock()
	pending := m.pendingLocked(a)
	m.mu.Unlock()
	if !pending {
		return subs, errSuperseded
	}

	msg := protocol.ChatMessage{Sender: a.identity, Kind: protocol.KindJoin}
	if err := tr.Publish(protocol.CommandFor(msg), msg); err != nil {
		return subs, fmt.Errorf("failed to publish join message: %w", err)
	}

	return subs, nil
}

func (m *Manager) deliver(a *attempt, from protocol.Channel) MessageHandler {
	return func(msg protocol.ChatMessage) {
		if m.active.Load() != a || m.opts.Inbound == nil {
			return
		}
		if err := m.opts.Inbound.OnInbound(msg, from); err != nil {
			m.logger.Debug("inbound message rejected", "channel", from, "error", err)
		}
	}
}

// pendingLocked reports whether a is still the connecting attempt. m.mu must
// be held.
func (m *Manager) pendingLocked(a *attempt) bool {
	return m.attempt == a && m.state == StateConnecting
}

// abort terminates a failed attempt unless it was already superseded.
func (m *Manager) abort(a *attempt, err error) {
	m.mu.Lock()
	if m.attempt == a && m.state == StateConnecting {
		a.cause = err
		m.setState(StateTerminated)
	}
	cause := a.cause
	m.mu.Unlock()

	m.resolveAborted(a, cause)
}

func (m *Manager) resolveAborted(a *attempt, cause error) {
	if cause == nil {
		cause = ErrDisconnected
	}
	a.handle.resolve(cause)
	if errors.Is(cause, ErrDisconnected) {
		return
	}
	m.logger.Error("failed to join chat room", "identity", a.identity, "error", cause)
	m.notifyError(cause)
}

func (m *Manager) events(a *attempt) Events {
	return Events{
		OnError: func(err error, usable bool) {
			m.handleTransportError(a, err, usable)
		},
		OnClose: func(err error) {
			m.handleTransportClose(a, err)
		},
	}
}

func (m *Manager) handleTransportError(a *attempt, err error, usable bool) {
	if errors.Is(err, protocol.ErrMalformedMessage) {
		m.logger.Warn("dropped malformed frame", "error", err)
		if m.opts.OnMalformed != nil {
			m.opts.OnMalformed(err)
		}
		return
	}

	m.mu.Lock()
	if m.attempt != a {
		m.mu.Unlock()
		return
	}

	switch m.state {
	case StateConnecting:
		a.cause = fmt.Errorf("%w: %v", ErrConnection, err)
		a.cancel()
		m.active.Store(nil)
		m.setState(StateTerminated)
		m.mu.Unlock()
	case StateJoined:
		if usable {
			m.mu.Unlock()
			m.logger.Warn("transport reported an error", "error", err)
			m.notifyError(err)
			return
		}
		tr, subs := m.detachLocked()
		m.mu.Unlock()

		m.logger.Error("transport failed", "error", err)
		m.notifyError(err)
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.release(tr, subs, "")
			m.notifyClosed(err)
		}()
	default:
		m.mu.Unlock()
	}
}

func (m *Manager) handleTransportClose(a *attempt, err error) {
	m.mu.Lock()
	if m.attempt != a {
		m.mu.Unlock()
		return
	}

	switch m.state {
	case StateConnecting:
		cause := err
		if cause == nil {
			cause = errors.New("connection closed")
		}
		a.cause = fmt.Errorf("%w: %v", ErrConnection, cause)
		a.cancel()
		m.active.Store(nil)
		m.setState(StateTerminated)
		m.mu.Unlock()
	case StateJoined:
		tr, subs := m.detachLocked()
		m.mu.Unlock()

		m.logger.Info("connection closed by broker", "error", err)
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.release(tr, subs, "")
			m.notifyClosed(err)
		}()
	default:
		m.mu.Unlock()
	}
}

// detachLocked moves a joined session to TERMINATED and hands its resources
// to the caller. m.mu must be held.
func (m *Manager) detachLocked() (Transport, []Subscription) {
	tr, subs := m.transport, m.subs
	m.transport, m.subs = nil, nil
	m.active.Store(nil)
	m.setState(StateTerminated)
	return tr, subs
}

// release closes subscriptions and the transport. A LEAVE is published first
// when leaving is non-empty; its failure is logged and otherwise ignored.
func (m *Manager) release(tr Transport, subs []Subscription, leaving protocol.Identity) {
	if leaving != "" {
		msg := protocol.ChatMessage{Sender: leaving, Kind: protocol.KindLeave}
		if err := tr.Publish(protocol.CommandFor(msg), msg); err != nil {
			m.logger.Warn("failed to publish leave message", "identity", leaving, "error", err)
		}
	}
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			m.logger.Debug("failed to unsubscribe", "error", err)
		}
	}
	if err := tr.Close(); err != nil {
		m.logger.Debug("failed to close transport", "error", err)
	}
}

// setState applies a transition. m.mu must be held.
func (m *Manager) setState(to State) {
	if !CanTransition(m.state, to) {
		panic(fmt.Sprintf("session: invalid transition %s -> %s", m.state, to))
	}
	m.logger.Debug("state transition", "from", m.state, "to", to)
	m.state = to
}

func (m *Manager) notifyError(err error) {
	if m.opts.OnError != nil {
		m.opts.OnError(err)
	}
}

func (m *Manager) notifyClosed(err error) {
	if m.opts.OnClosed != nil {
		m.opts.OnClosed(err)
	}
}
