// Package sessiontest provides an in-memory Dialer and Transport for tests of
// code built on the session package.
package sessiontest

import (
	"context"
	"errors"
	"sync"

	"github.com/omochice/chatroom-session/internal/session"
	"github.com/omochice/chatroom-session/pkg/protocol"
)

// ErrClosed is returned by a closed Transport.
var ErrClosed = errors.New("transport closed")

// Published is a message handed to Transport.Publish.
type Published struct {
	Destination string
	Message     protocol.ChatMessage
}

// Transport records publishes and lets tests deliver inbound messages.
type Transport struct {
	mu           sync.Mutex
	events       session.Events
	handlers     map[string]session.MessageHandler
	published    []Published
	unsubscribed []string
	closed       bool
	subscribeErr map[string]error
	publishErr   error
	onSubscribe  func(destination string)
}

// NewTransport creates an open Transport.
func NewTransport() *Transport {
	return &Transport{
		handlers:     make(map[string]session.MessageHandler),
		subscribeErr: make(map[string]error),
	}
}

// FailSubscribe makes subscriptions to destination fail with err.
func (t *Transport) FailSubscribe(destination string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subscribeErr[destination] = err
}

// FailPublish makes every following publish fail with err.
func (t *Transport) FailPublish(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.publishErr = err
}

// OnSubscribe runs f at the start of every following Subscribe call.
func (t *Transport) OnSubscribe(f func(destination string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onSubscribe = f
}

// Subscribe implements session.Transport.
func (t *Transport) Subscribe(destination string, handler session.MessageHandler) (session.Subscription, error) {
	t.mu.Lock()
	hook := t.onSubscribe
	t.mu.Unlock()
	if hook != nil {
		hook(destination)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	if err := t.subscribeErr[destination]; err != nil {
		return nil, err
	}
	t.handlers[destination] = handler
	return &subscription{t: t, destination: destination}, nil
}

// Publish implements session.Transport.
func (t *Transport) Publish(destination string, msg protocol.ChatMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.publishErr != nil {
		return t.publishErr
	}
	t.published = append(t.published, Published{Destination: destination, Message: msg})
	return nil
}

// Close implements session.Transport.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// Deliver hands msg to the subscriber of destination and reports whether
// one existed.
func (t *Transport) Deliver(destination string, msg protocol.ChatMessage) bool {
	t.mu.Lock()
	handler, ok := t.handlers[destination]
	t.mu.Unlock()
	if !ok {
		return false
	}
	handler(msg)
	return true
}

// RaiseError reports err to the session as the broker connection would.
func (t *Transport) RaiseError(err error, usable bool) {
	t.mu.Lock()
	events := t.events
	t.mu.Unlock()
	if events.OnError != nil {
		events.OnError(err, usable)
	}
}

// RemoteClose reports a connection closed by the broker.
func (t *Transport) RemoteClose(err error) {
	t.mu.Lock()
	events := t.events
	t.closed = true
	t.mu.Unlock()
	if events.OnClose != nil {
		events.OnClose(err)
	}
}

// Published returns a copy of every published message.
func (t *Transport) Published() []Published {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Published(nil), t.published...)
}

// Subscriptions returns the destinations with an open subscription.
func (t *Transport) Subscriptions() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	dests := make([]string, 0, len(t.handlers))
	for dest := range t.handlers {
		dests = append(dests, dest)
	}
	return dests
}

// Unsubscribed returns destinations in the order they were unsubscribed.
func (t *Transport) Unsubscribed() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.unsubscribed...)
}

// Closed reports whether Close was called.
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type subscription struct {
	t           *Transport
	destination string
}

func (s *subscription) Unsubscribe() error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	delete(s.t.handlers, s.destination)
	s.t.unsubscribed = append(s.t.unsubscribed, s.destination)
	return nil
}

// Dialer hands out a fresh Transport per Dial.
type Dialer struct {
	mu         sync.Mutex
	err        error
	hold       chan struct{}
	ignoreCtx  bool
	transports []*Transport
	endpoints  []string
	dialing    chan struct{}
	prepare    func(*Transport)
}

// NewDialer creates a Dialer whose dials succeed immediately.
func NewDialer() *Dialer {
	return &Dialer{dialing: make(chan struct{}, 16)}
}

// Fail makes following dials fail with err.
func (d *Dialer) Fail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

// Hold blocks following dials until Release. With ignoreCtx the dial also
// survives cancellation of its context, like a handshake already on the wire.
func (d *Dialer) Hold(ignoreCtx bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hold = make(chan struct{})
	d.ignoreCtx = ignoreCtx
}

// Release unblocks held dials.
func (d *Dialer) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.hold != nil {
		close(d.hold)
		d.hold = nil
	}
}

// OnDial runs f on every transport before it is handed to the caller.
func (d *Dialer) OnDial(f func(*Transport)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.prepare = f
}

// Dialing receives a value whenever a dial starts.
func (d *Dialer) Dialing() <-chan struct{} {
	return d.dialing
}

// Dial implements session.Dialer.
func (d *Dialer) Dial(ctx context.Context, endpoint string, events session.Events) (session.Transport, error) {
	d.mu.Lock()
	hold, ignoreCtx, err, prepare := d.hold, d.ignoreCtx, d.err, d.prepare
	d.endpoints = append(d.endpoints, endpoint)
	d.mu.Unlock()

	select {
	case d.dialing <- struct{}{}:
	default:
	}

	if hold != nil {
		if ignoreCtx {
			<-hold
		} else {
			select {
			case <-hold:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if err != nil {
		return nil, err
	}

	t := NewTransport()
	t.events = events
	if prepare != nil {
		prepare(t)
	}

	d.mu.Lock()
	d.transports = append(d.transports, t)
	d.mu.Unlock()
	return t, nil
}

// Last returns the most recently dialed transport, or nil.
func (d *Dialer) Last() *Transport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		return nil
	}
	return d.transports[len(d.transports)-1]
}

// Dials returns the number of successful dials.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.transports)
}

// Endpoints returns the endpoint of every dial attempt.
func (d *Dialer) Endpoints() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.endpoints...)
}

var (
	_ session.Dialer    = (*Dialer)(nil)
	_ session.Transport = (*Transport)(nil)
)
