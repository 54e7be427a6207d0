package test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/chatroom-session/internal/broker"
	"github.com/omochice/chatroom-session/internal/client"
	"github.com/omochice/chatroom-session/internal/session"
	"github.com/omochice/chatroom-session/internal/transport/wire"
	"github.com/omochice/chatroom-session/pkg/protocol"
)

const waitFor = 2 * time.Second

func startBroker(t *testing.T) (*broker.Broker, *broker.Server) {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	b := broker.New(logger)
	srv := broker.NewServer("127.0.0.1:0", "", b, logger)
	require.NoError(t, srv.Listen())
	go srv.Serve()
	t.Cleanup(srv.Stop)
	return b, srv
}

type user struct {
	*client.Client
	closed chan error
}

func join(t *testing.T, endpoint string, identity protocol.Identity) *user {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	u := &user{closed: make(chan error, 1)}
	u.Client = client.New(wire.NewDialer(logger), client.Options{
		Endpoint: endpoint,
		Hooks:    client.Hooks{OnClosed: func(err error) { u.closed <- err }},
		Logger:   logger,
	})
	t.Cleanup(u.Close)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	h, err := u.Connect(ctx, identity)
	require.NoError(t, err)
	require.NoError(t, h.Wait(ctx))
	require.Equal(t, session.StateJoined, u.State())
	return u
}

func hasMessage(msgs []protocol.ChatMessage, sender protocol.Identity, kind protocol.Kind, body string) bool {
	return lo.ContainsBy(msgs, func(m protocol.ChatMessage) bool {
		return m.Sender == sender && m.Kind == kind && m.Body == body
	})
}

// TestIntegration_ChatRoom runs a WebSocket and a TCP user against one broker.
func TestIntegration_ChatRoom(t *testing.T) {
	b, srv := startBroker(t)

	alice := join(t, "ws://"+srv.Addr()+"/ws", "alice")
	// A joined handle only means the frames were written. The broker handles
	// one connection's frames in order, so alice's own JOIN in her feed proves
	// both of her subscriptions are registered.
	require.Eventually(t, func() bool {
		return b.SubscriberCount(protocol.PublicTopic) == 1 &&
			hasMessage(alice.Feed(), "alice", protocol.KindJoin, "")
	}, waitFor, 10*time.Millisecond)

	bob := join(t, "tcp://"+srv.TCPAddr(), "bob")

	require.Eventually(t, func() bool {
		return b.SubscriberCount(protocol.PublicTopic) == 2
	}, waitFor, 10*time.Millisecond)

	// Joins appear in the feed of everyone already subscribed.
	require.Eventually(t, func() bool {
		return hasMessage(alice.Feed(), "bob", protocol.KindJoin, "")
	}, waitFor, 10*time.Millisecond)

	// A broadcast comes back to its sender through the subscription.
	require.NoError(t, alice.SendBroadcast("hello everyone"))
	for _, u := range []*user{alice, bob} {
		require.Eventually(t, func() bool {
			return hasMessage(u.Feed(), "alice", protocol.KindMessage, "hello everyone")
		}, waitFor, 10*time.Millisecond)
	}

	// Private messages reach the receiver only and echo locally.
	require.NoError(t, bob.SendPrivate("alice", "psst"))
	assert.Equal(t, []protocol.ChatMessage{{Sender: "bob", Receiver: "alice", Body: "psst", Kind: protocol.KindMessage}}, bob.Thread("alice"))
	require.Eventually(t, func() bool {
		return hasMessage(alice.Thread("bob"), "bob", protocol.KindMessage, "psst")
	}, waitFor, 10*time.Millisecond)
	assert.Equal(t, []protocol.Identity{"bob"}, alice.Peers())
	assert.False(t, hasMessage(alice.Feed(), "bob", protocol.KindMessage, "psst"))

	// Leaving announces itself and discards the leaver's conversations.
	<-bob.Disconnect()
	assert.NoError(t, <-bob.closed)
	assert.Equal(t, session.StateTerminated, bob.State())
	assert.Empty(t, bob.Feed())
	assert.ErrorIs(t, bob.SendBroadcast("anyone?"), session.ErrNotJoined)

	require.Eventually(t, func() bool {
		return hasMessage(alice.Feed(), "bob", protocol.KindLeave, "")
	}, waitFor, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return b.SubscriberCount(protocol.PublicTopic) == 1
	}, waitFor, 10*time.Millisecond)
}

// TestIntegration_BrokerShutdown ends joined sessions when the broker goes away.
func TestIntegration_BrokerShutdown(t *testing.T) {
	_, srv := startBroker(t)
	alice := join(t, "ws://"+srv.Addr()+"/ws", "alice")
	require.NoError(t, alice.SendBroadcast("hello"))
	require.Eventually(t, func() bool {
		return len(alice.Feed()) > 0
	}, waitFor, 10*time.Millisecond)

	srv.Stop()

	select {
	case err := <-alice.closed:
		assert.Error(t, err)
	case <-time.After(waitFor):
		t.Fatal("session was not closed after broker shutdown")
	}
	assert.Equal(t, session.StateTerminated, alice.State())
	assert.Empty(t, alice.Feed())
}

// TestIntegration_Reconnect joins again with the same identity after leaving.
func TestIntegration_Reconnect(t *testing.T) {
	b, srv := startBroker(t)
	endpoint := "tcp://" + srv.TCPAddr()

	alice := join(t, endpoint, "alice")
	<-alice.Disconnect()
	<-alice.closed

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	h, err := alice.Connect(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, h.Wait(ctx))

	require.Eventually(t, func() bool {
		return b.SubscriberCount(protocol.PrivateTopic("alice")) == 1
	}, waitFor, 10*time.Millisecond)
	require.NoError(t, alice.SendBroadcast("back again"))
	require.Eventually(t, func() bool {
		return hasMessage(alice.Feed(), "alice", protocol.KindMessage, "back again")
	}, waitFor, 10*time.Millisecond)
}

// TestIntegration_ConnectRefused reports a connection failure through the handle.
func TestIntegration_ConnectRefused(t *testing.T) {
	c := client.New(wire.NewDialer(nil), client.Options{
		Endpoint: "tcp://127.0.0.1:1",
		Logger:   slog.New(slog.DiscardHandler),
	})
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	h, err := c.Connect(ctx, "alice")
	require.NoError(t, err)

	assert.ErrorIs(t, h.Wait(ctx), session.ErrConnection)
	assert.Equal(t, session.StateTerminated, c.State())
}
