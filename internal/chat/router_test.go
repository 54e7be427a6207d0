package chat_test

import (
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/omochice/chatroom-session/internal/chat"
	"github.com/omochice/chatroom-session/internal/chat/mocks"
	"github.com/omochice/chatroom-session/internal/session"
	"github.com/omochice/chatroom-session/pkg/protocol"
)

type appended struct {
	key protocol.Identity
	msg protocol.ChatMessage
}

type fixture struct {
	mu        sync.Mutex
	router    *chat.Router
	sender    *mocks.MockSender
	appended  []appended
	malformed []error
}

func newFixture(t *testing.T, state session.State) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)

	f := &fixture{sender: mocks.NewMockSender(ctrl)}
	f.sender.EXPECT().Identity().Return(protocol.Identity("alice")).AnyTimes()
	f.sender.EXPECT().State().Return(state).AnyTimes()

	f.router = chat.NewRouter(f.sender, chat.Hooks{
		OnAppend: func(key protocol.Identity, msg protocol.ChatMessage) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.appended = append(f.appended, appended{key: key, msg: msg})
		},
		OnMalformed: func(err error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.malformed = append(f.malformed, err)
		},
	}, slog.New(slog.DiscardHandler))
	return f
}

func text(sender, receiver protocol.Identity, body string) protocol.ChatMessage {
	return protocol.ChatMessage{Sender: sender, Receiver: receiver, Body: body, Kind: protocol.KindMessage}
}

func TestRouter_OnInboundBroadcast(t *testing.T) {
	f := newFixture(t, session.StateJoined)
	msg := text("bob", "", "hello")

	require.NoError(t, f.router.OnInbound(msg, protocol.ChannelBroadcast))

	assert.Equal(t, []protocol.ChatMessage{msg}, f.router.Feed())
	assert.Empty(t, f.router.Peers())
	assert.Equal(t, []appended{{key: protocol.BroadcastKey, msg: msg}}, f.appended)
}

func TestRouter_OnInboundNotices(t *testing.T) {
	f := newFixture(t, session.StateJoined)
	join := protocol.ChatMessage{Sender: "bob", Kind: protocol.KindJoin}
	leave := protocol.ChatMessage{Sender: "bob", Kind: protocol.KindLeave}

	require.NoError(t, f.router.OnInbound(join, protocol.ChannelBroadcast))
	require.NoError(t, f.router.OnInbound(leave, protocol.ChannelBroadcast))

	assert.Equal(t, []protocol.ChatMessage{join, leave}, f.router.Feed())
}

func TestRouter_OnInboundAddressed(t *testing.T) {
	f := newFixture(t, session.StateJoined)
	fromBob := text("bob", "alice", "psst")
	fromCarol := text("carol", "alice", "hi")

	require.NoError(t, f.router.OnInbound(fromBob, protocol.ChannelAddressed))
	require.NoError(t, f.router.OnInbound(fromCarol, protocol.ChannelAddressed))
	require.NoError(t, f.router.OnInbound(fromBob, protocol.ChannelAddressed))

	assert.Equal(t, []protocol.ChatMessage{fromBob, fromBob}, f.router.Thread("bob"))
	assert.Equal(t, []protocol.ChatMessage{fromCarol}, f.router.Thread("carol"))
	assert.Empty(t, f.router.Feed())
	assert.Equal(t, []protocol.Identity{"bob", "carol"}, f.router.Peers())
}

func TestRouter_OnInboundRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		msg  protocol.ChatMessage
		from protocol.Channel
	}{
		{"message without body", protocol.ChatMessage{Sender: "bob", Kind: protocol.KindMessage}, protocol.ChannelBroadcast},
		{"missing sender", protocol.ChatMessage{Body: "hello", Kind: protocol.KindMessage}, protocol.ChannelAddressed},
		{"unknown kind", protocol.ChatMessage{Sender: "bob", Body: "hello"}, protocol.ChannelBroadcast},
		{"sender collides with broadcast key", text(protocol.BroadcastKey, "alice", "hi"), protocol.ChannelAddressed},
		{"unknown channel", text("bob", "", "hello"), protocol.Channel(7)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, session.StateJoined)
			valid := text("bob", "", "before")
			require.NoError(t, f.router.OnInbound(valid, protocol.ChannelBroadcast))

			err := f.router.OnInbound(tt.msg, tt.from)

			require.ErrorIs(t, err, protocol.ErrMalformedMessage)
			assert.Equal(t, []protocol.ChatMessage{valid}, f.router.Feed())
			assert.Empty(t, f.router.Peers())
			require.Len(t, f.malformed, 1)
			assert.ErrorIs(t, f.malformed[0], protocol.ErrMalformedMessage)
		})
	}
}

func TestRouter_SendBroadcast(t *testing.T) {
	f := newFixture(t, session.StateJoined)
	f.sender.EXPECT().Send(text("alice", "", "hello all")).Return(nil).Times(1)

	require.NoError(t, f.router.SendBroadcast("hello all"))

	assert.Empty(t, f.router.Feed(), "broadcast echo arrives through the subscription")
	assert.Empty(t, f.appended)
}

func TestRouter_SendPrivate(t *testing.T) {
	f := newFixture(t, session.StateJoined)
	want := text("alice", "carol", "hey")
	f.sender.EXPECT().Send(want).Return(nil).Times(1)

	require.NoError(t, f.router.SendPrivate("carol", "hey"))

	assert.Equal(t, []protocol.ChatMessage{want}, f.router.Thread("carol"))
	assert.Equal(t, []protocol.Identity{"carol"}, f.router.Peers())
	assert.Equal(t, []appended{{key: "carol", msg: want}}, f.appended)
}

func TestRouter_SendPrivateFailureIsNotRecorded(t *testing.T) {
	f := newFixture(t, session.StateJoined)
	boom := errors.New("broken pipe")
	f.sender.EXPECT().Send(gomock.Any()).Return(boom).Times(1)

	err := f.router.SendPrivate("carol", "hey")

	require.ErrorIs(t, err, boom)
	assert.Empty(t, f.router.Thread("carol"))
	assert.Empty(t, f.router.Peers())
}

func TestRouter_SendPrivateKeepsReplyAfterMessage(t *testing.T) {
	f := newFixture(t, session.StateJoined)
	sent := text("alice", "bob", "ping")
	reply := text("bob", "alice", "pong")

	delivered := make(chan error, 1)
	f.sender.EXPECT().Send(sent).DoAndReturn(func(protocol.ChatMessage) error {
		// The reply is read while the send is still in flight.
		go func() { delivered <- f.router.OnInbound(reply, protocol.ChannelAddressed) }()
		time.Sleep(20 * time.Millisecond)
		return nil
	}).Times(1)

	require.NoError(t, f.router.SendPrivate("bob", "ping"))
	require.NoError(t, <-delivered)

	assert.Equal(t, []protocol.ChatMessage{sent, reply}, f.router.Thread("bob"))
}

func TestRouter_SendPrivateRejectsInvalidPeer(t *testing.T) {
	f := newFixture(t, session.StateJoined)
	f.sender.EXPECT().Send(gomock.Any()).Times(0)

	for _, peer := range []protocol.Identity{"", "two words", protocol.BroadcastKey} {
		err := f.router.SendPrivate(peer, "hey")
		assert.ErrorIs(t, err, session.ErrInvalidIdentity, string(peer))
	}
	assert.Empty(t, f.router.Peers())
}

func TestRouter_SendRequiresJoined(t *testing.T) {
	for _, state := range []session.State{
		session.StateDisconnected,
		session.StateConnecting,
		session.StateTerminated,
	} {
		t.Run(state.String(), func(t *testing.T) {
			f := newFixture(t, state)
			f.sender.EXPECT().Send(gomock.Any()).Times(0)

			assert.ErrorIs(t, f.router.SendBroadcast("hello"), session.ErrNotJoined)
			assert.ErrorIs(t, f.router.SendPrivate("carol", "hey"), session.ErrNotJoined)

			assert.Empty(t, f.router.Feed())
			assert.Empty(t, f.router.Thread("carol"))
			assert.Empty(t, f.router.Peers())
		})
	}
}

func TestRouter_BlankBodiesAreIgnored(t *testing.T) {
	f := newFixture(t, session.StateJoined)
	f.sender.EXPECT().Send(gomock.Any()).Times(0)

	for _, body := range []string{"", "   ", "\t\n"} {
		assert.NoError(t, f.router.SendBroadcast(body))
		assert.NoError(t, f.router.SendPrivate("carol", body))
	}

	assert.Empty(t, f.router.Feed())
	assert.Empty(t, f.router.Peers())
	assert.Empty(t, f.appended)
}

func TestRouter_StoresAreAppendOnly(t *testing.T) {
	f := newFixture(t, session.StateJoined)
	f.sender.EXPECT().Send(gomock.Any()).Return(nil).AnyTimes()

	require.NoError(t, f.router.OnInbound(text("bob", "", "one"), protocol.ChannelBroadcast))
	require.NoError(t, f.router.OnInbound(text("bob", "alice", "two"), protocol.ChannelAddressed))
	feedBefore := f.router.Feed()
	threadBefore := f.router.Thread("bob")

	// Mutating a snapshot must not reach the store.
	feedBefore[0].Body = "tampered"
	feedBefore = f.router.Feed()

	require.NoError(t, f.router.OnInbound(text("carol", "", "three"), protocol.ChannelBroadcast))
	require.NoError(t, f.router.SendPrivate("bob", "four"))
	require.Error(t, f.router.OnInbound(protocol.ChatMessage{Sender: "bob", Kind: protocol.KindMessage}, protocol.ChannelAddressed))
	require.NoError(t, f.router.OnInbound(text("bob", "alice", "five"), protocol.ChannelAddressed))

	feedAfter := f.router.Feed()
	threadAfter := f.router.Thread("bob")
	assert.Equal(t, "one", feedAfter[0].Body)
	assert.Equal(t, feedBefore, feedAfter[:len(feedBefore)])
	assert.Equal(t, threadBefore, threadAfter[:len(threadBefore)])
	assert.Equal(t, []string{"two", "four", "five"}, bodies(threadAfter))
}

func TestRouter_Conversation(t *testing.T) {
	f := newFixture(t, session.StateJoined)
	public := text("bob", "", "hello")
	private := text("bob", "alice", "psst")
	require.NoError(t, f.router.OnInbound(public, protocol.ChannelBroadcast))
	require.NoError(t, f.router.OnInbound(private, protocol.ChannelAddressed))

	assert.Equal(t, []protocol.ChatMessage{public}, f.router.Conversation(protocol.BroadcastKey))
	assert.Equal(t, []protocol.ChatMessage{private}, f.router.Conversation("bob"))

	unknown := f.router.Conversation("nobody")
	assert.NotNil(t, unknown)
	assert.Empty(t, unknown)
}

func TestRouter_OpenThread(t *testing.T) {
	f := newFixture(t, session.StateJoined)
	require.NoError(t, f.router.OnInbound(text("bob", "alice", "psst"), protocol.ChannelAddressed))

	require.NoError(t, f.router.OpenThread("dave"))
	require.NoError(t, f.router.OpenThread("bob"))
	assert.ErrorIs(t, f.router.OpenThread(""), session.ErrInvalidIdentity)

	assert.Equal(t, []protocol.Identity{"bob", "dave"}, f.router.Peers())
	assert.Empty(t, f.router.Thread("dave"))
	assert.Len(t, f.router.Thread("bob"), 1)
}

func TestRouter_Summaries(t *testing.T) {
	f := newFixture(t, session.StateJoined)
	last := text("bob", "alice", "second")
	require.NoError(t, f.router.OnInbound(text("bob", "alice", "first"), protocol.ChannelAddressed))
	require.NoError(t, f.router.OnInbound(last, protocol.ChannelAddressed))
	require.NoError(t, f.router.OpenThread("dave"))

	summaries := f.router.Summaries()

	require.Len(t, summaries, 3)
	assert.Equal(t, chat.Summary{Key: protocol.BroadcastKey}, summaries[0])
	assert.Equal(t, chat.Summary{Key: "bob", Count: 2, Last: &last}, summaries[1])
	assert.Equal(t, chat.Summary{Key: "dave"}, summaries[2])
}

func bodies(msgs []protocol.ChatMessage) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Body)
	}
	return out
}
