package protocol_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/omochice/chatroom-session/pkg/protocol"
)

func TestPrivateTopic(t *testing.T) {
	assert.Equal(t, "/user/alice/private", protocol.PrivateTopic("alice"))

	id, ok := protocol.ParsePrivateTopic("/user/alice/private")
	assert.True(t, ok)
	assert.Equal(t, protocol.Identity("alice"), id)

	for _, dest := range []string{"/chatroom/public", "/user//private", "/user/a/b/private", "/user/alice"} {
		_, ok := protocol.ParsePrivateTopic(dest)
		assert.False(t, ok, dest)
	}
}

func TestCommandFor(t *testing.T) {
	assert.Equal(t, protocol.MessageCommand,
		protocol.CommandFor(protocol.ChatMessage{Sender: "alice", Kind: protocol.KindJoin}))
	assert.Equal(t, protocol.PrivateMessageCommand,
		protocol.CommandFor(protocol.ChatMessage{Sender: "alice", Receiver: "bob", Body: "hi", Kind: protocol.KindMessage}))
}
