package session_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/omochice/chatroom-session/internal/session"
)

func TestCanTransition(t *testing.T) {
	states := []session.State{
		session.StateDisconnected,
		session.StateConnecting,
		session.StateJoined,
		session.StateTerminated,
	}
	allowed := map[[2]session.State]bool{
		{session.StateDisconnected, session.StateConnecting}: true,
		{session.StateConnecting, session.StateJoined}:       true,
		{session.StateConnecting, session.StateTerminated}:   true,
		{session.StateJoined, session.StateTerminated}:       true,
		{session.StateTerminated, session.StateDisconnected}: true,
	}

	for _, from := range states {
		for _, to := range states {
			t.Run(from.String()+"->"+to.String(), func(t *testing.T) {
				assert.Equal(t, allowed[[2]session.State{from, to}], session.CanTransition(from, to))
			})
		}
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "JOINED", session.StateJoined.String())
	assert.Equal(t, "UNKNOWN", session.State(42).String())
}
