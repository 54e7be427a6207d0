package chat

//go:generate mockgen -destination=mocks/mock_sender.go -package=mocks github.com/omochice/chatroom-session/internal/chat Sender

import (
	"github.com/omochice/chatroom-session/internal/session"
	"github.com/omochice/chatroom-session/pkg/protocol"
)

// Sender is the capability the Router publishes through. session.Manager
// implements it.
type Sender interface {
	Identity() protocol.Identity
	State() session.State
	Send(msg protocol.ChatMessage) error
}

var _ Sender = (*session.Manager)(nil)
