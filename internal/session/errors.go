package session

import "errors"

var (
	ErrInvalidIdentity = errors.New("invalid identity")
	ErrConnection      = errors.New("connection failed")
	ErrJoinFailed      = errors.New("join failed")
	ErrNotJoined       = errors.New("not joined")
	ErrSessionActive   = errors.New("session already active")
	ErrDisconnected    = errors.New("disconnected")
	ErrPending         = errors.New("connect pending")
)
