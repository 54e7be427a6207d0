// Package protocol defines the chat message model shared by the session core,
// the transports and the development broker.
package protocol

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformedMessage is returned for messages that fail validation.
var ErrMalformedMessage = errors.New("malformed message")

var validate = validator.New()

// Identity names a user. It is also the key of a private thread and the
// identifier of a conversation tab.
type Identity string

// Validate reports whether the identity can be used to address a user.
// Identities are embedded in destination paths, so they may not contain '/'
// or whitespace.
func (id Identity) Validate() error {
	s := string(id)
	if s == "" {
		return errors.New("identity is empty")
	}
	if strings.ContainsAny(s, "/ \t\r\n") {
		return fmt.Errorf("identity %q contains reserved characters", s)
	}
	if id == BroadcastKey {
		return fmt.Errorf("identity %q is reserved", s)
	}
	return nil
}

// Kind represents the type of message
type Kind int

const (
	KindUnknown Kind = iota
	KindJoin
	KindMessage
	KindLeave
)

// String returns the string representation of Kind
func (k Kind) String() string {
	switch k {
	case KindJoin:
		return "JOIN"
	case KindMessage:
		return "MESSAGE"
	case KindLeave:
		return "LEAVE"
	default:
		return "UNKNOWN"
	}
}

// ParseKind converts a status string to a Kind. Unknown strings map to
// KindUnknown, which fails validation.
func ParseKind(s string) Kind {
	switch strings.ToUpper(s) {
	case "JOIN":
		return KindJoin
	case "MESSAGE":
		return KindMessage
	case "LEAVE":
		return KindLeave
	default:
		return KindUnknown
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	*k = ParseKind(string(text))
	return nil
}

// Channel identifies the subscription an inbound message arrived on.
type Channel int

const (
	ChannelBroadcast Channel = iota
	ChannelAddressed
)

func (c Channel) String() string {
	if c == ChannelAddressed {
		return "ADDRESSED"
	}
	return "BROADCAST"
}

// ChatMessage is a single chat frame. Body is empty for JOIN and LEAVE,
// Receiver is set only for addressed messages.
type ChatMessage struct {
	Sender   Identity `json:"senderName" validate:"required"`
	Receiver Identity `json:"receiverName,omitempty"`
	Body     string   `json:"message,omitempty"`
	Kind     Kind     `json:"status" validate:"min=1,max=3"`
}

// Addressed reports whether the message targets a single peer.
func (m ChatMessage) Addressed() bool {
	return m.Receiver != ""
}

// Validate checks the structural rules every stored message must satisfy.
func (m ChatMessage) Validate() error {
	if err := validate.Struct(m); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if m.Kind == KindMessage && m.Body == "" {
		return fmt.Errorf("%w: %s without body", ErrMalformedMessage, m.Kind)
	}
	return nil
}

const (
	fieldKind     protowire.Number = 1
	fieldSender   protowire.Number = 2
	fieldReceiver protowire.Number = 3
	fieldBody     protowire.Number = 4
)

// Encode encodes the message into protobuf wire format.
// Invalid messages are refused so they never reach the network.
func (m *ChatMessage) Encode() ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return m.appendWire(nil), nil
}

func (m *ChatMessage) appendWire(b []byte) []byte {
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Kind))
	b = appendString(b, fieldSender, string(m.Sender))
	b = appendString(b, fieldReceiver, string(m.Receiver))
	b = appendString(b, fieldBody, m.Body)
	return b
}

// Decode decodes protobuf wire bytes into the message. Decode only parses;
// callers validate before storing.
func (m *ChatMessage) Decode(data []byte) error {
	*m = ChatMessage{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("failed to decode message: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == fieldKind && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(data)
			m.Kind = kindFromWire(v)
		case num == fieldSender && typ == protowire.BytesType:
			var v string
			v, n = protowire.ConsumeString(data)
			m.Sender = Identity(v)
		case num == fieldReceiver && typ == protowire.BytesType:
			var v string
			v, n = protowire.ConsumeString(data)
			m.Receiver = Identity(v)
		case num == fieldBody && typ == protowire.BytesType:
			m.Body, n = protowire.ConsumeString(data)
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
		}
		if n < 0 {
			return fmt.Errorf("failed to decode message: %w", protowire.ParseError(n))
		}
		data = data[n:]
	}
	return nil
}

// kindFromWire maps unknown enum values to KindUnknown so they are rejected
// by validation instead of being silently read as text.
func kindFromWire(v uint64) Kind {
	switch k := Kind(v); k {
	case KindJoin, KindMessage, KindLeave:
		return k
	default:
		return KindUnknown
	}
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}
