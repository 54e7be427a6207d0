package protocol

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Op is the command carried by a broker frame.
type Op int

const (
	OpUnknown Op = iota
	OpSubscribe
	OpUnsubscribe
	OpSend
	OpMessage
	OpError
)

func (op Op) String() string {
	switch op {
	case OpSubscribe:
		return "SUBSCRIBE"
	case OpUnsubscribe:
		return "UNSUBSCRIBE"
	case OpSend:
		return "SEND"
	case OpMessage:
		return "MESSAGE"
	case OpError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Frame is the envelope exchanged with the development broker.
//
//	SUBSCRIBE   ID, Destination
//	UNSUBSCRIBE ID
//	SEND        Destination, Message
//	MESSAGE     ID, Destination, Message
//	ERROR       Text
type Frame struct {
	Op          Op
	ID          string
	Destination string
	Message     *ChatMessage
	Text        string
}

const (
	frameFieldOp          protowire.Number = 1
	frameFieldID          protowire.Number = 2
	frameFieldDestination protowire.Number = 3
	frameFieldMessage     protowire.Number = 4
	frameFieldText        protowire.Number = 5
)

// Encode encodes the frame into protobuf wire format.
func (f *Frame) Encode() ([]byte, error) {
	if err := f.check(); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}

	var b []byte
	b = protowire.AppendTag(b, frameFieldOp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.Op))
	b = appendString(b, frameFieldID, f.ID)
	b = appendString(b, frameFieldDestination, f.Destination)
	if f.Message != nil {
		b = protowire.AppendTag(b, frameFieldMessage, protowire.BytesType)
		b = protowire.AppendBytes(b, f.Message.appendWire(nil))
	}
	b = appendString(b, frameFieldText, f.Text)
	return b, nil
}

// Decode decodes protobuf wire bytes into the frame. The embedded message is
// parsed but not validated.
func (f *Frame) Decode(data []byte) error {
	*f = Frame{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("failed to decode frame: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == frameFieldOp && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(data)
			f.Op = Op(v)
		case num == frameFieldID && typ == protowire.BytesType:
			f.ID, n = protowire.ConsumeString(data)
		case num == frameFieldDestination && typ == protowire.BytesType:
			f.Destination, n = protowire.ConsumeString(data)
		case num == frameFieldMessage && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(data)
			if n >= 0 {
				msg := &ChatMessage{}
				if err := msg.Decode(v); err != nil {
					return fmt.Errorf("failed to decode frame: %w", err)
				}
				f.Message = msg
			}
		case num == frameFieldText && typ == protowire.BytesType:
			f.Text, n = protowire.ConsumeString(data)
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
		}
		if n < 0 {
			return fmt.Errorf("failed to decode frame: %w", protowire.ParseError(n))
		}
		data = data[n:]
	}
	return f.check()
}

func (f *Frame) check() error {
	switch f.Op {
	case OpSubscribe:
		if f.ID == "" || f.Destination == "" {
			return fmt.Errorf("%s requires id and destination", f.Op)
		}
	case OpUnsubscribe:
		if f.ID == "" {
			return fmt.Errorf("%s requires id", f.Op)
		}
	case OpSend, OpMessage:
		if f.Destination == "" || f.Message == nil {
			return fmt.Errorf("%s requires destination and message", f.Op)
		}
	case OpError:
	default:
		return fmt.Errorf("unknown op %d", int(f.Op))
	}
	return nil
}
