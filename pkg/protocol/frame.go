// Package protocol defines the frames exchanged on the chat namespace.
//
// Every frame is a single JSON object. Events may carry an ack id, in which case
// the peer answers with exactly one ack frame bearing the same id.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind tells the receiver how to interpret a frame.
type Kind string

const (
	KindConnect      Kind = "connect"       // server → client, handshake accepted
	KindConnectError Kind = "connect_error" // server → client, handshake refused
	KindEvent        Kind = "event"
	KindAck          Kind = "ack"
)

// Event names on the chat namespace.
const (
	EventJoinChat     = "join_chat"
	EventLeaveChat    = "leave_chat"
	EventSendMessage  = "send_message"
	EventTyping       = "typing"
	EventMessageRead  = "message_read"
	EventNewMessage   = "new_message"
	EventUserTyping   = "user_typing"
	EventMessagesRead = "messages_read"
)

var ErrInvalidFrame = errors.New("invalid frame")

type Frame struct {
	Kind  Kind            `json:"kind"`
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	AckID uint64          `json:"ackId,omitempty"`
}

// NewEvent builds an event frame; ackID 0 means no ack is expected.
func NewEvent(event string, payload any, ackID uint64) (Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return Frame{Kind: KindEvent, Event: event, Data: data, AckID: ackID}, nil
}

func NewAck(ackID uint64, payload any) (Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encode ack payload: %w", err)
	}
	return Frame{Kind: KindAck, Data: data, AckID: ackID}, nil
}

func NewConnect(sid string) Frame {
	data, _ := json.Marshal(ConnectPayload{SID: sid})
	return Frame{Kind: KindConnect, Data: data}
}

func NewConnectError(msg string) Frame {
	data, _ := json.Marshal(ConnectErrorPayload{Message: msg})
	return Frame{Kind: KindConnectError, Data: data}
}

func (f Frame) Encode() ([]byte, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return b, nil
}

// Decode parses and validates a frame.
func Decode(b []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	switch f.Kind {
	case KindConnect, KindConnectError:
	case KindEvent:
		if f.Event == "" {
			return Frame{}, fmt.Errorf("%w: event frame without name", ErrInvalidFrame)
		}
	case KindAck:
		if f.AckID == 0 {
			return Frame{}, fmt.Errorf("%w: ack frame without id", ErrInvalidFrame)
		}
	default:
		return Frame{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidFrame, f.Kind)
	}
	return f, nil
}

// Bind decodes the frame data into dst.
func (f Frame) Bind(dst any) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("%w: %s without data", ErrInvalidFrame, f.Event)
	}
	if err := json.Unmarshal(f.Data, dst); err != nil {
		return fmt.Errorf("%w: %s data: %v", ErrInvalidFrame, f.Event, err)
	}
	return nil
}
