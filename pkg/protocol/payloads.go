package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ConversationID is a numeric room id. Decoding also accepts a quoted integer.
type ConversationID int64

func (id ConversationID) String() string { return strconv.FormatInt(int64(id), 10) }

func (id *ConversationID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		v, err := ParseConversationID(s)
		if err != nil {
			return err
		}
		*id = v
		return nil
	}
	var v int64
	if err := json.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("conversation id: %w", err)
	}
	if v <= 0 {
		return fmt.Errorf("invalid conversation id %d", v)
	}
	*id = ConversationID(v)
	return nil
}

func ParseConversationID(s string) (ConversationID, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid conversation id %q", s)
	}
	return ConversationID(v), nil
}

type ConnectPayload struct {
	SID string `json:"sid"`
}

type ConnectErrorPayload struct {
	Message string `json:"message"`
}

// RoomPayload is the body of join_chat, leave_chat and message_read.
type RoomPayload struct {
	ConversationID ConversationID `json:"conversationId"`
}

type SendMessagePayload struct {
	ConversationID ConversationID `json:"conversationId"`
	SenderID       int64          `json:"senderId"`
	Content        string         `json:"content"`
	ImageURL       string         `json:"imageUrl,omitempty"`
	IsAdminReply   bool           `json:"isAdminReply"`
}

// Message is a committed message as returned by the server.
type Message struct {
	ID             int64          `json:"id"`
	ConversationID ConversationID `json:"conversationId"`
	SenderID       int64          `json:"senderId"`
	Content        string         `json:"content"`
	ImageURL       string         `json:"imageUrl,omitempty"`
	IsAdminReply   bool           `json:"isAdminReply"`
	IsRead         bool           `json:"isRead"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// SendMessageAck answers send_message.
type SendMessageAck struct {
	Success bool     `json:"success"`
	Message *Message `json:"message,omitempty"`
	Error   string   `json:"error,omitempty"`
}

type TypingPayload struct {
	ConversationID ConversationID `json:"conversationId"`
	IsTyping       bool           `json:"isTyping"`
}

type UserTypingPayload struct {
	ConversationID ConversationID `json:"conversationId"`
	UserID         int64          `json:"userId"`
	IsTyping       bool           `json:"isTyping"`
}

type MessagesReadPayload struct {
	ConversationID ConversationID `json:"conversationId"`
	UserID         int64          `json:"userId"`
	ReadAt         time.Time      `json:"readAt"`
}

// PollEnvelope carries frames over the long-polling transport.
type PollEnvelope struct {
	SID    string            `json:"sid,omitempty"`
	Frames []json.RawMessage `json:"frames"`
}
