package domain

import "errors"

// Error texts travel to clients verbatim in send_message acks.
var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrConversationClosed   = errors.New("conversation is closed")
	ErrForbidden            = errors.New("forbidden")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrInvalidInput         = errors.New("invalid input")
	ErrInvalidMessage       = errors.New("invalid message")
	ErrNotJoined            = errors.New("conversation not joined")
	ErrInvalidCursor        = errors.New("invalid cursor")
)
