package domain

import "time"

type ConversationStatus string

const (
	StatusOpen    ConversationStatus = "open"
	StatusPending ConversationStatus = "pending" // waiting for the customer
	StatusClosed  ConversationStatus = "closed"
)

func (s ConversationStatus) Valid() bool {
	switch s {
	case StatusOpen, StatusPending, StatusClosed:
		return true
	}
	return false
}

type Conversation struct {
	ID            int64              `db:"id"`
	CustomerID    int64              `db:"customer_id"`
	Subject       string             `db:"subject"`
	Status        ConversationStatus `db:"status"`
	CreatedAt     time.Time          `db:"created_at"`
	UpdatedAt     time.Time          `db:"updated_at"`
	LastMessageAt *time.Time         `db:"last_message_at"`
}

// ConversationFilter narrows List. Zero values match everything.
type ConversationFilter struct {
	CustomerID int64
	Status     ConversationStatus
}
