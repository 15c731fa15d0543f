package http

import (
	"time"

	"github.com/cwrk-planet/support-chat/internal/domain"
	"github.com/cwrk-planet/support-chat/internal/transport/ws"
	"github.com/cwrk-planet/support-chat/pkg/protocol"
)

type CreateConversationRequest struct {
	Subject string `json:"subject"`
}

type UpdateConversationRequest struct {
	Status domain.ConversationStatus `json:"status"`
}

type ConversationItem struct {
	ID            int64      `json:"id"`
	CustomerID    int64      `json:"customerId"`
	Subject       string     `json:"subject"`
	Status        string     `json:"status"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	LastMessageAt *time.Time `json:"lastMessageAt,omitempty"`
}

type ConversationsListResponse struct {
	Items      []ConversationItem `json:"items"`
	NextCursor string             `json:"nextCursor,omitempty"`
}

type MessagesListResponse struct {
	Items      []protocol.Message `json:"items"`
	NextCursor string             `json:"nextCursor,omitempty"`
}

type ReadResponse struct {
	ConversationID int64     `json:"conversationId"`
	UserID         int64     `json:"userId"`
	ReadAt         time.Time `json:"readAt"`
	Marked         int64     `json:"marked"`
}

func conversationItem(c *domain.Conversation) ConversationItem {
	return ConversationItem{
		ID:            c.ID,
		CustomerID:    c.CustomerID,
		Subject:       c.Subject,
		Status:        string(c.Status),
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
		LastMessageAt: c.LastMessageAt,
	}
}

func messageItems(ms []domain.Message) []protocol.Message {
	out := make([]protocol.Message, 0, len(ms))
	for _, m := range ms {
		out = append(out, ws.WireMessage(m))
	}
	return out
}
