package domain

import "time"

type Message struct {
	ID             int64     `db:"id"`
	ConversationID int64     `db:"conversation_id"`
	SenderID       int64     `db:"sender_id"`
	Content        string    `db:"content"`
	ImageURL       string    `db:"image_url"`
	IsAdminReply   bool      `db:"is_admin_reply"`
	IsRead         bool      `db:"is_read"`
	CreatedAt      time.Time `db:"created_at"`
}

// ReadReceipt records that UserID has read a conversation up to ReadAt.
type ReadReceipt struct {
	ConversationID int64
	UserID         int64
	ReadAt         time.Time
	Marked         int64
}
