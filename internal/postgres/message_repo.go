package postgres

import (
	"context"
	"errors"

	"github.com/cwrk-planet/support-chat/internal/domain"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// foreign_key_violation
const pgForeignKeyViolation = "23503"

type MessageRepository struct {
	db *pgxpool.Pool
}

func NewMessageRepository(db *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{db: db}
}

func (r *MessageRepository) Save(ctx context.Context, m *domain.Message) error {
	query := `
		INSERT INTO messages (conversation_id, sender_id, content, image_url, is_admin_reply, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, is_read`
	err := r.db.QueryRow(ctx, query, m.ConversationID, m.SenderID, m.Content, m.ImageURL, m.IsAdminReply, m.CreatedAt).
		Scan(&m.ID, &m.IsRead)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			return domain.ErrConversationNotFound
		}
		return err
	}
	return nil
}

// History returns a conversation's messages newest first with keyset pagination over (created_at, id).
func (r *MessageRepository) History(ctx context.Context, conversationID int64, cursorStr string, limit int) ([]domain.Message, string, error) {
	cur, err := domain.DecodeCursor(cursorStr)
	if err != nil {
		return nil, "", err
	}

	const query = `
		SELECT id, conversation_id, sender_id, content, image_url, is_admin_reply, is_read, created_at
		FROM messages
		WHERE conversation_id = $1
		  AND (
		    $2::timestamptz IS NULL
		    OR created_at < $2
		    OR (created_at = $2 AND id < $3)
		  )
		ORDER BY created_at DESC, id DESC
		LIMIT $4`

	var createdAt any
	var id any
	if cur != nil {
		createdAt = cur.CreatedAt
		id = cur.ID
	}

	rows, err := r.db.Query(ctx, query, conversationID, createdAt, id, limit)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.ImageURL, &m.IsAdminReply, &m.IsRead, &m.CreatedAt); err != nil {
			return nil, "", err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	var next string
	if len(out) == limit {
		last := out[len(out)-1]
		if c, e := domain.EncodeCursor(domain.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}); e == nil {
			next = c
		}
	}
	return out, next, nil
}

func (r *MessageRepository) MarkRead(ctx context.Context, conversationID int64, adminAuthored bool) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE messages SET is_read = true
		WHERE conversation_id = $1 AND is_admin_reply = $2 AND NOT is_read`,
		conversationID, adminAuthored)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
