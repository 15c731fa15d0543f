package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/cwrk-planet/support-chat/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const conversationColumns = `id, customer_id, subject, status, created_at, updated_at, last_message_at`

type ConversationRepository struct {
	db *pgxpool.Pool
}

func NewConversationRepository(db *pgxpool.Pool) *ConversationRepository {
	return &ConversationRepository{db: db}
}

func scanConversation(row pgx.Row) (*domain.Conversation, error) {
	var c domain.Conversation
	if err := row.Scan(&c.ID, &c.CustomerID, &c.Subject, &c.Status, &c.CreatedAt, &c.UpdatedAt, &c.LastMessageAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrConversationNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (r *ConversationRepository) Create(ctx context.Context, c *domain.Conversation) error {
	query := `
		INSERT INTO conversations (customer_id, subject, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		RETURNING id`
	return r.db.QueryRow(ctx, query, c.CustomerID, c.Subject, c.Status, c.CreatedAt).Scan(&c.ID)
}

func (r *ConversationRepository) Get(ctx context.Context, id int64) (*domain.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE id = $1`
	return scanConversation(r.db.QueryRow(ctx, query, id))
}

// List pages by (created_at, id) DESC. Zero filter fields match all rows.
func (r *ConversationRepository) List(ctx context.Context, f domain.ConversationFilter, limit int, cursorStr string) ([]domain.Conversation, string, error) {
	cur, err := domain.DecodeCursor(cursorStr)
	if err != nil {
		return nil, "", err
	}

	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE ($1::bigint = 0 OR customer_id = $1)
		  AND ($2::text = '' OR status = $2)
		  AND ($3::timestamptz IS NULL OR created_at < $3
		       OR (created_at = $3 AND id < $4))
		ORDER BY created_at DESC, id DESC
		LIMIT $5`

	var createdAt any
	var id any
	if cur != nil {
		createdAt = cur.CreatedAt
		id = cur.ID
	}

	rows, err := r.db.Query(ctx, query, f.CustomerID, string(f.Status), createdAt, id, limit)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	var out []domain.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	var next string
	if len(out) == limit {
		last := out[len(out)-1]
		next, _ = domain.EncodeCursor(domain.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	return out, next, nil
}

func (r *ConversationRepository) UpdateStatus(ctx context.Context, id int64, status domain.ConversationStatus, at time.Time) (*domain.Conversation, error) {
	query := `
		UPDATE conversations SET status = $2, updated_at = $3
		WHERE id = $1
		RETURNING ` + conversationColumns
	return scanConversation(r.db.QueryRow(ctx, query, id, status, at))
}

func (r *ConversationRepository) TouchLastMessage(ctx context.Context, id int64, at time.Time) error {
	tag, err := r.db.Exec(ctx, `UPDATE conversations SET last_message_at = $2, updated_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConversationNotFound
	}
	return nil
}
