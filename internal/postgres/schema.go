package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id              BIGSERIAL PRIMARY KEY,
	customer_id     BIGINT      NOT NULL,
	subject         TEXT        NOT NULL,
	status          TEXT        NOT NULL DEFAULT 'open',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_message_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS conversations_customer_idx ON conversations (customer_id, created_at DESC, id DESC);

CREATE TABLE IF NOT EXISTS messages (
	id              BIGSERIAL PRIMARY KEY,
	conversation_id BIGINT      NOT NULL REFERENCES conversations (id) ON DELETE CASCADE,
	sender_id       BIGINT      NOT NULL,
	content         TEXT        NOT NULL,
	image_url       TEXT        NOT NULL DEFAULT '',
	is_admin_reply  BOOLEAN     NOT NULL DEFAULT false,
	is_read         BOOLEAN     NOT NULL DEFAULT false,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS messages_history_idx ON messages (conversation_id, created_at DESC, id DESC);
`

// Migrate creates the tables if they do not exist yet.
func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	if _, err := db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
