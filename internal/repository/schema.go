package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Conversation counters and outbox events must survive process restart:
// pending rows are re-derived by the dispatcher on the next start.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
		id                   VARCHAR(36) PRIMARY KEY,
		type                 VARCHAR(16) NOT NULL DEFAULT 'direct',
		created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_message_preview VARCHAR(280),
		last_message_at      TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS conversation_members (
		conversation_id VARCHAR(36) NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		user_id         VARCHAR(36) NOT NULL,
		joined_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		role            VARCHAR(16) NOT NULL DEFAULT 'member',
		PRIMARY KEY (conversation_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS conversation_counters (
		conversation_id VARCHAR(36) PRIMARY KEY REFERENCES conversations(id) ON DELETE CASCADE,
		next_seq        BIGINT NOT NULL DEFAULT 1
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id                VARCHAR(36) PRIMARY KEY,
		conversation_id   VARCHAR(36) NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		sender_id         VARCHAR(36) NOT NULL,
		client_message_id VARCHAR(64) NOT NULL,
		seq               BIGINT NOT NULL,
		content           TEXT NOT NULL,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
		CONSTRAINT uq_sender_client_message UNIQUE (sender_id, client_message_id),
		CONSTRAINT uq_conversation_seq UNIQUE (conversation_id, seq)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_conversation_seq ON messages (conversation_id, seq)`,
	`CREATE TABLE IF NOT EXISTS realtime_outbox_events (
		id              BIGSERIAL PRIMARY KEY,
		event_id        VARCHAR(36) NOT NULL UNIQUE,
		event_type      VARCHAR(64) NOT NULL,
		conversation_id VARCHAR(36) NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		payload_json    TEXT NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		published_at    TIMESTAMPTZ,
		attempts        INTEGER NOT NULL DEFAULT 0,
		next_attempt_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_error      TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_pending
		ON realtime_outbox_events (next_attempt_at) WHERE published_at IS NULL`,
}

// EnsureSchema creates the tables owned by this service if they do not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}

	return nil
}
