package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/courier-im/courier/internal/model"
)

// ConversationRepositoryImpl implements ConversationRepository using PostgreSQL.
type ConversationRepositoryImpl struct {
	pool *pgxpool.Pool
}

// NewConversationRepositoryImpl creates a new ConversationRepository implementation.
func NewConversationRepositoryImpl(pool *pgxpool.Pool) ConversationRepository {
	return &ConversationRepositoryImpl{pool: pool}
}

// GetConversation retrieves a conversation by id.
func (r *ConversationRepositoryImpl) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	q := querierFrom(ctx, r.pool)

	conversation := &model.Conversation{}

	err := q.QueryRow(ctx,
		`SELECT id, type, created_at, updated_at, last_message_preview, last_message_at
		 FROM conversations WHERE id = $1`, id,
	).Scan(
		&conversation.ID,
		&conversation.Type,
		&conversation.CreatedAt,
		&conversation.UpdatedAt,
		&conversation.LastMessagePreview,
		&conversation.LastMessageAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrConversationNotFound
		}

		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}

	return conversation, nil
}

// AllocateSeq assigns the next sequence value for a conversation. The UPDATE
// takes a row lock on the counter, so concurrent sends in the same
// conversation serialize here and nowhere else.
func (r *ConversationRepositoryImpl) AllocateSeq(ctx context.Context, conversationID string) (int64, error) {
	q := querierFrom(ctx, r.pool)

	if _, err := q.Exec(ctx,
		`INSERT INTO conversation_counters (conversation_id, next_seq)
		 VALUES ($1, 1)
		 ON CONFLICT (conversation_id) DO NOTHING`, conversationID,
	); err != nil {
		return 0, fmt.Errorf("failed to ensure conversation counter: %w", err)
	}

	var seq int64

	err := q.QueryRow(ctx,
		`UPDATE conversation_counters
		 SET next_seq = next_seq + 1
		 WHERE conversation_id = $1
		 RETURNING next_seq - 1`, conversationID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate seq: %w", err)
	}

	return seq, nil
}

// TouchLastMessage updates the conversation's denormalized last-message fields.
func (r *ConversationRepositoryImpl) TouchLastMessage(
	ctx context.Context, conversationID, preview string, at time.Time,
) error {
	q := querierFrom(ctx, r.pool)

	if _, err := q.Exec(ctx,
		`UPDATE conversations
		 SET updated_at = $2, last_message_at = $2, last_message_preview = $3
		 WHERE id = $1`, conversationID, at, preview,
	); err != nil {
		return fmt.Errorf("failed to touch conversation: %w", err)
	}

	return nil
}
