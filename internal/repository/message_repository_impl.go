package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/courier-im/courier/internal/model"
)

const (
	constraintConversationSeq     = "uq_conversation_seq"
	constraintSenderClientMessage = "uq_sender_client_message"
)

// MessageRepositoryImpl implements MessageRepository using PostgreSQL.
type MessageRepositoryImpl struct {
	pool *pgxpool.Pool
}

// NewMessageRepositoryImpl creates a new MessageRepository implementation.
func NewMessageRepositoryImpl(pool *pgxpool.Pool) MessageRepository {
	return &MessageRepositoryImpl{pool: pool}
}

// Insert persists a message. Unique violations are mapped to domain errors:
// a (conversation_id, seq) collision is a ConflictError, a
// (sender_id, client_message_id) collision is ErrDuplicateClientMessage.
func (r *MessageRepositoryImpl) Insert(ctx context.Context, message *model.Message) error {
	q := querierFrom(ctx, r.pool)

	_, err := q.Exec(ctx,
		`INSERT INTO messages (id, conversation_id, sender_id, client_message_id, seq, content, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		message.ID,
		message.ConversationID,
		message.SenderID,
		message.ClientMessageID,
		message.Seq,
		message.Content,
		message.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, constraintConversationSeq) {
			return &model.ConflictError{ConversationID: message.ConversationID, Seq: message.Seq}
		}

		if isUniqueViolation(err, constraintSenderClientMessage) {
			return model.ErrDuplicateClientMessage
		}

		return fmt.Errorf("failed to insert message: %w", err)
	}

	return nil
}

// GetByClientMessageID retrieves a message by its idempotency key.
func (r *MessageRepositoryImpl) GetByClientMessageID(
	ctx context.Context, senderID, clientMessageID string,
) (*model.Message, error) {
	q := querierFrom(ctx, r.pool)

	message := &model.Message{}

	err := q.QueryRow(ctx,
		`SELECT id, conversation_id, sender_id, client_message_id, seq, content, created_at
		 FROM messages WHERE sender_id = $1 AND client_message_id = $2`,
		senderID, clientMessageID,
	).Scan(
		&message.ID,
		&message.ConversationID,
		&message.SenderID,
		&message.ClientMessageID,
		&message.Seq,
		&message.Content,
		&message.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrMessageNotFound
		}

		return nil, fmt.Errorf("failed to get message: %w", err)
	}

	return message, nil
}

// ListAfterSeq retrieves messages with seq greater than afterSeq in ascending
// order. This is the gap-recovery read path clients use to close missed pushes.
func (r *MessageRepositoryImpl) ListAfterSeq(
	ctx context.Context, conversationID string, afterSeq int64, limit int,
) ([]*model.Message, error) {
	q := querierFrom(ctx, r.pool)

	rows, err := q.Query(ctx,
		`SELECT id, conversation_id, sender_id, client_message_id, seq, content, created_at
		 FROM messages
		 WHERE conversation_id = $1 AND seq > $2
		 ORDER BY seq ASC
		 LIMIT $3`,
		conversationID, afterSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var messages []*model.Message

	for rows.Next() {
		message := &model.Message{}
		if err := rows.Scan(
			&message.ID,
			&message.ConversationID,
			&message.SenderID,
			&message.ClientMessageID,
			&message.Seq,
			&message.Content,
			&message.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}

		messages = append(messages, message)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}

	return messages, nil
}
