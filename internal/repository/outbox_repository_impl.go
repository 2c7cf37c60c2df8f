package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/courier-im/courier/internal/model"
)

// OutboxRepositoryImpl implements OutboxRepository using PostgreSQL.
type OutboxRepositoryImpl struct {
	pool *pgxpool.Pool
}

// NewOutboxRepositoryImpl creates a new OutboxRepository implementation.
func NewOutboxRepositoryImpl(pool *pgxpool.Pool) OutboxRepository {
	return &OutboxRepositoryImpl{pool: pool}
}

// Append inserts a pending outbox event. Callable only inside an in-flight
// write transaction; the row commits or rolls back with the state change it
// describes.
func (r *OutboxRepositoryImpl) Append(ctx context.Context, params *model.AppendOutboxEventParams) error {
	q := querierFrom(ctx, r.pool)

	if _, err := q.Exec(ctx,
		`INSERT INTO realtime_outbox_events
		 (event_id, event_type, conversation_id, payload_json, created_at, attempts, next_attempt_at)
		 VALUES ($1, $2, $3, $4, now(), 0, now())`,
		params.EventID,
		params.EventType,
		params.ConversationID,
		params.PayloadJSON,
	); err != nil {
		return fmt.Errorf("failed to append outbox event: %w", err)
	}

	return nil
}

// ListPending retrieves unpublished events that are due, oldest first.
func (r *OutboxRepositoryImpl) ListPending(ctx context.Context, now time.Time, limit int) ([]*model.OutboxEvent, error) {
	q := querierFrom(ctx, r.pool)

	rows, err := q.Query(ctx,
		`SELECT id, event_id, event_type, conversation_id, payload_json,
		        created_at, published_at, attempts, next_attempt_at, last_error
		 FROM realtime_outbox_events
		 WHERE published_at IS NULL AND next_attempt_at <= $1
		 ORDER BY id ASC
		 LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending events: %w", err)
	}
	defer rows.Close()

	var events []*model.OutboxEvent

	for rows.Next() {
		event := &model.OutboxEvent{}
		if err := rows.Scan(
			&event.ID,
			&event.EventID,
			&event.EventType,
			&event.ConversationID,
			&event.PayloadJSON,
			&event.CreatedAt,
			&event.PublishedAt,
			&event.Attempts,
			&event.NextAttemptAt,
			&event.LastError,
		); err != nil {
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read outbox events: %w", err)
	}

	return events, nil
}

// MarkPublished records a successful delivery attempt and clears last_error.
func (r *OutboxRepositoryImpl) MarkPublished(ctx context.Context, id int64, at time.Time) error {
	q := querierFrom(ctx, r.pool)

	if _, err := q.Exec(ctx,
		`UPDATE realtime_outbox_events
		 SET published_at = $2, last_error = NULL
		 WHERE id = $1`, id, at,
	); err != nil {
		return fmt.Errorf("failed to mark event as published: %w", err)
	}

	return nil
}

// MarkFailed records a failed delivery attempt with retry bookkeeping.
func (r *OutboxRepositoryImpl) MarkFailed(
	ctx context.Context, id int64, attempts int, nextAttemptAt time.Time, lastError string,
) error {
	q := querierFrom(ctx, r.pool)

	if _, err := q.Exec(ctx,
		`UPDATE realtime_outbox_events
		 SET attempts = $2, next_attempt_at = $3, last_error = $4
		 WHERE id = $1`, id, attempts, nextAttemptAt, lastError,
	); err != nil {
		return fmt.Errorf("failed to mark event as failed: %w", err)
	}

	return nil
}
