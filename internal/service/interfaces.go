// Package service provides business logic layer implementations.
package service

import (
	"context"

	"github.com/courier-im/courier/internal/model"
)

// MessageService defines the write path: sequence allocation, message insert,
// and outbox appends in one transaction.
type MessageService interface {
	// SendMessage commits a message with a fresh per-conversation seq, or
	// returns the original message with isNew=false when the
	// (sender_id, client_message_id) pair was seen before.
	SendMessage(ctx context.Context, params *model.SendMessageParams) (message *model.Message, isNew bool, err error)
	ListMessages(ctx context.Context, conversationID string, afterSeq int64, limit int) ([]*model.Message, error)
}

// OutboxDispatchService defines one dispatcher cycle over pending outbox events.
type OutboxDispatchService interface {
	// ProcessPendingEvents attempts delivery for a batch of due events and
	// records success or retry bookkeeping per event. Returns the number of
	// events attempted.
	ProcessPendingEvents(ctx context.Context, batchSize int) (int, error)
}

// EventPublisher bridges the dispatcher and the connection registry. A nil
// return means the delivery attempt ran; zero recipients is still success.
type EventPublisher interface {
	Deliver(ctx context.Context, event *model.OutboxEvent) error
}
