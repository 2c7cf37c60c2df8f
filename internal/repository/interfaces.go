// Package repository provides data access interfaces and implementations.
package repository

import (
	"context"
	"time"

	"github.com/courier-im/courier/internal/model"
)

// ConversationRepository defines methods for conversation metadata and the
// per-conversation sequence counter.
type ConversationRepository interface {
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	// AllocateSeq locks the conversation's counter row, returns the next
	// sequence value, and increments the counter. Two concurrent sends in the
	// same conversation serialize on this row.
	AllocateSeq(ctx context.Context, conversationID string) (int64, error)
	TouchLastMessage(ctx context.Context, conversationID, preview string, at time.Time) error
}

// MessageRepository defines methods for message data access.
type MessageRepository interface {
	Insert(ctx context.Context, message *model.Message) error
	GetByClientMessageID(ctx context.Context, senderID, clientMessageID string) (*model.Message, error)
	ListAfterSeq(ctx context.Context, conversationID string, afterSeq int64, limit int) ([]*model.Message, error)
}

// OutboxRepository defines methods for outbox event data access.
type OutboxRepository interface {
	Append(ctx context.Context, params *model.AppendOutboxEventParams) error
	// ListPending returns unpublished events that are due at now, oldest first.
	ListPending(ctx context.Context, now time.Time, limit int) ([]*model.OutboxEvent, error)
	MarkPublished(ctx context.Context, id int64, at time.Time) error
	MarkFailed(ctx context.Context, id int64, attempts int, nextAttemptAt time.Time, lastError string) error
}

// MembershipRepository defines methods for conversation membership checks.
type MembershipRepository interface {
	// MemberConversations reports, for each requested conversation id, whether
	// the user is a member.
	MemberConversations(ctx context.Context, userID string, conversationIDs []string) (map[string]bool, error)
}

// TransactionManager defines methods for database transaction management.
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
