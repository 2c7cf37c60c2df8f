package model

import (
	"errors"
	"fmt"
)

var (
	// ErrConversationIDRequired is returned when conversation_id is empty.
	ErrConversationIDRequired = errors.New("conversation_id is required")
	// ErrSenderIDRequired is returned when sender_id is empty.
	ErrSenderIDRequired = errors.New("sender_id is required")
	// ErrClientMessageIDRequired is returned when client_message_id is empty.
	ErrClientMessageIDRequired = errors.New("client_message_id is required")
	// ErrClientMessageIDTooLong is returned when client_message_id exceeds MaxClientMessageIDRunes.
	ErrClientMessageIDTooLong = errors.New("client_message_id is too long")
	// ErrContentRequired is returned when message content is empty.
	ErrContentRequired = errors.New("content is required")
	// ErrContentTooLong is returned when message content exceeds MaxContentRunes.
	ErrContentTooLong = errors.New("content is too long")

	// ErrConversationNotFound is returned when a conversation does not exist.
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrMessageNotFound is returned when a message lookup finds no row.
	ErrMessageNotFound = errors.New("message not found")
	// ErrDuplicateClientMessage is returned when inserting a message whose
	// (sender_id, client_message_id) pair already exists.
	ErrDuplicateClientMessage = errors.New("message with this client_message_id already exists")
	// ErrClientMessageConflict is returned when a client_message_id is replayed
	// against a different conversation than the original send.
	ErrClientMessageConflict = errors.New("client_message_id already used for a different conversation")

	// ErrUnauthorized is returned when a credential is missing or invalid.
	ErrUnauthorized = errors.New("credential is invalid")
	// ErrTokenExpired is returned when a credential is past its expiry.
	ErrTokenExpired = errors.New("credential is expired")

	// ErrDuplicateConnection is returned when a connection id is registered twice.
	ErrDuplicateConnection = errors.New("connection id is already registered")
	// ErrConnectionNotFound is returned when a connection id is not registered.
	ErrConnectionNotFound = errors.New("connection is not registered")
)

// ConflictError reports a uniqueness violation on (conversation_id, seq).
// It indicates a counter-locking bug and must abort the write transaction;
// retrying with a new seq would break the gapless invariant.
type ConflictError struct {
	ConversationID string
	Seq            int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("seq %d already exists in conversation %s", e.Seq, e.ConversationID)
}

// LimitExceededError reports a rejected subscribe that would exceed the
// per-connection subscription maximum. Nothing is partially applied.
type LimitExceededError struct {
	Limit int
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("subscription limit of %d exceeded", e.Limit)
}
