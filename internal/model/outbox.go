package model

import (
	"encoding/json"
	"time"
)

// Event types carried by outbox rows and by event frames on the realtime channel.
const (
	EventTypeMessageCreated      = "message.created"
	EventTypeConversationUpdated = "conversation.updated"
)

// OutboxEvent represents a durable record of a state change, written in the
// same transaction as the change and delivered later by the dispatcher.
type OutboxEvent struct {
	ID             int64      `json:"id"`
	EventID        string     `json:"event_id"`
	EventType      string     `json:"event_type"`
	ConversationID string     `json:"conversation_id"`
	PayloadJSON    []byte     `json:"payload_json"`
	CreatedAt      time.Time  `json:"created_at"`
	PublishedAt    *time.Time `json:"published_at"`
	Attempts       int        `json:"attempts"`
	NextAttemptAt  time.Time  `json:"next_attempt_at"`
	LastError      *string    `json:"last_error"`
}

// AppendOutboxEventParams represents parameters for appending an outbox event
// inside an in-flight write transaction.
type AppendOutboxEventParams struct {
	EventID        string
	EventType      string
	ConversationID string
	PayloadJSON    []byte
}

// EventEnvelope is the payload_json shape shared by the outbox writer and the
// publisher. Payload stays opaque to the dispatcher.
type EventEnvelope struct {
	Seq        int64           `json:"seq"`
	OccurredAt string          `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// MessageCreatedPayload is the type-specific payload of a message.created event.
type MessageCreatedPayload struct {
	ID              string `json:"id"`
	SenderID        string `json:"sender_id"`
	ClientMessageID string `json:"client_message_id"`
	Content         string `json:"content"`
	CreatedAt       string `json:"created_at"`
}

// ConversationUpdatedPayload is the type-specific payload of a conversation.updated event.
type ConversationUpdatedPayload struct {
	ID                 string  `json:"id"`
	UpdatedAt          string  `json:"updated_at"`
	LastMessagePreview *string `json:"last_message_preview"`
	LastMessageAt      *string `json:"last_message_at"`
}
