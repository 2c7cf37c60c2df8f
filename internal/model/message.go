// Package model defines domain models and data structures.
package model

import (
	"time"
	"unicode/utf8"
)

const (
	// MaxContentRunes is the maximum message body length accepted by the write path.
	MaxContentRunes = 2000
	// MaxClientMessageIDRunes bounds the caller-supplied idempotency token.
	MaxClientMessageIDRunes = 64
	// PreviewMaxRunes bounds the conversation's last-message preview.
	PreviewMaxRunes = 280
)

// Message represents a committed message within a conversation. Seq is
// assigned atomically at commit and is the only authoritative order.
type Message struct {
	ID              string    `json:"id"`
	ConversationID  string    `json:"conversation_id"`
	SenderID        string    `json:"sender_id"`
	ClientMessageID string    `json:"client_message_id"`
	Seq             int64     `json:"seq"`
	Content         string    `json:"content"`
	CreatedAt       time.Time `json:"created_at"`
}

// SendMessageParams represents parameters for sending a message.
type SendMessageParams struct {
	ConversationID  string `json:"conversation_id"`
	SenderID        string `json:"sender_id"`
	ClientMessageID string `json:"client_message_id"`
	Content         string `json:"content"`
}

// Validate validates the send message parameters.
func (p *SendMessageParams) Validate() error {
	if p.ConversationID == "" {
		return ErrConversationIDRequired
	}

	if p.SenderID == "" {
		return ErrSenderIDRequired
	}

	if p.ClientMessageID == "" {
		return ErrClientMessageIDRequired
	}

	if utf8.RuneCountInString(p.ClientMessageID) > MaxClientMessageIDRunes {
		return ErrClientMessageIDTooLong
	}

	if p.Content == "" {
		return ErrContentRequired
	}

	if utf8.RuneCountInString(p.Content) > MaxContentRunes {
		return ErrContentTooLong
	}

	return nil
}

// Conversation represents conversation metadata touched by the write path.
type Conversation struct {
	ID                 string     `json:"id"`
	Type               string     `json:"type"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	LastMessagePreview *string    `json:"last_message_preview"`
	LastMessageAt      *time.Time `json:"last_message_at"`
}

// Preview truncates a message body to the conversation preview length.
func Preview(content string) string {
	if utf8.RuneCountInString(content) <= PreviewMaxRunes {
		return content
	}

	runes := []rune(content)

	return string(runes[:PreviewMaxRunes])
}
