// Package realtime implements the WebSocket channel: the connection
// registry, the wire protocol, the per-connection command loop, and the
// publisher that bridges the outbox dispatcher to connected sessions.
package realtime

import (
	"bytes"
	"encoding/json"
	"time"
)

// Error codes exposed on the realtime channel.
const (
	CodeUnauthorized          = "UNAUTHORIZED"
	CodeTokenExpired          = "TOKEN_EXPIRED"
	CodeForbiddenConversation = "FORBIDDEN_CONVERSATION"
	CodeInvalidCommand        = "INVALID_COMMAND"
	CodeRateLimited           = "RATE_LIMITED"
	CodeInternalError         = "INTERNAL_ERROR"
)

// ProtocolVersion is reported in the welcome frame.
const ProtocolVersion = 1

// ProtocolError reports a rejected inbound frame. The command is dropped and
// the connection stays open.
type ProtocolError struct {
	Code    string
	Message string
}

func (e *ProtocolError) Error() string {
	return e.Message
}

// Command is the closed set of inbound frames: subscribe, unsubscribe, ping.
type Command interface {
	isCommand()
}

// SubscribeCommand requests fanout for a set of conversations.
type SubscribeCommand struct {
	ConversationIDs []string
}

// UnsubscribeCommand stops fanout for a set of conversations.
type UnsubscribeCommand struct {
	ConversationIDs []string
}

// PingCommand keeps the connection alive; Ts, when present, is echoed back.
type PingCommand struct {
	Ts *int64
}

func (*SubscribeCommand) isCommand()   {}
func (*UnsubscribeCommand) isCommand() {}
func (*PingCommand) isCommand()        {}

type rawCommand struct {
	Op              string   `json:"op"`
	ConversationIDs []string `json:"conversation_ids"`
	Ts              *int64   `json:"ts"`
}

// ParseCommand decodes an inbound frame into the closed command set. Unknown
// ops, unknown fields, malformed JSON, and oversized frames are all
// INVALID_COMMAND.
func ParseCommand(raw []byte, maxBytes int) (Command, error) {
	if len(raw) > maxBytes {
		return nil, &ProtocolError{Code: CodeInvalidCommand, Message: "frame is too large"}
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()

	var cmd rawCommand
	if err := decoder.Decode(&cmd); err != nil {
		return nil, &ProtocolError{Code: CodeInvalidCommand, Message: "invalid JSON payload"}
	}

	// Trailing content after the object is malformed too.
	if decoder.More() {
		return nil, &ProtocolError{Code: CodeInvalidCommand, Message: "invalid JSON payload"}
	}

	switch cmd.Op {
	case "subscribe":
		if cmd.Ts != nil {
			return nil, &ProtocolError{Code: CodeInvalidCommand, Message: "unexpected field for subscribe"}
		}

		return &SubscribeCommand{ConversationIDs: cmd.ConversationIDs}, nil
	case "unsubscribe":
		if cmd.Ts != nil {
			return nil, &ProtocolError{Code: CodeInvalidCommand, Message: "unexpected field for unsubscribe"}
		}

		return &UnsubscribeCommand{ConversationIDs: cmd.ConversationIDs}, nil
	case "ping":
		if cmd.ConversationIDs != nil {
			return nil, &ProtocolError{Code: CodeInvalidCommand, Message: "unexpected field for ping"}
		}

		return &PingCommand{Ts: cmd.Ts}, nil
	default:
		return nil, &ProtocolError{Code: CodeInvalidCommand, Message: "unsupported command"}
	}
}

// Frame is the closed set of outbound frames.
type Frame interface {
	isFrame()
}

// WelcomeFrame confirms a successful handshake.
type WelcomeFrame struct {
	Type            string `json:"type"`
	ConnectionID    string `json:"connection_id"`
	UserID          string `json:"user_id"`
	ServerTime      string `json:"server_time"`
	HeartbeatSec    int    `json:"heartbeat_sec"`
	ProtocolVersion int    `json:"protocol_version"`
}

// AckFrame acknowledges a subscribe or unsubscribe command. Partial
// acceptance lists accepted and rejected ids side by side.
type AckFrame struct {
	Type     string                 `json:"type"`
	Op       string                 `json:"op"`
	OK       bool                   `json:"ok"`
	Accepted []string               `json:"accepted,omitempty"`
	Rejected []RejectedConversation `json:"rejected,omitempty"`
}

// RejectedConversation names one conversation rejected inside an ack.
type RejectedConversation struct {
	ConversationID string `json:"conversation_id"`
	Code           string `json:"code"`
}

// PongFrame answers a ping, echoing the client timestamp when present.
type PongFrame struct {
	Type string `json:"type"`
	Ts   *int64 `json:"ts,omitempty"`
}

// ErrorFrame reports a structured error to the client.
type ErrorFrame struct {
	Type  string    `json:"type"`
	Error ErrorBody `json:"error"`
}

// ErrorBody carries the error code and message of an ErrorFrame.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EventFrame carries a durable event to subscribed sessions.
type EventFrame struct {
	Type           string          `json:"type"`
	EventID        string          `json:"event_id"`
	ConversationID string          `json:"conversation_id"`
	Seq            int64           `json:"seq"`
	OccurredAt     string          `json:"occurred_at"`
	Payload        json.RawMessage `json:"payload"`
}

func (*WelcomeFrame) isFrame() {}
func (*AckFrame) isFrame()     {}
func (*PongFrame) isFrame()    {}
func (*ErrorFrame) isFrame()   {}
func (*EventFrame) isFrame()   {}

// NewWelcomeFrame builds the handshake confirmation frame.
func NewWelcomeFrame(connectionID, userID string, serverTime time.Time, heartbeat time.Duration) *WelcomeFrame {
	return &WelcomeFrame{
		Type:            "connection.welcome",
		ConnectionID:    connectionID,
		UserID:          userID,
		ServerTime:      serverTime.UTC().Format(time.RFC3339),
		HeartbeatSec:    int(heartbeat.Seconds()),
		ProtocolVersion: ProtocolVersion,
	}
}

// NewAckFrame builds an ack for a subscribe or unsubscribe command.
func NewAckFrame(op string, accepted []string, rejected []RejectedConversation) *AckFrame {
	return &AckFrame{
		Type:     "ack",
		Op:       op,
		OK:       len(rejected) == 0,
		Accepted: accepted,
		Rejected: rejected,
	}
}

// NewPongFrame builds a pong reply.
func NewPongFrame(ts *int64) *PongFrame {
	return &PongFrame{Type: "pong", Ts: ts}
}

// NewErrorFrame builds a structured error frame.
func NewErrorFrame(code, message string) *ErrorFrame {
	return &ErrorFrame{Type: "error", Error: ErrorBody{Code: code, Message: message}}
}

// NewEventFrame builds the outbound frame for a durable event.
func NewEventFrame(eventType, eventID, conversationID string, seq int64, occurredAt string, payload json.RawMessage) *EventFrame {
	return &EventFrame{
		Type:           eventType,
		EventID:        eventID,
		ConversationID: conversationID,
		Seq:            seq,
		OccurredAt:     occurredAt,
		Payload:        payload,
	}
}
