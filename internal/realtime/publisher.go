package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/courier-im/courier/internal/model"
)

// Publisher bridges the outbox dispatcher and the connection registry. It
// never touches storage: it resolves fanout targets and enqueues frames.
type Publisher struct {
	registry *Registry
}

// NewPublisher creates a publisher over the given registry.
func NewPublisher(registry *Registry) *Publisher {
	return &Publisher{registry: registry}
}

// Deliver builds the event frame once and enqueues it to every subscribed
// session. Zero recipients is success; a failed enqueue means that session is
// gone, not that the delivery attempt failed. Only payload decode errors fail
// the call, which makes the dispatcher retry.
func (p *Publisher) Deliver(_ context.Context, event *model.OutboxEvent) error {
	var envelope model.EventEnvelope
	if err := json.Unmarshal(event.PayloadJSON, &envelope); err != nil {
		return fmt.Errorf("failed to decode outbox payload: %w", err)
	}

	if envelope.OccurredAt == "" || len(envelope.Payload) == 0 {
		return errors.New("outbox payload is missing required fields")
	}

	frame := NewEventFrame(
		event.EventType,
		event.EventID,
		event.ConversationID,
		envelope.Seq,
		envelope.OccurredAt,
		envelope.Payload,
	)

	delivered := 0
	for _, connectionID := range p.registry.Fanout(event.ConversationID) {
		if p.registry.Send(connectionID, frame) {
			delivered++
		}
	}

	slog.Debug("realtime event delivered",
		slog.String("event_id", event.EventID),
		slog.String("event_type", event.EventType),
		slog.String("conversation_id", event.ConversationID),
		slog.Int("delivered", delivered),
	)

	return nil
}
