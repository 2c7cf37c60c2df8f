package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/courier-im/courier/internal/model"
)

func outboxEvent(t *testing.T, conversationID string, seq int64) *model.OutboxEvent {
	t.Helper()

	payload, err := json.Marshal(model.EventEnvelope{
		Seq:        seq,
		OccurredAt: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:    json.RawMessage(`{"message_id":"m1"}`),
	})
	require.NoError(t, err)

	return &model.OutboxEvent{
		EventID:        "evt-1",
		EventType:      model.EventTypeMessageCreated,
		ConversationID: conversationID,
		PayloadJSON:    payload,
	}
}

func TestDeliverFansOutToSubscribedSessionsOnly(t *testing.T) {
	registry := NewRegistry(10)
	publisher := NewPublisher(registry)

	subscribed := newCaptureSink()
	other := newCaptureSink()

	require.NoError(t, registry.Register("conn-1", "user-1", subscribed))
	require.NoError(t, registry.Register("conn-2", "user-2", other))
	require.NoError(t, registry.Subscribe("conn-1", []string{"c1"}))
	require.NoError(t, registry.Subscribe("conn-2", []string{"c2"}))

	require.NoError(t, publisher.Deliver(context.Background(), outboxEvent(t, "c1", 7)))

	require.Eventually(t, func() bool {
		return subscribed.frameCount() == 1
	}, time.Second, 5*time.Millisecond)

	event, ok := subscribed.frames[0].(*EventFrame)
	require.True(t, ok)
	require.Equal(t, model.EventTypeMessageCreated, event.Type)
	require.Equal(t, "c1", event.ConversationID)
	require.Equal(t, int64(7), event.Seq)
	require.JSONEq(t, `{"message_id":"m1"}`, string(event.Payload))

	require.Equal(t, 0, other.frameCount())
}

func TestDeliverWithZeroRecipientsSucceeds(t *testing.T) {
	publisher := NewPublisher(NewRegistry(10))

	require.NoError(t, publisher.Deliver(context.Background(), outboxEvent(t, "empty-room", 1)))
}

func TestDeliverRejectsMalformedPayload(t *testing.T) {
	publisher := NewPublisher(NewRegistry(10))

	event := outboxEvent(t, "c1", 1)
	event.PayloadJSON = []byte(`not json`)
	require.Error(t, publisher.Deliver(context.Background(), event))

	event.PayloadJSON = []byte(`{"seq":1}`)
	require.Error(t, publisher.Deliver(context.Background(), event))
}
