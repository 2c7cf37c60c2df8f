package service

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/courier-im/courier/internal/repository"
)

const (
	retryBaseDelay      = 500 * time.Millisecond
	retryMaxDelay       = 30 * time.Second
	retryJitterFraction = 0.1
	lastErrorMaxBytes   = 1000
)

// OutboxDispatchServiceImpl implements OutboxDispatchService. Retries are
// unbounded in count and capped in backoff interval; an event is never
// dropped here.
type OutboxDispatchServiceImpl struct {
	outboxRepo repository.OutboxRepository
	publisher  EventPublisher
	now        func() time.Time
	jitter     func() float64
}

// NewOutboxDispatchServiceImpl creates a new OutboxDispatchService implementation.
func NewOutboxDispatchServiceImpl(
	outboxRepo repository.OutboxRepository,
	publisher EventPublisher,
) OutboxDispatchService {
	return &OutboxDispatchServiceImpl{
		outboxRepo: outboxRepo,
		publisher:  publisher,
		now:        time.Now,
		jitter:     rand.Float64,
	}
}

// ProcessPendingEvents runs one dispatcher cycle: select due events oldest
// first, attempt delivery, record success or retry bookkeeping per event.
func (s *OutboxDispatchServiceImpl) ProcessPendingEvents(ctx context.Context, batchSize int) (int, error) {
	events, err := s.outboxRepo.ListPending(ctx, s.now().UTC(), batchSize)
	if err != nil {
		return 0, err
	}

	for _, event := range events {
		if err := s.publisher.Deliver(ctx, event); err != nil {
			s.recordFailure(ctx, event.ID, event.EventID, event.Attempts+1, err)

			continue
		}

		if err := s.outboxRepo.MarkPublished(ctx, event.ID, s.now().UTC()); err != nil {
			slog.Error("failed to mark event as published",
				slog.String("event_id", event.EventID),
				slog.String("error", err.Error()),
			)

			continue
		}

		slog.Debug("outbox event published", slog.String("event_id", event.EventID))
	}

	return len(events), nil
}

func (s *OutboxDispatchServiceImpl) recordFailure(ctx context.Context, id int64, eventID string, attempts int, deliverErr error) {
	delay := s.backoffDelay(attempts)
	nextAttemptAt := s.now().UTC().Add(delay)

	lastError := deliverErr.Error()
	if len(lastError) > lastErrorMaxBytes {
		lastError = lastError[:lastErrorMaxBytes]
	}

	if err := s.outboxRepo.MarkFailed(ctx, id, attempts, nextAttemptAt, lastError); err != nil {
		slog.Error("failed to record delivery failure",
			slog.String("event_id", eventID),
			slog.String("error", err.Error()),
		)

		return
	}

	slog.Warn("realtime publish failed",
		slog.String("event_id", eventID),
		slog.Int("attempts", attempts),
		slog.Duration("retry_in", delay),
		slog.String("error", deliverErr.Error()),
	)
}

// backoffDelay is exponential from retryBaseDelay, capped at retryMaxDelay,
// with up to 10% additive jitter.
func (s *OutboxDispatchServiceImpl) backoffDelay(attempts int) time.Duration {
	delay := retryMaxDelay
	if attempts > 0 && attempts <= 7 {
		delay = retryBaseDelay << (attempts - 1)
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
	}

	jitter := time.Duration(s.jitter() * retryJitterFraction * float64(delay))

	return delay + jitter
}
