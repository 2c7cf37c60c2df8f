package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/courier-im/courier/internal/model"
	"github.com/courier-im/courier/internal/repository"
)

// MessageServiceImpl implements MessageService. It is the sequencer and the
// outbox writer: seq allocation, message insert, conversation touch, and the
// outbox appends all commit or roll back together.
type MessageServiceImpl struct {
	conversationRepo repository.ConversationRepository
	messageRepo      repository.MessageRepository
	outboxRepo       repository.OutboxRepository
	transactionMgr   repository.TransactionManager
	now              func() time.Time
}

// NewMessageServiceImpl creates a new MessageService implementation.
func NewMessageServiceImpl(
	conversationRepo repository.ConversationRepository,
	messageRepo repository.MessageRepository,
	outboxRepo repository.OutboxRepository,
	transactionMgr repository.TransactionManager,
) MessageService {
	return &MessageServiceImpl{
		conversationRepo: conversationRepo,
		messageRepo:      messageRepo,
		outboxRepo:       outboxRepo,
		transactionMgr:   transactionMgr,
		now:              time.Now,
	}
}

// SendMessage commits a message and its outbox events in one transaction.
func (s *MessageServiceImpl) SendMessage(
	ctx context.Context, params *model.SendMessageParams,
) (*model.Message, bool, error) {
	if err := params.Validate(); err != nil {
		return nil, false, err
	}

	var committed *model.Message

	err := s.transactionMgr.WithTransaction(ctx, func(ctx context.Context) error {
		message, err := s.sendInTx(ctx, params)
		if message != nil {
			committed = message
		}

		return err
	})
	if err == nil {
		return committed, true, nil
	}

	if errors.Is(err, errIdempotentReplay) {
		return committed, false, nil
	}

	// A concurrent send with the same idempotency key won the race and
	// committed first. The winner's row is the authoritative result.
	if errors.Is(err, model.ErrDuplicateClientMessage) {
		existing, lookupErr := s.messageRepo.GetByClientMessageID(ctx, params.SenderID, params.ClientMessageID)
		if lookupErr != nil {
			return nil, false, fmt.Errorf("failed to resolve duplicate send: %w", lookupErr)
		}

		if existing.ConversationID != params.ConversationID {
			return nil, false, model.ErrClientMessageConflict
		}

		return existing, false, nil
	}

	return nil, false, err
}

// errIdempotentReplay aborts the transaction without treating the replay as a
// failure; the existing message was already captured by the caller.
var errIdempotentReplay = errors.New("idempotent replay")

func (s *MessageServiceImpl) sendInTx(ctx context.Context, params *model.SendMessageParams) (*model.Message, error) {
	existing, err := s.messageRepo.GetByClientMessageID(ctx, params.SenderID, params.ClientMessageID)
	if err == nil {
		if existing.ConversationID != params.ConversationID {
			return nil, model.ErrClientMessageConflict
		}

		return existing, errIdempotentReplay
	}

	if !errors.Is(err, model.ErrMessageNotFound) {
		return nil, err
	}

	if _, err := s.conversationRepo.GetConversation(ctx, params.ConversationID); err != nil {
		return nil, err
	}

	seq, err := s.conversationRepo.AllocateSeq(ctx, params.ConversationID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	message := &model.Message{
		ID:              uuid.NewString(),
		ConversationID:  params.ConversationID,
		SenderID:        params.SenderID,
		ClientMessageID: params.ClientMessageID,
		Seq:             seq,
		Content:         params.Content,
		CreatedAt:       now,
	}

	if err := s.messageRepo.Insert(ctx, message); err != nil {
		return nil, err
	}

	preview := model.Preview(params.Content)
	if err := s.conversationRepo.TouchLastMessage(ctx, params.ConversationID, preview, now); err != nil {
		return nil, err
	}

	if err := s.appendMessageCreated(ctx, message); err != nil {
		return nil, err
	}

	if err := s.appendConversationUpdated(ctx, message, preview, now); err != nil {
		return nil, err
	}

	return message, nil
}

// ListMessages returns messages after a seq in ascending order.
func (s *MessageServiceImpl) ListMessages(
	ctx context.Context, conversationID string, afterSeq int64, limit int,
) ([]*model.Message, error) {
	return s.messageRepo.ListAfterSeq(ctx, conversationID, afterSeq, limit)
}

func (s *MessageServiceImpl) appendMessageCreated(ctx context.Context, message *model.Message) error {
	payload := model.MessageCreatedPayload{
		ID:              message.ID,
		SenderID:        message.SenderID,
		ClientMessageID: message.ClientMessageID,
		Content:         message.Content,
		CreatedAt:       message.CreatedAt.Format(time.RFC3339Nano),
	}

	return s.appendEvent(ctx, model.EventTypeMessageCreated, message.ConversationID, message.Seq, message.CreatedAt, payload)
}

func (s *MessageServiceImpl) appendConversationUpdated(
	ctx context.Context, message *model.Message, preview string, at time.Time,
) error {
	updatedAt := at.Format(time.RFC3339Nano)
	payload := model.ConversationUpdatedPayload{
		ID:                 message.ConversationID,
		UpdatedAt:          updatedAt,
		LastMessagePreview: &preview,
		LastMessageAt:      &updatedAt,
	}

	return s.appendEvent(ctx, model.EventTypeConversationUpdated, message.ConversationID, message.Seq, at, payload)
}

func (s *MessageServiceImpl) appendEvent(
	ctx context.Context, eventType, conversationID string, seq int64, occurredAt time.Time, payload any,
) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}

	envelope, err := json.Marshal(model.EventEnvelope{
		Seq:        seq,
		OccurredAt: occurredAt.Format(time.RFC3339Nano),
		Payload:    payloadJSON,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event envelope: %w", err)
	}

	if err := s.outboxRepo.Append(ctx, &model.AppendOutboxEventParams{
		EventID:        uuid.NewString(),
		EventType:      eventType,
		ConversationID: conversationID,
		PayloadJSON:    envelope,
	}); err != nil {
		return fmt.Errorf("failed to append outbox event: %w", err)
	}

	return nil
}
