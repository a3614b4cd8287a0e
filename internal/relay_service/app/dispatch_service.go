package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/commshub/telegram-relay/internal/relay_service/adapters/telegram"
	"github.com/commshub/telegram-relay/internal/relay_service/domain"
	"github.com/commshub/telegram-relay/internal/relay_service/repository"
)

// DispatchRequest is an outbound message or notification. Exactly one of
// TelegramChatID / CustomerRef selects the target chat. BusinessAccountID is
// only needed when the caller is entitled to more than one account.
type DispatchRequest struct {
	BusinessAccountID string
	TelegramChatID    int64
	CustomerRef       string
	Text              string
	IdempotencyKey    string
}

// DispatchResult reports the terminal state of a dispatch. Replayed is true
// when an idempotency key matched an already-sent attempt and no delivery
// happened.
type DispatchResult struct {
	Attempt  *domain.DeliveryAttempt
	Replayed bool
}

// DispatchService owns the outbound path: resolve the caller's account,
// resolve the target chat, record a delivery attempt, deliver, and record the
// outcome. Messages and notifications differ only in body shaping and the
// recorded kind.
type DispatchService struct {
	resolver      *AccountResolver
	attempts      repository.DeliveryAttemptRepository
	conversations repository.ConversationRepository
	deliverer     Deliverer
	logger        *slog.Logger
}

func NewDispatchService(
	resolver *AccountResolver,
	attempts repository.DeliveryAttemptRepository,
	conversations repository.ConversationRepository,
	deliverer Deliverer,
	logger *slog.Logger,
) *DispatchService {
	return &DispatchService{
		resolver:      resolver,
		attempts:      attempts,
		conversations: conversations,
		deliverer:     deliverer,
		logger:        logger,
	}
}

// DispatchMessage sends an agent-authored message into a customer chat.
func (s *DispatchService) DispatchMessage(ctx context.Context, subject string, req DispatchRequest) (*DispatchResult, error) {
	return s.dispatch(ctx, subject, domain.DeliveryKindMessage, req.Text, req)
}

// DispatchNotification sends an operator notification; the body is wrapped in
// the bot prefix so customers can tell automation from agents.
func (s *DispatchService) DispatchNotification(ctx context.Context, subject string, req DispatchRequest) (*DispatchResult, error) {
	return s.dispatch(ctx, subject, domain.DeliveryKindNotification, notificationText(req.Text), req)
}

func (s *DispatchService) dispatch(ctx context.Context, subject string, kind domain.DeliveryKind, body string, req DispatchRequest) (*DispatchResult, error) {
	if body == "" {
		return nil, fmt.Errorf("%w: empty message body", domain.ErrValidation)
	}
	if (req.TelegramChatID == 0) == (req.CustomerRef == "") {
		return nil, fmt.Errorf("%w: exactly one of telegram_chat_id and customer_ref is required", domain.ErrValidation)
	}

	account, err := s.resolver.ResolveByCallerIdentity(ctx, subject, req.BusinessAccountID)
	if err != nil {
		return nil, err
	}

	attempt, replay, err := s.findOrCreateAttempt(ctx, account, kind, body, req)
	if err != nil {
		return nil, err
	}
	if replay {
		s.logger.InfoContext(ctx, "Idempotent replay",
			"attempt_id", attempt.ID, "business_account_id", account.ID, "idempotency_key", req.IdempotencyKey)
		return &DispatchResult{Attempt: attempt, Replayed: true}, nil
	}

	start := time.Now()
	result, deliverErr := s.deliverer.SendMessage(ctx, account.BotToken, attempt.TelegramChatID, body)
	deliveryDuration.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())

	if deliverErr != nil {
		s.recordFailure(ctx, attempt, deliverErr)
		deliveriesTotal.WithLabelValues(string(kind), string(attempt.Status)).Inc()
		return nil, deliverErr
	}

	attempt.Status = domain.DeliverySent
	attempt.AttemptCount = result.Attempts
	attempt.TelegramMessageID = &result.MessageID
	attempt.LastError = nil
	attempt.NextRetryAt = nil
	if err := s.attempts.Update(ctx, attempt); err != nil {
		// Delivered but not recorded; surface it, a replay of the same key
		// would otherwise re-deliver.
		return nil, fmt.Errorf("delivered message %d but failed to record outcome: %w", result.MessageID, err)
	}
	deliveriesTotal.WithLabelValues(string(kind), string(domain.DeliverySent)).Inc()

	var customerRef *string
	if req.CustomerRef != "" {
		customerRef = &req.CustomerRef
	}
	if _, err := s.conversations.Upsert(ctx, account.ID, attempt.TelegramChatID, customerRef); err != nil {
		s.logger.ErrorContext(ctx, "Failed to touch conversation after dispatch",
			"error", err, "business_account_id", account.ID, "chat_id", attempt.TelegramChatID)
	}

	return &DispatchResult{Attempt: attempt}, nil
}

// findOrCreateAttempt resolves the target chat and pins a pending attempt
// row. With an idempotency key, a previously sent attempt is replayed and a
// failed or rate-limited one is reset and re-driven; the unique index on
// (account, key) keeps concurrent callers from double-creating.
func (s *DispatchService) findOrCreateAttempt(ctx context.Context, account *domain.BusinessAccount, kind domain.DeliveryKind, body string, req DispatchRequest) (*domain.DeliveryAttempt, bool, error) {
	if req.IdempotencyKey != "" {
		existing, err := s.attempts.GetByIdempotencyKey(ctx, account.ID, req.IdempotencyKey)
		switch {
		case err == nil:
			if existing.Status == domain.DeliverySent {
				return existing, true, nil
			}
			existing.Status = domain.DeliveryPending
			existing.Body = body
			existing.LastError = nil
			existing.NextRetryAt = nil
			if err := s.attempts.Update(ctx, existing); err != nil {
				return nil, false, err
			}
			return existing, false, nil
		case !errors.Is(err, repository.ErrDeliveryAttemptNotFound):
			return nil, false, err
		}
	}

	chatID := req.TelegramChatID
	if chatID == 0 {
		conv, err := s.conversations.LookupByCustomerRef(ctx, account.ID, req.CustomerRef)
		if err != nil {
			if errors.Is(err, repository.ErrConversationNotFound) {
				return nil, false, domain.ErrConversationNotFound
			}
			return nil, false, err
		}
		chatID = conv.TelegramChatID
	}

	attempt := &domain.DeliveryAttempt{
		BusinessAccountID: account.ID,
		TelegramChatID:    chatID,
		Kind:              kind,
		Body:              body,
		Status:            domain.DeliveryPending,
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		attempt.IdempotencyKey = &key
	}
	if err := s.attempts.Create(ctx, attempt); err != nil {
		return nil, false, err
	}
	return attempt, false, nil
}

// recordFailure marks the attempt terminal. A 429 that exhausted the retry
// budget lands in rate_limited with the earliest time a retry could succeed;
// everything else is failed.
func (s *DispatchService) recordFailure(ctx context.Context, attempt *domain.DeliveryAttempt, deliverErr error) {
	msg := deliverErr.Error()
	attempt.LastError = &msg
	attempt.Status = domain.DeliveryFailed
	if n := telegram.DeliveryAttempts(deliverErr); n > 0 {
		attempt.AttemptCount = n
	} else if attempt.AttemptCount == 0 {
		attempt.AttemptCount = 1
	}

	if after, ok := telegram.RateLimitedError(deliverErr); ok {
		attempt.Status = domain.DeliveryRateLimited
		next := time.Now().UTC().Add(after)
		attempt.NextRetryAt = &next
	}

	if err := s.attempts.Update(ctx, attempt); err != nil {
		s.logger.ErrorContext(ctx, "Failed to record delivery failure",
			"error", err, "attempt_id", attempt.ID)
	}
}
