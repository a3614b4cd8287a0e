package repository

import (
	"context"
	"errors"
	"time"

	"github.com/commshub/telegram-relay/internal/relay_service/domain"
)

var (
	ErrConversationNotFound    = errors.New("conversation not found")
	ErrDeliveryAttemptNotFound = errors.New("delivery attempt not found")
)

// ConversationRepository persists the (business account, Telegram chat)
// mapping and its activity state.
type ConversationRepository interface {
	// Upsert creates the conversation on first contact or touches
	// last_activity_at on subsequent ones. An archived conversation is
	// reopened. A non-nil customerRef overwrites the stored reference.
	Upsert(ctx context.Context, businessAccountID string, chatID int64, customerRef *string) (*domain.Conversation, error)

	// LookupByCustomerRef resolves an outbound target identified by customer
	// reference to its open conversation within the given account.
	LookupByCustomerRef(ctx context.Context, businessAccountID, customerRef string) (*domain.Conversation, error)

	// ArchiveIdle archives open conversations with no activity since the
	// cutoff and returns how many were archived.
	ArchiveIdle(ctx context.Context, idleSince time.Time) (int64, error)
}

// InboundEventRepository durably records inbound updates and suppresses
// duplicate webhook deliveries.
type InboundEventRepository interface {
	// Record inserts the event keyed by its Telegram update id. It returns
	// false without mutating anything when the update id was already
	// recorded. The check-and-insert is atomic under concurrent redelivery.
	Record(ctx context.Context, event *domain.InboundMessageEvent) (bool, error)
}

// DeliveryAttemptRepository persists outbound dispatch attempts.
type DeliveryAttemptRepository interface {
	Create(ctx context.Context, attempt *domain.DeliveryAttempt) error
	Update(ctx context.Context, attempt *domain.DeliveryAttempt) error

	// GetByIdempotencyKey returns the attempt recorded for the caller's key
	// within the account, or ErrDeliveryAttemptNotFound.
	GetByIdempotencyKey(ctx context.Context, businessAccountID, key string) (*domain.DeliveryAttempt, error)

	// FailStalePending marks pending attempts last touched before the cutoff
	// as failed; used for crash recovery.
	FailStalePending(ctx context.Context, staleSince time.Time) (int64, error)
}
