package domain

import (
	"time"

	"github.com/google/uuid"
)

type DeliveryStatus string

const (
	DeliveryPending     DeliveryStatus = "pending"
	DeliverySent        DeliveryStatus = "sent"
	DeliveryFailed      DeliveryStatus = "failed"
	DeliveryRateLimited DeliveryStatus = "rate_limited"
)

type DeliveryKind string

const (
	DeliveryKindMessage      DeliveryKind = "message"
	DeliveryKindNotification DeliveryKind = "notification"
)

// DeliveryAttempt records one outbound dispatch request and its outcome.
// When the caller supplies an idempotency key, (BusinessAccountID,
// IdempotencyKey) is unique and a sent attempt is replayed instead of
// re-delivered.
type DeliveryAttempt struct {
	ID                uuid.UUID
	IdempotencyKey    *string
	BusinessAccountID string
	TelegramChatID    int64
	Kind              DeliveryKind
	Body              string
	Status            DeliveryStatus
	AttemptCount      int
	TelegramMessageID *int64
	LastError         *string
	NextRetryAt       *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Terminal reports whether the attempt reached a final state.
func (a *DeliveryAttempt) Terminal() bool {
	return a.Status == DeliverySent || a.Status == DeliveryFailed || a.Status == DeliveryRateLimited
}
