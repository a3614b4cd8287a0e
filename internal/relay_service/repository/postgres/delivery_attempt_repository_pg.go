package postgres

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/commshub/telegram-relay/internal/relay_service/domain"
	"github.com/commshub/telegram-relay/internal/relay_service/repository"
)

type PgDeliveryAttemptRepository struct {
	db     DB
	logger *slog.Logger
}

func NewPgDeliveryAttemptRepository(db DB, logger *slog.Logger) *PgDeliveryAttemptRepository {
	return &PgDeliveryAttemptRepository{db: db, logger: logger}
}

const attemptColumns = `id, idempotency_key, business_account_id, telegram_chat_id, kind, body, status,
	attempt_count, telegram_message_id, last_error, next_retry_at, created_at, updated_at`

func (r *PgDeliveryAttemptRepository) Create(ctx context.Context, attempt *domain.DeliveryAttempt) error {
	if attempt.ID == uuid.Nil {
		attempt.ID = uuid.New()
	}
	now := time.Now().UTC()
	attempt.CreatedAt = now
	attempt.UpdatedAt = now
	if attempt.Status == "" {
		attempt.Status = domain.DeliveryPending
	}

	query := `
		INSERT INTO delivery_attempts (
			id, idempotency_key, business_account_id, telegram_chat_id, kind, body, status,
			attempt_count, telegram_message_id, last_error, next_retry_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := r.db.Exec(ctx, query,
		attempt.ID, attempt.IdempotencyKey, attempt.BusinessAccountID, attempt.TelegramChatID,
		attempt.Kind, attempt.Body, attempt.Status, attempt.AttemptCount,
		attempt.TelegramMessageID, attempt.LastError, attempt.NextRetryAt,
		attempt.CreatedAt, attempt.UpdatedAt,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to create delivery attempt", "error", err, "attempt_id", attempt.ID)
		return err
	}
	return nil
}

func (r *PgDeliveryAttemptRepository) Update(ctx context.Context, attempt *domain.DeliveryAttempt) error {
	attempt.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE delivery_attempts
		SET status = $2, attempt_count = $3, telegram_message_id = $4,
		    last_error = $5, next_retry_at = $6, updated_at = $7
		WHERE id = $1`

	tag, err := r.db.Exec(ctx, query,
		attempt.ID, attempt.Status, attempt.AttemptCount, attempt.TelegramMessageID,
		attempt.LastError, attempt.NextRetryAt, attempt.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrDeliveryAttemptNotFound
	}
	return nil
}

func (r *PgDeliveryAttemptRepository) GetByIdempotencyKey(ctx context.Context, businessAccountID, key string) (*domain.DeliveryAttempt, error) {
	query := `
		SELECT ` + attemptColumns + `
		FROM delivery_attempts
		WHERE business_account_id = $1 AND idempotency_key = $2`

	attempt := &domain.DeliveryAttempt{}
	err := r.db.QueryRow(ctx, query, businessAccountID, key).Scan(
		&attempt.ID, &attempt.IdempotencyKey, &attempt.BusinessAccountID, &attempt.TelegramChatID,
		&attempt.Kind, &attempt.Body, &attempt.Status, &attempt.AttemptCount,
		&attempt.TelegramMessageID, &attempt.LastError, &attempt.NextRetryAt,
		&attempt.CreatedAt, &attempt.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrDeliveryAttemptNotFound
		}
		return nil, err
	}
	return attempt, nil
}

func (r *PgDeliveryAttemptRepository) FailStalePending(ctx context.Context, staleSince time.Time) (int64, error) {
	query := `
		UPDATE delivery_attempts
		SET status = 'failed', last_error = 'abandoned: attempt never completed', updated_at = $2
		WHERE status = 'pending' AND updated_at < $1`

	tag, err := r.db.Exec(ctx, query, staleSince, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
