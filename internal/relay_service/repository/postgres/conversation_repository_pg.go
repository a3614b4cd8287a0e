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

type PgConversationRepository struct {
	db     DB
	logger *slog.Logger
}

func NewPgConversationRepository(db DB, logger *slog.Logger) *PgConversationRepository {
	return &PgConversationRepository{db: db, logger: logger}
}

const conversationColumns = `id, business_account_id, telegram_chat_id, customer_ref, status, last_activity_at, created_at, updated_at`

func (r *PgConversationRepository) Upsert(ctx context.Context, businessAccountID string, chatID int64, customerRef *string) (*domain.Conversation, error) {
	now := time.Now().UTC()
	query := `
		INSERT INTO conversations (
			id, business_account_id, telegram_chat_id, customer_ref, status,
			last_activity_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, 'open', $5, $5, $5)
		ON CONFLICT ON CONSTRAINT conversations_account_chat_key DO UPDATE SET
			status = 'open',
			customer_ref = COALESCE(EXCLUDED.customer_ref, conversations.customer_ref),
			last_activity_at = EXCLUDED.last_activity_at,
			updated_at = EXCLUDED.updated_at
		RETURNING ` + conversationColumns

	conv := &domain.Conversation{}
	err := r.db.QueryRow(ctx, query, uuid.New(), businessAccountID, chatID, customerRef, now).Scan(
		&conv.ID, &conv.BusinessAccountID, &conv.TelegramChatID, &conv.CustomerRef,
		&conv.Status, &conv.LastActivityAt, &conv.CreatedAt, &conv.UpdatedAt,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to upsert conversation",
			"error", err, "business_account_id", businessAccountID, "chat_id", chatID)
		return nil, err
	}
	return conv, nil
}

func (r *PgConversationRepository) LookupByCustomerRef(ctx context.Context, businessAccountID, customerRef string) (*domain.Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE business_account_id = $1 AND customer_ref = $2 AND status = 'open'
		ORDER BY last_activity_at DESC
		LIMIT 1`

	conv := &domain.Conversation{}
	err := r.db.QueryRow(ctx, query, businessAccountID, customerRef).Scan(
		&conv.ID, &conv.BusinessAccountID, &conv.TelegramChatID, &conv.CustomerRef,
		&conv.Status, &conv.LastActivityAt, &conv.CreatedAt, &conv.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrConversationNotFound
		}
		return nil, err
	}
	return conv, nil
}

func (r *PgConversationRepository) ArchiveIdle(ctx context.Context, idleSince time.Time) (int64, error) {
	query := `
		UPDATE conversations
		SET status = 'archived', updated_at = $2
		WHERE status = 'open' AND last_activity_at < $1`

	tag, err := r.db.Exec(ctx, query, idleSince, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
