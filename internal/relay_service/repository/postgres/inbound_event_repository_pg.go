package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/commshub/telegram-relay/internal/relay_service/domain"
)

type PgInboundEventRepository struct {
	db     DB
	logger *slog.Logger
}

func NewPgInboundEventRepository(db DB, logger *slog.Logger) *PgInboundEventRepository {
	return &PgInboundEventRepository{db: db, logger: logger}
}

// Record inserts the event; ON CONFLICT DO NOTHING makes the dedup check and
// the insert a single atomic statement, so concurrent redeliveries of the
// same update id collapse to one row.
func (r *PgInboundEventRepository) Record(ctx context.Context, event *domain.InboundMessageEvent) (bool, error) {
	senderJSON, err := json.Marshal(event.Sender)
	if err != nil {
		return false, fmt.Errorf("failed to marshal sender: %w", err)
	}
	var attachmentsJSON []byte
	if len(event.Attachments) > 0 {
		attachmentsJSON, err = json.Marshal(event.Attachments)
		if err != nil {
			return false, fmt.Errorf("failed to marshal attachments: %w", err)
		}
	}

	query := `
		INSERT INTO inbound_message_events (
			telegram_update_id, business_account_id, telegram_chat_id,
			sender, text_content, attachments, received_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (telegram_update_id) DO NOTHING`

	tag, err := r.db.Exec(ctx, query,
		event.TelegramUpdateID, event.BusinessAccountID, event.TelegramChatID,
		senderJSON, event.Text, attachmentsJSON, event.ReceivedAt,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to record inbound event",
			"error", err, "telegram_update_id", event.TelegramUpdateID)
		return false, err
	}

	return tag.RowsAffected() == 1, nil
}
