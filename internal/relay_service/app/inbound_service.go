package app

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/commshub/telegram-relay/internal/relay_service/adapters/telegram"
	"github.com/commshub/telegram-relay/internal/relay_service/domain"
	"github.com/commshub/telegram-relay/internal/relay_service/repository"
)

// ErrSecretMismatch means the webhook secret header didn't match the
// account's configured secret; the update is not from Telegram.
var ErrSecretMismatch = errors.New("webhook secret mismatch")

// Deliverer sends messages into Telegram chats.
type Deliverer interface {
	SendMessage(ctx context.Context, botToken string, chatID int64, text string) (*telegram.DeliveryResult, error)
}

// Publisher hands durable inbound events off to the forwarder workers.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// InboundService ingests Telegram webhook updates: resolve the business
// account, dedup by update id, persist, then hand off for forwarding. The
// caller ACKs Telegram as soon as HandleUpdate returns without error, so
// everything past the durable insert is best effort.
type InboundService struct {
	resolver       *AccountResolver
	events         repository.InboundEventRepository
	conversations  repository.ConversationRepository
	deliverer      Deliverer
	publisher      Publisher
	forwardSubject string
	logger         *slog.Logger
}

func NewInboundService(
	resolver *AccountResolver,
	events repository.InboundEventRepository,
	conversations repository.ConversationRepository,
	deliverer Deliverer,
	publisher Publisher,
	forwardSubject string,
	logger *slog.Logger,
) *InboundService {
	return &InboundService{
		resolver:       resolver,
		events:         events,
		conversations:  conversations,
		deliverer:      deliverer,
		publisher:      publisher,
		forwardSubject: forwardSubject,
		logger:         logger,
	}
}

// HandleUpdate processes one webhook delivery. A nil return means the update
// is safe to ACK; domain.ErrUnknownBusinessAccount and ErrSecretMismatch are
// also ACK-safe (the transport layer decides the status code), every other
// error means the update was not made durable and Telegram must redeliver.
func (s *InboundService) HandleUpdate(ctx context.Context, routingKey, secretToken string, update *telegram.Update) error {
	account, err := s.resolver.ResolveByRoutingKey(ctx, routingKey)
	if err != nil {
		if errors.Is(err, domain.ErrUnknownBusinessAccount) {
			inboundUpdatesTotal.WithLabelValues("unknown_account").Inc()
		}
		return err
	}

	if account.WebhookSecret != "" {
		if subtle.ConstantTimeCompare([]byte(secretToken), []byte(account.WebhookSecret)) != 1 {
			inboundUpdatesTotal.WithLabelValues("secret_mismatch").Inc()
			s.logger.WarnContext(ctx, "Webhook secret mismatch", "business_account_id", account.ID)
			// The cached record may predate a secret rotation; re-fetch on
			// the next delivery instead of rejecting until the TTL expires.
			s.resolver.InvalidateRoutingKey(routingKey)
			return ErrSecretMismatch
		}
	}

	if update.Message == nil {
		// Edits, reactions, member updates: not relayed.
		inboundUpdatesTotal.WithLabelValues("ignored").Inc()
		return nil
	}

	event := normalizeUpdate(account.ID, update)

	fresh, err := s.events.Record(ctx, event)
	if err != nil {
		return err
	}
	if !fresh {
		inboundUpdatesTotal.WithLabelValues("duplicate").Inc()
		s.logger.InfoContext(ctx, "Duplicate update dropped",
			"telegram_update_id", event.TelegramUpdateID, "business_account_id", account.ID)
		return nil
	}

	msg := update.Message
	switch {
	case msg.From != nil && msg.From.IsBot:
		inboundUpdatesTotal.WithLabelValues("bot_sender").Inc()
		s.reply(ctx, account, event.TelegramChatID, botSenderText)
		return nil

	case msg.Text == "/start":
		inboundUpdatesTotal.WithLabelValues("greeting").Inc()
		s.reply(ctx, account, event.TelegramChatID, greetingText(event.Sender.FirstName))
		return nil

	case msg.Text == "" && len(event.Attachments) == 0:
		inboundUpdatesTotal.WithLabelValues("unsupported").Inc()
		s.reply(ctx, account, event.TelegramChatID, unsupportedFormatText)
		return nil
	}

	if _, err := s.conversations.Upsert(ctx, account.ID, event.TelegramChatID, nil); err != nil {
		// The event is durable; the next message on this chat repairs the
		// conversation row.
		s.logger.ErrorContext(ctx, "Failed to upsert conversation",
			"error", err, "business_account_id", account.ID, "chat_id", event.TelegramChatID)
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := s.publisher.Publish(ctx, s.forwardSubject, payload); err != nil {
		inboundUpdatesTotal.WithLabelValues("publish_failed").Inc()
		s.logger.ErrorContext(ctx, "Failed to publish inbound event for forwarding",
			"error", err, "telegram_update_id", event.TelegramUpdateID)
		return nil
	}

	inboundUpdatesTotal.WithLabelValues("accepted").Inc()
	return nil
}

// reply sends a canned response back into the chat; failures are logged,
// never propagated, since the webhook outcome must not depend on them.
func (s *InboundService) reply(ctx context.Context, account *domain.BusinessAccount, chatID int64, text string) {
	if _, err := s.deliverer.SendMessage(ctx, account.BotToken, chatID, text); err != nil {
		s.logger.ErrorContext(ctx, "Failed to send canned reply",
			"error", err, "business_account_id", account.ID, "chat_id", chatID)
	}
}

// normalizeUpdate maps the Telegram wire shape onto the relay's event model.
// Photos collapse to the largest size Telegram rendered.
func normalizeUpdate(businessAccountID string, update *telegram.Update) *domain.InboundMessageEvent {
	msg := update.Message
	event := &domain.InboundMessageEvent{
		TelegramUpdateID:  update.UpdateID,
		BusinessAccountID: businessAccountID,
		TelegramChatID:    msg.Chat.ID,
		Text:              msg.Text,
		ReceivedAt:        time.Now().UTC(),
	}
	if msg.From != nil {
		event.Sender = domain.Sender{
			TelegramUserID: msg.From.ID,
			FirstName:      msg.From.FirstName,
			LastName:       msg.From.LastName,
			Username:       msg.From.Username,
			IsBot:          msg.From.IsBot,
		}
	}
	if len(msg.Photo) > 0 {
		largest := msg.Photo[0]
		for _, p := range msg.Photo[1:] {
			if p.Width*p.Height > largest.Width*largest.Height {
				largest = p
			}
		}
		event.Attachments = append(event.Attachments, domain.Attachment{
			Kind:   "photo",
			FileID: largest.FileID,
		})
	}
	if msg.Document != nil {
		event.Attachments = append(event.Attachments, domain.Attachment{
			Kind:     "document",
			FileID:   msg.Document.FileID,
			FileName: msg.Document.FileName,
			MimeType: msg.Document.MimeType,
		})
	}
	return event
}
