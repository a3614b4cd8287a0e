package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/commshub/telegram-relay/internal/platform/messagebroker"
	"github.com/commshub/telegram-relay/internal/relay_service/domain"
)

// InboundSink is the slice of the backend the forwarder pushes events to.
type InboundSink interface {
	ForwardInboundEvent(ctx context.Context, event *domain.InboundMessageEvent) error
}

// MediaStore re-homes Telegram's short-lived file URLs into durable storage.
type MediaStore interface {
	Store(ctx context.Context, sourceURL, fileName string) (string, error)
}

// FileResolver turns a Telegram file id into a download URL.
type FileResolver interface {
	GetFileURL(ctx context.Context, botToken, fileID string) (string, error)
}

// Forwarder consumes durable inbound events off the broker and pushes them to
// the backend, resolving attachment URLs on the way. Failures are logged and
// counted, never fatal: the event row in Postgres remains the source of truth
// and the webhook has long since been ACKed.
type Forwarder struct {
	broker      *messagebroker.NatsClient
	resolver    *AccountResolver
	sink        InboundSink
	media       MediaStore
	files       FileResolver
	subject     string
	queueGroup  string
	workTimeout time.Duration
	logger      *slog.Logger

	sub *nats.Subscription
}

func NewForwarder(
	broker *messagebroker.NatsClient,
	resolver *AccountResolver,
	sink InboundSink,
	media MediaStore,
	files FileResolver,
	subject, queueGroup string,
	logger *slog.Logger,
) *Forwarder {
	return &Forwarder{
		broker:      broker,
		resolver:    resolver,
		sink:        sink,
		media:       media,
		files:       files,
		subject:     subject,
		queueGroup:  queueGroup,
		workTimeout: 30 * time.Second,
		logger:      logger,
	}
}

// Start subscribes the worker to the forward subject as part of a queue
// group, so multiple relay instances share the load.
func (f *Forwarder) Start(ctx context.Context) error {
	sub, err := f.broker.Subscribe(ctx, f.subject, f.queueGroup, func(msg *nats.Msg) {
		workCtx, cancel := context.WithTimeout(context.Background(), f.workTimeout)
		defer cancel()
		f.handle(workCtx, msg.Data)
	})
	if err != nil {
		return err
	}
	f.sub = sub
	f.logger.Info("Forwarder started", "subject", f.subject, "queue_group", f.queueGroup)
	return nil
}

// Stop unsubscribes; in-flight handlers finish on their own timeout.
func (f *Forwarder) Stop() {
	if f.sub != nil {
		if err := f.sub.Unsubscribe(); err != nil {
			f.logger.Error("Failed to unsubscribe forwarder", "error", err)
		}
	}
}

func (f *Forwarder) handle(ctx context.Context, data []byte) {
	var event domain.InboundMessageEvent
	if err := json.Unmarshal(data, &event); err != nil {
		forwardsTotal.WithLabelValues("malformed").Inc()
		f.logger.ErrorContext(ctx, "Failed to decode inbound event", "error", err)
		return
	}

	f.resolveAttachments(ctx, &event)

	if err := f.sink.ForwardInboundEvent(ctx, &event); err != nil {
		forwardsTotal.WithLabelValues("failed").Inc()
		f.logger.ErrorContext(ctx, "Failed to forward inbound event",
			"error", err, "telegram_update_id", event.TelegramUpdateID,
			"business_account_id", event.BusinessAccountID)
		return
	}
	forwardsTotal.WithLabelValues("forwarded").Inc()
}

// resolveAttachments fills attachment URLs best effort; an attachment that
// cannot be resolved is forwarded with its file id only.
func (f *Forwarder) resolveAttachments(ctx context.Context, event *domain.InboundMessageEvent) {
	if len(event.Attachments) == 0 {
		return
	}

	account, err := f.resolver.ResolveByID(ctx, event.BusinessAccountID)
	if err != nil {
		f.logger.ErrorContext(ctx, "Failed to resolve account for attachments",
			"error", err, "business_account_id", event.BusinessAccountID)
		return
	}

	for i := range event.Attachments {
		att := &event.Attachments[i]
		sourceURL, err := f.files.GetFileURL(ctx, account.BotToken, att.FileID)
		if err != nil {
			f.logger.ErrorContext(ctx, "Failed to resolve attachment URL",
				"error", err, "file_id", att.FileID)
			continue
		}
		stored, err := f.media.Store(ctx, sourceURL, att.FileName)
		if err != nil {
			f.logger.ErrorContext(ctx, "Failed to store attachment",
				"error", err, "file_id", att.FileID)
			continue
		}
		att.URL = stored
	}
}
