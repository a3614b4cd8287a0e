package app

import (
	"context"
	"time"

	"github.com/commshub/telegram-relay/internal/relay_service/adapters/telegram"
	"github.com/commshub/telegram-relay/internal/relay_service/domain"
	"github.com/commshub/telegram-relay/internal/relay_service/repository"
)

type fakeDirectory struct {
	byRoutingKey map[string]*domain.BusinessAccount
	byID         map[string]*domain.BusinessAccount
	byOwner      map[string][]domain.BusinessAccount
	calls        int
	err          error
}

func (f *fakeDirectory) GetBusinessAccountByRoutingKey(_ context.Context, routingKey string) (*domain.BusinessAccount, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	account, ok := f.byRoutingKey[routingKey]
	if !ok {
		return nil, domain.ErrUnknownBusinessAccount
	}
	return account, nil
}

func (f *fakeDirectory) GetBusinessAccountByID(_ context.Context, id string) (*domain.BusinessAccount, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	account, ok := f.byID[id]
	if !ok {
		return nil, domain.ErrUnknownBusinessAccount
	}
	return account, nil
}

func (f *fakeDirectory) GetBusinessAccountsByOwner(_ context.Context, subject string) ([]domain.BusinessAccount, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.byOwner[subject], nil
}

type fakeEventRepo struct {
	recorded []*domain.InboundMessageEvent
	fresh    bool
	err      error
}

func (f *fakeEventRepo) Record(_ context.Context, event *domain.InboundMessageEvent) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	f.recorded = append(f.recorded, event)
	return f.fresh, nil
}

type fakeConversationRepo struct {
	upserts     []string
	byRef       map[string]*domain.Conversation
	upsertErr   error
	archivedCnt int64
}

func (f *fakeConversationRepo) Upsert(_ context.Context, businessAccountID string, chatID int64, customerRef *string) (*domain.Conversation, error) {
	if f.upsertErr != nil {
		return nil, f.upsertErr
	}
	f.upserts = append(f.upserts, businessAccountID)
	return &domain.Conversation{
		BusinessAccountID: businessAccountID,
		TelegramChatID:    chatID,
		CustomerRef:       customerRef,
		Status:            domain.ConversationOpen,
	}, nil
}

func (f *fakeConversationRepo) LookupByCustomerRef(_ context.Context, businessAccountID, customerRef string) (*domain.Conversation, error) {
	conv, ok := f.byRef[customerRef]
	if !ok {
		return nil, repository.ErrConversationNotFound
	}
	return conv, nil
}

func (f *fakeConversationRepo) ArchiveIdle(_ context.Context, _ time.Time) (int64, error) {
	return f.archivedCnt, nil
}

type fakeAttemptRepo struct {
	created []*domain.DeliveryAttempt
	updated []*domain.DeliveryAttempt
	byKey   map[string]*domain.DeliveryAttempt
}

func (f *fakeAttemptRepo) Create(_ context.Context, attempt *domain.DeliveryAttempt) error {
	f.created = append(f.created, attempt)
	return nil
}

func (f *fakeAttemptRepo) Update(_ context.Context, attempt *domain.DeliveryAttempt) error {
	copied := *attempt
	f.updated = append(f.updated, &copied)
	return nil
}

func (f *fakeAttemptRepo) GetByIdempotencyKey(_ context.Context, _, key string) (*domain.DeliveryAttempt, error) {
	attempt, ok := f.byKey[key]
	if !ok {
		return nil, repository.ErrDeliveryAttemptNotFound
	}
	return attempt, nil
}

func (f *fakeAttemptRepo) FailStalePending(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

type sentMessage struct {
	botToken string
	chatID   int64
	text     string
}

type fakeDeliverer struct {
	sent []sentMessage
	err  error
}

func (f *fakeDeliverer) SendMessage(_ context.Context, botToken string, chatID int64, text string) (*telegram.DeliveryResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, sentMessage{botToken: botToken, chatID: chatID, text: text})
	return &telegram.DeliveryResult{MessageID: 1000 + int64(len(f.sent)), Attempts: 1}, nil
}

type fakePublisher struct {
	published [][]byte
	subjects  []string
	err       error
}

func (f *fakePublisher) Publish(_ context.Context, subject string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.subjects = append(f.subjects, subject)
	f.published = append(f.published, data)
	return nil
}
