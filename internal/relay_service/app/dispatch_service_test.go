package app

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commshub/telegram-relay/internal/relay_service/adapters/telegram"
	"github.com/commshub/telegram-relay/internal/relay_service/domain"
)

func newDispatchFixture(accounts map[string][]domain.BusinessAccount) (*DispatchService, *fakeAttemptRepo, *fakeConversationRepo, *fakeDeliverer) {
	directory := &fakeDirectory{byOwner: accounts}
	resolver := NewAccountResolver(directory, time.Minute, slog.Default())
	attempts := &fakeAttemptRepo{byKey: map[string]*domain.DeliveryAttempt{}}
	conversations := &fakeConversationRepo{byRef: map[string]*domain.Conversation{}}
	deliverer := &fakeDeliverer{}
	svc := NewDispatchService(resolver, attempts, conversations, deliverer, slog.Default())
	return svc, attempts, conversations, deliverer
}

func singleAccount() map[string][]domain.BusinessAccount {
	return map[string][]domain.BusinessAccount{
		"svc-crm": {{ID: "ba-1", BotToken: "tok-1", IsActive: true}},
	}
}

func TestDispatchMessage_Success(t *testing.T) {
	svc, attempts, conversations, deliverer := newDispatchFixture(singleAccount())

	res, err := svc.DispatchMessage(context.Background(), "svc-crm", DispatchRequest{
		TelegramChatID: 900,
		Text:           "your order shipped",
	})
	require.NoError(t, err)

	assert.False(t, res.Replayed)
	assert.Equal(t, domain.DeliverySent, res.Attempt.Status)
	require.NotNil(t, res.Attempt.TelegramMessageID)

	require.Len(t, deliverer.sent, 1)
	assert.Equal(t, "tok-1", deliverer.sent[0].botToken)
	assert.Equal(t, "your order shipped", deliverer.sent[0].text)

	require.Len(t, attempts.created, 1)
	require.Len(t, attempts.updated, 1)
	assert.Equal(t, domain.DeliverySent, attempts.updated[0].Status)
	assert.Equal(t, []string{"ba-1"}, conversations.upserts)
}

func TestDispatchNotification_WrapsBody(t *testing.T) {
	svc, attempts, _, deliverer := newDispatchFixture(singleAccount())

	_, err := svc.DispatchNotification(context.Background(), "svc-crm", DispatchRequest{
		TelegramChatID: 900,
		Text:           "Your appointment is tomorrow at 10:00",
	})
	require.NoError(t, err)

	require.Len(t, deliverer.sent, 1)
	assert.Equal(t, notificationText("Your appointment is tomorrow at 10:00"), deliverer.sent[0].text)
	require.Len(t, attempts.created, 1)
	assert.Equal(t, domain.DeliveryKindNotification, attempts.created[0].Kind)
}

func TestDispatchMessage_IdempotentReplay(t *testing.T) {
	svc, attempts, _, deliverer := newDispatchFixture(singleAccount())

	msgID := int64(777)
	key := "evt-42"
	attempts.byKey[key] = &domain.DeliveryAttempt{
		IdempotencyKey:    &key,
		BusinessAccountID: "ba-1",
		TelegramChatID:    900,
		Status:            domain.DeliverySent,
		TelegramMessageID: &msgID,
	}

	res, err := svc.DispatchMessage(context.Background(), "svc-crm", DispatchRequest{
		TelegramChatID: 900,
		Text:           "your order shipped",
		IdempotencyKey: key,
	})
	require.NoError(t, err)

	assert.True(t, res.Replayed)
	assert.Equal(t, int64(777), *res.Attempt.TelegramMessageID)
	assert.Empty(t, deliverer.sent)
	assert.Empty(t, attempts.created)
}

func TestDispatchMessage_FailedAttemptRedriven(t *testing.T) {
	svc, attempts, _, deliverer := newDispatchFixture(singleAccount())

	key := "evt-43"
	lastErr := "telegram sendMessage: 502 Bad Gateway"
	attempts.byKey[key] = &domain.DeliveryAttempt{
		IdempotencyKey:    &key,
		BusinessAccountID: "ba-1",
		TelegramChatID:    900,
		Status:            domain.DeliveryFailed,
		LastError:         &lastErr,
	}

	res, err := svc.DispatchMessage(context.Background(), "svc-crm", DispatchRequest{
		TelegramChatID: 900,
		Text:           "your order shipped",
		IdempotencyKey: key,
	})
	require.NoError(t, err)

	assert.False(t, res.Replayed)
	assert.Equal(t, domain.DeliverySent, res.Attempt.Status)
	assert.Len(t, deliverer.sent, 1)
	assert.Empty(t, attempts.created)
}

func TestDispatchMessage_CustomerRefResolvesChat(t *testing.T) {
	svc, attempts, conversations, deliverer := newDispatchFixture(singleAccount())
	conversations.byRef["cust-55"] = &domain.Conversation{
		BusinessAccountID: "ba-1",
		TelegramChatID:    1234,
		Status:            domain.ConversationOpen,
	}

	_, err := svc.DispatchMessage(context.Background(), "svc-crm", DispatchRequest{
		CustomerRef: "cust-55",
		Text:        "hello",
	})
	require.NoError(t, err)

	require.Len(t, deliverer.sent, 1)
	assert.Equal(t, int64(1234), deliverer.sent[0].chatID)
	require.Len(t, attempts.created, 1)
	assert.Equal(t, int64(1234), attempts.created[0].TelegramChatID)
}

func TestDispatchMessage_UnknownCustomerRef(t *testing.T) {
	svc, _, _, _ := newDispatchFixture(singleAccount())

	_, err := svc.DispatchMessage(context.Background(), "svc-crm", DispatchRequest{
		CustomerRef: "cust-nope",
		Text:        "hello",
	})
	assert.ErrorIs(t, err, domain.ErrConversationNotFound)
}

func TestDispatchMessage_TargetValidation(t *testing.T) {
	svc, _, _, _ := newDispatchFixture(singleAccount())

	_, err := svc.DispatchMessage(context.Background(), "svc-crm", DispatchRequest{Text: "hello"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = svc.DispatchMessage(context.Background(), "svc-crm", DispatchRequest{
		TelegramChatID: 900,
		CustomerRef:    "cust-55",
		Text:           "hello",
	})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = svc.DispatchMessage(context.Background(), "svc-crm", DispatchRequest{TelegramChatID: 900})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestDispatchMessage_UnauthorizedCaller(t *testing.T) {
	svc, _, _, _ := newDispatchFixture(singleAccount())

	_, err := svc.DispatchMessage(context.Background(), "svc-unknown", DispatchRequest{
		TelegramChatID: 900,
		Text:           "hello",
	})
	assert.ErrorIs(t, err, domain.ErrUnauthorizedAccount)
}

func TestDispatchMessage_RateLimitedRecordsRetryHint(t *testing.T) {
	svc, attempts, _, deliverer := newDispatchFixture(singleAccount())
	deliverer.err = &telegram.APIError{Method: "sendMessage", Code: 429, Description: "Too Many Requests", RetryAfter: 5 * time.Second}

	before := time.Now().UTC()
	_, err := svc.DispatchMessage(context.Background(), "svc-crm", DispatchRequest{
		TelegramChatID: 900,
		Text:           "hello",
	})
	require.Error(t, err)

	require.Len(t, attempts.updated, 1)
	final := attempts.updated[0]
	assert.Equal(t, domain.DeliveryRateLimited, final.Status)
	require.NotNil(t, final.NextRetryAt)
	assert.True(t, final.NextRetryAt.After(before.Add(4*time.Second)))
	require.NotNil(t, final.LastError)
}

func TestDispatchMessage_RecordsRealAttemptCount(t *testing.T) {
	svc, attempts, _, deliverer := newDispatchFixture(singleAccount())
	deliverer.err = &telegram.DeliveryError{
		Attempts: 3,
		Err: fmt.Errorf("%w after 3 attempts: %w", telegram.ErrMaxRetries,
			&telegram.APIError{Method: "sendMessage", Code: 502, Description: "Bad Gateway"}),
	}

	_, err := svc.DispatchMessage(context.Background(), "svc-crm", DispatchRequest{
		TelegramChatID: 900,
		Text:           "hello",
	})
	require.ErrorIs(t, err, telegram.ErrMaxRetries)

	require.Len(t, attempts.updated, 1)
	assert.Equal(t, domain.DeliveryFailed, attempts.updated[0].Status)
	assert.Equal(t, 3, attempts.updated[0].AttemptCount)
}

func TestDispatchMessage_PermanentFailureRecorded(t *testing.T) {
	svc, attempts, conversations, deliverer := newDispatchFixture(singleAccount())
	deliverer.err = &telegram.APIError{Method: "sendMessage", Code: 403, Description: "bot was blocked by the user"}

	_, err := svc.DispatchMessage(context.Background(), "svc-crm", DispatchRequest{
		TelegramChatID: 900,
		Text:           "hello",
	})
	require.Error(t, err)
	assert.True(t, telegram.IsPermanent(err))

	require.Len(t, attempts.updated, 1)
	assert.Equal(t, domain.DeliveryFailed, attempts.updated[0].Status)
	assert.Nil(t, attempts.updated[0].NextRetryAt)
	assert.Empty(t, conversations.upserts)
}
