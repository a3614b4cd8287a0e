package http

// sendMessageRequest dispatches an agent message. The target chat is either
// telegram_chat_id or customer_ref, never both; business_account_id is only
// required for callers entitled to several accounts.
type sendMessageRequest struct {
	BusinessAccountID string `json:"business_account_id,omitempty"`
	TelegramChatID    int64  `json:"telegram_chat_id,omitempty"`
	CustomerRef       string `json:"customer_ref,omitempty"`
	Message           string `json:"message" validate:"required,max=4096"`
	IdempotencyKey    string `json:"idempotency_key,omitempty" validate:"omitempty,max=128"`
}

type sendNotificationRequest struct {
	BusinessAccountID       string `json:"business_account_id,omitempty"`
	TelegramChatID          int64  `json:"telegram_chat_id,omitempty"`
	CustomerRef             string `json:"customer_ref,omitempty"`
	NotificationDescription string `json:"notification_description" validate:"required,max=4000"`
	IdempotencyKey          string `json:"idempotency_key,omitempty" validate:"omitempty,max=128"`
}

type dispatchResponse struct {
	AttemptID         string `json:"attempt_id"`
	Status            string `json:"status"`
	TelegramMessageID *int64 `json:"telegram_message_id,omitempty"`
	Replayed          bool   `json:"replayed"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type ackResponse struct {
	OK bool `json:"ok"`
}
