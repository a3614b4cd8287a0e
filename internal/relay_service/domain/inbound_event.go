package domain

import "time"

// Sender describes the Telegram end user who authored an inbound message.
type Sender struct {
	TelegramUserID int64  `json:"telegram_user_id"`
	FirstName      string `json:"first_name,omitempty"`
	LastName       string `json:"last_name,omitempty"`
	Username       string `json:"username,omitempty"`
	IsBot          bool   `json:"is_bot"`
}

// Attachment references a media object carried by an inbound message.
// FileID is Telegram's opaque identifier; URL is filled in once the file has
// been re-homed into the file-storage service.
type Attachment struct {
	Kind     string `json:"kind"`
	FileID   string `json:"file_id"`
	FileName string `json:"file_name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	URL      string `json:"url,omitempty"`
}

// InboundMessageEvent is the normalized, durable record of one Telegram
// update. TelegramUpdateID is globally unique and is the dedup key for
// at-least-once webhook delivery.
type InboundMessageEvent struct {
	TelegramUpdateID  int64        `json:"telegram_update_id"`
	BusinessAccountID string       `json:"business_account_id"`
	TelegramChatID    int64        `json:"telegram_chat_id"`
	Sender            Sender       `json:"sender"`
	Text              string       `json:"text,omitempty"`
	Attachments       []Attachment `json:"attachments,omitempty"`
	ReceivedAt        time.Time    `json:"received_at"`
}
