package domain

import (
	"time"

	"github.com/google/uuid"
)

type ConversationStatus string

const (
	ConversationOpen     ConversationStatus = "open"
	ConversationArchived ConversationStatus = "archived"
)

// Conversation maps a Telegram chat to a business-account customer record.
// Conversations are never deleted, only archived; an inbound or outbound
// message on an archived conversation reopens it.
type Conversation struct {
	ID                uuid.UUID
	BusinessAccountID string
	TelegramChatID    int64
	CustomerRef       *string
	Status            ConversationStatus
	LastActivityAt    time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
