package domain

// BusinessAccount is owned by the core backend; the relay only reads it.
// RoutingKey is the webhook path segment Telegram calls for this account and
// is unique across active accounts. WebhookSecret, when set, must match the
// X-Telegram-Bot-Api-Secret-Token header on inbound updates.
type BusinessAccount struct {
	ID            string `json:"id"`
	DisplayName   string `json:"display_name"`
	RoutingKey    string `json:"routing_key"`
	BotToken      string `json:"bot_token"`
	WebhookSecret string `json:"webhook_secret,omitempty"`
	IsActive      bool   `json:"is_active"`
}
