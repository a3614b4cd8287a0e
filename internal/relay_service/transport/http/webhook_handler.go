package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/commshub/telegram-relay/internal/relay_service/adapters/telegram"
	"github.com/commshub/telegram-relay/internal/relay_service/app"
	"github.com/commshub/telegram-relay/internal/relay_service/domain"
)

const secretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

// InboundIngester is the application service behind the webhook edge.
type InboundIngester interface {
	HandleUpdate(ctx context.Context, routingKey, secretToken string, update *telegram.Update) error
}

// WebhookHandler is the inbound edge Telegram calls. Telegram redelivers on
// any non-2xx, so the handler ACKs everything that is either durable or
// permanently unroutable and reserves 5xx for "try again".
type WebhookHandler struct {
	inbound InboundIngester
	logger  *slog.Logger
}

func NewWebhookHandler(inbound InboundIngester, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{inbound: inbound, logger: logger}
}

func (h *WebhookHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	routingKey := chi.URLParam(r, "business_account")

	var update telegram.Update
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		// Not a Telegram payload; redelivery would not help.
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed update payload"})
		return
	}

	err := h.inbound.HandleUpdate(r.Context(), routingKey, r.Header.Get(secretTokenHeader), &update)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, ackResponse{OK: true})
	case errors.Is(err, domain.ErrUnknownBusinessAccount):
		// Permanently unroutable. ACK so Telegram stops redelivering a
		// payload no amount of retrying will route.
		h.logger.WarnContext(r.Context(), "Update for unknown routing key dropped", "routing_key", routingKey)
		writeJSON(w, http.StatusOK, ackResponse{OK: true})
	case errors.Is(err, app.ErrSecretMismatch):
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "bad secret token"})
	default:
		h.logger.ErrorContext(r.Context(), "Failed to ingest update",
			"error", err, "routing_key", routingKey, "telegram_update_id", update.UpdateID)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "ingestion failed"})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
