package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/commshub/telegram-relay/internal/relay_service/adapters/telegram"
	"github.com/commshub/telegram-relay/internal/relay_service/app"
	"github.com/commshub/telegram-relay/internal/relay_service/domain"
	"github.com/commshub/telegram-relay/internal/relay_service/middleware"
)

// Dispatcher is the application service behind the outbound surface.
type Dispatcher interface {
	DispatchMessage(ctx context.Context, subject string, req app.DispatchRequest) (*app.DispatchResult, error)
	DispatchNotification(ctx context.Context, subject string, req app.DispatchRequest) (*app.DispatchResult, error)
}

// DispatchHandler serves the authenticated outbound surface.
type DispatchHandler struct {
	dispatch Dispatcher
	validate *validator.Validate
	logger   *slog.Logger
}

func NewDispatchHandler(dispatch Dispatcher, logger *slog.Logger) *DispatchHandler {
	return &DispatchHandler{
		dispatch: dispatch,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
}

func (h *DispatchHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.CallerFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthenticated"})
		return
	}

	var req sendMessageRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	result, err := h.dispatch.DispatchMessage(r.Context(), caller.Subject, app.DispatchRequest{
		BusinessAccountID: req.BusinessAccountID,
		TelegramChatID:    req.TelegramChatID,
		CustomerRef:       req.CustomerRef,
		Text:              req.Message,
		IdempotencyKey:    idempotencyKey(r, req.IdempotencyKey),
	})
	if err != nil {
		h.writeDispatchError(w, r, err)
		return
	}
	writeDispatchResult(w, result)
}

func (h *DispatchHandler) SendNotification(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.CallerFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthenticated"})
		return
	}

	var req sendNotificationRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	result, err := h.dispatch.DispatchNotification(r.Context(), caller.Subject, app.DispatchRequest{
		BusinessAccountID: req.BusinessAccountID,
		TelegramChatID:    req.TelegramChatID,
		CustomerRef:       req.CustomerRef,
		Text:              req.NotificationDescription,
		IdempotencyKey:    idempotencyKey(r, req.IdempotencyKey),
	})
	if err != nil {
		h.writeDispatchError(w, r, err)
		return
	}
	writeDispatchResult(w, result)
}

func (h *DispatchHandler) decodeAndValidate(w http.ResponseWriter, r *http.Request, req any) bool {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed JSON body"})
		return false
	}
	if err := h.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
		return false
	}
	return true
}

// idempotencyKey prefers the body field; the Idempotency-Key header is the
// fallback for callers that set it at the HTTP client layer.
func idempotencyKey(r *http.Request, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	return r.Header.Get("Idempotency-Key")
}

func writeDispatchResult(w http.ResponseWriter, result *app.DispatchResult) {
	writeJSON(w, http.StatusOK, dispatchResponse{
		AttemptID:         result.Attempt.ID.String(),
		Status:            string(result.Attempt.Status),
		TelegramMessageID: result.Attempt.TelegramMessageID,
		Replayed:          result.Replayed,
	})
}

// writeDispatchError maps the error taxonomy onto the HTTP surface.
func (h *DispatchHandler) writeDispatchError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
	case errors.Is(err, domain.ErrUnauthorizedAccount):
		writeJSON(w, http.StatusForbidden, errorResponse{Error: err.Error()})
	case errors.Is(err, domain.ErrAmbiguousAccount):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, domain.ErrConversationNotFound), errors.Is(err, domain.ErrUnknownBusinessAccount):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case telegram.IsPermanent(err):
		// Telegram rejected the message itself: bad chat, blocked bot.
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
	case errors.Is(err, domain.ErrDownstreamUnavailable),
		errors.Is(err, telegram.ErrMaxRetries),
		errors.Is(err, telegram.ErrCircuitOpen):
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
	default:
		h.logger.ErrorContext(r.Context(), "Dispatch failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}
