package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/commshub/telegram-relay/internal/relay_service/middleware"
)

// NewRouter assembles the relay's HTTP surface. The webhook edge is
// unauthenticated at the transport level (Telegram proves itself with the
// per-account secret token); the dispatch surface sits behind JWT auth.
func NewRouter(webhook *WebhookHandler, dispatch *DispatchHandler, auth *middleware.Authenticator) chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(60 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, ackResponse{OK: true})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/send_message_from_telegram/{business_account}", webhook.HandleUpdate)

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware)
		r.Post("/send_message_to_telegram", dispatch.SendMessage)
		r.Post("/send_notification_to_telegram", dispatch.SendNotification)
	})

	return r
}
