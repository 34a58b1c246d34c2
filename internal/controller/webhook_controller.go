package controller

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/cassiomorais/apgateway/internal/service"
)

// WebhookController accepts provider callbacks. Providers always get 202;
// failures are logged and never pushed back to the sender.
type WebhookController struct {
	service *service.WebhookService
	maxBody int64
	logger  zerolog.Logger
}

func NewWebhookController(svc *service.WebhookService, maxBody int64, logger zerolog.Logger) *WebhookController {
	return &WebhookController{
		service: svc,
		maxBody: maxBody,
		logger:  logger.With().Str("component", "webhook_controller").Logger(),
	}
}

// Receive handles POST /webhooks/{connectorID}
func (h *WebhookController) Receive(w http.ResponseWriter, r *http.Request) {
	connectorID := chi.URLParam(r, "connectorID")
	log := h.logger.With().Str("connector", connectorID).Logger()

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		log.Warn().Err(err).Int("read_bytes", len(raw)).Msg("webhook body unreadable, dropped")
		writeJSON(w, http.StatusAccepted, WebhookAcceptedResponse{Status: "accepted"})
		return
	}

	ev, err := h.service.Ingest(r.Context(), connectorID, raw)
	if err != nil {
		log.Error().Err(err).Msg("webhook not relayed")
	}
	writeJSON(w, http.StatusAccepted, WebhookAcceptedResponse{
		Status:    "accepted",
		Kind:      string(ev.Kind),
		MessageID: ev.MessageID,
	})
}
