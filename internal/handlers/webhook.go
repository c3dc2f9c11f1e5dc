package handlers

import (
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/markjakearzadon/momopay-gobackend.git/internal/models"
	"github.com/markjakearzadon/momopay-gobackend.git/internal/services"
)

const maxWebhookBody = 1 << 20

// WebhookHandler receives provider callbacks. It is not behind Auth: the
// signature over the raw body is the only credential.
type WebhookHandler struct {
	reconciler *services.Reconciler
	log        *zap.Logger
}

func NewWebhookHandler(reconciler *services.Reconciler, log *zap.Logger) *WebhookHandler {
	return &WebhookHandler{reconciler: reconciler, log: log}
}

// Webhook answers 2xx only once the event is applied; anything else makes
// the provider redeliver.
func (h *WebhookHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	provider, err := models.ParseProvider(mux.Vars(r)["provider"])
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	header, err := h.reconciler.SignatureHeader(provider)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "Webhook payload too large"})
		return
	}

	ev, err := h.reconciler.HandleWebhook(r.Context(), provider, body, r.Header.Get(header))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "event_id": ev.ID})
}
