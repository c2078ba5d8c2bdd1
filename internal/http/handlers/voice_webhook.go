package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/wolfman30/clinic-reminders/internal/voice"
	"github.com/wolfman30/clinic-reminders/pkg/logging"
)

// CallbackReconciler applies voice call outcomes to tickets.
type CallbackReconciler interface {
	Reconcile(ctx context.Context, cb voice.Callback) (voice.Report, error)
}

// VoiceWebhookHandler receives call outcome notifications.
type VoiceWebhookHandler struct {
	reconciler CallbackReconciler
	logger     *logging.Logger
}

func NewVoiceWebhookHandler(reconciler CallbackReconciler, logger *logging.Logger) *VoiceWebhookHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &VoiceWebhookHandler{reconciler: reconciler, logger: logger}
}

// Handle processes POST /webhooks/voice. A callback without a call id is
// rejected; one without ticket ids is acknowledged so the provider stops
// retrying. When a ticket write fails the response is 500 so the provider
// redelivers; tickets already updated absorb the replay.
func (h *VoiceWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	cb, err := voice.ParseCallback(body)
	if err != nil {
		h.logger.Warn("voice webhook: undecodable payload", "error", err)
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if cb.CallID == "" {
		writeError(w, http.StatusBadRequest, "call id required")
		return
	}

	report, err := h.reconciler.Reconcile(r.Context(), cb)
	switch {
	case errors.Is(err, voice.ErrNoTicketIDs):
		h.logger.Warn("voice webhook: no ticket ids", "call_id", cb.CallID, "status", cb.RawStatus)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "ignored": "no ticket ids"})
		return
	case errors.Is(err, voice.ErrNoCallID):
		writeError(w, http.StatusBadRequest, "call id required")
		return
	case err != nil:
		h.logger.Error("voice webhook: reconcile failed", "call_id", cb.CallID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	status := http.StatusOK
	if len(report.Failed) > 0 {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, report)
}
