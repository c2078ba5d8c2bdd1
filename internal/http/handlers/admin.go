package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/clinic-reminders/internal/appointments"
	"github.com/wolfman30/clinic-reminders/internal/http/middleware"
	"github.com/wolfman30/clinic-reminders/internal/jobs"
	"github.com/wolfman30/clinic-reminders/internal/reminders"
	"github.com/wolfman30/clinic-reminders/pkg/logging"
)

// RoundRunner runs reminder rounds.
type RoundRunner interface {
	RoundFor(days *int) reminders.Round
	RunRound(ctx context.Context, round reminders.Round) (reminders.Summary, error)
}

// JobReader looks up dispatch job status.
type JobReader interface {
	GetJob(ctx context.Context, jobID string) (*jobs.Record, error)
}

// AppointmentCanceller cancels on behalf of clinic staff.
type AppointmentCanceller interface {
	ForceCancel(ctx context.Context, appointmentID, reason string) (*appointments.ActionResult, error)
}

// AdminHandler serves the operator endpoints.
type AdminHandler struct {
	runner    RoundRunner
	jobs      JobReader
	canceller AppointmentCanceller
	logger    *logging.Logger
}

// NewAdminHandler builds the handler. jobs may be nil when no status store is
// configured.
func NewAdminHandler(runner RoundRunner, jobs JobReader, canceller AppointmentCanceller, logger *logging.Logger) *AdminHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &AdminHandler{runner: runner, jobs: jobs, canceller: canceller, logger: logger}
}

// RunReminders handles POST /admin/reminders/run?days=N.
func (h *AdminHandler) RunReminders(w http.ResponseWriter, r *http.Request) {
	var days *int
	if raw := strings.TrimSpace(r.URL.Query().Get("days")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "days must be a non-negative integer")
			return
		}
		days = &n
	}
	round := h.runner.RoundFor(days)
	operator, _ := middleware.OperatorFromContext(r.Context())
	h.logger.Info("reminder round requested", "round", round.Label(), "channel", round.Channel, "operator", operator)

	summary, err := h.runner.RunRound(r.Context(), round)
	if err != nil {
		h.logger.Error("reminder round failed", "round", round.Label(), "error", err)
		writeError(w, http.StatusBadGateway, "reminder round failed")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// JobStatus handles GET /admin/jobs/{id}.
func (h *AdminHandler) JobStatus(w http.ResponseWriter, r *http.Request) {
	if h.jobs == nil {
		writeError(w, http.StatusNotFound, "job tracking disabled")
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "job id required")
		return
	}
	rec, err := h.jobs.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, jobs.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		h.logger.Error("job status lookup failed", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// CancelAppointment handles POST /admin/appointments/{id}/cancel.
func (h *AdminHandler) CancelAppointment(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "appointment id required")
		return
	}
	var req cancelRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON payload")
			return
		}
	}
	reason := strings.TrimSpace(req.Reason)
	if operator, ok := middleware.OperatorFromContext(r.Context()); ok {
		if reason == "" {
			reason = "requested by " + operator
		} else {
			reason += " (" + operator + ")"
		}
	}

	res, err := h.canceller.ForceCancel(r.Context(), id, reason)
	if err != nil {
		h.logger.Warn("operator cancel failed", "appointment_id", id, "error", err)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"appointment_id": res.Appointment.ID,
		"cancelled":      res.Appointment.Cancelled,
		"ticket_id":      res.TicketID,
		"ticket_state":   res.TicketState,
	})
}
