package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/wolfman30/clinic-reminders/internal/appointments"
	"github.com/wolfman30/clinic-reminders/pkg/logging"
)

// BookingService is the public booking surface.
type BookingService interface {
	AvailableSlots(ctx context.Context, date string) ([]string, error)
	Book(ctx context.Context, req appointments.BookRequest, now time.Time) (*appointments.BookResult, error)
}

// AppointmentsHandler serves slots and bookings.
type AppointmentsHandler struct {
	svc    BookingService
	now    func() time.Time
	logger *logging.Logger
}

func NewAppointmentsHandler(svc BookingService, logger *logging.Logger) *AppointmentsHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &AppointmentsHandler{svc: svc, now: time.Now, logger: logger}
}

// Slots handles GET /slots?date=YYYY-MM-DD.
func (h *AppointmentsHandler) Slots(w http.ResponseWriter, r *http.Request) {
	date := strings.TrimSpace(r.URL.Query().Get("date"))
	if _, err := time.Parse(time.DateOnly, date); err != nil {
		writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}
	open, err := h.svc.AvailableSlots(r.Context(), date)
	if err != nil {
		h.logger.Error("slot lookup failed", "date", date, "error", err)
		writeError(w, http.StatusBadGateway, "booking calendar unavailable")
		return
	}
	if open == nil {
		open = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"date": date, "slots": open})
}

// Book handles POST /appointments.
func (h *AppointmentsHandler) Book(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	var req appointments.BookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	res, err := h.svc.Book(r.Context(), req, h.now())
	if err != nil && !errors.Is(err, appointments.ErrTicketNotCreated) {
		writeDomainError(w, err)
		return
	}
	payload := map[string]any{
		"appointment_id": res.Appointment.ID,
		"date":           res.Appointment.Date(),
		"time":           res.Appointment.Clock(),
		"ticket_id":      res.TicketID,
	}
	if err != nil {
		payload["warning"] = "appointment booked but reminder ticket was not created"
	}
	writeJSON(w, http.StatusCreated, payload)
}
