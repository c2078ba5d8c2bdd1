// Package handlers exposes the reminder engine over HTTP: operator
// endpoints, provider webhooks and the public booking surface.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/wolfman30/clinic-reminders/internal/appointments"
	"github.com/wolfman30/clinic-reminders/internal/booking"
	"github.com/wolfman30/clinic-reminders/internal/jobs"
	"github.com/wolfman30/clinic-reminders/internal/slots"
	"github.com/wolfman30/clinic-reminders/internal/tickets"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps domain sentinels to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, booking.ErrNotFound),
		errors.Is(err, tickets.ErrNotFound),
		errors.Is(err, jobs.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, appointments.ErrSlotTaken),
		errors.Is(err, tickets.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, appointments.ErrConfirmNotOpen),
		errors.Is(err, appointments.ErrCancelClosed),
		errors.Is(err, slots.ErrDateInPast),
		errors.Is(err, slots.ErrDateTooFar),
		errors.Is(err, tickets.ErrTerminal),
		errors.Is(err, tickets.ErrInvalidTransition):
		return http.StatusUnprocessableEntity
	case errors.Is(err, appointments.ErrInvalidRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeDomainError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeError(w, status, msg)
}
