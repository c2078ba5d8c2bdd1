package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/wolfman30/clinic-reminders/internal/appointments"
	"github.com/wolfman30/clinic-reminders/internal/booking"
	"github.com/wolfman30/clinic-reminders/internal/chat"
	"github.com/wolfman30/clinic-reminders/internal/events"
	"github.com/wolfman30/clinic-reminders/pkg/logging"
)

const lineProvider = "line"

// KeywordUpcoming asks for the sender's upcoming appointments.
const KeywordUpcoming = "my appointments"

// PatientActions are the appointment flows a chat user can trigger.
type PatientActions interface {
	Confirm(ctx context.Context, appointmentID string, now time.Time) (*appointments.ActionResult, error)
	Cancel(ctx context.Context, appointmentID string, now time.Time) (*appointments.ActionResult, error)
	Upcoming(ctx context.Context, chatUserID string, now time.Time) ([]booking.Appointment, error)
}

// Registrar drives the registration conversation.
type Registrar interface {
	Handle(ctx context.Context, chatUserID, text string) (reply string, handled bool, err error)
}

// Replier answers a webhook event.
type Replier interface {
	Reply(ctx context.Context, replyToken string, messages []chat.Message) error
}

// LineWebhookHandler receives chat provider events.
type LineWebhookHandler struct {
	secret    string
	actions   PatientActions
	registrar Registrar
	replier   Replier
	processed events.Deduper
	clock     booking.Clock
	now       func() time.Time
	logger    *logging.Logger
}

// LineWebhookConfig wires the handler. Registrar and Processed are optional.
type LineWebhookConfig struct {
	ChannelSecret string
	Actions       PatientActions
	Registrar     Registrar
	Replier       Replier
	Processed     events.Deduper
	Clock         booking.Clock
	Logger        *logging.Logger
}

func NewLineWebhookHandler(cfg LineWebhookConfig) *LineWebhookHandler {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &LineWebhookHandler{
		secret:    strings.TrimSpace(cfg.ChannelSecret),
		actions:   cfg.Actions,
		registrar: cfg.Registrar,
		replier:   cfg.Replier,
		processed: cfg.Processed,
		clock:     cfg.Clock,
		now:       time.Now,
		logger:    logger,
	}
}

// Handle processes POST /webhooks/line. Events are acknowledged with 200 even
// when an individual event fails; the provider does not retry usefully.
func (h *LineWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.secret == "" {
		h.logger.Error("line webhook secret not configured")
		writeError(w, http.StatusInternalServerError, "webhook secret not configured")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	wb, err := chat.ParseRequest(h.secret, r)
	switch {
	case errors.Is(err, chat.ErrInvalidSignature):
		h.logger.Warn("invalid line webhook signature")
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, "invalid webhook payload")
		return
	}

	for _, evt := range wb.Events {
		if h.seen(r.Context(), evt) {
			continue
		}
		h.handleEvent(r.Context(), evt)
	}
	w.WriteHeader(http.StatusOK)
}

// seen claims the event id; concurrent redeliveries lose the claim.
func (h *LineWebhookHandler) seen(ctx context.Context, evt chat.Event) bool {
	if h.processed == nil || evt.WebhookEventID == "" {
		return false
	}
	claimed, err := h.processed.MarkProcessed(ctx, lineProvider, evt.WebhookEventID)
	if err != nil {
		h.logger.Warn("line webhook: dedupe store unavailable", "event_id", evt.WebhookEventID, "error", err)
		return false
	}
	if !claimed {
		h.logger.Info("line webhook: duplicate event skipped", "event_id", evt.WebhookEventID)
	}
	return !claimed
}

func (h *LineWebhookHandler) handleEvent(ctx context.Context, evt chat.Event) {
	userID := evt.Source.UserID
	switch {
	case evt.Type == "postback" && evt.Postback != nil:
		h.reply(ctx, evt, h.handlePostback(ctx, userID, evt.Postback.Data))
	case evt.Type == "message" && evt.Message != nil && evt.Message.Type == "text":
		if reply := h.handleText(ctx, userID, evt.Message.Text); reply != "" {
			h.reply(ctx, evt, reply)
		}
	default:
		h.logger.Debug("line webhook: event ignored", "type", evt.Type, "event_id", evt.WebhookEventID)
	}
}

func (h *LineWebhookHandler) handlePostback(ctx context.Context, userID, data string) string {
	action, apptID, ok := chat.ParsePostback(data)
	if !ok {
		h.logger.Warn("line webhook: unknown postback", "data", data, "chat_user_id", userID)
		return "Sorry, we could not understand that request."
	}
	logger := h.logger.With("appointment_id", apptID, "chat_user_id", userID, "action", action)

	var (
		res *appointments.ActionResult
		err error
	)
	switch action {
	case chat.ActionConfirm:
		res, err = h.actions.Confirm(ctx, apptID, h.now())
	case chat.ActionCancel:
		res, err = h.actions.Cancel(ctx, apptID, h.now())
	default:
		return "Sorry, we could not understand that request."
	}
	if err != nil {
		logger.Warn("line webhook: appointment action failed", "error", err)
		return actionErrorReply(action, err)
	}
	logger.Info("line webhook: appointment action applied", "ticket_id", res.TicketID, "ticket_state", res.TicketState)

	when := h.clock.Local(res.Appointment.Start).Format("2006/01/02 15:04")
	if action == chat.ActionCancel {
		return fmt.Sprintf("Your appointment on %s has been cancelled.", when)
	}
	if res.AlreadyConfirmed {
		return fmt.Sprintf("Your appointment on %s was already confirmed. See you then!", when)
	}
	return fmt.Sprintf("Thank you! Your appointment on %s is confirmed.", when)
}

func actionErrorReply(action string, err error) string {
	switch {
	case errors.Is(err, booking.ErrNotFound):
		return "We could not find that appointment. It may already be cancelled."
	case errors.Is(err, appointments.ErrConfirmNotOpen):
		return "Confirmation opens a few days before your visit. Please try again later."
	case errors.Is(err, appointments.ErrCancelClosed):
		return "It is too close to your visit to cancel online. Please call the clinic."
	case action == chat.ActionCancel:
		return "We could not cancel your appointment right now. Please call the clinic."
	default:
		return "We could not confirm your appointment right now. Please try again later."
	}
}

func (h *LineWebhookHandler) handleText(ctx context.Context, userID, text string) string {
	if h.registrar != nil {
		reply, handled, err := h.registrar.Handle(ctx, userID, text)
		if err != nil {
			h.logger.Error("line webhook: registration step failed", "chat_user_id", userID, "error", err)
			return "Something went wrong. Please try again."
		}
		if handled {
			return reply
		}
	}
	if strings.EqualFold(strings.TrimSpace(text), KeywordUpcoming) {
		return h.upcoming(ctx, userID)
	}
	return ""
}

func (h *LineWebhookHandler) upcoming(ctx context.Context, userID string) string {
	appts, err := h.actions.Upcoming(ctx, userID, h.now())
	if err != nil {
		h.logger.Error("line webhook: upcoming lookup failed", "chat_user_id", userID, "error", err)
		return "We could not load your appointments right now."
	}
	if len(appts) == 0 {
		return "You have no upcoming appointments."
	}
	lines := make([]string, 0, len(appts)+1)
	lines = append(lines, "Your upcoming appointments:")
	for _, a := range appts {
		lines = append(lines, "- "+h.clock.Local(a.Start).Format("2006/01/02 15:04"))
	}
	return strings.Join(lines, "\n")
}

func (h *LineWebhookHandler) reply(ctx context.Context, evt chat.Event, text string) {
	if h.replier == nil || evt.ReplyToken == "" || text == "" {
		return
	}
	if err := h.replier.Reply(ctx, evt.ReplyToken, []chat.Message{chat.Text(text)}); err != nil {
		h.logger.Warn("line webhook: reply failed", "event_id", evt.WebhookEventID, "error", err)
	}
}
