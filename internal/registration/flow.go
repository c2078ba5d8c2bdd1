package registration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wolfman30/clinic-reminders/internal/profiles"
	"github.com/wolfman30/clinic-reminders/pkg/logging"
)

// Keywords understood outside of the prompts.
const (
	KeywordStart  = "register"
	KeywordCancel = "cancel registration"
)

const (
	promptName         = "Please reply with your full name."
	promptPhone        = "Thanks %s. Please reply with your mobile number (09xxxxxxxx)."
	promptInvalidName  = "Name cannot be empty. Please reply with your full name."
	promptInvalidPhone = "That does not look like a mobile number. Please reply in the form 09xxxxxxxx."
	msgCompleted       = "Registration complete. We will send appointment reminders here."
	msgCancelled       = "Registration cancelled."
	msgAlreadyExists   = "You are already registered as %s."
)

// Flow is the registration step machine:
// awaiting_name -> awaiting_phone -> completed (profile upsert, state cleared).
type Flow struct {
	store     StateStore
	directory profiles.Directory
	logger    *logging.Logger
	now       func() time.Time
}

func NewFlow(store StateStore, directory profiles.Directory, logger *logging.Logger) *Flow {
	if store == nil {
		panic("registration: state store required")
	}
	if directory == nil {
		panic("registration: profile directory required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Flow{store: store, directory: directory, logger: logger, now: time.Now}
}

// Handle feeds one text message from chatUserID through the machine. handled is
// false when the message is not part of a registration, so the caller can
// treat it as ordinary chat.
func (f *Flow) Handle(ctx context.Context, chatUserID, text string) (reply string, handled bool, err error) {
	text = strings.TrimSpace(text)
	if chatUserID == "" {
		return "", false, nil
	}

	if strings.EqualFold(text, KeywordCancel) {
		cleared, err := f.store.Clear(ctx, chatUserID)
		if err != nil {
			return "", false, err
		}
		if !cleared {
			return "", false, nil
		}
		return msgCancelled, true, nil
	}

	if strings.EqualFold(text, KeywordStart) {
		return f.start(ctx, chatUserID)
	}

	state, err := f.store.Get(ctx, chatUserID)
	if err != nil {
		return "", false, err
	}
	if state == nil {
		return "", false, nil
	}

	switch state.Step {
	case StepAwaitingName:
		if text == "" {
			return promptInvalidName, true, nil
		}
		state.Name = text
		state.Step = StepAwaitingPhone
		state.UpdatedAt = f.now().UTC()
		if err := f.store.Set(ctx, chatUserID, *state); err != nil {
			return "", false, err
		}
		return fmt.Sprintf(promptPhone, state.Name), true, nil

	case StepAwaitingPhone:
		if !profiles.IsMobile(text) {
			return promptInvalidPhone, true, nil
		}
		state.Phone = profiles.NormalizePhone(text)
		saved, err := f.directory.Upsert(ctx, profiles.Profile{
			Name:       state.Name,
			Phone:      state.Phone,
			ChatUserID: chatUserID,
		})
		if err != nil {
			return "", false, fmt.Errorf("registration: save profile: %w", err)
		}
		if _, err := f.store.Clear(ctx, chatUserID); err != nil {
			f.logger.Warn("registration state not cleared", "chat_user_id", chatUserID, "error", err)
		}
		f.logger.Info("patient registered", "profile_id", saved.ID, "chat_user_id", chatUserID)
		return msgCompleted, true, nil

	default:
		f.logger.Warn("unknown registration step, restarting", "chat_user_id", chatUserID, "step", state.Step)
		return f.start(ctx, chatUserID)
	}
}

func (f *Flow) start(ctx context.Context, chatUserID string) (string, bool, error) {
	existing, err := f.directory.FindByChatUserID(ctx, chatUserID)
	switch {
	case err == nil && existing != nil:
		return fmt.Sprintf(msgAlreadyExists, existing.Name), true, nil
	case err != nil && !errors.Is(err, profiles.ErrNotFound):
		f.logger.Warn("profile lookup failed before registration", "chat_user_id", chatUserID, "error", err)
	}
	state := State{Step: StepAwaitingName, UpdatedAt: f.now().UTC()}
	if err := f.store.Set(ctx, chatUserID, state); err != nil {
		return "", false, err
	}
	return promptName, true, nil
}
