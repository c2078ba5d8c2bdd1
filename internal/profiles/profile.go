// Package profiles resolves patient profiles: the person behind a ticket,
// their chat identity and their callable phone number.
package profiles

import (
	"context"
	"errors"
	"strconv"
)

// ErrNotFound is returned when no profile matches.
var ErrNotFound = errors.New("profiles: not found")

// Profile is a patient as stored by the ticketing system's user directory.
type Profile struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Phone      string `json:"phone,omitempty"`
	ChatUserID string `json:"chat_user_id,omitempty"`
}

// Key is the cache key for the profile id.
func (p Profile) Key() string {
	return strconv.FormatInt(p.ID, 10)
}

// Directory looks up and stores profiles.
type Directory interface {
	Get(ctx context.Context, id int64) (*Profile, error)
	FindByChatUserID(ctx context.Context, chatUserID string) (*Profile, error)
	Upsert(ctx context.Context, p Profile) (*Profile, error)
}
