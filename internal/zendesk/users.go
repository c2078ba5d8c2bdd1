package zendesk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/wolfman30/clinic-reminders/internal/profiles"
)

var _ profiles.Directory = (*UserDirectory)(nil)

// UserDirectory exposes end users as patient profiles.
type UserDirectory struct {
	c *Client
}

// Users returns the profile directory backed by this client.
func (c *Client) Users() *UserDirectory {
	return &UserDirectory{c: c}
}

type apiUser struct {
	ID         int64          `json:"id,omitempty"`
	Name       string         `json:"name,omitempty"`
	Phone      string         `json:"phone,omitempty"`
	Role       string         `json:"role,omitempty"`
	UserFields map[string]any `json:"user_fields,omitempty"`
}

type userEnvelope struct {
	User apiUser `json:"user"`
}

// Get loads an end user by id.
func (d *UserDirectory) Get(ctx context.Context, id int64) (*profiles.Profile, error) {
	var resp userEnvelope
	err := d.c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/api/v2/users/%d.json", id), nil, nil, &resp)
	if errors.Is(err, errNotFound) {
		return nil, profiles.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("zendesk: get user %d: %w", id, err)
	}
	p := d.c.toProfile(resp.User)
	return &p, nil
}

// FindByChatUserID searches users by the chat id user field.
func (d *UserDirectory) FindByChatUserID(ctx context.Context, chatUserID string) (*profiles.Profile, error) {
	if chatUserID == "" {
		return nil, profiles.ErrNotFound
	}
	var resp searchResponse
	params := url.Values{"query": {fmt.Sprintf("type:user %s:%s", d.c.chatFieldKey, chatUserID)}}
	if err := d.c.doJSON(ctx, http.MethodGet, "/api/v2/search.json", params, nil, &resp); err != nil {
		return nil, fmt.Errorf("zendesk: search user: %w", err)
	}
	if len(resp.Results) == 0 {
		return nil, profiles.ErrNotFound
	}
	if len(resp.Results) > 1 {
		d.c.logger.Warn("multiple users for chat id, using first", "chat_user_id", chatUserID, "count", resp.Count)
	}
	var u apiUser
	if err := json.Unmarshal(resp.Results[0], &u); err != nil {
		return nil, fmt.Errorf("zendesk: decode user: %w", err)
	}
	p := d.c.toProfile(u)
	return &p, nil
}

// Upsert updates the user owning p.ChatUserID, or creates one.
func (d *UserDirectory) Upsert(ctx context.Context, p profiles.Profile) (*profiles.Profile, error) {
	if p.ID == 0 && p.ChatUserID != "" {
		existing, err := d.FindByChatUserID(ctx, p.ChatUserID)
		if err != nil && !errors.Is(err, profiles.ErrNotFound) {
			return nil, err
		}
		if existing != nil {
			p.ID = existing.ID
		}
	}

	body := apiUser{Name: p.Name, Phone: p.Phone}
	if p.ChatUserID != "" {
		body.UserFields = map[string]any{d.c.chatFieldKey: p.ChatUserID}
	}

	var resp userEnvelope
	var err error
	if p.ID != 0 {
		err = d.c.doJSON(ctx, http.MethodPut, fmt.Sprintf("/api/v2/users/%d.json", p.ID), nil, userEnvelope{User: body}, &resp)
	} else {
		body.Role = "end-user"
		err = d.c.doJSON(ctx, http.MethodPost, "/api/v2/users.json", nil, userEnvelope{User: body}, &resp)
	}
	if err != nil {
		return nil, fmt.Errorf("zendesk: upsert user: %w", err)
	}
	saved := d.c.toProfile(resp.User)
	return &saved, nil
}

func (c *Client) toProfile(u apiUser) profiles.Profile {
	return profiles.Profile{
		ID:         u.ID,
		Name:       u.Name,
		Phone:      u.Phone,
		ChatUserID: fieldString(u.UserFields[c.chatFieldKey]),
	}
}
