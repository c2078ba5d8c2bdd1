// Package zendesk is the ticketing provider client. Reminder tickets are
// tickets on a dedicated form whose custom fields carry the reminder state;
// patient profiles are end users.
package zendesk

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/clinic-reminders/internal/observability/tracing"
	"github.com/wolfman30/clinic-reminders/pkg/logging"
)

const defaultTimeout = 10 * time.Second

var errConflict = errors.New("zendesk: conflict")
var errNotFound = errors.New("zendesk: not found")

// FieldIDs maps reminder attributes to custom field identifiers.
type FieldIDs struct {
	BookingID            int64
	AppointmentDate      int64
	AppointmentTime      int64
	ReminderState        int64
	ReminderAttempts     int64
	LastCallID           int64
	LastVoiceAttemptDate int64
	// ChatUserID is optional; zero means the form has no direct chat id field.
	ChatUserID int64
}

// DefaultFieldIDs are the production tenant's field ids.
func DefaultFieldIDs() FieldIDs {
	return FieldIDs{
		BookingID:            14459987905295,
		AppointmentDate:      14460045495695,
		AppointmentTime:      14460068239631,
		ReminderState:        14460033600271,
		ReminderAttempts:     14460034088591,
		LastCallID:           14460059835279,
		LastVoiceAttemptDate: 14623920927375,
	}
}

// Config configures the client.
type Config struct {
	Subdomain string
	// BaseURL overrides https://<subdomain>.zendesk.com (for testing).
	BaseURL           string
	Email             string
	APIToken          string
	AppointmentFormID int64
	Fields            FieldIDs
	ChatUserFieldKey  string
	HTTPClient        *http.Client
	Timeout           time.Duration
	Logger            *logging.Logger
}

// Client talks to the Zendesk REST API.
type Client struct {
	baseURL      string
	authHeader   string
	formID       int64
	fields       FieldIDs
	chatFieldKey string
	httpClient   *http.Client
	logger       *logging.Logger
}

// NewClient validates cfg and builds a client.
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		if strings.TrimSpace(cfg.Subdomain) == "" {
			return nil, errors.New("zendesk: subdomain or base URL required")
		}
		baseURL = fmt.Sprintf("https://%s.zendesk.com", cfg.Subdomain)
	}
	if cfg.Email == "" || cfg.APIToken == "" {
		return nil, errors.New("zendesk: email and API token required")
	}
	if cfg.Fields == (FieldIDs{}) {
		cfg.Fields = DefaultFieldIDs()
	}
	if cfg.ChatUserFieldKey == "" {
		cfg.ChatUserFieldKey = "line_user_id"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	token := base64.StdEncoding.EncodeToString([]byte(cfg.Email + "/token:" + cfg.APIToken))
	return &Client{
		baseURL:      baseURL,
		authHeader:   "Basic " + token,
		formID:       cfg.AppointmentFormID,
		fields:       cfg.Fields,
		chatFieldKey: cfg.ChatUserFieldKey,
		httpClient:   httpClient,
		logger:       logger,
	}, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	ctx, span := tracing.Start(ctx, "zendesk."+strings.ToLower(method),
		attribute.String("http.method", method),
		attribute.String("zendesk.path", path),
	)
	defer span.End()

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return tracing.Fail(span, fmt.Errorf("zendesk: encode request: %w", err))
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return tracing.Fail(span, fmt.Errorf("zendesk: build request: %w", err))
	}
	req.Header.Set("Authorization", c.authHeader)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return tracing.Fail(span, fmt.Errorf("zendesk: %s %s: %w", method, path, err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return tracing.Fail(span, fmt.Errorf("zendesk: read response: %w", err))
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errNotFound
	case resp.StatusCode == http.StatusConflict:
		return errConflict
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		c.logger.Error("zendesk api error", "method", method, "path", path, "status", resp.StatusCode, "body", string(respBody))
		return tracing.Fail(span, fmt.Errorf("zendesk: %s %s returned %d", method, path, resp.StatusCode))
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return tracing.Fail(span, fmt.Errorf("zendesk: decode response: %w", err))
	}
	return nil
}
