// Package voice places reminder calls through LiveHub and reconciles the
// asynchronous call outcome callbacks onto reminder tickets.
package voice

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/clinic-reminders/internal/observability/tracing"
	"github.com/wolfman30/clinic-reminders/internal/profiles"
	"github.com/wolfman30/clinic-reminders/pkg/logging"
)

const (
	defaultLiveHubBaseURL = "https://livehub.audiocodes.io"
	dialoutPath           = "/api/v1/actions/dialout"
	voicemailEndTimeout   = 20
)

// DialerConfig configures the LiveHub client.
type DialerConfig struct {
	BaseURL string
	APIKey  string
	BotID   string
	// Caller is the clinic's outbound number.
	Caller string
	// NotifyURL receives the call outcome callback.
	NotifyURL  string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *logging.Logger
}

// Dialer requests outbound calls.
type Dialer struct {
	baseURL    string
	authHeader string
	botID      string
	caller     string
	notifyURL  string
	httpClient *http.Client
	logger     *logging.Logger
}

// NewDialer validates cfg.
func NewDialer(cfg DialerConfig) (*Dialer, error) {
	if strings.TrimSpace(cfg.BotID) == "" {
		return nil, fmt.Errorf("voice: bot id required")
	}
	if strings.TrimSpace(cfg.NotifyURL) == "" {
		return nil, fmt.Errorf("voice: notify URL required")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultLiveHubBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	d := &Dialer{
		baseURL:    baseURL,
		botID:      cfg.BotID,
		caller:     cfg.Caller,
		notifyURL:  cfg.NotifyURL,
		httpClient: httpClient,
		logger:     logger,
	}
	if cfg.APIKey != "" {
		d.authHeader = "Basic " + base64.StdEncoding.EncodeToString([]byte(cfg.APIKey+":"))
	}
	return d, nil
}

// CallMetadata travels with the call and is echoed back in the callback.
type CallMetadata struct {
	ChatUserID  string  `json:"lineUserId,omitempty"`
	ApptDate    string  `json:"apptDate"`
	TicketIDs   []int64 `json:"ticketIds"`
	PatientName string  `json:"patientName,omitempty"`
	Phone       string  `json:"phone"`
}

// CallRequest is one outbound call.
type CallRequest struct {
	Phone    string
	Metadata CallMetadata
}

type dialoutRequest struct {
	Bot                    string       `json:"bot"`
	NotifyURL              string       `json:"notifyUrl"`
	MachineDetection       string       `json:"machineDetection"`
	VoicemailEndTimeoutSec int          `json:"voicemailEndTimeoutSec"`
	Target                 string       `json:"target"`
	Caller                 string       `json:"caller,omitempty"`
	Metadata               CallMetadata `json:"metadata"`
}

// CallResult is the provider's acceptance of a call request.
type CallResult struct {
	CallID string
	Status int
}

// PlaceCall requests a call. A non-2xx response is a rejection and returns
// an error.
func (d *Dialer) PlaceCall(ctx context.Context, req CallRequest) (*CallResult, error) {
	phone := profiles.NormalizePhone(req.Phone)
	if phone == "" {
		return nil, fmt.Errorf("voice: phone number required")
	}
	if len(req.Metadata.TicketIDs) == 0 {
		return nil, ErrNoTicketIDs
	}
	req.Metadata.Phone = phone

	ctx, span := tracing.Start(ctx, "livehub.dialout",
		attribute.Int("voice.ticket_count", len(req.Metadata.TicketIDs)),
		attribute.String("voice.appt_date", req.Metadata.ApptDate),
	)
	defer span.End()

	body, err := json.Marshal(dialoutRequest{
		Bot:                    d.botID,
		NotifyURL:              d.notifyURL,
		MachineDetection:       "disconnect",
		VoicemailEndTimeoutSec: voicemailEndTimeout,
		Target:                 "tel:" + phone,
		Caller:                 d.caller,
		Metadata:               req.Metadata,
	})
	if err != nil {
		return nil, tracing.Fail(span, fmt.Errorf("voice: marshal request: %w", err))
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+dialoutPath, bytes.NewReader(body))
	if err != nil {
		return nil, tracing.Fail(span, fmt.Errorf("voice: create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if d.authHeader != "" {
		httpReq.Header.Set("Authorization", d.authHeader)
	}

	d.logger.Info("voice: requesting dialout",
		"to", maskPhone(phone),
		"ticket_ids", req.Metadata.TicketIDs,
		"appt_date", req.Metadata.ApptDate,
	)

	resp, err := d.httpClient.Do(httpReq)
	if err != nil {
		return nil, tracing.Fail(span, fmt.Errorf("voice: http request: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, tracing.Fail(span, fmt.Errorf("voice: read response: %w", err))
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		d.logger.Error("voice: dialout rejected", "status", resp.StatusCode, "body", string(respBody))
		return nil, tracing.Fail(span, fmt.Errorf("voice: dialout returned %d", resp.StatusCode))
	}

	result := &CallResult{Status: resp.StatusCode}
	var accepted map[string]any
	if json.Unmarshal(respBody, &accepted) == nil {
		result.CallID = firstString(accepted, "callId", "call_id", "sessionId", "id")
	}
	d.logger.Info("voice: dialout accepted", "call_id", result.CallID, "to", maskPhone(phone))
	return result, nil
}

func maskPhone(phone string) string {
	if len(phone) <= 4 {
		return phone
	}
	return strings.Repeat("*", len(phone)-4) + phone[len(phone)-4:]
}
