package booking

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/wolfman30/clinic-reminders/internal/observability/tracing"
	"github.com/wolfman30/clinic-reminders/pkg/logging"
)

const (
	defaultGraphBaseURL = "https://graph.microsoft.com/v1.0"
	graphScope          = "https://graph.microsoft.com/.default"
	defaultServiceName  = "General consultation"
)

// GraphConfig configures the Microsoft Bookings client.
type GraphConfig struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	BusinessID   string
	ServiceID    string
	StaffID      string
	ServiceName  string
	// BaseURL and TokenURL override the public endpoints (for testing).
	BaseURL  string
	TokenURL string
	// DefaultDuration applies when the provider omits an end time.
	DefaultDuration time.Duration
	Timeout         time.Duration
	Clock           Clock
	Logger          *logging.Logger
}

// GraphClient implements Provider against Microsoft Graph Bookings.
type GraphClient struct {
	baseURL     string
	businessID  string
	serviceID   string
	staffID     string
	serviceName string
	duration    time.Duration
	clock       Clock
	httpClient  *http.Client
	logger      *logging.Logger
}

var _ Provider = (*GraphClient)(nil)

// NewGraphClient builds a client whose requests carry a client-credentials
// token fetched and refreshed by x/oauth2.
func NewGraphClient(cfg GraphConfig) (*GraphClient, error) {
	if cfg.BusinessID == "" {
		return nil, errors.New("booking: business id required")
	}
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, errors.New("booking: client id and secret required")
	}
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		if cfg.TenantID == "" {
			return nil, errors.New("booking: tenant id required")
		}
		tokenURL = fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", cfg.TenantID)
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultGraphBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	duration := cfg.DefaultDuration
	if duration <= 0 {
		duration = 30 * time.Minute
	}
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = defaultServiceName
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}

	creds := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     tokenURL,
		Scopes:       []string{graphScope},
	}
	base := &http.Client{Timeout: timeout}
	httpClient := creds.Client(context.WithValue(context.Background(), oauth2.HTTPClient, base))
	httpClient.Timeout = timeout

	return &GraphClient{
		baseURL:     baseURL,
		businessID:  cfg.BusinessID,
		serviceID:   cfg.ServiceID,
		staffID:     cfg.StaffID,
		serviceName: serviceName,
		duration:    duration,
		clock:       cfg.Clock,
		httpClient:  httpClient,
		logger:      logger,
	}, nil
}

type graphDateTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type graphAppointment struct {
	ID                    string         `json:"id,omitempty"`
	CustomerName          string         `json:"customerName,omitempty"`
	CustomerPhone         string         `json:"customerPhone,omitempty"`
	CustomerEmailAddress  string         `json:"customerEmailAddress,omitempty"`
	ServiceID             string         `json:"serviceId,omitempty"`
	ServiceName           string         `json:"serviceName,omitempty"`
	ServiceNotes          string         `json:"serviceNotes,omitempty"`
	CustomerNotes         string         `json:"customerNotes,omitempty"`
	StartDateTime         *graphDateTime `json:"startDateTime,omitempty"`
	EndDateTime           *graphDateTime `json:"endDateTime,omitempty"`
	PriceType             string         `json:"priceType,omitempty"`
	StaffMemberIDs        []string       `json:"staffMemberIds,omitempty"`
	MaximumAttendeesCount int            `json:"maximumAttendeesCount,omitempty"`
	FilledAttendeesCount  int            `json:"filledAttendeesCount,omitempty"`
	SMSNotifications      *bool          `json:"smsNotificationsEnabled,omitempty"`
}

type graphList struct {
	Value    []graphAppointment `json:"value"`
	NextLink string             `json:"@odata.nextLink"`
}

func (c *GraphClient) appointmentsPath() string {
	return "/solutions/bookingBusinesses/" + url.PathEscape(c.businessID) + "/appointments"
}

// GetAppointment loads one appointment.
func (c *GraphClient) GetAppointment(ctx context.Context, id string) (*Appointment, error) {
	if strings.TrimSpace(id) == "" {
		return nil, ErrNotFound
	}
	var raw graphAppointment
	if err := c.do(ctx, http.MethodGet, c.appointmentsPath()+"/"+url.PathEscape(id), nil, nil, &raw); err != nil {
		return nil, err
	}
	appt, err := c.toAppointment(raw)
	if err != nil {
		return nil, err
	}
	return &appt, nil
}

// ListAppointmentsForDate returns the appointments on a clinic-local date,
// ordered as the calendar view returns them.
func (c *GraphClient) ListAppointmentsForDate(ctx context.Context, date string) ([]Appointment, error) {
	start, end, err := c.clock.DayRange(date)
	if err != nil {
		return nil, err
	}
	query := url.Values{}
	query.Set("start", c.clock.FormatUTC(start))
	query.Set("end", c.clock.FormatUTC(end))
	path := "/solutions/bookingBusinesses/" + url.PathEscape(c.businessID) + "/calendarView"

	var out []Appointment
	for page := 0; page < 10; page++ {
		var resp graphList
		if err := c.do(ctx, http.MethodGet, path, query, nil, &resp); err != nil {
			return nil, err
		}
		for _, raw := range resp.Value {
			appt, err := c.toAppointment(raw)
			if err != nil {
				c.logger.Warn("skipping appointment with unreadable start", "appointment_id", raw.ID, "error", err)
				continue
			}
			out = append(out, appt)
		}
		if resp.NextLink == "" {
			break
		}
		next, err := url.Parse(resp.NextLink)
		if err != nil {
			break
		}
		path = strings.TrimPrefix(next.Path, "/v1.0")
		query = next.Query()
	}
	c.logger.Info("calendar view loaded", "date", date, "appointments", len(out))
	return out, nil
}

// CreateAppointment books a slot for the configured service and staff member.
func (c *GraphClient) CreateAppointment(ctx context.Context, in NewAppointment) (*Appointment, error) {
	duration := in.Duration
	if duration <= 0 {
		duration = c.duration
	}
	smsOff := false
	body := graphAppointment{
		CustomerName:          in.CustomerName,
		CustomerPhone:         in.CustomerPhone,
		CustomerEmailAddress:  in.CustomerEmail,
		ServiceID:             c.serviceID,
		ServiceName:           c.serviceName,
		ServiceNotes:          in.ServiceNotes,
		StartDateTime:         &graphDateTime{DateTime: c.clock.FormatUTC(in.Start), TimeZone: "UTC"},
		EndDateTime:           &graphDateTime{DateTime: c.clock.FormatUTC(in.Start.Add(duration)), TimeZone: "UTC"},
		PriceType:             "free",
		MaximumAttendeesCount: 1,
		FilledAttendeesCount:  1,
		SMSNotifications:      &smsOff,
	}
	if c.staffID != "" {
		body.StaffMemberIDs = []string{c.staffID}
	}
	var raw graphAppointment
	if err := c.do(ctx, http.MethodPost, c.appointmentsPath(), nil, body, &raw); err != nil {
		return nil, err
	}
	appt, err := c.toAppointment(raw)
	if err != nil {
		return nil, err
	}
	c.logger.Info("appointment created", "appointment_id", appt.ID, "start", appt.Start.Format(time.RFC3339))
	return &appt, nil
}

// UpdateServiceNotes replaces the staff-visible notes.
func (c *GraphClient) UpdateServiceNotes(ctx context.Context, id, notes string) error {
	body := map[string]string{"serviceNotes": notes}
	return c.do(ctx, http.MethodPatch, c.appointmentsPath()+"/"+url.PathEscape(id), nil, body, nil)
}

// CancelAppointment deletes the appointment.
func (c *GraphClient) CancelAppointment(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return ErrNotFound
	}
	if err := c.do(ctx, http.MethodDelete, c.appointmentsPath()+"/"+url.PathEscape(id), nil, nil, nil); err != nil {
		return err
	}
	c.logger.Info("appointment deleted", "appointment_id", id)
	return nil
}

func (c *GraphClient) toAppointment(raw graphAppointment) (Appointment, error) {
	appt := Appointment{
		ID:            raw.ID,
		CustomerName:  raw.CustomerName,
		CustomerPhone: raw.CustomerPhone,
		CustomerEmail: raw.CustomerEmailAddress,
		ServiceName:   raw.ServiceName,
		ServiceNotes:  raw.ServiceNotes,
		CustomerNotes: raw.CustomerNotes,
		Duration:      c.duration,
	}
	if raw.StartDateTime == nil {
		return appt, fmt.Errorf("booking: appointment %s has no start", raw.ID)
	}
	start, err := c.clock.ParseUTC(raw.StartDateTime.DateTime)
	if err != nil {
		return appt, err
	}
	appt.Start = start
	if raw.EndDateTime != nil {
		if end, err := c.clock.ParseUTC(raw.EndDateTime.DateTime); err == nil && end.After(start) {
			appt.Duration = end.Sub(start)
		}
	}
	return appt, nil
}

func (c *GraphClient) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	ctx, span := tracing.Start(ctx, "graph."+strings.ToLower(method),
		attribute.String("http.method", method),
		attribute.String("graph.path", path),
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
			return tracing.Fail(span, fmt.Errorf("booking: encode request: %w", err))
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return tracing.Fail(span, fmt.Errorf("booking: build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return tracing.Fail(span, fmt.Errorf("booking: %s %s: %w", method, path, err))
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return tracing.Fail(span, fmt.Errorf("booking: read response: %w", err))
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Error("graph api error", "method", method, "path", path, "status", resp.StatusCode, "body", truncate(string(respBody), 500))
		return tracing.Fail(span, fmt.Errorf("booking: %s %s returned %d", method, path, resp.StatusCode))
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return tracing.Fail(span, fmt.Errorf("booking: decode response: %w", err))
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
