// Package chat is the LINE Messaging API boundary: outbound push and reply,
// webhook decoding and signature checks, and reminder message rendering.
package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/clinic-reminders/internal/observability/tracing"
	"github.com/wolfman30/clinic-reminders/pkg/logging"
)

const defaultBaseURL = "https://api.line.me"

// Config configures the client.
type Config struct {
	AccessToken string
	BaseURL     string
	Timeout     time.Duration
	HTTPClient  *http.Client
	Logger      *logging.Logger
}

// Client sends messages through the Messaging API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *logging.Logger
}

// NewClient validates cfg.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.AccessToken) == "" {
		return nil, errors.New("chat: channel access token required")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
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
	c := &Client{baseURL: baseURL, token: cfg.AccessToken, httpClient: httpClient, logger: logger}
	if _, err := c.api(context.Background()); err != nil {
		return nil, err
	}
	return c, nil
}

// api returns a Messaging API client bound to ctx. The SDK client keeps its
// context on the struct, so each call gets its own.
func (c *Client) api(ctx context.Context) (*messaging_api.MessagingApiAPI, error) {
	bot, err := messaging_api.NewMessagingApiAPI(c.token,
		messaging_api.WithEndpoint(c.baseURL),
		messaging_api.WithHTTPClient(c.httpClient),
	)
	if err != nil {
		return nil, fmt.Errorf("chat: build messaging api client: %w", err)
	}
	return bot.WithContext(ctx), nil
}

// Push sends messages to a user, split into as many requests as the
// per-request limit needs. The first failing request aborts the rest.
func (c *Client) Push(ctx context.Context, to string, messages []Message) error {
	if to == "" {
		return errors.New("chat: push recipient required")
	}
	if len(messages) == 0 {
		return nil
	}
	ctx, span := tracing.Start(ctx, "line.push", attribute.Int("line.messages", len(messages)))
	defer span.End()

	bot, err := c.api(ctx)
	if err != nil {
		return tracing.Fail(span, err)
	}
	for start := 0; start < len(messages); start += MaxMessagesPerRequest {
		end := min(start+MaxMessagesPerRequest, len(messages))
		_, err := bot.PushMessage(&messaging_api.PushMessageRequest{
			To:       to,
			Messages: toSDK(messages[start:end]),
		}, "")
		if err != nil {
			c.logger.Error("line push failed", "to", to, "error", err)
			return tracing.Fail(span, fmt.Errorf("chat: push: %w", err))
		}
	}
	c.logger.Info("chat push sent", "to", to, "messages", len(messages))
	return nil
}

// Reply answers a webhook event. Messages beyond the per-request limit are
// dropped.
func (c *Client) Reply(ctx context.Context, replyToken string, messages []Message) error {
	if replyToken == "" {
		return errors.New("chat: reply token required")
	}
	if len(messages) > MaxMessagesPerRequest {
		c.logger.Warn("reply truncated", "messages", len(messages), "limit", MaxMessagesPerRequest)
		messages = messages[:MaxMessagesPerRequest]
	}
	ctx, span := tracing.Start(ctx, "line.reply", attribute.Int("line.messages", len(messages)))
	defer span.End()

	bot, err := c.api(ctx)
	if err != nil {
		return tracing.Fail(span, err)
	}
	_, err = bot.ReplyMessage(&messaging_api.ReplyMessageRequest{
		ReplyToken: replyToken,
		Messages:   toSDK(messages),
	})
	if err != nil {
		c.logger.Error("line reply failed", "error", err)
		return tracing.Fail(span, fmt.Errorf("chat: reply: %w", err))
	}
	return nil
}

func toSDK(messages []Message) []messaging_api.MessageInterface {
	out := make([]messaging_api.MessageInterface, 0, len(messages))
	for _, m := range messages {
		out = append(out, m.sdk())
	}
	return out
}

func (m Message) sdk() messaging_api.MessageInterface {
	if m.Template == nil {
		return messaging_api.TextMessage{Text: m.Text}
	}
	return messaging_api.TemplateMessage{AltText: m.AltText, Template: m.Template.sdk()}
}

func (t *Template) sdk() messaging_api.TemplateInterface {
	if t.Type == "carousel" {
		columns := make([]messaging_api.CarouselColumn, 0, len(t.Columns))
		for _, col := range t.Columns {
			columns = append(columns, messaging_api.CarouselColumn{
				Title:   col.Title,
				Text:    col.Text,
				Actions: actionsSDK(col.Actions),
			})
		}
		return &messaging_api.CarouselTemplate{Columns: columns}
	}
	return &messaging_api.ButtonsTemplate{Title: t.Title, Text: t.Text, Actions: actionsSDK(t.Actions)}
}

func actionsSDK(actions []Action) []messaging_api.ActionInterface {
	out := make([]messaging_api.ActionInterface, 0, len(actions))
	for _, a := range actions {
		if a.Type == "message" {
			out = append(out, &messaging_api.MessageAction{Label: a.Label, Text: a.Text})
			continue
		}
		out = append(out, &messaging_api.PostbackAction{Label: a.Label, Data: a.Data, DisplayText: a.DisplayText})
	}
	return out
}
