package chat

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"

	"github.com/line/line-bot-sdk-go/v8/linebot/webhook"
)

// SignatureHeader carries the webhook body signature.
const SignatureHeader = "X-Line-Signature"

// ErrInvalidSignature is returned when the body signature does not match.
var ErrInvalidSignature = webhook.ErrInvalidSignature

// Sign returns base64(HMAC-SHA256(secret, body)), the value LINE puts in
// SignatureHeader. Used to build signed requests in tests and tooling.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a webhook signature.
func VerifySignature(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	return webhook.ValidateSignature(secret, signature, body)
}

// WebhookBody is the envelope LINE posts to the webhook.
type WebhookBody struct {
	Destination string
	Events      []Event
}

// Event is the part of a webhook event the reminder flows act on.
type Event struct {
	Type           string
	WebhookEventID string
	ReplyToken     string
	Source         Source
	Message        *EventMessage
	Postback       *EventPostback
}

// Source identifies who triggered the event.
type Source struct {
	Type   string
	UserID string
}

// EventMessage is the message of a message event.
type EventMessage struct {
	ID   string
	Type string
	Text string
}

// EventPostback is the postback of a postback event.
type EventPostback struct {
	Data string
}

// ParseRequest verifies the signature of r and decodes its events.
func ParseRequest(secret string, r *http.Request) (*WebhookBody, error) {
	cb, err := webhook.ParseRequest(secret, r)
	if err != nil {
		return nil, err
	}
	wb := &WebhookBody{Destination: cb.Destination, Events: make([]Event, 0, len(cb.Events))}
	for _, raw := range cb.Events {
		wb.Events = append(wb.Events, convertEvent(raw))
	}
	return wb, nil
}

func convertEvent(raw webhook.EventInterface) Event {
	evt := Event{Type: raw.GetType()}
	switch e := raw.(type) {
	case webhook.MessageEvent:
		fillMessage(&evt, &e)
	case *webhook.MessageEvent:
		fillMessage(&evt, e)
	case webhook.PostbackEvent:
		fillPostback(&evt, &e)
	case *webhook.PostbackEvent:
		fillPostback(&evt, e)
	}
	return evt
}

func fillMessage(evt *Event, e *webhook.MessageEvent) {
	evt.WebhookEventID = e.WebhookEventId
	evt.ReplyToken = e.ReplyToken
	evt.Source = convertSource(e.Source)
	switch m := e.Message.(type) {
	case webhook.TextMessageContent:
		evt.Message = &EventMessage{ID: m.Id, Type: m.GetType(), Text: m.Text}
	case *webhook.TextMessageContent:
		evt.Message = &EventMessage{ID: m.Id, Type: m.GetType(), Text: m.Text}
	case webhook.MessageContentInterface:
		evt.Message = &EventMessage{Type: m.GetType()}
	}
}

func fillPostback(evt *Event, e *webhook.PostbackEvent) {
	evt.WebhookEventID = e.WebhookEventId
	evt.ReplyToken = e.ReplyToken
	evt.Source = convertSource(e.Source)
	if e.Postback != nil {
		evt.Postback = &EventPostback{Data: e.Postback.Data}
	}
}

func convertSource(raw webhook.SourceInterface) Source {
	switch s := raw.(type) {
	case webhook.UserSource:
		return Source{Type: s.GetType(), UserID: s.UserId}
	case *webhook.UserSource:
		return Source{Type: s.GetType(), UserID: s.UserId}
	case webhook.GroupSource:
		return Source{Type: s.GetType(), UserID: s.UserId}
	case *webhook.GroupSource:
		return Source{Type: s.GetType(), UserID: s.UserId}
	case webhook.RoomSource:
		return Source{Type: s.GetType(), UserID: s.UserId}
	case *webhook.RoomSource:
		return Source{Type: s.GetType(), UserID: s.UserId}
	case nil:
		return Source{}
	default:
		return Source{Type: raw.GetType()}
	}
}
