package chat

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

// Provider limits.
const (
	MaxMessagesPerRequest = 5
	MaxCarouselColumns    = 10
	maxColumnText         = 120
	maxAltText            = 400
)

// Message is one Messaging API message object.
type Message struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	AltText  string    `json:"altText,omitempty"`
	Template *Template `json:"template,omitempty"`
}

// Template is a buttons or carousel template.
type Template struct {
	Type    string   `json:"type"`
	Title   string   `json:"title,omitempty"`
	Text    string   `json:"text,omitempty"`
	Actions []Action `json:"actions,omitempty"`
	Columns []Column `json:"columns,omitempty"`
}

// Column is one carousel card.
type Column struct {
	Title   string   `json:"title,omitempty"`
	Text    string   `json:"text"`
	Actions []Action `json:"actions"`
}

// Action is a postback or message action.
type Action struct {
	Type        string `json:"type"`
	Label       string `json:"label"`
	Data        string `json:"data,omitempty"`
	DisplayText string `json:"displayText,omitempty"`
	Text        string `json:"text,omitempty"`
}

// Text builds a text message.
func Text(s string) Message {
	return Message{Type: "text", Text: s}
}

// Buttons builds a buttons template message.
func Buttons(altText, title, text string, actions ...Action) Message {
	return Message{
		Type:     "template",
		AltText:  clip(altText, maxAltText),
		Template: &Template{Type: "buttons", Title: title, Text: text, Actions: actions},
	}
}

// Carousel builds a carousel template message.
func Carousel(altText string, columns []Column) Message {
	return Message{
		Type:     "template",
		AltText:  clip(altText, maxAltText),
		Template: &Template{Type: "carousel", Columns: columns},
	}
}

// PostbackAction builds an action whose data is echoed back on tap.
func PostbackAction(label, data, displayText string) Action {
	return Action{Type: "postback", Label: label, Data: data, DisplayText: displayText}
}

// MessageAction builds an action that sends text as the user.
func MessageAction(label, text string) Action {
	return Action{Type: "message", Label: label, Text: text}
}

// Postback actions.
const (
	ActionConfirm = "confirm"
	ActionCancel  = "cancel"
)

var legacyPostbacks = map[string]string{
	"CONFIRM_APPT:": ActionConfirm,
	"CANCEL_APPT:":  ActionCancel,
}

// FormatPostback encodes an appointment action as postback data.
func FormatPostback(action, appointmentID string) string {
	v := url.Values{}
	v.Set("action", action)
	v.Set("appointment_id", appointmentID)
	return v.Encode()
}

// ParsePostback decodes postback data. The older CONFIRM_APPT:<id> and
// CANCEL_APPT:<id> forms are still accepted.
func ParsePostback(data string) (action, appointmentID string, ok bool) {
	data = strings.TrimSpace(data)
	for prefix, name := range legacyPostbacks {
		if strings.HasPrefix(data, prefix) {
			id := strings.TrimSpace(strings.TrimPrefix(data, prefix))
			return name, id, id != ""
		}
	}
	v, err := url.ParseQuery(data)
	if err != nil {
		return "", "", false
	}
	action = v.Get("action")
	appointmentID = v.Get("appointment_id")
	if action == "" || appointmentID == "" {
		return "", "", false
	}
	return action, appointmentID, true
}

// ReminderItem is one appointment listed in a reminder.
type ReminderItem struct {
	AppointmentID string
	Start         time.Time
	ServiceName   string
}

// BuildReminder renders one reminder for all of a patient's appointments on
// a day: a summary text followed by carousel cards, one confirm action per
// appointment.
func BuildReminder(customerName string, items []ReminderItem) []Message {
	if len(items) == 0 {
		return nil
	}
	sorted := append([]ReminderItem(nil), items...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })

	if customerName == "" {
		customerName = "Dear patient"
	}
	day := sorted[0].Start.Format("2006/01/02")
	summary := fmt.Sprintf(
		"Hello %s,\nyou have the following appointments on %s.\nPlease tap a time below to confirm your visit.\n\nIf you cannot make it, please call the clinic to cancel. Thank you!",
		customerName, day,
	)
	out := []Message{Text(summary)}

	columns := make([]Column, 0, len(sorted))
	for _, item := range sorted {
		service := item.ServiceName
		if service == "" {
			service = "Consultation"
		}
		clock := item.Start.Format("15:04")
		columns = append(columns, Column{
			Text: clip(clock+" "+service, maxColumnText),
			Actions: []Action{PostbackAction(
				"Confirm visit",
				FormatPostback(ActionConfirm, item.AppointmentID),
				"Confirm visit "+day+" "+clock,
			)},
		})
	}
	for len(columns) > 0 {
		n := min(len(columns), MaxCarouselColumns)
		out = append(out, Carousel("Appointment reminder", columns[:n]))
		columns = columns[n:]
	}
	return out
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
