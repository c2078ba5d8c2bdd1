package voice

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrNoCallID is returned for a callback that carries no call identifier.
	ErrNoCallID = errors.New("voice: callback has no call id")
	// ErrNoTicketIDs is returned when no ticket ids can be recovered.
	ErrNoTicketIDs = errors.New("voice: no ticket ids")
)

// Status is a normalized call outcome.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusAttempted Status = "attempted"
)

// NormalizeStatus folds provider outcomes onto success, failed or attempted.
func NormalizeStatus(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "success", "completed", "answered", "ok":
		return StatusSuccess
	case "no_answer", "noanswer", "busy", "failed", "error", "rejected":
		return StatusFailed
	default:
		return StatusAttempted
	}
}

// Callback is a decoded outcome notification.
type Callback struct {
	CallID    string
	RawStatus string
	Status    Status
	TicketIDs []int64
	// InvalidTicketIDs holds list entries that were not ticket ids.
	InvalidTicketIDs []string
	Metadata         map[string]any
}

// ParseCallback decodes a callback body. Field names vary between provider
// versions; the known aliases are all accepted.
func ParseCallback(body []byte) (Callback, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var data map[string]any
	if err := dec.Decode(&data); err != nil {
		return Callback{}, fmt.Errorf("voice: decode callback: %w", err)
	}

	call, _ := data["call"].(map[string]any)
	cb := Callback{
		CallID:    firstString(data, "callId", "call_id", "sessionId", "id"),
		RawStatus: firstString(data, "callStatus", "status", "call_status"),
	}
	if cb.CallID == "" && call != nil {
		cb.CallID = firstString(call, "id")
	}
	cb.Status = NormalizeStatus(cb.RawStatus)

	if m, ok := data["metadata"].(map[string]any); ok {
		cb.Metadata = m
	} else if call != nil {
		if m, ok := call["metadata"].(map[string]any); ok {
			cb.Metadata = m
		}
	}
	if cb.Metadata != nil {
		cb.TicketIDs, cb.InvalidTicketIDs = ticketIDs(cb.Metadata["ticketIds"])
		if len(cb.TicketIDs) == 0 {
			single := cb.Metadata["ticketId"]
			if single == nil {
				single = cb.Metadata["zendesk_ticket_id"]
			}
			ids, invalid := ticketIDs(single)
			cb.TicketIDs = ids
			cb.InvalidTicketIDs = append(cb.InvalidTicketIDs, invalid...)
		}
	}
	return cb, nil
}

// ticketIDs accepts an array of numbers or strings, a CSV string, or a
// single number.
func ticketIDs(v any) (ids []int64, invalid []string) {
	add := func(raw string) {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			return
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			invalid = append(invalid, raw)
			return
		}
		ids = append(ids, id)
	}
	switch val := v.(type) {
	case nil:
	case []any:
		for _, item := range val {
			add(scalarString(item))
		}
	case string:
		for _, part := range strings.Split(val, ",") {
			add(part)
		}
	default:
		add(scalarString(val))
	}
	return ids, invalid
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := scalarString(m[k]); s != "" {
			return s
		}
	}
	return ""
}

func scalarString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(val)
	case json.Number:
		return val.String()
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return ""
	case map[string]any, []any:
		return ""
	default:
		return fmt.Sprint(val)
	}
}
