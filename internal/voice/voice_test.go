package voice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-reminders/internal/audit"
	"github.com/wolfman30/clinic-reminders/internal/booking"
	"github.com/wolfman30/clinic-reminders/internal/tickets"
	"github.com/wolfman30/clinic-reminders/pkg/logging"
)

func TestDialerPlaceCall(t *testing.T) {
	var got dialoutRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, dialoutPath, r.URL.Path)
		assert.Equal(t, "Basic "+base64.StdEncoding.EncodeToString([]byte("key-1:")), r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"callId":"C-100"}`))
	}))
	defer srv.Close()

	d, err := NewDialer(DialerConfig{
		BaseURL:   srv.URL,
		APIKey:    "key-1",
		BotID:     "reminder-bot",
		Caller:    "+886227000000",
		NotifyURL: "https://clinic.example/webhooks/voice",
		Logger:    logging.Default(),
	})
	require.NoError(t, err)

	res, err := d.PlaceCall(context.Background(), CallRequest{
		Phone: "+886 912-345-678",
		Metadata: CallMetadata{
			ChatUserID:  "U1",
			ApptDate:    "2025-12-08",
			TicketIDs:   []int64{42, 43},
			PatientName: "Lin",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "C-100", res.CallID)

	assert.Equal(t, "reminder-bot", got.Bot)
	assert.Equal(t, "disconnect", got.MachineDetection)
	assert.Equal(t, 20, got.VoicemailEndTimeoutSec)
	assert.Equal(t, "tel:0912345678", got.Target)
	assert.Equal(t, "https://clinic.example/webhooks/voice", got.NotifyURL)
	assert.Equal(t, []int64{42, 43}, got.Metadata.TicketIDs)
	assert.Equal(t, "0912345678", got.Metadata.Phone)
}

func TestDialerRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad bot", http.StatusBadRequest)
	}))
	defer srv.Close()

	d, err := NewDialer(DialerConfig{BaseURL: srv.URL, BotID: "b", NotifyURL: "https://x"})
	require.NoError(t, err)
	_, err = d.PlaceCall(context.Background(), CallRequest{Phone: "0912345678", Metadata: CallMetadata{TicketIDs: []int64{1}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestDialerValidation(t *testing.T) {
	_, err := NewDialer(DialerConfig{NotifyURL: "https://x"})
	require.Error(t, err)
	_, err = NewDialer(DialerConfig{BotID: "b"})
	require.Error(t, err)

	d, err := NewDialer(DialerConfig{BotID: "b", NotifyURL: "https://x"})
	require.NoError(t, err)
	assert.Equal(t, defaultLiveHubBaseURL, d.baseURL)
	_, err = d.PlaceCall(context.Background(), CallRequest{Phone: "0912345678"})
	assert.ErrorIs(t, err, ErrNoTicketIDs)
	_, err = d.PlaceCall(context.Background(), CallRequest{Metadata: CallMetadata{TicketIDs: []int64{1}}})
	require.Error(t, err)
}

func TestNormalizeStatus(t *testing.T) {
	cases := map[string]Status{
		"completed": StatusSuccess,
		"ANSWERED":  StatusSuccess,
		"ok":        StatusSuccess,
		"no_answer": StatusFailed,
		"noanswer":  StatusFailed,
		"busy":      StatusFailed,
		"rejected":  StatusFailed,
		"ringing":   StatusAttempted,
		"":          StatusAttempted,
	}
	for raw, want := range cases {
		assert.Equal(t, want, NormalizeStatus(raw), raw)
	}
}

func TestParseCallbackAliases(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		callID  string
		status  Status
		ids     []int64
		invalid []string
	}{
		{
			name:   "canonical",
			body:   `{"callId":"C1","status":"completed","metadata":{"ticketIds":[42,43]}}`,
			callID: "C1",
			status: StatusSuccess,
			ids:    []int64{42, 43},
		},
		{
			name:   "snake case and csv",
			body:   `{"call_id":"C2","call_status":"busy","metadata":{"ticketIds":"7, 8"}}`,
			callID: "C2",
			status: StatusFailed,
			ids:    []int64{7, 8},
		},
		{
			name:   "nested call object",
			body:   `{"call":{"id":"C3","metadata":{"ticketId":"99"}},"callStatus":"answered"}`,
			callID: "C3",
			status: StatusSuccess,
			ids:    []int64{99},
		},
		{
			name:   "session id and legacy ticket field",
			body:   `{"sessionId":"S4","status":"ringing","metadata":{"zendesk_ticket_id":5}}`,
			callID: "S4",
			status: StatusAttempted,
			ids:    []int64{5},
		},
		{
			name:    "malformed entries are kept aside",
			body:    `{"id":"C5","status":"ok","metadata":{"ticketIds":[1,"abc",2,-3]}}`,
			callID:  "C5",
			status:  StatusSuccess,
			ids:     []int64{1, 2},
			invalid: []string{"abc", "-3"},
		},
		{
			name:   "no metadata",
			body:   `{"callId":"C6","status":"completed"}`,
			callID: "C6",
			status: StatusSuccess,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, err := ParseCallback([]byte(tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.callID, cb.CallID)
			assert.Equal(t, tt.status, cb.Status)
			assert.Equal(t, tt.ids, cb.TicketIDs)
			assert.Equal(t, tt.invalid, cb.InvalidTicketIDs)
		})
	}

	_, err := ParseCallback([]byte(`not json`))
	require.Error(t, err)
}

type recordingSink struct {
	events []audit.Event
}

func (s *recordingSink) Record(_ context.Context, e audit.Event) error {
	s.events = append(s.events, e)
	return nil
}

type countingObserver struct {
	counts map[string]int
}

func (o *countingObserver) ObserveCallback(status, result string) {
	if o.counts == nil {
		o.counts = make(map[string]int)
	}
	o.counts[status+"/"+result]++
}

func newReconciler(t *testing.T, seed ...tickets.Ticket) (*Reconciler, *tickets.MemoryStore, *recordingSink, *countingObserver) {
	t.Helper()
	store := tickets.NewMemoryStore()
	for _, tk := range seed {
		store.Put(tk)
	}
	sink := &recordingSink{}
	obs := &countingObserver{}
	r := NewReconciler(tickets.NewLedger(store, nil, nil), sink, obs, booking.NewClock(8), nil)
	r.now = func() time.Time { return time.Date(2025, 12, 7, 17, 30, 0, 0, time.UTC) }
	return r, store, sink, obs
}

func TestReconcileSuccessIsIdempotent(t *testing.T) {
	r, store, sink, obs := newReconciler(t, tickets.Ticket{ID: 42, State: tickets.StateQueued, Attempts: 1})
	cb, err := ParseCallback([]byte(`{"callId":"C1","status":"completed","metadata":{"ticketIds":[42]}}`))
	require.NoError(t, err)

	report, err := r.Reconcile(context.Background(), cb)
	require.NoError(t, err)
	assert.Equal(t, []int64{42}, report.Applied)

	tk, err := store.Get(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, tickets.StateSuccess, tk.State)
	assert.Equal(t, 2, tk.Attempts)
	assert.Equal(t, "C1", tk.LastCallID)
	// 17:30 UTC is already the next day at UTC+8.
	assert.Equal(t, "2025-12-08", tk.LastVoiceAttemptDate)
	notes := store.Notes(42)
	require.Len(t, notes, 1)
	assert.Contains(t, notes[0], `"completed"`)

	report, err = r.Reconcile(context.Background(), cb)
	require.NoError(t, err)
	assert.Empty(t, report.Applied)
	assert.Equal(t, []int64{42}, report.Duplicates)

	again, err := store.Get(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, tickets.StateSuccess, again.State)
	assert.Equal(t, 2, again.Attempts)
	assert.Len(t, store.Notes(42), 1)

	require.Len(t, sink.events, 2)
	assert.Equal(t, audit.EventCallbackApplied, sink.events[0].Type)
	assert.Equal(t, audit.EventCallbackDuplicate, sink.events[1].Type)
	assert.Equal(t, 1, obs.counts["success/applied"])
	assert.Equal(t, 1, obs.counts["success/duplicate"])
}

func TestReconcileTerminalTicketUntouched(t *testing.T) {
	r, store, _, obs := newReconciler(t, tickets.Ticket{ID: 7, State: tickets.StateCancelled, Attempts: 1})
	report, err := r.Reconcile(context.Background(), Callback{
		CallID:    "C9",
		RawStatus: "no_answer",
		Status:    StatusFailed,
		TicketIDs: []int64{7},
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{7}, report.Skipped)

	tk, err := store.Get(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, tickets.StateCancelled, tk.State)
	assert.Equal(t, 1, tk.Attempts)
	assert.Empty(t, tk.LastCallID)
	assert.Equal(t, 1, obs.counts["failed/skipped"])
}

func TestReconcileAttemptedKeepsState(t *testing.T) {
	r, store, _, _ := newReconciler(t, tickets.Ticket{ID: 5, State: tickets.StateQueued, Attempts: 1})
	_, err := r.Reconcile(context.Background(), Callback{
		CallID:    "C2",
		RawStatus: "ringing",
		Status:    StatusAttempted,
		TicketIDs: []int64{5},
	})
	require.NoError(t, err)

	tk, err := store.Get(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, tickets.StateQueued, tk.State)
	assert.Equal(t, 2, tk.Attempts)
	assert.Equal(t, "C2", tk.LastCallID)
}

func TestReconcileFinalStatusAfterAttemptedSameCall(t *testing.T) {
	r, store, _, obs := newReconciler(t, tickets.Ticket{ID: 5, State: tickets.StateQueued, Attempts: 1})
	ringing := Callback{CallID: "C2", RawStatus: "ringing", Status: StatusAttempted, TicketIDs: []int64{5}}
	_, err := r.Reconcile(context.Background(), ringing)
	require.NoError(t, err)

	report, err := r.Reconcile(context.Background(), ringing)
	require.NoError(t, err)
	assert.Equal(t, []int64{5}, report.Duplicates)

	report, err = r.Reconcile(context.Background(), Callback{
		CallID:    "C2",
		RawStatus: "completed",
		Status:    StatusSuccess,
		TicketIDs: []int64{5},
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{5}, report.Applied)

	tk, err := store.Get(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, tickets.StateSuccess, tk.State)
	assert.Equal(t, 2, tk.Attempts)
	assert.Equal(t, 1, obs.counts["success/applied"])
}

func TestReconcileBatchIsolation(t *testing.T) {
	r, store, _, _ := newReconciler(t,
		tickets.Ticket{ID: 1, State: tickets.StateQueued},
		tickets.Ticket{ID: 2, State: tickets.StateQueued},
	)
	cb, err := ParseCallback([]byte(`{"callId":"C3","status":"busy","metadata":{"ticketIds":[1,"x",404,2]}}`))
	require.NoError(t, err)

	report, err := r.Reconcile(context.Background(), cb)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, report.Applied)
	assert.Equal(t, []int64{404}, report.Skipped)
	assert.Equal(t, []string{"x"}, report.Invalid)

	for _, id := range []int64{1, 2} {
		tk, err := store.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, tickets.StateFailed, tk.State)
	}
}

func TestReconcileRequiresIDs(t *testing.T) {
	r, _, _, _ := newReconciler(t)
	_, err := r.Reconcile(context.Background(), Callback{Status: StatusSuccess, TicketIDs: []int64{1}})
	assert.ErrorIs(t, err, ErrNoCallID)
	_, err = r.Reconcile(context.Background(), Callback{CallID: "C", Status: StatusSuccess})
	assert.ErrorIs(t, err, ErrNoTicketIDs)
}
