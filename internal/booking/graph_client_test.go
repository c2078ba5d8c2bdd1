package booking

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type graphServer struct {
	*httptest.Server
	tokenCalls atomic.Int32
}

func newGraphServer(t *testing.T, api http.HandlerFunc) (*graphServer, *GraphClient) {
	t.Helper()
	gs := &graphServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		gs.tokenCalls.Add(1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"graph-token","token_type":"Bearer","expires_in":3600}`)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer graph-token", r.Header.Get("Authorization"))
		api(w, r)
	})
	gs.Server = httptest.NewServer(mux)
	t.Cleanup(gs.Close)

	client, err := NewGraphClient(GraphConfig{
		ClientID:     "client",
		ClientSecret: "secret",
		BusinessID:   "clinic@contoso.com",
		ServiceID:    "svc-1",
		StaffID:      "staff-1",
		BaseURL:      gs.URL,
		TokenURL:     gs.URL + "/token",
		Clock:        NewClock(8),
	})
	require.NoError(t, err)
	return gs, client
}

func TestNewGraphClientValidation(t *testing.T) {
	_, err := NewGraphClient(GraphConfig{ClientID: "a", ClientSecret: "b"})
	assert.Error(t, err)
	_, err = NewGraphClient(GraphConfig{BusinessID: "biz", ClientID: "a", ClientSecret: "b"})
	assert.Error(t, err, "tenant id is needed without a token URL")
	_, err = NewGraphClient(GraphConfig{BusinessID: "biz", TenantID: "t", ClientID: "a", ClientSecret: "b"})
	assert.NoError(t, err)
}

func TestListAppointmentsForDateUsesUTCRange(t *testing.T) {
	gs, client := newGraphServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/solutions/bookingBusinesses/clinic@contoso.com/calendarView", r.URL.Path)
		assert.Equal(t, "2025-12-09T16:00:00Z", r.URL.Query().Get("start"))
		assert.Equal(t, "2025-12-10T16:00:00Z", r.URL.Query().Get("end"))
		_, _ = io.WriteString(w, `{"value":[
			{"id":"a1","customerName":"Lin","startDateTime":{"dateTime":"2025-12-10T01:00:00.0000000Z","timeZone":"UTC"},"endDateTime":{"dateTime":"2025-12-10T02:00:00.0000000Z","timeZone":"UTC"}},
			{"id":"bad","startDateTime":{"dateTime":"garbage","timeZone":"UTC"}},
			{"id":"a2","serviceNotes":"[LINE_USER] U9","startDateTime":{"dateTime":"2025-12-10T06:30:00Z","timeZone":"UTC"}}
		]}`)
	})

	got, err := client.ListAppointmentsForDate(context.Background(), "2025-12-10")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "09:00", got[0].Clock())
	assert.Equal(t, time.Hour, got[0].Duration)
	assert.Equal(t, "14:30", got[1].Clock())
	assert.Equal(t, 30*time.Minute, got[1].Duration)
	id, ok := got[1].ChatUserID()
	assert.True(t, ok)
	assert.Equal(t, "U9", id)
	assert.Equal(t, int32(1), gs.tokenCalls.Load())

	_, err = client.ListAppointmentsForDate(context.Background(), "not-a-date")
	assert.Error(t, err)
}

func TestGetAppointmentNotFound(t *testing.T) {
	_, client := newGraphServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	_, err := client.GetAppointment(context.Background(), "gone")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateAppointmentSendsUTC(t *testing.T) {
	var got graphAppointment
	_, client := newGraphServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		got.ID = "new-1"
		_ = json.NewEncoder(w).Encode(got)
	})

	start, err := NewClock(8).At("2025-12-10", "14:00")
	require.NoError(t, err)
	appt, err := client.CreateAppointment(context.Background(), NewAppointment{
		Start: start, CustomerName: "Lin", CustomerPhone: "0912345678", ServiceNotes: ChatUserMarker("U1"),
	})
	require.NoError(t, err)
	assert.Equal(t, "new-1", appt.ID)
	assert.Equal(t, "2025-12-10 14:00", appt.Start.Format("2006-01-02 15:04"))
	assert.Equal(t, "2025-12-10T06:00:00Z", got.StartDateTime.DateTime)
	assert.Equal(t, "2025-12-10T06:30:00Z", got.EndDateTime.DateTime)
	assert.Equal(t, []string{"staff-1"}, got.StaffMemberIDs)
	assert.Equal(t, "svc-1", got.ServiceID)
}

func TestUpdateNotesAndCancel(t *testing.T) {
	var methods []string
	var patched map[string]string
	_, client := newGraphServer(t, func(w http.ResponseWriter, r *http.Request) {
		methods = append(methods, r.Method)
		assert.Equal(t, "/solutions/bookingBusinesses/clinic@contoso.com/appointments/a1", r.URL.Path)
		if r.Method == http.MethodPatch {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&patched))
		}
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, client.UpdateServiceNotes(context.Background(), "a1", "confirmed"))
	require.NoError(t, client.CancelAppointment(context.Background(), "a1"))
	assert.Equal(t, []string{http.MethodPatch, http.MethodDelete}, methods)
	assert.Equal(t, "confirmed", patched["serviceNotes"])
}

func TestMemoryProvider(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryProvider(0)
	clock := NewClock(8)
	late, _ := clock.At("2025-12-10", "15:00")
	early, _ := clock.At("2025-12-10", "09:00")
	a, err := p.CreateAppointment(ctx, NewAppointment{Start: late})
	require.NoError(t, err)
	_, err = p.CreateAppointment(ctx, NewAppointment{Start: early})
	require.NoError(t, err)

	list, err := p.ListAppointmentsForDate(ctx, "2025-12-10")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "09:00", list[0].Clock())

	require.NoError(t, p.UpdateServiceNotes(ctx, a.ID, "note"))
	require.NoError(t, p.CancelAppointment(ctx, a.ID))
	_, err = p.GetAppointment(ctx, a.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, p.CancelAppointment(ctx, a.ID), ErrNotFound)
	list, _ = p.ListAppointmentsForDate(ctx, "2025-12-10")
	assert.Len(t, list, 1)
}
