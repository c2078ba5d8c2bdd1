package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/wolfman30/clinic-reminders/pkg/logging"
)

func TestRateLimiterPerClient(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	fixed := time.Date(2025, 12, 7, 2, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return fixed }

	if !rl.Allow("a") || !rl.Allow("a") {
		t.Fatal("expected burst of 2 to be allowed")
	}
	if rl.Allow("a") {
		t.Fatal("expected third request to be limited")
	}
	if !rl.Allow("b") {
		t.Fatal("expected other client to have its own bucket")
	}

	fixed = fixed.Add(time.Second)
	if !rl.Allow("a") {
		t.Fatal("expected a token to refill after one second")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := NewRateLimiter(0.001, 1)
	h := RateLimit(rl)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/voice", nil)
	req.RemoteAddr = "10.0.0.1:5555"

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}

	other := httptest.NewRequest(http.MethodPost, "/webhooks/voice", nil)
	other.RemoteAddr = "10.0.0.1:6666"
	other.Header.Set("X-Real-Ip", "10.0.0.2")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, other)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected distinct client to pass, got %d", rec.Code)
	}
}

func TestRequestLoggerPropagatesRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewWithWriter("info", &buf)

	var seen string
	h := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
		w.WriteHeader(http.StatusAccepted)
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if seen != "req-42" {
		t.Fatalf("expected request id in context, got %q", seen)
	}
	if rec.Header().Get("X-Request-ID") != "req-42" {
		t.Fatalf("expected request id echoed")
	}
	out := buf.String()
	if !strings.Contains(out, "request completed") || !strings.Contains(out, `"status":202`) {
		t.Fatalf("unexpected log output: %s", out)
	}
}
