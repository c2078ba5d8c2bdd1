package main

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-reminders/pkg/logging"
)

func newTestRelay(baseURL string, client *http.Client) *relay {
	if client == nil {
		client = &http.Client{Timeout: time.Second}
	}
	return &relay{
		cfg:    config{upstreamBaseURL: baseURL, upstreamTimeout: time.Second},
		client: client,
		logger: logging.New("error"),
	}
}

func request(method, path, body string) events.APIGatewayV2HTTPRequest {
	return events.APIGatewayV2HTTPRequest{
		RawPath: path,
		Body:    body,
		RequestContext: events.APIGatewayV2HTTPRequestContext{
			RequestID: "req-1",
			HTTP: events.APIGatewayV2HTTPRequestContextHTTPDescription{
				Method:   method,
				Path:     path,
				SourceIP: "203.0.113.9",
			},
		},
	}
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("UPSTREAM_BASE_URL", "")
	_, err := loadConfig()
	require.Error(t, err)

	t.Setenv("UPSTREAM_BASE_URL", "https://api.example.com/")
	t.Setenv("UPSTREAM_TIMEOUT", "2s")
	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com", cfg.upstreamBaseURL)
	assert.Equal(t, 2*time.Second, cfg.upstreamTimeout)

	t.Setenv("UPSTREAM_TIMEOUT", "soon")
	_, err = loadConfig()
	assert.Error(t, err)
}

func TestHandleHealthAndRouting(t *testing.T) {
	r := newTestRelay("http://example.invalid", nil)

	resp, err := r.handle(context.Background(), request(http.MethodGet, "/health", ""))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", resp.Body)

	resp, err = r.handle(context.Background(), request(http.MethodGet, voicePath, ""))
	require.NoError(t, err)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = r.handle(context.Background(), request(http.MethodPost, "/webhooks/unknown", ""))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandleRejectsMalformedVoiceCallback(t *testing.T) {
	r := newTestRelay("http://example.invalid", nil)

	resp, err := r.handle(context.Background(), request(http.MethodPost, voicePath, `{"callStatus":"completed"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	evt := request(http.MethodPost, voicePath, "not-base64")
	evt.IsBase64Encoded = true
	resp, err = r.handle(context.Background(), evt)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid body", resp.Body)
}

func TestHandleForwardsVoiceCallback(t *testing.T) {
	type captured struct {
		path    string
		headers http.Header
		body    string
	}
	reqCh := make(chan captured, 1)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		reqCh <- captured{path: req.URL.Path, headers: req.Header.Clone(), body: string(body)}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"call_id":"c-1"}`))
	}))
	defer upstream.Close()

	r := newTestRelay(upstream.URL, upstream.Client())
	payload := `{"callId":"c-1","callStatus":"completed","metadata":{"ticketIds":[7]}}`
	evt := request(http.MethodPost, voicePath, base64.StdEncoding.EncodeToString([]byte(payload)))
	evt.IsBase64Encoded = true

	resp, err := r.handle(context.Background(), evt)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Headers["content-type"])

	select {
	case got := <-reqCh:
		assert.Equal(t, voicePath, got.path)
		assert.Equal(t, payload, got.body)
		assert.Equal(t, "application/json", got.headers.Get("Content-Type"))
		assert.Equal(t, "req-1", got.headers.Get("X-Request-ID"))
		assert.Equal(t, "203.0.113.9", got.headers.Get("X-Real-IP"))
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for upstream request")
	}
}

func TestHandleForwardsLineSignature(t *testing.T) {
	sigCh := make(chan string, 1)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		sigCh <- req.Header.Get("X-Line-Signature")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	r := newTestRelay(upstream.URL, upstream.Client())
	evt := request(http.MethodPost, linePath, `{"events":[]}`)
	evt.Headers = map[string]string{"X-Line-Signature": "c2ln"}

	resp, err := r.handle(context.Background(), evt)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "c2ln", <-sigCh)
}

func TestHandleUpstreamDown(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	base := upstream.URL
	upstream.Close()

	r := newTestRelay(base, nil)
	resp, err := r.handle(context.Background(), request(http.MethodPost, voicePath, `{"callId":"c-2"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}
