package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-reminders/internal/app/bootstrap"
	appconfig "github.com/wolfman30/clinic-reminders/internal/config"
	"github.com/wolfman30/clinic-reminders/pkg/logging"
)

func memoryServices(t *testing.T, mutate func(*appconfig.Config)) *bootstrap.Services {
	t.Helper()
	cfg := appconfig.Load()
	cfg.TicketBackend = bootstrap.TicketBackendMemory
	cfg.QueueBackend = bootstrap.QueueBackendMemory
	cfg.DatabaseURL = ""
	cfg.RedisAddr = ""
	cfg.JobsTable = ""
	cfg.GraphBusinessID = ""
	cfg.LiveHubBotID = ""
	cfg.LineChannelAccessToken = ""
	cfg.AdminJWTSecret = "test-secret"
	if mutate != nil {
		mutate(cfg)
	}
	s, err := bootstrap.Build(context.Background(), cfg, logging.New("error"))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestNewRouterServesHealthAndMetrics(t *testing.T) {
	h := newRouter(memoryServices(t, nil))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, strings.Contains(rr.Body.String(), "go_goroutines"))
}

func TestNewRouterLineWebhookDisabledWithoutChat(t *testing.T) {
	h := newRouter(memoryServices(t, nil))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/webhooks/line", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestNewRouterAdminRequiresToken(t *testing.T) {
	h := newRouter(memoryServices(t, nil))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/admin/reminders/run", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestStartInlineWorkersMemoryBackend(t *testing.T) {
	s := memoryServices(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	workers := startInlineWorkers(ctx, s)
	require.NotEmpty(t, workers)

	cancel()
	done := make(chan struct{})
	go func() {
		for _, w := range workers {
			w.Wait()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("inline workers did not stop")
	}
}

func TestStartInlineWorkersSkipsWithoutQueues(t *testing.T) {
	s := &bootstrap.Services{Logger: logging.New("error")}
	assert.Nil(t, startInlineWorkers(context.Background(), s))
}
