package bootstrap

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-reminders/internal/appointments"
	appconfig "github.com/wolfman30/clinic-reminders/internal/config"
	"github.com/wolfman30/clinic-reminders/internal/jobs"
	"github.com/wolfman30/clinic-reminders/internal/reminders"
	"github.com/wolfman30/clinic-reminders/internal/tickets"
)

func memoryConfig() *appconfig.Config {
	cfg := appconfig.Load()
	cfg.TicketBackend = TicketBackendMemory
	cfg.QueueBackend = QueueBackendMemory
	cfg.DatabaseURL = ""
	cfg.RedisAddr = ""
	cfg.JobsTable = ""
	cfg.GraphBusinessID = ""
	cfg.ZendeskSubdomain = ""
	cfg.ZendeskBaseURL = ""
	cfg.LiveHubBotID = ""
	return cfg
}

func TestBuildRedisClientDisabledWithoutAddr(t *testing.T) {
	cfg := memoryConfig()
	assert.Nil(t, BuildRedisClient(context.Background(), cfg, nil, true))
}

func TestBuildRedisClientVerifies(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := memoryConfig()
	cfg.RedisAddr = mr.Addr()

	client := BuildRedisClient(context.Background(), cfg, nil, true)
	require.NotNil(t, client)
	defer client.Close()

	mr.Close()
	assert.Nil(t, BuildRedisClient(context.Background(), cfg, nil, true))
}

func TestBuildQueuesSelectsBackend(t *testing.T) {
	ctx := context.Background()
	cfg := memoryConfig()

	q, err := BuildQueues(ctx, cfg, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &jobs.MemoryQueue{}, q.ByKind[jobs.KindChatReminder])
	assert.IsType(t, &jobs.MemoryQueue{}, q.ByKind[jobs.KindVoiceReminder])

	cfg.QueueBackend = QueueBackendRedis
	_, err = BuildQueues(ctx, cfg, nil, nil)
	require.Error(t, err)

	mr := miniredis.RunT(t)
	cfg.RedisAddr = mr.Addr()
	rdb := BuildRedisClient(ctx, cfg, nil, false)
	defer rdb.Close()
	q, err = BuildQueues(ctx, cfg, rdb, nil)
	require.NoError(t, err)
	assert.IsType(t, &jobs.RedisQueue{}, q.ByKind[jobs.KindChatReminder])
	assert.Equal(t, 5, q.WaitSeconds())

	cfg.QueueBackend = QueueBackendAMQP
	cfg.AMQPURL = ""
	_, err = BuildQueues(ctx, cfg, nil, nil)
	require.Error(t, err)

	cfg.QueueBackend = "kafka"
	_, err = BuildQueues(ctx, cfg, nil, nil)
	require.Error(t, err)
}

func TestBuildRejectsUnknownTicketBackend(t *testing.T) {
	cfg := memoryConfig()
	cfg.TicketBackend = "spreadsheet"
	_, err := Build(context.Background(), cfg, nil)
	require.Error(t, err)
}

func TestBuildRejectsBadSlotWindow(t *testing.T) {
	for name, mutate := range map[string]func(*appconfig.Config){
		"start after end": func(c *appconfig.Config) { c.SlotStart, c.SlotEnd = "21:00", "09:00" },
		"bad clock":       func(c *appconfig.Config) { c.SlotStart = "9am" },
		"zero interval":   func(c *appconfig.Config) { c.SlotIntervalMinutes = 0 },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := memoryConfig()
			mutate(cfg)
			_, err := Build(context.Background(), cfg, nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "slot window")
		})
	}
}

type pushRecorder struct {
	mu  sync.Mutex
	tos []string
}

func (p *pushRecorder) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req struct {
			To string `json:"to"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("decode push: %v", err)
		}
		p.mu.Lock()
		p.tos = append(p.tos, req.To)
		p.mu.Unlock()
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}
}

func TestBuildMemoryGraphRunsChatRound(t *testing.T) {
	pushes := &pushRecorder{}
	srv := httptest.NewServer(pushes.handler(t))
	defer srv.Close()

	cfg := memoryConfig()
	cfg.LineChannelAccessToken = "token"
	cfg.LineBaseURL = srv.URL

	svc, err := Build(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer svc.Close()

	require.NotNil(t, svc.Chat)
	assert.Nil(t, svc.Dialer)
	assert.Nil(t, svc.Registration, "registration needs redis")
	assert.Nil(t, svc.Processed)
	require.NotNil(t, svc.JobStatus)

	ctx := context.Background()
	now := time.Now()
	date := svc.Clock.DateAfter(now, cfg.ReminderDaysBefore)
	booked, err := svc.Appointments.Book(ctx, appointments.BookRequest{
		Date:         date,
		Time:         "10:00",
		CustomerName: "Huang",
		ChatUserID:   "U-huang",
	}, now)
	require.NoError(t, err)

	days := cfg.ReminderDaysBefore
	summary, err := svc.Scheduler.RunRound(ctx, svc.Scheduler.RoundFor(&days))
	require.NoError(t, err)
	assert.Equal(t, reminders.ChannelChat, summary.Channel)
	assert.Equal(t, 1, summary.Enqueued)
	require.Len(t, summary.JobIDs, 1)

	queue := svc.Queues.ByKind[jobs.KindChatReminder]
	msgs, err := queue.Receive(ctx, 10, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	worker := jobs.NewWorker(queue, svc.Executor, nil, jobs.WithStatusStore(svc.JobStatus))
	worker.HandleMessage(ctx, msgs[0])

	pushes.mu.Lock()
	assert.Equal(t, []string{"U-huang"}, pushes.tos)
	pushes.mu.Unlock()

	got, err := svc.Tickets.Get(ctx, booked.TicketID)
	require.NoError(t, err)
	assert.Equal(t, tickets.StateQueued, got.State)
	assert.Equal(t, 1, got.Attempts)

	rec, err := svc.JobStatus.GetJob(ctx, summary.JobIDs[0])
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, rec.Status)
}
