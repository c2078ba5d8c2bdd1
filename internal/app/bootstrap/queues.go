package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	appconfig "github.com/wolfman30/clinic-reminders/internal/config"
	"github.com/wolfman30/clinic-reminders/internal/jobs"
	"github.com/wolfman30/clinic-reminders/pkg/logging"
)

// Queue backends selectable with QUEUE_BACKEND.
const (
	QueueBackendMemory = "memory"
	QueueBackendRedis  = "redis"
	QueueBackendSQS    = "sqs"
	QueueBackendAMQP   = "amqp"
)

const memoryQueueBuffer = 256

// Queues holds one queue per job kind and whatever must be closed with them.
type Queues struct {
	Backend string
	ByKind  map[jobs.Kind]jobs.Queue
	closers []func() error
}

// Close releases broker connections.
func (q *Queues) Close() {
	for _, c := range q.closers {
		_ = c()
	}
}

// WaitSeconds is the long-poll wait suited to the backend.
func (q *Queues) WaitSeconds() int {
	if q.Backend == QueueBackendSQS {
		return 20
	}
	return 5
}

// BuildQueues opens the reminder and voice queues on the configured backend.
func BuildQueues(ctx context.Context, cfg *appconfig.Config, rdb *redis.Client, logger *logging.Logger) (*Queues, error) {
	if logger == nil {
		logger = logging.Default()
	}
	backend := strings.ToLower(strings.TrimSpace(cfg.QueueBackend))
	if backend == "" {
		backend = QueueBackendMemory
	}
	names := map[jobs.Kind]string{
		jobs.KindChatReminder:  cfg.ReminderQueueName,
		jobs.KindVoiceReminder: cfg.VoiceQueueName,
	}
	q := &Queues{Backend: backend, ByKind: make(map[jobs.Kind]jobs.Queue, len(names))}

	switch backend {
	case QueueBackendMemory:
		for kind := range names {
			q.ByKind[kind] = jobs.NewMemoryQueue(memoryQueueBuffer)
		}

	case QueueBackendRedis:
		if rdb == nil {
			return nil, fmt.Errorf("bootstrap: redis queue backend requires REDIS_ADDR")
		}
		for kind, name := range names {
			rq := jobs.NewRedisQueue(rdb, name)
			if n, err := rq.Requeue(ctx); err != nil {
				logger.Warn("redis queue requeue failed", "queue", name, "error", err)
			} else if n > 0 {
				logger.Info("requeued in-flight jobs", "queue", name, "count", n)
			}
			q.ByKind[kind] = rq
		}

	case QueueBackendSQS:
		urls := map[jobs.Kind]string{
			jobs.KindChatReminder:  cfg.ReminderQueueURL,
			jobs.KindVoiceReminder: cfg.VoiceQueueURL,
		}
		awsCfg, err := LoadAWSConfig(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: load aws config: %w", err)
		}
		client := NewSQSClient(awsCfg, cfg)
		for kind, url := range urls {
			if strings.TrimSpace(url) == "" {
				return nil, fmt.Errorf("bootstrap: sqs queue url missing for %s", kind)
			}
			q.ByKind[kind] = jobs.NewSQSQueue(client, url)
		}

	case QueueBackendAMQP:
		if strings.TrimSpace(cfg.AMQPURL) == "" {
			return nil, fmt.Errorf("bootstrap: amqp queue backend requires AMQP_URL")
		}
		for kind, name := range names {
			aq, conn, err := jobs.DialAMQP(cfg.AMQPURL, name)
			if err != nil {
				q.Close()
				return nil, err
			}
			q.ByKind[kind] = aq
			q.closers = append(q.closers, conn.Close)
		}

	default:
		return nil, fmt.Errorf("bootstrap: unknown queue backend %q", backend)
	}

	logger.Info("job queues ready", "backend", backend)
	return q, nil
}
