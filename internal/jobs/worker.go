package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/wolfman30/clinic-reminders/pkg/logging"
)

const (
	defaultWorkerCount   = 2
	defaultWaitSeconds   = 2
	defaultBatchSize     = 5
	maxWaitSeconds       = 20
	maxReceiveBatchSize  = 10
	deleteTimeoutSeconds = 5
)

// Handler executes one job. The returned outcome is stored on the job record.
type Handler interface {
	Handle(ctx context.Context, env Envelope) (outcome string, err error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, env Envelope) (string, error)

func (f HandlerFunc) Handle(ctx context.Context, env Envelope) (string, error) {
	return f(ctx, env)
}

type workerConfig struct {
	workers          int
	receiveWaitSecs  int
	receiveBatchSize int
	status           StatusStore
	name             string
}

// WorkerOption customizes worker behavior.
type WorkerOption func(*workerConfig)

// WithWorkerCount sets the number of consumer goroutines.
func WithWorkerCount(count int) WorkerOption {
	return func(cfg *workerConfig) {
		if count > 0 {
			cfg.workers = count
		}
	}
}

// WithReceiveWaitSeconds sets the long-poll wait.
func WithReceiveWaitSeconds(seconds int) WorkerOption {
	return func(cfg *workerConfig) {
		if seconds < 0 {
			return
		}
		if seconds > maxWaitSeconds {
			seconds = maxWaitSeconds
		}
		cfg.receiveWaitSecs = seconds
	}
}

// WithReceiveBatchSize sets how many messages to fetch per poll.
func WithReceiveBatchSize(size int) WorkerOption {
	return func(cfg *workerConfig) {
		if size <= 0 {
			return
		}
		if size > maxReceiveBatchSize {
			size = maxReceiveBatchSize
		}
		cfg.receiveBatchSize = size
	}
}

// WithStatusStore records completion on tracked jobs.
func WithStatusStore(store StatusStore) WorkerOption {
	return func(cfg *workerConfig) {
		cfg.status = store
	}
}

// WithName labels log lines, usually with the queue name.
func WithName(name string) WorkerOption {
	return func(cfg *workerConfig) {
		if name != "" {
			cfg.name = name
		}
	}
}

// Worker consumes a queue and hands each envelope to a Handler. Messages are
// always deleted after handling; a failed job is not redelivered because the
// next scheduling round picks its tickets up again.
type Worker struct {
	queue   Queue
	handler Handler
	logger  *logging.Logger
	cfg     workerConfig
	wg      sync.WaitGroup
}

// NewWorker builds a worker for queue.
func NewWorker(queue Queue, handler Handler, logger *logging.Logger, opts ...WorkerOption) *Worker {
	if queue == nil {
		panic("jobs: queue cannot be nil")
	}
	if handler == nil {
		panic("jobs: handler cannot be nil")
	}
	cfg := workerConfig{
		workers:          defaultWorkerCount,
		receiveWaitSecs:  defaultWaitSeconds,
		receiveBatchSize: defaultBatchSize,
		name:             "jobs",
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Worker{queue: queue, handler: handler, logger: logger.With("queue", cfg.name), cfg: cfg}
}

// Start launches worker goroutines until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	for i := 0; i < w.cfg.workers; i++ {
		w.wg.Add(1)
		go w.run(ctx, i+1)
	}
}

// Wait blocks until all worker goroutines exit.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context, workerID int) {
	defer w.wg.Done()
	w.logger.Debug("job worker started", "worker_id", workerID)

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("job worker stopping", "worker_id", workerID)
			return
		default:
		}

		messages, err := w.queue.Receive(ctx, w.cfg.receiveBatchSize, w.cfg.receiveWaitSecs)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			w.logger.Error("failed to receive jobs", "error", err, "worker_id", workerID)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 5*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		for _, msg := range messages {
			w.HandleMessage(ctx, msg)
		}
	}
}

// HandleMessage decodes and runs one message, then deletes it.
func (w *Worker) HandleMessage(ctx context.Context, msg Message) {
	defer w.deleteMessage(context.WithoutCancel(ctx), msg.ReceiptHandle)

	var env Envelope
	if err := json.Unmarshal([]byte(msg.Body), &env); err != nil {
		w.logger.Error("failed to decode job", "error", err, "msg_id", msg.ID)
		return
	}
	w.logger.Info("processing job", "job_id", env.ID, "kind", env.Kind, "round", env.Round)

	outcome, err := w.handler.Handle(ctx, env)
	if err != nil {
		w.logger.Error("job failed", "error", err, "job_id", env.ID, "kind", env.Kind)
		if env.TrackStatus && w.cfg.status != nil {
			if storeErr := w.cfg.status.MarkFailed(ctx, env.ID, err.Error()); storeErr != nil {
				w.logger.Error("failed to update job status", "error", storeErr, "job_id", env.ID)
			}
		}
		return
	}
	w.logger.Debug("job processed", "job_id", env.ID, "kind", env.Kind, "outcome", outcome)
	if env.TrackStatus && w.cfg.status != nil {
		if storeErr := w.cfg.status.MarkCompleted(ctx, env.ID, outcome); storeErr != nil {
			w.logger.Error("failed to update job status", "error", storeErr, "job_id", env.ID)
		}
	}
}

func (w *Worker) deleteMessage(ctx context.Context, receiptHandle string) {
	if receiptHandle == "" {
		return
	}
	deleteCtx, cancel := context.WithTimeout(ctx, deleteTimeoutSeconds*time.Second)
	defer cancel()
	if err := w.queue.Delete(deleteCtx, receiptHandle); err != nil {
		w.logger.Error("failed to delete job", "error", err)
	}
}
