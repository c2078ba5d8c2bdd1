package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfman30/clinic-reminders/internal/app/bootstrap"
	appconfig "github.com/wolfman30/clinic-reminders/internal/config"
	"github.com/wolfman30/clinic-reminders/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()

	logger := logging.New(cfg.LogLevel).WithComponent("reminder-worker")
	if err := run(cfg, logger); err != nil {
		logger.Error("reminder worker exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *appconfig.Config, logger *logging.Logger) error {
	if cfg.QueueBackend == bootstrap.QueueBackendMemory {
		return errors.New("QUEUE_BACKEND=memory has no shared queue; the API process runs its own workers")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	services, err := bootstrap.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer services.Close()

	metricsSrv := startMetricsServer(cfg.Port, services.Registry, logger)

	workers := services.NewWorkers()
	for _, w := range workers {
		w.Start(ctx)
	}
	logger.Info("reminder workers started",
		"queue_backend", services.Queues.Backend,
		"consumers", len(workers),
		"concurrency", cfg.WorkerCount,
	)

	<-ctx.Done()
	logger.Info("shutting down workers...")
	for _, w := range workers {
		w.Wait()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown", "error", err)
	}
	logger.Info("reminder workers stopped")
	return nil
}

func startMetricsServer(port string, registry *prometheus.Registry, logger *logging.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()
	return srv
}
