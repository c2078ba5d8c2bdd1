package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfman30/clinic-reminders/internal/api/router"
	"github.com/wolfman30/clinic-reminders/internal/app/bootstrap"
	appconfig "github.com/wolfman30/clinic-reminders/internal/config"
	"github.com/wolfman30/clinic-reminders/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/clinic-reminders/internal/http/middleware"
	"github.com/wolfman30/clinic-reminders/internal/jobs"
	"github.com/wolfman30/clinic-reminders/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting clinic-reminders API server",
		"env", cfg.Env,
		"port", cfg.Port,
		"ticket_backend", cfg.TicketBackend,
		"queue_backend", cfg.QueueBackend,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	services, err := bootstrap.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build services", "error", err)
		os.Exit(1)
	}
	defer services.Close()

	// The memory queue lives in this process, so its consumers must too.
	inline := startInlineWorkers(ctx, services)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      newRouter(services),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	cancel()
	for _, w := range inline {
		w.Wait()
	}
	logger.Info("server stopped")
}

func newRouter(s *bootstrap.Services) http.Handler {
	cfg := s.Config
	logger := s.Logger

	var jobReader handlers.JobReader
	if s.JobStatus != nil {
		jobReader = s.JobStatus
	}

	routerCfg := &router.Config{
		Logger:          logger,
		Admin:           handlers.NewAdminHandler(s.Scheduler, jobReader, s.Appointments, logger.WithComponent("admin")),
		Appointments:    handlers.NewAppointmentsHandler(s.Appointments, logger.WithComponent("appointments")),
		VoiceWebhook:    handlers.NewVoiceWebhookHandler(s.Reconciler, logger.WithComponent("voice-webhook")),
		AdminAuthSecret: cfg.AdminJWTSecret,
		MetricsHandler:  promhttp.HandlerFor(s.Registry, promhttp.HandlerOpts{Registry: s.Registry}),
	}
	if cfg.WebhookRatePerSecond > 0 {
		routerCfg.WebhookLimiter = httpmiddleware.NewRateLimiter(cfg.WebhookRatePerSecond, cfg.WebhookRateBurst)
	}
	if s.Chat != nil {
		lineCfg := handlers.LineWebhookConfig{
			ChannelSecret: cfg.LineChannelSecret,
			Actions:       s.Appointments,
			Replier:       s.Chat,
			Processed:     s.Processed,
			Clock:         s.Clock,
			Logger:        logger.WithComponent("line-webhook"),
		}
		if s.Registration != nil {
			lineCfg.Registrar = s.Registration
		}
		routerCfg.LineWebhook = handlers.NewLineWebhookHandler(lineCfg)
	} else {
		logger.Warn("chat client not configured; LINE webhook disabled")
	}
	return router.New(routerCfg)
}

func startInlineWorkers(ctx context.Context, s *bootstrap.Services) []*jobs.Worker {
	if s.Queues == nil || s.Queues.Backend != bootstrap.QueueBackendMemory {
		return nil
	}
	workers := s.NewWorkers()
	for _, w := range workers {
		w.Start(ctx)
	}
	s.Logger.Info("inline workers started", "count", len(workers))
	return workers
}
