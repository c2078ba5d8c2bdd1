package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wolfman30/clinic-reminders/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/clinic-reminders/internal/http/middleware"
	"github.com/wolfman30/clinic-reminders/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger          *logging.Logger
	Admin           *handlers.AdminHandler
	Appointments    *handlers.AppointmentsHandler
	VoiceWebhook    *handlers.VoiceWebhookHandler
	LineWebhook     *handlers.LineWebhookHandler
	AdminAuthSecret string
	MetricsHandler  http.Handler

	// WebhookLimiter throttles the provider webhooks; nil disables it.
	WebhookLimiter *httpmiddleware.RateLimiter
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(httpmiddleware.RequestLogger(cfg.Logger))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	r.Route("/webhooks", func(hooks chi.Router) {
		if cfg.WebhookLimiter != nil {
			hooks.Use(httpmiddleware.RateLimit(cfg.WebhookLimiter))
		}
		if cfg.VoiceWebhook != nil {
			hooks.Post("/voice", cfg.VoiceWebhook.Handle)
		}
		if cfg.LineWebhook != nil {
			hooks.Post("/line", cfg.LineWebhook.Handle)
		}
	})

	adminAuth := httpmiddleware.AdminJWT(cfg.AdminAuthSecret)

	if cfg.Appointments != nil {
		r.Get("/slots", cfg.Appointments.Slots)
		r.With(adminAuth).Post("/appointments", cfg.Appointments.Book)
	}

	if cfg.Admin != nil {
		r.Route("/admin", func(admin chi.Router) {
			admin.Use(adminAuth)
			admin.Post("/reminders/run", cfg.Admin.RunReminders)
			admin.Get("/jobs/{id}", cfg.Admin.JobStatus)
			admin.Post("/appointments/{id}/cancel", cfg.Admin.CancelAppointment)
		})
	}

	return r
}
