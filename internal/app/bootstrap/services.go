// Package bootstrap builds the shared service graph for the API, the worker
// and the operator CLI from a config.Config.
package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/clinic-reminders/internal/appointments"
	"github.com/wolfman30/clinic-reminders/internal/audit"
	"github.com/wolfman30/clinic-reminders/internal/booking"
	"github.com/wolfman30/clinic-reminders/internal/chat"
	appconfig "github.com/wolfman30/clinic-reminders/internal/config"
	"github.com/wolfman30/clinic-reminders/internal/events"
	"github.com/wolfman30/clinic-reminders/internal/jobs"
	"github.com/wolfman30/clinic-reminders/internal/observability/metrics"
	"github.com/wolfman30/clinic-reminders/internal/profiles"
	"github.com/wolfman30/clinic-reminders/internal/registration"
	"github.com/wolfman30/clinic-reminders/internal/reminders"
	"github.com/wolfman30/clinic-reminders/internal/slots"
	"github.com/wolfman30/clinic-reminders/internal/tickets"
	"github.com/wolfman30/clinic-reminders/internal/voice"
	"github.com/wolfman30/clinic-reminders/internal/zendesk"
	"github.com/wolfman30/clinic-reminders/pkg/logging"
)

// Ticket backends selectable with TICKET_BACKEND.
const (
	TicketBackendZendesk  = "zendesk"
	TicketBackendPostgres = "postgres"
	TicketBackendMemory   = "memory"
)

// Services is the wired application. Optional collaborators are nil when
// their configuration is absent.
type Services struct {
	Config   *appconfig.Config
	Logger   *logging.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.ReminderMetrics
	Clock    booking.Clock

	Redis *redis.Client
	Pool  *pgxpool.Pool
	SQLDB *sql.DB

	Tickets      tickets.Store
	Ledger       *tickets.Ledger
	Directory    profiles.Directory
	Booking      booking.Provider
	Appointments *appointments.Service
	Audit        audit.Sink

	Chat   *chat.Client
	Dialer *voice.Dialer

	Queues     *Queues
	JobStatus  jobs.StatusStore
	Publisher  *jobs.Publisher
	Scheduler  *reminders.Scheduler
	Executor   *reminders.Executor
	Reconciler *voice.Reconciler

	Registration *registration.Flow
	Processed    events.Deduper
}

// Build wires every component. Close must be called on the result.
func Build(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) (*Services, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	window := slots.NewWindow(cfg.SlotStart, cfg.SlotEnd, cfg.SlotIntervalMinutes)
	if err := window.Validate(); err != nil {
		return nil, fmt.Errorf("bootstrap: slot window: %w", err)
	}
	s := &Services{
		Config:   cfg,
		Logger:   logger,
		Registry: prometheus.NewRegistry(),
		Clock:    booking.NewClock(cfg.ClinicUTCOffsetHours),
	}
	s.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	s.Metrics = metrics.NewReminderMetrics(s.Registry)

	ok := false
	defer func() {
		if !ok {
			s.Close()
		}
	}()

	s.Redis = BuildRedisClient(ctx, cfg, logger, true)
	if err := s.openDatabase(ctx); err != nil {
		return nil, err
	}
	if err := s.buildTicketing(); err != nil {
		return nil, err
	}
	if err := s.buildBooking(); err != nil {
		return nil, err
	}

	s.Ledger = tickets.NewLedger(s.Tickets, s.Metrics, logger.WithComponent("tickets"))
	if s.SQLDB != nil {
		s.Audit = audit.NewRecorder(s.SQLDB)
	}
	s.Audit = audit.OrNop(s.Audit)

	s.Appointments = appointments.NewService(s.Booking, s.Ledger, s.Audit, appointments.Config{
		Window:       window,
		Policy:       slots.Policy{ConfirmOpenDaysBefore: cfg.ConfirmOpenDaysBefore, CancelDeadlineDaysBefore: cfg.CancelDeadlineDaysBefore},
		Clock:        s.Clock,
		MaxDaysAhead: cfg.BookingMaxDaysAhead,
		Duration:     time.Duration(cfg.AppointmentDurationMinutes) * time.Minute,
	}, logger.WithComponent("appointments"))

	s.buildProviders()
	if err := s.buildJobs(ctx); err != nil {
		return nil, err
	}
	s.buildReminders()
	s.buildInbound()

	ok = true
	return s, nil
}

func (s *Services) openDatabase(ctx context.Context) error {
	url := strings.TrimSpace(s.Config.DatabaseURL)
	if url == "" {
		if s.Config.TicketBackend == TicketBackendPostgres {
			return fmt.Errorf("bootstrap: postgres ticket backend requires DATABASE_URL")
		}
		return nil
	}
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return fmt.Errorf("bootstrap: connect postgres: %w", err)
	}
	s.Pool = pool
	db, err := sql.Open("postgres", url)
	if err != nil {
		return fmt.Errorf("bootstrap: open audit db: %w", err)
	}
	s.SQLDB = db
	return nil
}

func (s *Services) buildTicketing() error {
	cfg := s.Config
	var zd *zendesk.Client
	if cfg.TicketBackend == TicketBackendZendesk || cfg.ZendeskSubdomain != "" || cfg.ZendeskBaseURL != "" {
		client, err := zendesk.NewClient(zendesk.Config{
			Subdomain:         cfg.ZendeskSubdomain,
			BaseURL:           cfg.ZendeskBaseURL,
			Email:             cfg.ZendeskEmail,
			APIToken:          cfg.ZendeskAPIToken,
			AppointmentFormID: cfg.ZendeskAppointmentFormID,
			Fields: zendesk.FieldIDs{
				BookingID:            cfg.ZendeskFieldBookingID,
				AppointmentDate:      cfg.ZendeskFieldApptDate,
				AppointmentTime:      cfg.ZendeskFieldApptTime,
				ReminderState:        cfg.ZendeskFieldState,
				ReminderAttempts:     cfg.ZendeskFieldAttempts,
				LastCallID:           cfg.ZendeskFieldLastCallID,
				LastVoiceAttemptDate: cfg.ZendeskFieldLastVoice,
			},
			Timeout: cfg.OutboundTimeout,
			Logger:  s.Logger.WithComponent("zendesk"),
		})
		if err != nil {
			if cfg.TicketBackend == TicketBackendZendesk {
				return fmt.Errorf("bootstrap: zendesk: %w", err)
			}
			s.Logger.Warn("zendesk not configured, profiles kept in memory", "error", err)
		} else {
			zd = client
		}
	}

	switch cfg.TicketBackend {
	case TicketBackendZendesk:
		s.Tickets = zd
	case TicketBackendPostgres:
		s.Tickets = tickets.NewPostgresStore(s.Pool)
	case TicketBackendMemory:
		s.Tickets = tickets.NewMemoryStore()
	default:
		return fmt.Errorf("bootstrap: unknown ticket backend %q", cfg.TicketBackend)
	}

	var dir profiles.Directory = profiles.NewMemoryDirectory()
	if zd != nil {
		dir = zd.Users()
	}
	s.Directory = profiles.NewCachedDirectory(dir, s.Redis, cfg.ProfileCacheTTL, s.Logger.WithComponent("profiles"))
	s.Logger.Info("ticketing ready", "backend", cfg.TicketBackend, "profiles_upstream", zd != nil)
	return nil
}

func (s *Services) buildBooking() error {
	cfg := s.Config
	duration := time.Duration(cfg.AppointmentDurationMinutes) * time.Minute
	if cfg.GraphBusinessID == "" {
		s.Logger.Warn("booking calendar not configured, using in-memory calendar")
		s.Booking = booking.NewMemoryProvider(duration)
		return nil
	}
	client, err := booking.NewGraphClient(booking.GraphConfig{
		TenantID:        cfg.GraphTenantID,
		ClientID:        cfg.GraphClientID,
		ClientSecret:    cfg.GraphClientSecret,
		BusinessID:      cfg.GraphBusinessID,
		ServiceID:       cfg.GraphServiceID,
		StaffID:         cfg.GraphStaffID,
		BaseURL:         cfg.GraphBaseURL,
		DefaultDuration: duration,
		Timeout:         cfg.OutboundTimeout,
		Clock:           s.Clock,
		Logger:          s.Logger.WithComponent("booking"),
	})
	if err != nil {
		return fmt.Errorf("bootstrap: booking calendar: %w", err)
	}
	s.Booking = client
	return nil
}

func (s *Services) buildProviders() {
	cfg := s.Config
	if cfg.LineChannelAccessToken != "" {
		client, err := chat.NewClient(chat.Config{
			AccessToken: cfg.LineChannelAccessToken,
			BaseURL:     cfg.LineBaseURL,
			Timeout:     cfg.OutboundTimeout,
			Logger:      s.Logger.WithComponent("chat"),
		})
		if err != nil {
			s.Logger.Warn("chat client disabled", "error", err)
		} else {
			s.Chat = client
		}
	}
	if cfg.LiveHubBotID != "" {
		dialer, err := voice.NewDialer(voice.DialerConfig{
			BaseURL:   cfg.LiveHubBaseURL,
			APIKey:    cfg.LiveHubAPIKey,
			BotID:     cfg.LiveHubBotID,
			Caller:    cfg.LiveHubCaller,
			NotifyURL: cfg.VoiceCallbackURL(),
			Timeout:   cfg.OutboundTimeout,
			Logger:    s.Logger.WithComponent("voice"),
		})
		if err != nil {
			s.Logger.Warn("voice dialer disabled", "error", err)
		} else {
			s.Dialer = dialer
		}
	}
}

func (s *Services) buildJobs(ctx context.Context) error {
	cfg := s.Config
	queues, err := BuildQueues(ctx, cfg, s.Redis, s.Logger)
	if err != nil {
		return err
	}
	s.Queues = queues

	switch {
	case strings.TrimSpace(cfg.JobsTable) != "":
		awsCfg, err := LoadAWSConfig(ctx, cfg)
		if err != nil {
			return fmt.Errorf("bootstrap: load aws config: %w", err)
		}
		s.JobStatus = jobs.NewDynamoStore(NewDynamoClient(awsCfg, cfg), cfg.JobsTable, s.Logger)
	case queues.Backend == QueueBackendMemory:
		s.JobStatus = jobs.NewMemoryStore()
	}
	s.Publisher = jobs.NewPublisher(queues.ByKind, s.JobStatus, s.Logger.WithComponent("jobs"))
	return nil
}

func (s *Services) buildReminders() {
	cfg := s.Config
	logger := s.Logger.WithComponent("reminders")
	s.Scheduler = reminders.NewScheduler(
		s.Tickets,
		s.Booking,
		reminders.ChatChain(s.Directory),
		reminders.VoiceChain(s.Directory),
		s.Publisher,
		s.Clock,
		reminders.SchedulerConfig{
			ChatLeadDays:     cfg.ReminderDaysBefore,
			VoiceLeadDays:    cfg.VoiceReminderDaysBefore,
			FetchConcurrency: 4,
		},
		s.Metrics,
		logger,
	)

	var dispatchers []reminders.Dispatcher
	if s.Chat != nil {
		dispatchers = append(dispatchers, reminders.NewChatDispatcher(s.Chat, s.Ledger, s.Clock, cfg.OutboundTimeout, logger))
	}
	if s.Dialer != nil {
		dispatchers = append(dispatchers, reminders.NewVoiceDispatcher(s.Dialer, s.Directory, s.Ledger, s.Clock, cfg.OutboundTimeout, logger))
	}
	s.Executor = reminders.NewExecutor(s.Tickets, s.Audit, s.Metrics, logger, dispatchers...)
	s.Reconciler = voice.NewReconciler(s.Ledger, s.Audit, s.Metrics, s.Clock, s.Logger.WithComponent("voice"))
}

func (s *Services) buildInbound() {
	if s.Redis != nil {
		store := registration.NewRedisStore(s.Redis, s.Config.RegistrationStateTTL)
		s.Registration = registration.NewFlow(store, s.Directory, s.Logger.WithComponent("registration"))
	}
	switch {
	case s.Pool != nil:
		s.Processed = events.NewProcessedStore(s.Pool)
	case s.Redis != nil:
		s.Processed = events.NewRedisProcessedStore(s.Redis, 0)
	}
}

// NewWorkers builds one worker per job kind, consuming with the executor.
func (s *Services) NewWorkers() []*jobs.Worker {
	workers := make([]*jobs.Worker, 0, len(s.Queues.ByKind))
	for kind, queue := range s.Queues.ByKind {
		opts := []jobs.WorkerOption{
			jobs.WithName(kind.QueueName()),
			jobs.WithWorkerCount(s.Config.WorkerCount),
			jobs.WithReceiveWaitSeconds(s.Queues.WaitSeconds()),
		}
		if s.JobStatus != nil {
			opts = append(opts, jobs.WithStatusStore(s.JobStatus))
		}
		workers = append(workers, jobs.NewWorker(queue, s.Executor, s.Logger.WithComponent("worker"), opts...))
	}
	return workers
}

// Close releases connections.
func (s *Services) Close() {
	if s.Queues != nil {
		s.Queues.Close()
	}
	if s.Pool != nil {
		s.Pool.Close()
	}
	if s.SQLDB != nil {
		_ = s.SQLDB.Close()
	}
	if s.Redis != nil {
		_ = s.Redis.Close()
	}
}
