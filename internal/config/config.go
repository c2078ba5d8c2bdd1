package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port          string
	Env           string
	PublicBaseURL string
	LogLevel      string

	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	QueueBackend      string
	ReminderQueueName string
	VoiceQueueName    string
	ReminderQueueURL  string
	VoiceQueueURL     string
	AMQPURL           string
	JobsTable         string
	WorkerCount       int

	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string

	TicketBackend            string
	ZendeskSubdomain         string
	ZendeskBaseURL           string
	ZendeskEmail             string
	ZendeskAPIToken          string
	ZendeskAppointmentFormID int64
	ZendeskFieldBookingID    int64
	ZendeskFieldApptDate     int64
	ZendeskFieldApptTime     int64
	ZendeskFieldState        int64
	ZendeskFieldAttempts     int64
	ZendeskFieldLastCallID   int64
	ZendeskFieldLastVoice    int64

	GraphTenantID     string
	GraphClientID     string
	GraphClientSecret string
	GraphBusinessID   string
	GraphServiceID    string
	GraphStaffID      string
	GraphBaseURL      string

	ClinicUTCOffsetHours       int
	SlotStart                  string
	SlotEnd                    string
	SlotIntervalMinutes        int
	AppointmentDurationMinutes int
	BookingMaxDaysAhead        int
	ConfirmOpenDaysBefore      int
	CancelDeadlineDaysBefore   int
	ReminderDaysBefore         int
	VoiceReminderDaysBefore    int

	LineChannelAccessToken string
	LineChannelSecret      string
	LineBaseURL            string

	LiveHubBaseURL string
	LiveHubAPIKey  string
	LiveHubBotID   string
	LiveHubCaller  string

	OutboundTimeout      time.Duration
	AdminJWTSecret       string
	RegistrationStateTTL time.Duration
	ProfileCacheTTL      time.Duration
	WebhookRatePerSecond float64
	WebhookRateBurst     int
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("ENV", "development"),
		PublicBaseURL: strings.TrimRight(getEnv("PUBLIC_BASE_URL", ""), "/"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),

		DatabaseURL:   getEnv("DATABASE_URL", ""),
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		QueueBackend:      strings.ToLower(getEnv("QUEUE_BACKEND", "memory")),
		ReminderQueueName: getEnv("REMINDER_QUEUE_NAME", "reminders"),
		VoiceQueueName:    getEnv("VOICE_QUEUE_NAME", "voice_calls"),
		ReminderQueueURL:  getEnv("REMINDER_QUEUE_URL", ""),
		VoiceQueueURL:     getEnv("VOICE_QUEUE_URL", ""),
		AMQPURL:           getEnv("AMQP_URL", ""),
		JobsTable:         getEnv("JOBS_TABLE", ""),
		WorkerCount:       getEnvAsInt("WORKER_COUNT", 2),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),

		TicketBackend:            strings.ToLower(getEnv("TICKET_BACKEND", "zendesk")),
		ZendeskSubdomain:         getEnv("ZENDESK_SUBDOMAIN", ""),
		ZendeskBaseURL:           getEnv("ZENDESK_BASE_URL", ""),
		ZendeskEmail:             getEnv("ZENDESK_EMAIL", ""),
		ZendeskAPIToken:          getEnv("ZENDESK_API_TOKEN", ""),
		ZendeskAppointmentFormID: getEnvAsInt64("ZENDESK_APPOINTMENT_FORM_ID", 14460691929743),
		ZendeskFieldBookingID:    getEnvAsInt64("ZENDESK_CF_BOOKING_ID", 14459987905295),
		ZendeskFieldApptDate:     getEnvAsInt64("ZENDESK_CF_APPOINTMENT_DATE", 14460045495695),
		ZendeskFieldApptTime:     getEnvAsInt64("ZENDESK_CF_APPOINTMENT_TIME", 14460068239631),
		ZendeskFieldState:        getEnvAsInt64("ZENDESK_CF_REMINDER_STATE", 14460033600271),
		ZendeskFieldAttempts:     getEnvAsInt64("ZENDESK_CF_REMINDER_ATTEMPTS", 14460034088591),
		ZendeskFieldLastCallID:   getEnvAsInt64("ZENDESK_CF_LAST_CALL_ID", 14460059835279),
		ZendeskFieldLastVoice:    getEnvAsInt64("ZENDESK_CF_LAST_VOICE_ATTEMPT_DATE", 14623920927375),

		GraphTenantID:     getEnv("GRAPH_TENANT_ID", ""),
		GraphClientID:     getEnv("GRAPH_CLIENT_ID", ""),
		GraphClientSecret: getEnv("GRAPH_CLIENT_SECRET", ""),
		GraphBusinessID:   getEnv("GRAPH_BUSINESS_ID", ""),
		GraphServiceID:    getEnv("GRAPH_SERVICE_ID", ""),
		GraphStaffID:      getEnv("GRAPH_STAFF_ID", ""),
		GraphBaseURL:      getEnv("GRAPH_BASE_URL", ""),

		ClinicUTCOffsetHours:       getEnvAsInt("CLINIC_UTC_OFFSET_HOURS", 8),
		SlotStart:                  getEnv("SLOT_START", "09:00"),
		SlotEnd:                    getEnv("SLOT_END", "21:00"),
		SlotIntervalMinutes:        getEnvAsInt("SLOT_INTERVAL_MINUTES", 30),
		AppointmentDurationMinutes: getEnvAsInt("APPOINTMENT_DURATION_MINUTES", 30),
		BookingMaxDaysAhead:        getEnvAsInt("BOOKING_MAX_DAYS_AHEAD", 21),
		ConfirmOpenDaysBefore:      getEnvAsInt("CONFIRM_OPEN_DAYS_BEFORE", 3),
		CancelDeadlineDaysBefore:   getEnvAsInt("CANCEL_DEADLINE_DAYS_BEFORE", 3),
		ReminderDaysBefore:         getEnvAsInt("REMINDER_DAYS_BEFORE", 3),
		VoiceReminderDaysBefore:    getEnvAsInt("VOICE_REMINDER_DAYS_BEFORE", 1),

		LineChannelAccessToken: getEnv("LINE_CHANNEL_ACCESS_TOKEN", ""),
		LineChannelSecret:      getEnv("LINE_CHANNEL_SECRET", ""),
		LineBaseURL:            getEnv("LINE_BASE_URL", ""),

		LiveHubBaseURL: getEnv("LIVEHUB_BASE_URL", ""),
		LiveHubAPIKey:  getEnv("LIVEHUB_API_KEY", ""),
		LiveHubBotID:   getEnv("LIVEHUB_BOT_ID", ""),
		LiveHubCaller:  getEnv("LIVEHUB_CALLER", ""),

		OutboundTimeout:      getEnvAsDuration("OUTBOUND_TIMEOUT", 10*time.Second),
		AdminJWTSecret:       getEnv("ADMIN_JWT_SECRET", ""),
		RegistrationStateTTL: getEnvAsDuration("REGISTRATION_STATE_TTL", 15*time.Minute),
		ProfileCacheTTL:      getEnvAsDuration("PROFILE_CACHE_TTL", 10*time.Minute),
		WebhookRatePerSecond: getEnvAsFloat("WEBHOOK_RATE_PER_SECOND", 20),
		WebhookRateBurst:     getEnvAsInt("WEBHOOK_RATE_BURST", 40),
	}
}

// VoiceCallbackURL is the URL the voice provider posts call outcomes to.
func (c *Config) VoiceCallbackURL() string {
	if c == nil || c.PublicBaseURL == "" {
		return ""
	}
	return c.PublicBaseURL + "/webhooks/voice"
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseInt(valueStr, 10, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
