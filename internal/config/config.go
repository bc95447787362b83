package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/wolfman30/telehealth-booking/internal/clock"
)

// Config holds application configuration
type Config struct {
	Port     string
	Env      string
	LogLevel string

	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	// Booking rules
	BookingTimezone       string
	SessionDuration       time.Duration
	CancellationNotice    time.Duration
	BalanceValidity       time.Duration
	ForceMajeureExtension time.Duration
	NoShowGrace           time.Duration
	RoomEarlyEntry        time.Duration

	// Background work
	CompletionSweepInterval time.Duration
	JobsConcurrency         int
	OutboxPollInterval      time.Duration
	OutboxBatchSize         int

	// Event fan-out
	AMQPURL      string
	AMQPExchange string

	// Email
	EmailProvider     string
	SendGridAPIKey    string
	SendGridFromEmail string
	SendGridFromName  string

	// AWS (SES email, S3 documents)
	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string

	// Cancellation documents
	DocumentStore   string
	DocumentsBucket string
	MinioEndpoint   string
	MinioAccessKey  string
	MinioSecretKey  string
	MinioUseSSL     bool

	// Calendar sync
	GoogleCalendarID      string
	GoogleCredentialsFile string

	// Tokens and auth
	RoomTokenSecret string
	RoomTokenTTL    time.Duration
	AuthJWTSecret   string

	// HTTP edge
	CORSAllowedOrigins    []string
	RateLimitRPS          float64
	RateLimitBurst        int
	BookingVelocityMax    int
	BookingVelocityWindow time.Duration
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:     getEnv("PORT", "8080"),
		Env:      getEnv("ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		DatabaseURL:   getEnv("DATABASE_URL", ""),
		RedisAddr:     getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		BookingTimezone:       getEnv("BOOKING_TIMEZONE", "America/Sao_Paulo"),
		SessionDuration:       getEnvAsDuration("SESSION_DURATION", 50*time.Minute),
		CancellationNotice:    getEnvAsDuration("CANCELLATION_NOTICE", 24*time.Hour),
		BalanceValidity:       getEnvAsDuration("BALANCE_VALIDITY", 30*24*time.Hour),
		ForceMajeureExtension: getEnvAsDuration("FORCE_MAJEURE_EXTENSION", 30*24*time.Hour),
		NoShowGrace:           getEnvAsDuration("NO_SHOW_GRACE", 10*time.Minute),
		RoomEarlyEntry:        getEnvAsDuration("ROOM_EARLY_ENTRY", 15*time.Minute),

		CompletionSweepInterval: getEnvAsDuration("COMPLETION_SWEEP_INTERVAL", 5*time.Minute),
		JobsConcurrency:         getEnvAsInt("JOBS_CONCURRENCY", 10),
		OutboxPollInterval:      getEnvAsDuration("OUTBOX_POLL_INTERVAL", 2*time.Second),
		OutboxBatchSize:         getEnvAsInt("OUTBOX_BATCH_SIZE", 25),

		AMQPURL:      getEnv("AMQP_URL", ""),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "booking.events"),

		EmailProvider:     strings.ToLower(strings.TrimSpace(getEnv("EMAIL_PROVIDER", "stub"))),
		SendGridAPIKey:    getEnv("SENDGRID_API_KEY", ""),
		SendGridFromEmail: getEnv("SENDGRID_FROM_EMAIL", ""),
		SendGridFromName:  getEnv("SENDGRID_FROM_NAME", "Consultas"),

		AWSRegion:           getEnv("AWS_REGION", "sa-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),

		DocumentStore:   strings.ToLower(strings.TrimSpace(getEnv("DOCUMENT_STORE", "none"))),
		DocumentsBucket: getEnv("DOCUMENTS_BUCKET", "cancellation-documents"),
		MinioEndpoint:   getEnv("MINIO_ENDPOINT", ""),
		MinioAccessKey:  getEnv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey:  getEnv("MINIO_SECRET_KEY", ""),
		MinioUseSSL:     getEnvAsBool("MINIO_USE_SSL", false),

		GoogleCalendarID:      getEnv("GOOGLE_CALENDAR_ID", ""),
		GoogleCredentialsFile: getEnv("GOOGLE_CREDENTIALS_FILE", ""),

		RoomTokenSecret: getEnv("ROOM_TOKEN_SECRET", ""),
		RoomTokenTTL:    getEnvAsDuration("ROOM_TOKEN_TTL", 2*time.Hour),
		AuthJWTSecret:   getEnv("AUTH_JWT_SECRET", ""),

		CORSAllowedOrigins:    getEnvAsList("CORS_ALLOWED_ORIGINS"),
		RateLimitRPS:          getEnvAsFloat("RATE_LIMIT_RPS", 10),
		RateLimitBurst:        getEnvAsInt("RATE_LIMIT_BURST", 20),
		BookingVelocityMax:    getEnvAsInt("BOOKING_VELOCITY_MAX", 10),
		BookingVelocityWindow: getEnvAsDuration("BOOKING_VELOCITY_WINDOW", time.Hour),
	}
}

// ConflictWindow is the half-window used when scanning a patient's agenda for overlaps.
// One session length on each side of an existing start.
func (c *Config) ConflictWindow() time.Duration {
	return c.SessionDuration
}

// Location resolves BookingTimezone.
func (c *Config) Location() (*time.Location, error) {
	return clock.Load(c.BookingTimezone)
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
	if value, err := time.ParseDuration(valueStr); err == nil && value > 0 {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
