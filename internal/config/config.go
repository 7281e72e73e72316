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

	// UseMemoryStore keeps bookings and technicians in process (local dev, demos).
	UseMemoryStore bool

	// Voice agent authentication
	AgentJWTSecret   string
	AgentStaticToken string
	AdminJWTSecret   string
	RateLimitRPS     float64
	RateLimitBurst   int

	// Assignment transaction bounds
	AssignmentTimeout    time.Duration
	AssignmentMaxRetries int

	// Redis (business policy, geocode cache)
	RedisAddr     string
	RedisPassword string
	RedisTLS      bool
	GeocodeTTL    time.Duration

	// Geocoding / routing
	GoogleMapsAPIKey   string
	FallbackSpeedKmh   float64
	ProximityTimeout   time.Duration
	CalendarTimeout    time.Duration
	NotificationWindow time.Duration

	// Calendar providers
	BoulevardAPIKey           string
	BoulevardBusinessID       string
	BoulevardServiceID        string
	GoogleCalendarCredentials string
	GoogleCalendarIDsJSON     string

	// SMS (Twilio)
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string

	// Email
	EmailProvider     string
	SendGridAPIKey    string
	SendGridFromEmail string
	SendGridFromName  string
	SESFromEmail      string

	// Operator contacts for escalations
	OperatorPhone string
	OperatorEmail string
	EscalationSLA int

	// AWS
	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string
	TranscriptBucket    string

	// Event fan-out
	EventTransport string
	EventQueueURL  string
	NATSURL        string
	NATSSubject    string
	EventPollEvery time.Duration
	EventBatchSize int
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("ENV", "development"),
		PublicBaseURL: getEnv("PUBLIC_BASE_URL", ""),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),

		UseMemoryStore: getEnvAsBool("USE_MEMORY_STORE", false),

		AgentJWTSecret:   getEnv("AGENT_JWT_SECRET", ""),
		AgentStaticToken: getEnv("AGENT_STATIC_TOKEN", ""),
		AdminJWTSecret:   getEnv("ADMIN_JWT_SECRET", ""),
		RateLimitRPS:     getEnvAsFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst:   getEnvAsInt("RATE_LIMIT_BURST", 40),

		AssignmentTimeout:    getEnvAsDuration("ASSIGNMENT_TIMEOUT", 10*time.Second),
		AssignmentMaxRetries: getEnvAsInt("ASSIGNMENT_MAX_RETRIES", 3),

		RedisAddr:     getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),
		GeocodeTTL:    getEnvAsDuration("GEOCODE_CACHE_TTL", 30*24*time.Hour),

		GoogleMapsAPIKey:   getEnv("GOOGLE_MAPS_API_KEY", ""),
		FallbackSpeedKmh:   getEnvAsFloat("FALLBACK_SPEED_KMH", 40),
		ProximityTimeout:   getEnvAsDuration("PROXIMITY_TIMEOUT", 4*time.Second),
		CalendarTimeout:    getEnvAsDuration("CALENDAR_TIMEOUT", 8*time.Second),
		NotificationWindow: getEnvAsDuration("NOTIFICATION_TIMEOUT", 15*time.Second),

		BoulevardAPIKey:           getEnv("BOULEVARD_API_KEY", ""),
		BoulevardBusinessID:       getEnv("BOULEVARD_BUSINESS_ID", ""),
		BoulevardServiceID:        getEnv("BOULEVARD_SERVICE_ID", ""),
		GoogleCalendarCredentials: getEnv("GOOGLE_CALENDAR_CREDENTIALS_JSON", ""),
		GoogleCalendarIDsJSON:     getEnv("GOOGLE_CALENDAR_IDS_JSON", ""),

		TwilioAccountSID: getEnv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:  getEnv("TWILIO_AUTH_TOKEN", ""),
		TwilioFromNumber: getEnv("TWILIO_FROM_NUMBER", ""),

		EmailProvider:     strings.ToLower(strings.TrimSpace(getEnv("EMAIL_PROVIDER", "sendgrid"))),
		SendGridAPIKey:    getEnv("SENDGRID_API_KEY", ""),
		SendGridFromEmail: getEnv("SENDGRID_FROM_EMAIL", ""),
		SendGridFromName:  getEnv("SENDGRID_FROM_NAME", "Dispatch"),
		SESFromEmail:      getEnv("SES_FROM_EMAIL", ""),

		OperatorPhone: getEnv("OPERATOR_PHONE", ""),
		OperatorEmail: getEnv("OPERATOR_EMAIL", ""),
		EscalationSLA: getEnvAsInt("ESCALATION_SLA_HOURS", 4),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),
		TranscriptBucket:    getEnv("TRANSCRIPT_BUCKET", ""),

		EventTransport: strings.ToLower(strings.TrimSpace(getEnv("EVENT_TRANSPORT", "none"))),
		EventQueueURL:  getEnv("EVENT_QUEUE_URL", ""),
		NATSURL:        getEnv("NATS_URL", ""),
		NATSSubject:    getEnv("NATS_SUBJECT", "dispatch.events"),
		EventPollEvery: getEnvAsDuration("EVENT_POLL_INTERVAL", 2*time.Second),
		EventBatchSize: getEnvAsInt("EVENT_BATCH_SIZE", 25),
	}
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
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
