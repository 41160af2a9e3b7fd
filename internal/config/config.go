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

	// Webhook handshake and optional payload signing
	WebhookVerifyToken string
	WebhookAppSecret   string
	WebhookMaxBodySize int64

	// Outbound chat relay
	RelayURL     string
	RelayAPIKey  string
	RelayChannel string
	RelayTimeout time.Duration

	// Phone directory key policy
	PhoneCountryCode     string
	PhoneNationalDigits  int
	NotificationTimeout  time.Duration
	NotificationLinkPath string

	// Email transport: sendgrid, ses or stub
	EmailProvider     string
	SendGridAPIKey    string
	SendGridFromEmail string
	SendGridFromName  string
	SESFromEmail      string
	SESFromName       string

	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string

	// Per-sender serialization
	RedisAddr     string
	RedisPassword string
	RedisTLS      bool
	SenderLockTTL time.Duration
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("ENV", "development"),
		PublicBaseURL: strings.TrimRight(getEnv("PUBLIC_BASE_URL", ""), "/"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),

		WebhookVerifyToken: getEnv("WEBHOOK_VERIFY_TOKEN", ""),
		WebhookAppSecret:   getEnv("WEBHOOK_APP_SECRET", ""),
		WebhookMaxBodySize: int64(getEnvAsInt("WEBHOOK_MAX_BODY_BYTES", 1<<20)),

		RelayURL:     getEnv("RELAY_URL", ""),
		RelayAPIKey:  getEnv("RELAY_API_KEY", ""),
		RelayChannel: getEnv("RELAY_CHANNEL", "whatsapp"),
		RelayTimeout: getEnvAsDuration("RELAY_TIMEOUT", 10*time.Second),

		PhoneCountryCode:     getEnv("PHONE_COUNTRY_CODE", "27"),
		PhoneNationalDigits:  getEnvAsInt("PHONE_NATIONAL_DIGITS", 10),
		NotificationTimeout:  getEnvAsDuration("NOTIFY_TIMEOUT", 10*time.Second),
		NotificationLinkPath: getEnv("NOTIFY_LINK_PATH", "/dashboard/conversations"),

		EmailProvider:     strings.ToLower(strings.TrimSpace(getEnv("EMAIL_PROVIDER", "auto"))),
		SendGridAPIKey:    getEnv("SENDGRID_API_KEY", ""),
		SendGridFromEmail: getEnv("SENDGRID_FROM_EMAIL", ""),
		SendGridFromName:  getEnv("SENDGRID_FROM_NAME", "Property Inbox"),
		SESFromEmail:      getEnv("SES_FROM_EMAIL", ""),
		SESFromName:       getEnv("SES_FROM_NAME", "Property Inbox"),

		AWSRegion:           getEnv("AWS_REGION", "af-south-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),
		SenderLockTTL: getEnvAsDuration("SENDER_LOCK_TTL", 15*time.Second),
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
