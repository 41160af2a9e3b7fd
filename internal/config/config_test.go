package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "ENV", "LOG_LEVEL", "PHONE_COUNTRY_CODE", "RELAY_TIMEOUT", "EMAIL_PROVIDER", "REDIS_ADDR", "PUBLIC_BASE_URL"} {
		t.Setenv(key, "")
	}
	cfg := Load()
	if cfg.Port != "8080" {
		t.Fatalf("expected default port, got %s", cfg.Port)
	}
	if cfg.Env != "development" {
		t.Fatalf("expected default env, got %s", cfg.Env)
	}
	if cfg.PhoneCountryCode != "27" {
		t.Fatalf("expected default country code 27, got %s", cfg.PhoneCountryCode)
	}
	if cfg.PhoneNationalDigits != 10 {
		t.Fatalf("expected 10 national digits, got %d", cfg.PhoneNationalDigits)
	}
	if cfg.RelayTimeout != 10*time.Second {
		t.Fatalf("expected default relay timeout, got %s", cfg.RelayTimeout)
	}
	if cfg.EmailProvider != "auto" {
		t.Fatalf("expected auto email provider, got %s", cfg.EmailProvider)
	}
	if cfg.RedisAddr != "" {
		t.Fatalf("expected redis disabled by default, got %s", cfg.RedisAddr)
	}
	if cfg.WebhookMaxBodySize != 1<<20 {
		t.Fatalf("expected 1MiB body cap, got %d", cfg.WebhookMaxBodySize)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DATABASE_URL", "postgres://user@host/db")
	t.Setenv("WEBHOOK_VERIFY_TOKEN", "verify-me")
	t.Setenv("RELAY_URL", "https://relay.example.com/send")
	t.Setenv("RELAY_TIMEOUT", "3s")
	t.Setenv("PHONE_COUNTRY_CODE", "44")
	t.Setenv("EMAIL_PROVIDER", " SES ")
	t.Setenv("PUBLIC_BASE_URL", "https://app.example.com/")
	t.Setenv("REDIS_TLS", "true")
	t.Setenv("SENDER_LOCK_TTL", "30s")
	cfg := Load()
	if cfg.Port != "9090" {
		t.Fatalf("expected override port, got %s", cfg.Port)
	}
	if cfg.DatabaseURL != "postgres://user@host/db" {
		t.Fatalf("expected db override, got %s", cfg.DatabaseURL)
	}
	if cfg.WebhookVerifyToken != "verify-me" {
		t.Fatalf("expected verify token override, got %s", cfg.WebhookVerifyToken)
	}
	if cfg.RelayURL != "https://relay.example.com/send" {
		t.Fatalf("expected relay url override, got %s", cfg.RelayURL)
	}
	if cfg.RelayTimeout != 3*time.Second {
		t.Fatalf("expected relay timeout override, got %s", cfg.RelayTimeout)
	}
	if cfg.PhoneCountryCode != "44" {
		t.Fatalf("expected country code override, got %s", cfg.PhoneCountryCode)
	}
	if cfg.EmailProvider != "ses" {
		t.Fatalf("expected normalized email provider, got %q", cfg.EmailProvider)
	}
	if cfg.PublicBaseURL != "https://app.example.com" {
		t.Fatalf("expected trailing slash trimmed, got %s", cfg.PublicBaseURL)
	}
	if !cfg.RedisTLS {
		t.Fatalf("expected redis tls enabled")
	}
	if cfg.SenderLockTTL != 30*time.Second {
		t.Fatalf("expected sender lock ttl override, got %s", cfg.SenderLockTTL)
	}
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("RELAY_TIMEOUT", "soon")
	t.Setenv("REDIS_TLS", "maybe")
	t.Setenv("PHONE_NATIONAL_DIGITS", "ten")
	cfg := Load()
	if cfg.RelayTimeout != 10*time.Second {
		t.Fatalf("expected default relay timeout, got %s", cfg.RelayTimeout)
	}
	if cfg.RedisTLS {
		t.Fatalf("expected redis tls default false")
	}
	if cfg.PhoneNationalDigits != 10 {
		t.Fatalf("expected default national digits, got %d", cfg.PhoneNationalDigits)
	}
}
