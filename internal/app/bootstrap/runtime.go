package bootstrap

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/redis/go-redis/v9"

	appconfig "github.com/wolfman30/propchat-ingest/internal/config"
	"github.com/wolfman30/propchat-ingest/internal/notify"
	"github.com/wolfman30/propchat-ingest/pkg/logging"
)

// AWSConfigLoader resolves SDK configuration; cmd/mainconfig.LoadAWSConfig satisfies it.
type AWSConfigLoader func(ctx context.Context, cfg *appconfig.Config) (aws.Config, error)

// BuildRedisClient returns a configured Redis client or nil when disabled.
// When verify is true, a ping is issued and failures return nil.
func BuildRedisClient(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, verify bool) *redis.Client {
	if cfg == nil || strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	redisOptions := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		redisOptions.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(redisOptions)
	if !verify {
		return client
	}
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not available; sender lock will be process-local", "error", err)
		_ = client.Close()
		return nil
	}
	return client
}

// BuildEmailSender picks the agent email transport. EMAIL_PROVIDER=auto prefers
// SendGrid, then SES. A nil sender with a nil error means email is disabled.
func BuildEmailSender(ctx context.Context, cfg *appconfig.Config, loadAWS AWSConfigLoader, logger *logging.Logger) (notify.EmailSender, string, error) {
	if cfg == nil {
		return nil, "", fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	provider := strings.ToLower(strings.TrimSpace(cfg.EmailProvider))
	switch provider {
	case "", "auto":
		if sender := buildSendGrid(cfg, logger); sender != nil {
			return sender, "sendgrid", nil
		}
		if strings.TrimSpace(cfg.SESFromEmail) == "" {
			logger.Warn("no email transport configured; agent emails disabled")
			return nil, "", nil
		}
		return buildSES(ctx, cfg, loadAWS, logger)
	case "sendgrid":
		sender := buildSendGrid(cfg, logger)
		if sender == nil {
			return nil, "", fmt.Errorf("bootstrap: sendgrid selected but SENDGRID_API_KEY is empty")
		}
		return sender, "sendgrid", nil
	case "ses":
		return buildSES(ctx, cfg, loadAWS, logger)
	case "stub":
		return notify.NewStubEmailSender(logger), "stub", nil
	case "none", "disabled":
		return nil, "", nil
	default:
		return nil, "", fmt.Errorf("bootstrap: unknown email provider %q", cfg.EmailProvider)
	}
}

func buildSendGrid(cfg *appconfig.Config, logger *logging.Logger) notify.EmailSender {
	sender := notify.NewSendGridSender(notify.SendGridConfig{
		APIKey:    cfg.SendGridAPIKey,
		FromEmail: cfg.SendGridFromEmail,
		FromName:  cfg.SendGridFromName,
	}, logger)
	if sender == nil {
		return nil
	}
	return sender
}

func buildSES(ctx context.Context, cfg *appconfig.Config, loadAWS AWSConfigLoader, logger *logging.Logger) (notify.EmailSender, string, error) {
	if loadAWS == nil {
		return nil, "", fmt.Errorf("bootstrap: aws config loader is required for ses")
	}
	awsCfg, err := loadAWS(ctx, cfg)
	if err != nil {
		return nil, "", fmt.Errorf("bootstrap: load aws config: %w", err)
	}
	sender := notify.NewSESSender(sesv2.NewFromConfig(awsCfg), notify.SESConfig{
		FromEmail: cfg.SESFromEmail,
		FromName:  cfg.SESFromName,
	}, logger)
	if sender == nil {
		return nil, "", fmt.Errorf("bootstrap: ses selected but SES_FROM_EMAIL is empty")
	}
	return sender, "ses", nil
}

// BuildRelaySender returns the outbound relay client, or nil when RELAY_URL is unset.
func BuildRelaySender(cfg *appconfig.Config, logger *logging.Logger) (notify.RelaySender, error) {
	if cfg == nil || strings.TrimSpace(cfg.RelayURL) == "" {
		return nil, nil
	}
	client, err := notify.NewRelayClient(notify.RelayConfig{
		URL:     cfg.RelayURL,
		APIKey:  cfg.RelayAPIKey,
		Channel: cfg.RelayChannel,
		Timeout: cfg.RelayTimeout,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: relay client: %w", err)
	}
	return client, nil
}
