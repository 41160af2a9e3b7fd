package bootstrap

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go-v2/aws"

	appconfig "github.com/wolfman30/propchat-ingest/internal/config"
	"github.com/wolfman30/propchat-ingest/internal/notify"
	"github.com/wolfman30/propchat-ingest/pkg/logging"
)

func quietLogger() *logging.Logger {
	return logging.NewWithWriter("error", io.Discard)
}

func staticAWS(ctx context.Context, cfg *appconfig.Config) (aws.Config, error) {
	return aws.Config{Region: cfg.AWSRegion}, nil
}

func TestBuildRedisClientDisabled(t *testing.T) {
	if client := BuildRedisClient(context.Background(), &appconfig.Config{}, quietLogger(), true); client != nil {
		t.Fatalf("expected nil client without REDIS_ADDR")
	}
	if client := BuildRedisClient(context.Background(), nil, quietLogger(), true); client != nil {
		t.Fatalf("expected nil client for nil config")
	}
}

func TestBuildRedisClientVerifies(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	addr := mr.Addr()
	client := BuildRedisClient(context.Background(), &appconfig.Config{RedisAddr: addr}, quietLogger(), true)
	if client == nil {
		t.Fatalf("expected client for reachable redis")
	}
	_ = client.Close()

	mr.Close()
	if client := BuildRedisClient(context.Background(), &appconfig.Config{RedisAddr: addr}, quietLogger(), true); client != nil {
		t.Fatalf("expected nil client when ping fails")
	}
}

func TestBuildEmailSenderRequiresConfig(t *testing.T) {
	if _, _, err := BuildEmailSender(context.Background(), nil, staticAWS, quietLogger()); err == nil {
		t.Fatalf("expected error for nil config")
	}
}

func TestBuildEmailSenderSelection(t *testing.T) {
	tests := []struct {
		name     string
		cfg      appconfig.Config
		provider string
		wantNil  bool
		wantErr  bool
	}{
		{name: "auto with nothing configured", cfg: appconfig.Config{EmailProvider: "auto"}, wantNil: true},
		{name: "auto prefers sendgrid", cfg: appconfig.Config{EmailProvider: "auto", SendGridAPIKey: "SG.x", SESFromEmail: "a@b.c"}, provider: "sendgrid"},
		{name: "auto falls back to ses", cfg: appconfig.Config{EmailProvider: "", SESFromEmail: "inbox@example.com", AWSRegion: "af-south-1"}, provider: "ses"},
		{name: "explicit ses", cfg: appconfig.Config{EmailProvider: "ses", SESFromEmail: "inbox@example.com"}, provider: "ses"},
		{name: "ses without from", cfg: appconfig.Config{EmailProvider: "ses"}, wantErr: true},
		{name: "sendgrid without key", cfg: appconfig.Config{EmailProvider: "sendgrid"}, wantErr: true},
		{name: "stub", cfg: appconfig.Config{EmailProvider: "stub"}, provider: "stub"},
		{name: "disabled", cfg: appconfig.Config{EmailProvider: "none"}, wantNil: true},
		{name: "unknown", cfg: appconfig.Config{EmailProvider: "pigeon"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			sender, provider, err := BuildEmailSender(context.Background(), &cfg, staticAWS, quietLogger())
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantNil {
				if sender != nil {
					t.Fatalf("expected nil sender, got %T", sender)
				}
				return
			}
			if sender == nil {
				t.Fatalf("expected sender")
			}
			if provider != tt.provider {
				t.Fatalf("expected provider %q, got %q", tt.provider, provider)
			}
		})
	}
}

func TestBuildEmailSenderStubType(t *testing.T) {
	sender, _, err := BuildEmailSender(context.Background(), &appconfig.Config{EmailProvider: "stub"}, nil, quietLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := sender.(*notify.StubEmailSender); !ok {
		t.Fatalf("expected StubEmailSender, got %T", sender)
	}
}

func TestBuildEmailSenderAWSLoadError(t *testing.T) {
	failing := func(context.Context, *appconfig.Config) (aws.Config, error) {
		return aws.Config{}, errors.New("no credentials")
	}
	_, _, err := BuildEmailSender(context.Background(), &appconfig.Config{EmailProvider: "ses", SESFromEmail: "a@b.c"}, failing, quietLogger())
	if err == nil {
		t.Fatalf("expected aws load error")
	}
}

func TestBuildRelaySender(t *testing.T) {
	sender, err := BuildRelaySender(&appconfig.Config{}, quietLogger())
	if err != nil || sender != nil {
		t.Fatalf("expected nil sender without RELAY_URL, got %v %v", sender, err)
	}

	sender, err = BuildRelaySender(&appconfig.Config{RelayURL: "https://relay.example.com/send", RelayAPIKey: "k"}, quietLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := sender.(*notify.RelayClient); !ok {
		t.Fatalf("expected RelayClient, got %T", sender)
	}
}
