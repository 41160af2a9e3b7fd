package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/wolfman30/propchat-ingest/pkg/logging"
)

const (
	defaultRelayChannel   = "whatsapp"
	defaultRelayUserAgent = "propchat-ingest/0.1"
	relayAPIKeyHeader     = "X-API-Key"
	maxErrorBodyBytes     = 4 << 10
)

// TransportError is a non-2xx answer from an outbound transport.
type TransportError struct {
	Transport  string
	StatusCode int
	Body       string
}

func (e *TransportError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("notify: %s returned status %d", e.Transport, e.StatusCode)
	}
	return fmt.Sprintf("notify: %s returned status %d: %s", e.Transport, e.StatusCode, e.Body)
}

// RelaySender pushes a chat message to a phone through the relay.
type RelaySender interface {
	SendMessage(ctx context.Context, to, content string) error
}

// RelayConfig controls the relay client.
type RelayConfig struct {
	URL        string
	APIKey     string
	Channel    string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *logging.Logger
	UserAgent  string
}

// RelayClient posts {channel, to, content} to the relay's send endpoint.
// Failed sends are not retried.
type RelayClient struct {
	url        string
	apiKey     string
	channel    string
	httpClient *http.Client
	logger     *logging.Logger
	userAgent  string
}

// NewRelayClient validates cfg and applies defaults.
func NewRelayClient(cfg RelayConfig) (*RelayClient, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("notify: relay URL is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	channel := strings.TrimSpace(cfg.Channel)
	if channel == "" {
		channel = defaultRelayChannel
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = defaultRelayUserAgent
	}
	return &RelayClient{
		url:        url,
		apiKey:     cfg.APIKey,
		channel:    channel,
		httpClient: httpClient,
		logger:     logger,
		userAgent:  userAgent,
	}, nil
}

type relayRequest struct {
	Channel string `json:"channel"`
	To      string `json:"to"`
	Content string `json:"content"`
}

// SendMessage delivers content to the given phone. Any 2xx is accepted.
func (c *RelayClient) SendMessage(ctx context.Context, to, content string) error {
	if strings.TrimSpace(to) == "" {
		return errors.New("notify: relay recipient required")
	}
	body, err := json.Marshal(relayRequest{Channel: c.channel, To: to, Content: content})
	if err != nil {
		return fmt.Errorf("notify: marshal relay body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build relay request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if c.apiKey != "" {
		req.Header.Set(relayAPIKeyHeader, c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("notify: relay http error: %w", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		c.logger.Debug("relay message accepted", "to", to, "status", resp.StatusCode)
		return nil
	}
	return &TransportError{Transport: "relay", StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
}

var _ RelaySender = (*RelayClient)(nil)
