package handlers

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/propchat-ingest/internal/inbound"
	"github.com/wolfman30/propchat-ingest/internal/ingest"
	observemetrics "github.com/wolfman30/propchat-ingest/internal/observability/metrics"
	"github.com/wolfman30/propchat-ingest/pkg/logging"
)

const defaultMaxBodyBytes int64 = 1 << 20

type deliveryProcessor interface {
	ProcessDelivery(ctx context.Context, body []byte, formatHint string) ingest.DeliveryResult
}

// ChatWebhookHandler serves the relay's subscription handshake and message deliveries.
type ChatWebhookHandler struct {
	verifyToken  string
	appSecret    string
	maxBodyBytes int64
	processor    deliveryProcessor
	metrics      *observemetrics.IngestMetrics
	logger       *logging.Logger
}

type ChatWebhookConfig struct {
	VerifyToken string
	// AppSecret enables X-Hub-Signature-256 verification when set.
	AppSecret    string
	MaxBodyBytes int64
	Processor    deliveryProcessor
	Metrics      *observemetrics.IngestMetrics
	Logger       *logging.Logger
}

func NewChatWebhookHandler(cfg ChatWebhookConfig) *ChatWebhookHandler {
	if cfg.Processor == nil {
		panic("handlers: chat webhook processor required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &ChatWebhookHandler{
		verifyToken:  cfg.VerifyToken,
		appSecret:    cfg.AppSecret,
		maxBodyBytes: cfg.MaxBodyBytes,
		processor:    cfg.Processor,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
	}
}

// HandleVerification answers the GET subscription handshake. This is the only
// endpoint on the webhook that may answer with something other than 200.
func (h *ChatWebhookHandler) HandleVerification(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")
	challenge := q.Get("hub.challenge")

	if mode == "subscribe" && h.verifyToken != "" &&
		subtle.ConstantTimeCompare([]byte(token), []byte(h.verifyToken)) == 1 {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, challenge)
		return
	}

	h.logger.Warn("chat webhook verification rejected", "mode", mode)
	http.Error(w, "Forbidden", http.StatusForbidden)
}

type chatWebhookResponse struct {
	Status         string `json:"status"`
	Processed      int    `json:"processed"`
	ConversationID string `json:"conversationId,omitempty"`
}

// HandleDelivery accepts a canonical or legacy payload. It always answers 200: the
// relay retries on anything else and dedup already covers legitimate retries.
func (h *ChatWebhookHandler) HandleDelivery(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	resp, format := h.guard(func() (chatWebhookResponse, string) {
		return h.deliver(w, r)
	})
	h.metrics.ObserveDelivery(format, resp.Status)
	h.metrics.ObserveWebhookLatency(format, time.Since(start).Seconds())
	writeJSON(w, http.StatusOK, resp)
}

// guard is the single boundary that turns any panic into a logged error status.
func (h *ChatWebhookHandler) guard(fn func() (chatWebhookResponse, string)) (resp chatWebhookResponse, format string) {
	defer func() {
		if rec := recover(); rec != nil {
			h.logger.Error("chat webhook panicked", "panic", fmt.Sprint(rec))
			resp = chatWebhookResponse{Status: ingest.StatusError}
			if format == "" {
				format = "unknown"
			}
		}
	}()
	return fn()
}

func (h *ChatWebhookHandler) deliver(w http.ResponseWriter, r *http.Request) (chatWebhookResponse, string) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		h.logger.Warn("chat webhook body unreadable", "error", err)
		return chatWebhookResponse{Status: ingest.StatusIgnored}, "unknown"
	}

	if h.appSecret != "" && !inbound.VerifySignature(h.appSecret, body, r.Header.Get(inbound.SignatureHeader)) {
		h.logger.Warn("chat webhook signature rejected", "remote_ip", r.RemoteAddr)
		return chatWebhookResponse{Status: ingest.StatusRejected}, "unknown"
	}

	result := h.processor.ProcessDelivery(r.Context(), body, r.Header.Get(inbound.FormatHeader))
	format := string(result.Format)
	if format == "" {
		format = "unknown"
	}
	resp := chatWebhookResponse{Status: result.Status, Processed: result.Processed}
	if result.ConversationID != uuid.Nil {
		resp.ConversationID = result.ConversationID.String()
	}
	h.logger.Info("chat webhook handled",
		"format", format,
		"status", result.Status,
		"processed", result.Processed,
		"duplicates", result.Duplicates,
		"skipped", result.Skipped,
		"failed", result.Failed,
	)
	return resp, format
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
