package ingest

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/propchat-ingest/internal/conversation"
	"github.com/wolfman30/propchat-ingest/internal/inbound"
	"github.com/wolfman30/propchat-ingest/internal/messaging"
	"github.com/wolfman30/propchat-ingest/internal/notify"
	"github.com/wolfman30/propchat-ingest/pkg/logging"
)

var pipelineTracer = otel.Tracer("propchat.internal.ingest.pipeline")

// Delivery statuses returned to the relay in the response body.
const (
	StatusOK        = "ok"
	StatusDuplicate = "duplicate"
	StatusIgnored   = "ignored"
	StatusError     = "error"
	StatusRejected  = "rejected"
)

// Outcome of a single normalized message.
type Outcome string

const (
	OutcomeStored    Outcome = "stored"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
)

// DedupGuard reports whether an external id was already stored.
type DedupGuard interface {
	Seen(ctx context.Context, externalID string) (uuid.UUID, bool, error)
}

// ConversationResolver finds or creates the conversation for a sender.
type ConversationResolver interface {
	Resolve(ctx context.Context, phone, content string) (conversation.Resolution, error)
}

// MessageStore persists inbound messages.
type MessageStore interface {
	InsertInbound(ctx context.Context, rec messaging.InboundRecord) (messaging.StoredMessage, error)
	TouchConversation(ctx context.Context, conversationID uuid.UUID) error
}

// NotificationDispatcher hands a stored message to the fanout without waiting on it.
type NotificationDispatcher interface {
	Enqueue(ctx context.Context, ev notify.Event) error
}

// Locker serializes work per sender phone.
type Locker interface {
	Acquire(ctx context.Context, phone string) func()
}

// MessageRecorder counts per-message outcomes. *metrics.IngestMetrics implements it.
type MessageRecorder interface {
	ObserveMessage(outcome string)
}

// Deps wires the pipeline. Dedup, Resolver and Messages are required.
type Deps struct {
	Dedup      DedupGuard
	Resolver   ConversationResolver
	Messages   MessageStore
	Dispatcher NotificationDispatcher
	Locker     Locker
	Phones     *messaging.PhoneNormalizer
	Metrics    MessageRecorder
	Logger     *logging.Logger
	Now        func() time.Time
}

// Pipeline runs each normalized message through dedup, resolution, storage and
// notification dispatch.
type Pipeline struct {
	dedup      DedupGuard
	resolver   ConversationResolver
	messages   MessageStore
	dispatcher NotificationDispatcher
	locker     Locker
	phones     *messaging.PhoneNormalizer
	metrics    MessageRecorder
	logger     *logging.Logger
	now        func() time.Time
}

func NewPipeline(deps Deps) *Pipeline {
	if deps.Dedup == nil || deps.Resolver == nil || deps.Messages == nil {
		panic("ingest: dedup, resolver and message store are required")
	}
	if deps.Phones == nil {
		deps.Phones = messaging.NewPhoneNormalizer(nil)
	}
	if deps.Logger == nil {
		deps.Logger = logging.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Pipeline{
		dedup:      deps.Dedup,
		resolver:   deps.Resolver,
		messages:   deps.Messages,
		dispatcher: deps.Dispatcher,
		locker:     deps.Locker,
		phones:     deps.Phones,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		now:        deps.Now,
	}
}

// MessageResult is the outcome of Process for one message.
type MessageResult struct {
	Outcome        Outcome
	ConversationID uuid.UUID
	MessageID      uuid.UUID
	Notified       bool
}

// DeliveryResult summarizes one webhook delivery.
type DeliveryResult struct {
	Format         inbound.Format
	Status         string
	Processed      int
	Duplicates     int
	Skipped        int
	Failed         int
	ConversationID uuid.UUID
}

// ProcessDelivery parses body, fans legacy payloads out to one message per text
// entry and processes each independently. It never returns an error; failures are
// folded into the status.
func (p *Pipeline) ProcessDelivery(ctx context.Context, body []byte, formatHint string) DeliveryResult {
	ctx, span := pipelineTracer.Start(ctx, "ingest.delivery")
	defer span.End()

	payload, err := inbound.ParsePayload(body, formatHint)
	if err != nil {
		p.logger.Warn("chat webhook payload ignored", "error", err)
		return DeliveryResult{Status: StatusIgnored}
	}
	batch := inbound.Normalize(payload, p.now)
	result := DeliveryResult{Format: payload.Format(), Skipped: batch.Skipped}
	if len(batch.InvalidTimestamps) > 0 {
		p.logger.Warn("chat message timestamps unparseable, using receive time", "values", batch.InvalidTimestamps)
	}
	for i := 0; i < batch.Skipped; i++ {
		p.observe(OutcomeSkipped)
	}

	for _, msg := range batch.Messages {
		res, err := p.Process(ctx, msg)
		switch {
		case err == nil && res.Outcome == OutcomeStored:
			result.Processed++
		case err == nil && res.Outcome == OutcomeDuplicate:
			result.Duplicates++
		case errors.Is(err, ErrValidationSkip):
			result.Skipped++
		default:
			result.Failed++
			p.logger.Error("chat message processing failed", "external_id", msg.ExternalID, "error", err)
		}
		if res.ConversationID != uuid.Nil {
			result.ConversationID = res.ConversationID
		}
	}

	switch {
	case result.Failed > 0:
		result.Status = StatusError
	case result.Processed > 0:
		result.Status = StatusOK
	case result.Duplicates > 0:
		result.Status = StatusDuplicate
	default:
		result.Status = StatusIgnored
	}
	span.SetAttributes(
		attribute.String("ingest.format", string(result.Format)),
		attribute.String("ingest.status", result.Status),
		attribute.Int("ingest.processed", result.Processed),
	)
	return result
}

// Process stores one normalized message and queues its notification. Duplicates
// return OutcomeDuplicate with a nil error; database failures return a
// *PersistenceFailure.
func (p *Pipeline) Process(ctx context.Context, msg inbound.Message) (MessageResult, error) {
	ctx, span := pipelineTracer.Start(ctx, "ingest.message",
		trace.WithAttributes(attribute.String("message.external_id", msg.ExternalID)))
	defer span.End()

	phone := p.phones.Normalize(msg.FromPhone)
	if phone == "" || strings.TrimSpace(msg.Content) == "" {
		p.observe(OutcomeSkipped)
		return MessageResult{Outcome: OutcomeSkipped}, ErrValidationSkip
	}
	logger := p.logger.With("external_id", msg.ExternalID, "phone", phone)

	if p.locker != nil {
		release := p.locker.Acquire(ctx, phone)
		defer release()
	}

	if convID, seen, err := p.dedup.Seen(ctx, msg.ExternalID); err != nil {
		p.observe(OutcomeFailed)
		span.RecordError(err)
		return MessageResult{Outcome: OutcomeFailed}, persistenceFailure("dedup", err)
	} else if seen {
		logger.Info("duplicate chat message ignored", "conversation_id", convID)
		p.observe(OutcomeDuplicate)
		return MessageResult{Outcome: OutcomeDuplicate, ConversationID: convID}, nil
	}

	resolution, err := p.resolver.Resolve(ctx, phone, msg.Content)
	if err != nil {
		p.observe(OutcomeFailed)
		span.RecordError(err)
		return MessageResult{Outcome: OutcomeFailed}, persistenceFailure("resolve conversation", err)
	}

	stored, err := p.messages.InsertInbound(ctx, messaging.InboundRecord{
		ConversationID: resolution.ConversationID,
		SenderPhone:    phone,
		Content:        msg.Content,
		ExternalID:     msg.ExternalID,
		ReceivedAt:     msg.ReceivedAt,
	})
	if err != nil {
		if errors.Is(err, messaging.ErrDuplicateMessage) {
			logger.Info("duplicate chat message rejected by store", "conversation_id", resolution.ConversationID)
			p.observe(OutcomeDuplicate)
			return MessageResult{Outcome: OutcomeDuplicate, ConversationID: resolution.ConversationID}, nil
		}
		p.observe(OutcomeFailed)
		span.RecordError(err)
		return MessageResult{Outcome: OutcomeFailed, ConversationID: resolution.ConversationID}, persistenceFailure("insert message", err)
	}

	if err := p.messages.TouchConversation(ctx, resolution.ConversationID); err != nil {
		logger.Warn("conversation touch failed", "conversation_id", resolution.ConversationID, "error", err)
	}
	p.observe(OutcomeStored)

	result := MessageResult{
		Outcome:        OutcomeStored,
		ConversationID: resolution.ConversationID,
		MessageID:      stored.ID,
	}
	if !resolution.HasAgent() {
		logger.Info("chat message stored for manual triage", "conversation_id", resolution.ConversationID)
		return result, nil
	}
	if p.dispatcher == nil {
		return result, nil
	}

	err = p.dispatcher.Enqueue(ctx, notify.Event{
		ConversationID: resolution.ConversationID,
		AgentID:        *resolution.AgentID,
		SenderPhone:    phone,
		Content:        msg.Content,
		PropertyID:     resolution.PropertyID,
		ReceivedAt:     msg.ReceivedAt,
	})
	if err != nil {
		logger.Warn("notification dispatch not queued", "conversation_id", resolution.ConversationID, "error", err)
		return result, nil
	}
	result.Notified = true
	return result, nil
}

func (p *Pipeline) observe(outcome Outcome) {
	if p.metrics != nil {
		p.metrics.ObserveMessage(string(outcome))
	}
}
