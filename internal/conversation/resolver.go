package conversation

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/propchat-ingest/internal/messaging"
	"github.com/wolfman30/propchat-ingest/pkg/logging"
)

var resolverTracer = otel.Tracer("propchat.internal.conversation.resolver")

type conversationRepository interface {
	FindActiveByPhone(ctx context.Context, phone string) (*Conversation, error)
	Get(ctx context.Context, id uuid.UUID) (*Conversation, error)
	Create(ctx context.Context, in NewConversation) (Conversation, error)
	Backfill(ctx context.Context, id, agentID uuid.UUID, propertyID *int64) (bool, error)
}

type agentDirectory interface {
	PropertyAgent(ctx context.Context, propertyID int64) (uuid.UUID, bool, error)
	LatestLeadAgent(ctx context.Context, phoneForms []string) (uuid.UUID, bool, error)
	UserByPhone(ctx context.Context, phoneForms []string) (uuid.UUID, bool, error)
}

// Resolver maps a sender phone to a conversation and, where possible, an agent.
type Resolver struct {
	conversations conversationRepository
	directory     agentDirectory
	phones        *messaging.PhoneNormalizer
	logger        *logging.Logger
}

// NewResolver wires a resolver. The concrete *Store and *Directory satisfy the
// dependencies; tests pass in-memory fakes.
func NewResolver(conversations conversationRepository, directory agentDirectory, phones *messaging.PhoneNormalizer, logger *logging.Logger) *Resolver {
	if conversations == nil {
		panic("conversation: repository required")
	}
	if directory == nil {
		panic("conversation: directory required")
	}
	if phones == nil {
		phones = messaging.NewPhoneNormalizer(nil)
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Resolver{
		conversations: conversations,
		directory:     directory,
		phones:        phones,
		logger:        logger,
	}
}

// Resolve finds or creates the active conversation for phone. content is scanned for
// a property reference. Directory misses and lookup failures leave the conversation
// unassigned; only conversation reads and the create are returned as errors.
func (r *Resolver) Resolve(ctx context.Context, phone, content string) (Resolution, error) {
	ctx, span := resolverTracer.Start(ctx, "conversation.resolve")
	defer span.End()

	key := r.phones.Normalize(phone)
	if key == "" {
		return Resolution{}, fmt.Errorf("conversation: resolve: empty phone")
	}

	existing, err := r.conversations.FindActiveByPhone(ctx, key)
	if err != nil {
		span.RecordError(err)
		return Resolution{}, err
	}
	if existing != nil {
		res := r.resolveExisting(ctx, *existing, content)
		span.SetAttributes(
			attribute.Bool("conversation.created", false),
			attribute.Bool("conversation.assigned", res.HasAgent()),
			attribute.Bool("conversation.backfilled", res.Backfilled),
		)
		return res, nil
	}

	res, err := r.create(ctx, key, content)
	if err != nil {
		span.RecordError(err)
		return Resolution{}, err
	}
	span.SetAttributes(
		attribute.Bool("conversation.created", true),
		attribute.Bool("conversation.assigned", res.HasAgent()),
	)
	return res, nil
}

func (r *Resolver) resolveExisting(ctx context.Context, conv Conversation, content string) Resolution {
	res := resolutionFor(conv)
	if conv.Assigned() {
		return res
	}

	propertyID, ok := ExtractPropertyID(content)
	if !ok {
		return res
	}
	agentID, ok := r.propertyAgent(ctx, propertyID)
	if !ok {
		return res
	}

	updated, err := r.conversations.Backfill(ctx, conv.ID, agentID, &propertyID)
	if err != nil {
		r.logger.Warn("conversation backfill failed", "conversation_id", conv.ID, "property_id", propertyID, "error", err)
		return res
	}
	if !updated {
		// Assigned concurrently; report what is stored now.
		current, err := r.conversations.Get(ctx, conv.ID)
		if err != nil || current == nil {
			return res
		}
		return resolutionFor(*current)
	}

	res.AgentID = &agentID
	if res.PropertyID == nil {
		res.PropertyID = &propertyID
	}
	res.Backfilled = true
	r.logger.Info("conversation assigned from property reference", "conversation_id", conv.ID, "agent_id", agentID, "property_id", propertyID)
	return res
}

func (r *Resolver) create(ctx context.Context, key, content string) (Resolution, error) {
	forms := r.phones.LookupForms(key)
	in := NewConversation{PhoneNumber: key}

	if propertyID, ok := ExtractPropertyID(content); ok {
		if agentID, ok := r.propertyAgent(ctx, propertyID); ok {
			in.AgentID = &agentID
			in.PropertyID = &propertyID
		}
	}
	if in.AgentID == nil {
		agentID, ok, err := r.directory.LatestLeadAgent(ctx, forms)
		if err != nil {
			r.logger.Warn("lead agent lookup failed", "phone", key, "error", err)
		} else if ok {
			in.AgentID = &agentID
		}
	}

	userID, ok, err := r.directory.UserByPhone(ctx, forms)
	if err != nil {
		r.logger.Warn("user lookup failed", "phone", key, "error", err)
	} else if ok {
		in.UserID = &userID
	}

	conv, err := r.conversations.Create(ctx, in)
	if errors.Is(err, ErrActiveConversationExists) {
		// Another writer created it first; continue on the stored row.
		existing, findErr := r.conversations.FindActiveByPhone(ctx, key)
		if findErr != nil {
			return Resolution{}, findErr
		}
		if existing == nil {
			return Resolution{}, err
		}
		r.logger.Info("conversation created concurrently, reusing", "conversation_id", existing.ID)
		return r.resolveExisting(ctx, *existing, content), nil
	}
	if err != nil {
		return Resolution{}, err
	}
	if in.AgentID == nil {
		r.logger.Info("conversation created unassigned", "conversation_id", conv.ID)
	}
	res := resolutionFor(conv)
	res.Created = true
	return res, nil
}

func (r *Resolver) propertyAgent(ctx context.Context, propertyID int64) (uuid.UUID, bool) {
	agentID, ok, err := r.directory.PropertyAgent(ctx, propertyID)
	if err != nil {
		r.logger.Warn("property agent lookup failed", "property_id", propertyID, "error", err)
		return uuid.Nil, false
	}
	if !ok || agentID == uuid.Nil {
		return uuid.Nil, false
	}
	return agentID, true
}

func resolutionFor(conv Conversation) Resolution {
	return Resolution{
		ConversationID: conv.ID,
		AgentID:        conv.AgentID,
		PropertyID:     conv.PropertyID,
		UserID:         conv.UserID,
	}
}
