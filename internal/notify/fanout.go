package notify

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/wolfman30/propchat-ingest/internal/conversation"
	"github.com/wolfman30/propchat-ingest/internal/messaging"
	"github.com/wolfman30/propchat-ingest/pkg/logging"
)

var fanoutTracer = otel.Tracer("propchat.internal.notify.fanout")

const (
	ChannelInApp = "in_app"
	ChannelRelay = "relay"
	ChannelEmail = "email"
)

// Result of one notification attempt.
type Result string

const (
	ResultSent    Result = "sent"
	ResultSkipped Result = "skipped"
	ResultFailed  Result = "failed"
)

const (
	defaultPreviewLength = 150
	defaultLinkPath      = "/dashboard/conversations"
	defaultFanoutTimeout = 10 * time.Second
)

// ContactDirectory loads agent contact details.
type ContactDirectory interface {
	AgentContact(ctx context.Context, agentID uuid.UUID) (conversation.AgentContact, error)
}

// InAppWriter stores in-app notifications.
type InAppWriter interface {
	Insert(ctx context.Context, n Notification) (Notification, error)
}

// AttemptRecorder counts attempts per channel. *metrics.IngestMetrics implements it.
type AttemptRecorder interface {
	ObserveNotification(channel, result string)
}

// Event is one stored inbound message that should reach its agent.
type Event struct {
	ConversationID uuid.UUID
	AgentID        uuid.UUID
	SenderPhone    string
	Content        string
	PropertyID     *int64
	ReceivedAt     time.Time
}

// Outcome reports what happened on each channel.
type Outcome struct {
	InApp Result
	Relay Result
	Email Result
}

// FanoutConfig configures links, previews and per-channel timeouts.
type FanoutConfig struct {
	PublicBaseURL string
	LinkPath      string
	Timeout       time.Duration
	PreviewLength int
}

// FanoutDeps are the collaborators. Nil transports disable their channel.
type FanoutDeps struct {
	Contacts ContactDirectory
	InApp    InAppWriter
	Relay    RelaySender
	Email    EmailSender
	Phones   *messaging.PhoneNormalizer
	Metrics  AttemptRecorder
	Logger   *logging.Logger
}

// Fanout notifies an agent over in-app, relay and email. Channels run
// concurrently and a failure on one never affects the others.
type Fanout struct {
	cfg      FanoutConfig
	contacts ContactDirectory
	inApp    InAppWriter
	relay    RelaySender
	email    EmailSender
	phones   *messaging.PhoneNormalizer
	metrics  AttemptRecorder
	logger   *logging.Logger
}

func NewFanout(cfg FanoutConfig, deps FanoutDeps) *Fanout {
	cfg.PublicBaseURL = strings.TrimRight(strings.TrimSpace(cfg.PublicBaseURL), "/")
	cfg.LinkPath = "/" + strings.Trim(strings.TrimSpace(cfg.LinkPath), "/")
	if cfg.LinkPath == "/" {
		cfg.LinkPath = defaultLinkPath
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultFanoutTimeout
	}
	if cfg.PreviewLength <= 0 {
		cfg.PreviewLength = defaultPreviewLength
	}
	if deps.Phones == nil {
		deps.Phones = messaging.NewPhoneNormalizer(nil)
	}
	if deps.Logger == nil {
		deps.Logger = logging.Default()
	}
	return &Fanout{
		cfg:      cfg,
		contacts: deps.Contacts,
		inApp:    deps.InApp,
		relay:    deps.Relay,
		email:    deps.Email,
		phones:   deps.Phones,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
	}
}

// Dispatch runs all channels to completion. It never returns an error: every
// failure is logged and counted.
func (f *Fanout) Dispatch(ctx context.Context, ev Event) Outcome {
	ctx, span := fanoutTracer.Start(ctx, "notify.fanout")
	defer span.End()
	span.SetAttributes(attribute.String("conversation.id", ev.ConversationID.String()))

	logger := f.logger.With("conversation_id", ev.ConversationID, "agent_id", ev.AgentID)
	if ev.AgentID == uuid.Nil {
		logger.Debug("fanout skipped: conversation unassigned")
		return Outcome{InApp: ResultSkipped, Relay: ResultSkipped, Email: ResultSkipped}
	}

	var contact conversation.AgentContact
	if f.contacts != nil {
		c, err := f.contacts.AgentContact(ctx, ev.AgentID)
		if err != nil {
			logger.Warn("agent contact lookup failed", "error", err)
		} else {
			contact = c
		}
	}

	link := f.LinkPath(ev.ConversationID)
	var out Outcome
	var g errgroup.Group
	g.Go(func() error {
		out.InApp = f.attempt(ctx, logger, ChannelInApp, func(ctx context.Context) (Result, error) {
			return f.sendInApp(ctx, ev, link)
		})
		return nil
	})
	g.Go(func() error {
		out.Relay = f.attempt(ctx, logger, ChannelRelay, func(ctx context.Context) (Result, error) {
			return f.sendRelay(ctx, ev, contact)
		})
		return nil
	})
	g.Go(func() error {
		out.Email = f.attempt(ctx, logger, ChannelEmail, func(ctx context.Context) (Result, error) {
			return f.sendEmail(ctx, ev, contact)
		})
		return nil
	})
	_ = g.Wait()

	span.SetAttributes(
		attribute.String("notify.in_app", string(out.InApp)),
		attribute.String("notify.relay", string(out.Relay)),
		attribute.String("notify.email", string(out.Email)),
	)
	return out
}

// LinkPath is the dashboard path for a conversation.
func (f *Fanout) LinkPath(conversationID uuid.UUID) string {
	return f.cfg.LinkPath + "/" + conversationID.String()
}

// DeepLink is LinkPath made absolute with the public base URL when one is configured.
func (f *Fanout) DeepLink(conversationID uuid.UUID) string {
	return f.cfg.PublicBaseURL + f.LinkPath(conversationID)
}

// attempt runs one channel with its own timeout and turns panics into failures.
func (f *Fanout) attempt(ctx context.Context, logger *logging.Logger, channel string, fn func(context.Context) (Result, error)) (result Result) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("notification attempt panicked", "channel", channel, "panic", r)
			result = ResultFailed
		}
		if f.metrics != nil {
			f.metrics.ObserveNotification(channel, string(result))
		}
	}()

	result, err := fn(ctx)
	if err != nil {
		logger.Warn("notification attempt failed", "channel", channel, "error", err)
		return ResultFailed
	}
	return result
}

func (f *Fanout) sendInApp(ctx context.Context, ev Event, link string) (Result, error) {
	if f.inApp == nil {
		return ResultSkipped, nil
	}
	_, err := f.inApp.Insert(ctx, Notification{
		RecipientUserID: ev.AgentID,
		Type:            TypeChatMessage,
		Title:           title(ev),
		Body:            Preview(ev.Content, f.cfg.PreviewLength),
		Link:            link,
	})
	if err != nil {
		return ResultFailed, err
	}
	return ResultSent, nil
}

func (f *Fanout) sendRelay(ctx context.Context, ev Event, contact conversation.AgentContact) (Result, error) {
	if f.relay == nil || strings.TrimSpace(contact.Phone) == "" {
		return ResultSkipped, nil
	}
	// Never echo a message back to the phone that sent it.
	if f.phones.SamePhone(contact.Phone, ev.SenderPhone) {
		return ResultSkipped, nil
	}
	to := messaging.NormalizeE164(f.phones.Normalize(contact.Phone))
	body := fmt.Sprintf("%s: %s\n%s", title(ev), Preview(ev.Content, f.cfg.PreviewLength), f.DeepLink(ev.ConversationID))
	if err := f.relay.SendMessage(ctx, to, body); err != nil {
		return ResultFailed, err
	}
	return ResultSent, nil
}

func (f *Fanout) sendEmail(ctx context.Context, ev Event, contact conversation.AgentContact) (Result, error) {
	if f.email == nil || strings.TrimSpace(contact.Email) == "" {
		return ResultSkipped, nil
	}
	preview := Preview(ev.Content, f.cfg.PreviewLength)
	link := f.DeepLink(ev.ConversationID)
	greeting := "Hi"
	if contact.Name != "" {
		greeting = "Hi " + contact.Name
	}
	heading := title(ev)
	if !ev.ReceivedAt.IsZero() {
		heading += " at " + ev.ReceivedAt.UTC().Format("2 Jan 2006 15:04 MST")
	}
	body := fmt.Sprintf("%s,\n\n%s.\n\n\"%s\"\n\nReply from your dashboard: %s\n", greeting, heading, preview, link)
	msg := EmailMessage{
		To:      contact.Email,
		ToName:  contact.Name,
		Subject: subject(ev),
		Body:    body,
	}
	if err := f.email.Send(ctx, msg); err != nil {
		return ResultFailed, err
	}
	return ResultSent, nil
}

func title(ev Event) string {
	sender := messaging.NormalizeE164(ev.SenderPhone)
	if sender == "" {
		sender = "a new contact"
	}
	return "New message from " + sender
}

func subject(ev Event) string {
	if ev.PropertyID != nil {
		return fmt.Sprintf("New enquiry about property #%d", *ev.PropertyID)
	}
	return "New chat message"
}

// Preview shortens content to at most n runes, marking truncation with "...".
func Preview(content string, n int) string {
	content = strings.TrimSpace(content)
	if n <= 0 || utf8.RuneCountInString(content) <= n {
		return content
	}
	runes := []rune(content)
	return strings.TrimSpace(string(runes[:n])) + "..."
}
