package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/propchat-ingest/internal/conversation"
	"github.com/wolfman30/propchat-ingest/internal/inbound"
	"github.com/wolfman30/propchat-ingest/internal/messaging"
	"github.com/wolfman30/propchat-ingest/internal/notify"
	"github.com/wolfman30/propchat-ingest/pkg/logging"
)

// memoryMessages mimics chat_messages with its unique external_id index.
type memoryMessages struct {
	mu         sync.Mutex
	rows       []messaging.InboundRecord
	byExternal map[string]uuid.UUID
	insertErr  error
	touchErr   error
	touches    int
	seenCalls  []string
}

func newMemoryMessages() *memoryMessages {
	return &memoryMessages{byExternal: make(map[string]uuid.UUID)}
}

func (m *memoryMessages) Seen(_ context.Context, externalID string) (uuid.UUID, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seenCalls = append(m.seenCalls, externalID)
	id, ok := m.byExternal[externalID]
	return id, ok, nil
}

func (m *memoryMessages) InsertInbound(_ context.Context, rec messaging.InboundRecord) (messaging.StoredMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return messaging.StoredMessage{}, m.insertErr
	}
	if rec.ExternalID != "" {
		if _, exists := m.byExternal[rec.ExternalID]; exists {
			return messaging.StoredMessage{}, fmt.Errorf("%w: %s", messaging.ErrDuplicateMessage, rec.ExternalID)
		}
		m.byExternal[rec.ExternalID] = rec.ConversationID
	}
	m.rows = append(m.rows, rec)
	return messaging.StoredMessage{ID: uuid.New(), ConversationID: rec.ConversationID}, nil
}

func (m *memoryMessages) TouchConversation(context.Context, uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touches++
	return m.touchErr
}

type fixedResolver struct {
	res   conversation.Resolution
	err   error
	calls int
}

func (f *fixedResolver) Resolve(_ context.Context, phone, _ string) (conversation.Resolution, error) {
	f.calls++
	if f.err != nil {
		return conversation.Resolution{}, f.err
	}
	return f.res, nil
}

type countingDispatcher struct {
	mu     sync.Mutex
	events []notify.Event
	err    error
}

func (c *countingDispatcher) Enqueue(_ context.Context, ev notify.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.events = append(c.events, ev)
	return nil
}

type pipelineFixture struct {
	pipeline   *Pipeline
	messages   *memoryMessages
	resolver   *fixedResolver
	dispatcher *countingDispatcher
	agentID    uuid.UUID
	convID     uuid.UUID
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	agentID := uuid.New()
	convID := uuid.New()
	fx := &pipelineFixture{
		messages:   newMemoryMessages(),
		resolver:   &fixedResolver{res: conversation.Resolution{ConversationID: convID, AgentID: &agentID}},
		dispatcher: &countingDispatcher{},
		agentID:    agentID,
		convID:     convID,
	}
	fx.pipeline = NewPipeline(Deps{
		Dedup:      fx.messages,
		Resolver:   fx.resolver,
		Messages:   fx.messages,
		Dispatcher: fx.dispatcher,
		Locker:     NewSenderLock(nil, SenderLockConfig{}, logging.NewWithWriter("error", io.Discard)),
		Logger:     logging.NewWithWriter("error", io.Discard),
		Now:        func() time.Time { return time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC) },
	})
	return fx
}

const canonicalDelivery = `{
	"event": "message.received",
	"timestamp": "2026-04-30T08:15:00Z",
	"data": {"id": "relay-1", "channel": "whatsapp", "from": "0821234567", "content": "See https://x/properties/456", "type": "text", "externalId": "wamid.123"}
}`

func TestProcessDeliveryIsIdempotent(t *testing.T) {
	fx := newPipelineFixture(t)

	first := fx.pipeline.ProcessDelivery(context.Background(), []byte(canonicalDelivery), "")
	assert.Equal(t, StatusOK, first.Status)
	assert.Equal(t, 1, first.Processed)
	assert.Equal(t, fx.convID, first.ConversationID)

	second := fx.pipeline.ProcessDelivery(context.Background(), []byte(canonicalDelivery), "")
	assert.Equal(t, StatusDuplicate, second.Status)
	assert.Equal(t, 0, second.Processed)
	assert.Equal(t, fx.convID, second.ConversationID)

	assert.Len(t, fx.messages.rows, 1)
	assert.Len(t, fx.dispatcher.events, 1)
	assert.Equal(t, 1, fx.resolver.calls, "duplicates stop before resolution")
}

func TestProcessDeliveryLegacyBatch(t *testing.T) {
	fx := newPipelineFixture(t)
	body := `{"object":"whatsapp_business_account","entry":[{"changes":[{"value":{"messaging_product":"whatsapp","messages":[
		{"id":"wamid.A","from":"27821234567","timestamp":"1714464000","type":"text","text":{"body":"first"}},
		{"id":"wamid.B","from":"27821234567","timestamp":"1714464010","type":"text","text":{"body":"second"}}
	]}}]}]}`

	res := fx.pipeline.ProcessDelivery(context.Background(), []byte(body), "legacy")
	assert.Equal(t, StatusOK, res.Status)
	assert.Equal(t, inbound.FormatLegacy, res.Format)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, []string{"wamid.A", "wamid.B"}, fx.messages.seenCalls)
	assert.Len(t, fx.dispatcher.events, 2)
}

func TestProcessDeliveryKeepsMessagesWithBadTimestamp(t *testing.T) {
	fx := newPipelineFixture(t)
	body := `{"object":"whatsapp_business_account","entry":[{"changes":[{"value":{"messages":[
		{"id":"wamid.A","from":"27821234567","timestamp":"1714550400","type":"text","text":{"body":"first"}},
		{"id":"wamid.B","from":"27821234567","timestamp":"2024-05-01 08:00:00","type":"text","text":{"body":"second"}}
	]}}]}]}`

	res := fx.pipeline.ProcessDelivery(context.Background(), []byte(body), "")
	assert.Equal(t, StatusOK, res.Status)
	assert.Equal(t, 2, res.Processed)
	require.Len(t, fx.messages.rows, 2)
	assert.Equal(t, time.Unix(1714550400, 0).UTC(), fx.messages.rows[0].ReceivedAt)
	assert.Equal(t, time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC), fx.messages.rows[1].ReceivedAt)
}

func TestProcessDeliveryStatuses(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		setup  func(*pipelineFixture)
		status string
	}{
		{name: "invalid json", body: `not json`, status: StatusIgnored},
		{name: "unknown shape", body: `{"hello":"world"}`, status: StatusIgnored},
		{name: "missing content", body: `{"data":{"id":"1","from":"0821234567"}}`, status: StatusIgnored},
		{
			name:   "insert failure",
			body:   canonicalDelivery,
			setup:  func(fx *pipelineFixture) { fx.messages.insertErr = errors.New("db down") },
			status: StatusError,
		},
		{
			name:   "resolver failure",
			body:   canonicalDelivery,
			setup:  func(fx *pipelineFixture) { fx.resolver.err = errors.New("db down") },
			status: StatusError,
		},
		{
			name:   "touch failure is best effort",
			body:   canonicalDelivery,
			setup:  func(fx *pipelineFixture) { fx.messages.touchErr = errors.New("timeout") },
			status: StatusOK,
		},
		{
			name:   "dispatch refusal does not fail delivery",
			body:   canonicalDelivery,
			setup:  func(fx *pipelineFixture) { fx.dispatcher.err = notify.ErrDispatcherClosed },
			status: StatusOK,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newPipelineFixture(t)
			if tt.setup != nil {
				tt.setup(fx)
			}
			res := fx.pipeline.ProcessDelivery(context.Background(), []byte(tt.body), "")
			assert.Equal(t, tt.status, res.Status)
		})
	}
}

func TestProcessStoreUniqueViolationCountsAsDuplicate(t *testing.T) {
	fx := newPipelineFixture(t)
	// A concurrent delivery stored the id after our dedup check passed.
	racing := &racingDedup{memoryMessages: fx.messages}
	fx.pipeline.dedup = racing
	fx.messages.byExternal["wamid.race"] = fx.convID

	res, err := fx.pipeline.Process(context.Background(), inbound.Message{
		ExternalID: "wamid.race",
		FromPhone:  "27821234567",
		Content:    "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	assert.Empty(t, fx.dispatcher.events)
}

type racingDedup struct {
	*memoryMessages
}

func (r *racingDedup) Seen(context.Context, string) (uuid.UUID, bool, error) {
	return uuid.Nil, false, nil
}

func TestProcessUnassignedStoresWithoutDispatch(t *testing.T) {
	fx := newPipelineFixture(t)
	fx.resolver.res.AgentID = nil

	res, err := fx.pipeline.Process(context.Background(), inbound.Message{
		ExternalID: "wamid.9",
		FromPhone:  "0821234567",
		Content:    "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeStored, res.Outcome)
	assert.False(t, res.Notified)
	assert.Len(t, fx.messages.rows, 1)
	assert.Empty(t, fx.dispatcher.events)
}

func TestProcessNormalizesSenderAndBuildsEvent(t *testing.T) {
	fx := newPipelineFixture(t)
	propertyID := int64(456)
	fx.resolver.res.PropertyID = &propertyID

	res, err := fx.pipeline.Process(context.Background(), inbound.Message{
		ExternalID: "wamid.7",
		FromPhone:  "+27 82 123 4567",
		Content:    "See https://x/properties/456",
	})
	require.NoError(t, err)
	assert.True(t, res.Notified)
	require.Len(t, fx.messages.rows, 1)
	assert.Equal(t, "27821234567", fx.messages.rows[0].SenderPhone)

	require.Len(t, fx.dispatcher.events, 1)
	ev := fx.dispatcher.events[0]
	assert.Equal(t, fx.agentID, ev.AgentID)
	assert.Equal(t, "27821234567", ev.SenderPhone)
	assert.Equal(t, &propertyID, ev.PropertyID)
}

func TestProcessValidationSkip(t *testing.T) {
	fx := newPipelineFixture(t)
	_, err := fx.pipeline.Process(context.Background(), inbound.Message{FromPhone: "abc", Content: "hi"})
	assert.ErrorIs(t, err, ErrValidationSkip)

	_, err = fx.pipeline.Process(context.Background(), inbound.Message{FromPhone: "0821234567", Content: "  "})
	assert.ErrorIs(t, err, ErrValidationSkip)
	assert.Empty(t, fx.messages.seenCalls)
}

func TestProcessPersistenceFailureIsTyped(t *testing.T) {
	fx := newPipelineFixture(t)
	fx.messages.insertErr = errors.New("db down")

	_, err := fx.pipeline.Process(context.Background(), inbound.Message{ExternalID: "x", FromPhone: "0821234567", Content: "hi"})
	require.Error(t, err)
	var pf *PersistenceFailure
	require.ErrorAs(t, err, &pf)
	assert.Equal(t, "insert message", pf.Op)
}
