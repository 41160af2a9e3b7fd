package conversation

import (
	"time"

	"github.com/google/uuid"
)

// Status of a conversation row. Only active conversations are routed to.
type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
)

// Conversation is the thread between one sender phone and the marketplace.
// AgentID and PropertyID move from nil to set once and are never cleared here.
type Conversation struct {
	ID          uuid.UUID
	PhoneNumber string
	UserID      *uuid.UUID
	AgentID     *uuid.UUID
	PropertyID  *int64
	Status      Status
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Assigned reports whether an agent owns the conversation.
func (c Conversation) Assigned() bool {
	return c.AgentID != nil && *c.AgentID != uuid.Nil
}

// NewConversation holds the fields known when a conversation is first created.
type NewConversation struct {
	PhoneNumber string
	UserID      *uuid.UUID
	AgentID     *uuid.UUID
	PropertyID  *int64
}

// Resolution is what the resolver hands back to the ingest pipeline.
type Resolution struct {
	ConversationID uuid.UUID
	AgentID        *uuid.UUID
	PropertyID     *int64
	UserID         *uuid.UUID
	Created        bool
	Backfilled     bool
}

// HasAgent reports whether notifications have a recipient.
func (r Resolution) HasAgent() bool {
	return r.AgentID != nil && *r.AgentID != uuid.Nil
}
