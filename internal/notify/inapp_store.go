package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// TypeChatMessage marks notifications raised by an inbound chat message.
const TypeChatMessage = "chat_message"

// Notification is an in-app notification row. The dashboard polls for these.
type Notification struct {
	ID              uuid.UUID
	RecipientUserID uuid.UUID
	Type            string
	Title           string
	Body            string
	Link            string
	CreatedAt       time.Time
}

// Querier is the subset of pgxpool.Pool used by InAppStore.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// InAppStore persists in-app notifications.
type InAppStore struct {
	pool Querier
}

func NewInAppStore(pool Querier) *InAppStore {
	if pool == nil {
		return nil
	}
	return &InAppStore{pool: pool}
}

// Insert stores n and returns it with id and created_at populated.
func (s *InAppStore) Insert(ctx context.Context, n Notification) (Notification, error) {
	if n.RecipientUserID == uuid.Nil {
		return Notification{}, errors.New("notify: notification recipient required")
	}
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if n.Type == "" {
		n.Type = TypeChatMessage
	}
	query := `
		INSERT INTO notifications (id, recipient_user_id, type, title, body, link)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`
	if err := s.pool.QueryRow(ctx, query, n.ID, n.RecipientUserID, n.Type, n.Title, n.Body, n.Link).Scan(&n.CreatedAt); err != nil {
		return Notification{}, fmt.Errorf("notify: insert notification: %w", err)
	}
	return n, nil
}
