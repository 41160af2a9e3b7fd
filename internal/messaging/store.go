package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"

	StatusReceived = "received"
)

// ErrDuplicateMessage is returned when the external id unique index rejects an insert.
var ErrDuplicateMessage = errors.New("messaging: duplicate external id")

type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// StoredMessage is a persisted chat message row.
type StoredMessage struct {
	ID             uuid.UUID
	ConversationID uuid.UUID
	SenderPhone    string
	Content        string
	Direction      string
	ExternalID     string
	Status         string
	ReceivedAt     time.Time
	CreatedAt      time.Time
}

// InboundRecord is what the pipeline hands to the store after resolution.
type InboundRecord struct {
	ConversationID uuid.UUID
	SenderPhone    string
	Content        string
	ExternalID     string
	// ReceivedAt is the upstream send time; zero means now.
	ReceivedAt time.Time
}

// Store persists chat messages in Postgres.
type Store struct {
	pool Querier
}

func NewStore(pool Querier) *Store {
	if pool == nil {
		return nil
	}
	return &Store{pool: pool}
}

// InsertInbound writes an inbound message linked to its conversation.
func (s *Store) InsertInbound(ctx context.Context, rec InboundRecord) (StoredMessage, error) {
	if rec.ConversationID == uuid.Nil {
		return StoredMessage{}, errors.New("messaging: conversation id required")
	}
	msg := StoredMessage{
		ID:             uuid.New(),
		ConversationID: rec.ConversationID,
		SenderPhone:    rec.SenderPhone,
		Content:        rec.Content,
		Direction:      DirectionInbound,
		ExternalID:     strings.TrimSpace(rec.ExternalID),
		Status:         StatusReceived,
		ReceivedAt:     rec.ReceivedAt.UTC(),
	}
	if rec.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO chat_messages (
			id, conversation_id, sender_phone, content,
			direction, external_id, status, received_at
		)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8)
		RETURNING created_at
	`
	err := s.pool.QueryRow(ctx, query,
		msg.ID, msg.ConversationID, msg.SenderPhone, msg.Content,
		msg.Direction, msg.ExternalID, msg.Status, msg.ReceivedAt,
	).Scan(&msg.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return StoredMessage{}, fmt.Errorf("%w: %s", ErrDuplicateMessage, msg.ExternalID)
		}
		return StoredMessage{}, fmt.Errorf("messaging: insert message: %w", err)
	}
	return msg, nil
}

// TouchConversation bumps the conversation's recency so inbox lists sort correctly.
func (s *Store) TouchConversation(ctx context.Context, conversationID uuid.UUID) error {
	query := `
		UPDATE conversations
		SET updated_at = now()
		WHERE id = $1
	`
	if _, err := s.pool.Exec(ctx, query, conversationID); err != nil {
		return fmt.Errorf("messaging: touch conversation: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
