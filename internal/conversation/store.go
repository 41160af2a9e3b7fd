package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrActiveConversationExists is returned by Create when another active
// conversation already holds the phone number.
var ErrActiveConversationExists = errors.New("conversation: active conversation exists for phone")

// Querier is the subset of pgxpool.Pool used by Store.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists conversations in Postgres.
type Store struct {
	pool Querier
}

// NewStore returns nil when pool is nil so callers can treat persistence as optional in tests.
func NewStore(pool Querier) *Store {
	if pool == nil {
		return nil
	}
	return &Store{pool: pool}
}

const selectConversation = `
	SELECT id, phone_number, user_id, agent_id, property_id, status, created_at, updated_at
	FROM conversations
`

// FindActiveByPhone returns the most recently updated active conversation for the
// directory key, or nil when there is none.
func (s *Store) FindActiveByPhone(ctx context.Context, phone string) (*Conversation, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return nil, nil
	}
	query := selectConversation + `
		WHERE phone_number = $1 AND status = $2
		ORDER BY updated_at DESC
		LIMIT 1
	`
	conv, err := scanConversation(s.pool.QueryRow(ctx, query, phone, string(StatusActive)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("conversation: find active: %w", err)
	}
	return &conv, nil
}

// Get loads a conversation by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Conversation, error) {
	conv, err := scanConversation(s.pool.QueryRow(ctx, selectConversation+` WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("conversation: get: %w", err)
	}
	return &conv, nil
}

// Create inserts a new active conversation.
func (s *Store) Create(ctx context.Context, in NewConversation) (Conversation, error) {
	phone := strings.TrimSpace(in.PhoneNumber)
	if phone == "" {
		return Conversation{}, errors.New("conversation: phone number required")
	}
	conv := Conversation{
		ID:          uuid.New(),
		PhoneNumber: phone,
		UserID:      in.UserID,
		AgentID:     in.AgentID,
		PropertyID:  in.PropertyID,
		Status:      StatusActive,
	}
	query := `
		INSERT INTO conversations (id, phone_number, user_id, agent_id, property_id, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`
	err := s.pool.QueryRow(ctx, query,
		conv.ID, conv.PhoneNumber, conv.UserID, conv.AgentID, conv.PropertyID, string(conv.Status),
	).Scan(&conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return Conversation{}, ErrActiveConversationExists
		}
		return Conversation{}, fmt.Errorf("conversation: create: %w", err)
	}
	return conv, nil
}

// Backfill assigns an agent (and property, when given) to a conversation that has
// none yet. Existing non-null values are kept. The returned bool is false when the
// row was already assigned.
func (s *Store) Backfill(ctx context.Context, id, agentID uuid.UUID, propertyID *int64) (bool, error) {
	if agentID == uuid.Nil {
		return false, errors.New("conversation: backfill agent required")
	}
	query := `
		UPDATE conversations
		SET agent_id = COALESCE(agent_id, $2),
		    property_id = COALESCE(property_id, $3),
		    updated_at = now()
		WHERE id = $1 AND agent_id IS NULL
	`
	tag, err := s.pool.Exec(ctx, query, id, agentID, propertyID)
	if err != nil {
		return false, fmt.Errorf("conversation: backfill: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func scanConversation(row pgx.Row) (Conversation, error) {
	var (
		conv   Conversation
		status string
	)
	if err := row.Scan(
		&conv.ID,
		&conv.PhoneNumber,
		&conv.UserID,
		&conv.AgentID,
		&conv.PropertyID,
		&status,
		&conv.CreatedAt,
		&conv.UpdatedAt,
	); err != nil {
		return Conversation{}, err
	}
	conv.Status = Status(status)
	return conv, nil
}
