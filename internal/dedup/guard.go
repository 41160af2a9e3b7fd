package dedup

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Guard answers whether an external message id was already stored.
//
// The lookup is the fast path only: chat_messages carries a unique index on
// external_id so concurrent redeliveries that both pass this check still insert once.
type Guard struct {
	pool rowQuerier
}

func NewGuard(pool *pgxpool.Pool) *Guard {
	if pool == nil {
		panic("dedup: pgx pool required")
	}
	return &Guard{pool: pool}
}

func newGuardWithQuerier(q rowQuerier) *Guard {
	if q == nil {
		panic("dedup: querier required")
	}
	return &Guard{pool: q}
}

// Seen looks for a stored message with externalID on any conversation and returns
// that conversation's id when found.
func (g *Guard) Seen(ctx context.Context, externalID string) (uuid.UUID, bool, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return uuid.Nil, false, nil
	}
	query := `
		SELECT conversation_id
		FROM chat_messages
		WHERE external_id = $1
		LIMIT 1
	`
	var conversationID uuid.UUID
	if err := g.pool.QueryRow(ctx, query, externalID).Scan(&conversationID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, false, nil
		}
		return uuid.Nil, false, fmt.Errorf("dedup: lookup external id: %w", err)
	}
	return conversationID, true, nil
}
