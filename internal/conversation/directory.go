package conversation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a directory record does not exist.
var ErrNotFound = errors.New("conversation: not found")

// AgentContact is how an agent can be reached.
type AgentContact struct {
	UserID uuid.UUID
	Name   string
	Phone  string
	Email  string
}

// Directory is a read-only view over the marketplace tables that own properties,
// agent profiles, leads and users. It runs over database/sql so it can share the
// migration connection.
type Directory struct {
	db *sql.DB
}

// NewDirectory returns nil for a nil db.
func NewDirectory(db *sql.DB) *Directory {
	if db == nil {
		return nil
	}
	return &Directory{db: db}
}

// PropertyAgent resolves the responsible user for a property: the agent profile's
// user when the property has one, otherwise the property's owner.
func (d *Directory) PropertyAgent(ctx context.Context, propertyID int64) (uuid.UUID, bool, error) {
	query := `
		SELECT COALESCE(ap.user_id::text, p.owner_user_id::text, '')
		FROM properties p
		LEFT JOIN agent_profiles ap ON ap.id = p.agent_profile_id
		WHERE p.id = $1
	`
	var raw string
	if err := d.db.QueryRowContext(ctx, query, propertyID).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return uuid.Nil, false, nil
		}
		return uuid.Nil, false, fmt.Errorf("conversation: property agent: %w", err)
	}
	return parseOptionalID(raw)
}

// LatestLeadAgent returns the assigned agent of the most recently created lead whose
// contact phone matches either lookup form.
func (d *Directory) LatestLeadAgent(ctx context.Context, phoneForms []string) (uuid.UUID, bool, error) {
	exact, plus, ok := splitForms(phoneForms)
	if !ok {
		return uuid.Nil, false, nil
	}
	query := `
		SELECT COALESCE(assigned_agent_id::text, '')
		FROM leads
		WHERE contact_phone IN ($1, $2)
		ORDER BY created_at DESC
		LIMIT 1
	`
	var raw string
	if err := d.db.QueryRowContext(ctx, query, exact, plus).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return uuid.Nil, false, nil
		}
		return uuid.Nil, false, fmt.Errorf("conversation: lead agent: %w", err)
	}
	return parseOptionalID(raw)
}

// UserByPhone matches a registered user for attribution only.
func (d *Directory) UserByPhone(ctx context.Context, phoneForms []string) (uuid.UUID, bool, error) {
	exact, plus, ok := splitForms(phoneForms)
	if !ok {
		return uuid.Nil, false, nil
	}
	query := `
		SELECT id::text
		FROM users
		WHERE phone IN ($1, $2)
		LIMIT 1
	`
	var raw string
	if err := d.db.QueryRowContext(ctx, query, exact, plus).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return uuid.Nil, false, nil
		}
		return uuid.Nil, false, fmt.Errorf("conversation: user by phone: %w", err)
	}
	return parseOptionalID(raw)
}

// AgentContact loads phone, email and display name for an agent user.
func (d *Directory) AgentContact(ctx context.Context, agentID uuid.UUID) (AgentContact, error) {
	query := `
		SELECT COALESCE(full_name, ''), COALESCE(phone, ''), COALESCE(email, '')
		FROM users
		WHERE id = $1
	`
	contact := AgentContact{UserID: agentID}
	err := d.db.QueryRowContext(ctx, query, agentID.String()).Scan(&contact.Name, &contact.Phone, &contact.Email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AgentContact{}, ErrNotFound
		}
		return AgentContact{}, fmt.Errorf("conversation: agent contact: %w", err)
	}
	contact.Name = strings.TrimSpace(contact.Name)
	contact.Phone = strings.TrimSpace(contact.Phone)
	contact.Email = strings.TrimSpace(contact.Email)
	return contact, nil
}

// splitForms expects the exact and "+"-prefixed forms produced by
// messaging.PhoneNormalizer.LookupForms.
func splitForms(forms []string) (string, string, bool) {
	switch len(forms) {
	case 0:
		return "", "", false
	case 1:
		return forms[0], "+" + forms[0], forms[0] != ""
	default:
		return forms[0], forms[1], forms[0] != ""
	}
}

func parseOptionalID(raw string) (uuid.UUID, bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return uuid.Nil, false, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("conversation: parse id %q: %w", raw, err)
	}
	return id, true, nil
}
