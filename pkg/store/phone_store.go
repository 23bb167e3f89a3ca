package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/voiceops/callgate/pkg/models"
)

// PhoneNumberStore resolves provider phone numbers to tenants and their
// inbound assistants.
type PhoneNumberStore struct {
	db *sqlx.DB
}

// NewPhoneNumberStore creates a new PhoneNumberStore.
func NewPhoneNumberStore(db *sqlx.DB) *PhoneNumberStore {
	return &PhoneNumberStore{db: db}
}

// GetByNumber looks up a phone-number record by its E.164 number.
func (s *PhoneNumberStore) GetByNumber(ctx context.Context, number string) (*models.PhoneNumber, error) {
	var pn models.PhoneNumber
	err := s.db.GetContext(ctx, &pn,
		`SELECT * FROM phone_numbers WHERE number = $1`, number)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get phone number: %w", err)
	}
	return &pn, nil
}

// GetByID looks up a phone-number record by provider phone-number id.
func (s *PhoneNumberStore) GetByID(ctx context.Context, id string) (*models.PhoneNumber, error) {
	var pn models.PhoneNumber
	err := s.db.GetContext(ctx, &pn,
		`SELECT * FROM phone_numbers WHERE phone_number_id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get phone number: %w", err)
	}
	return &pn, nil
}

// GetByAssistantID finds the phone-number record configured with the given
// provider agent/assistant id. Used when resolving call events that carry
// only the agent id.
func (s *PhoneNumberStore) GetByAssistantID(ctx context.Context, assistantID string) (*models.PhoneNumber, error) {
	var pn models.PhoneNumber
	err := s.db.GetContext(ctx, &pn,
		`SELECT * FROM phone_numbers WHERE assistant_id = $1 LIMIT 1`, assistantID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get phone number by assistant: %w", err)
	}
	return &pn, nil
}
