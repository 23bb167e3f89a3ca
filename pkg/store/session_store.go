package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/voiceops/callgate/pkg/models"
)

// SessionStore is the durable per-call session registry. It is
// append-mostly: only MarkEnded rewrites a prior row, and that rewrite is
// idempotent.
type SessionStore struct {
	db *sqlx.DB
}

// NewSessionStore creates a new SessionStore.
func NewSessionStore(db *sqlx.DB) *SessionStore {
	return &SessionStore{db: db}
}

// Create inserts a session row. A duplicate call_id returns
// ErrAlreadyExists via the primary-key constraint, so retried webhooks are
// rejected at the persistence layer too.
func (s *SessionStore) Create(ctx context.Context, session *models.Session) error {
	if session.CallID == "" {
		return NewValidationError("call_id", "required")
	}
	if session.StartedAt.IsZero() {
		session.StartedAt = time.Now().UTC()
	}

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO sessions (call_id, tenant_id, plan, direction, status, end_reason, started_at, ended_at, metadata)
		VALUES (:call_id, :tenant_id, :plan, :direction, :status, :end_reason, :started_at, :ended_at, :metadata)`,
		session)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// Get retrieves a session by call id.
func (s *SessionStore) Get(ctx context.Context, callID string) (*models.Session, error) {
	var session models.Session
	err := s.db.GetContext(ctx, &session,
		`SELECT * FROM sessions WHERE call_id = $1`, callID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &session, nil
}

// MarkEnded transitions an active session to ended with the given reason.
// Idempotent: transitions from terminal states are ignored, and an unknown
// call id is not an error.
func (s *SessionStore) MarkEnded(ctx context.Context, callID, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET status = $2, end_reason = $3, ended_at = now()
		WHERE call_id = $1 AND status = $4`,
		callID, models.SessionEnded, reason, models.SessionActive)
	if err != nil {
		return fmt.Errorf("failed to mark session ended: %w", err)
	}
	return nil
}

// ListActive returns active sessions, optionally scoped to one tenant.
func (s *SessionStore) ListActive(ctx context.Context, tenantID *int64) ([]models.Session, error) {
	var sessions []models.Session
	var err error
	if tenantID != nil {
		err = s.db.SelectContext(ctx, &sessions, `
			SELECT * FROM sessions
			WHERE status = $1 AND tenant_id = $2
			ORDER BY started_at`, models.SessionActive, *tenantID)
	} else {
		err = s.db.SelectContext(ctx, &sessions, `
			SELECT * FROM sessions
			WHERE status = $1
			ORDER BY started_at`, models.SessionActive)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list active sessions: %w", err)
	}
	return sessions, nil
}

// ListOrphaned returns active sessions started before the cutoff; they are
// candidates for the reconciliation sweep.
func (s *SessionStore) ListOrphaned(ctx context.Context, olderThan time.Time) ([]models.Session, error) {
	var sessions []models.Session
	err := s.db.SelectContext(ctx, &sessions, `
		SELECT * FROM sessions
		WHERE status = $1 AND started_at < $2
		ORDER BY started_at`, models.SessionActive, olderThan)
	if err != nil {
		return nil, fmt.Errorf("failed to list orphaned sessions: %w", err)
	}
	return sessions, nil
}

// ActiveCallIDs returns the call ids of every active session. This is the
// authoritative set for capacity-store reconciliation.
func (s *SessionStore) ActiveCallIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids,
		`SELECT call_id FROM sessions WHERE status = $1`, models.SessionActive)
	if err != nil {
		return nil, fmt.Errorf("failed to list active call ids: %w", err)
	}
	return ids, nil
}

// CountActive returns the number of active sessions for a tenant.
func (s *SessionStore) CountActive(ctx context.Context, tenantID int64) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM sessions WHERE status = $1 AND tenant_id = $2`,
		models.SessionActive, tenantID)
	if err != nil {
		return 0, fmt.Errorf("failed to count active sessions: %w", err)
	}
	return count, nil
}
