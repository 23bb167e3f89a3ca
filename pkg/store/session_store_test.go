package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voiceops/callgate/pkg/models"
)

func TestSessionCreate_DuplicateCallID(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewSessionStore(db)

	mock.ExpectExec("INSERT INTO sessions").
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "sessions_pkey"})

	err := s.Create(context.Background(), &models.Session{
		CallID:    "call_1700000000000_7",
		TenantID:  7,
		Plan:      models.PlanPro,
		Direction: models.DirectionOutbound,
		Status:    models.SessionActive,
	})
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestSessionCreate_RequiresCallID(t *testing.T) {
	db, _ := newMockDB(t)
	s := NewSessionStore(db)

	err := s.Create(context.Background(), &models.Session{TenantID: 7})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "call_id", ve.Field)
}

func TestSessionMarkEnded_OnlyTouchesActiveRows(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewSessionStore(db)

	// The predicate status='active' makes the transition idempotent: a
	// second call matches zero rows and is still a success.
	mock.ExpectExec("UPDATE sessions").
		WithArgs("call_1", string(models.SessionEnded), models.EndReasonCompleted, string(models.SessionActive)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE sessions").
		WithArgs("call_1", string(models.SessionEnded), models.EndReasonCompleted, string(models.SessionActive)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.MarkEnded(context.Background(), "call_1", models.EndReasonCompleted))
	require.NoError(t, s.MarkEnded(context.Background(), "call_1", models.EndReasonCompleted))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionGet_NotFound(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewSessionStore(db)

	mock.ExpectQuery("SELECT \\* FROM sessions").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"call_id"}))

	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessionListOrphaned(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewSessionStore(db)

	cutoff := time.Now().Add(-15 * time.Minute)
	rows := sqlmock.NewRows([]string{"call_id", "tenant_id", "plan", "direction", "status", "started_at"}).
		AddRow("call_a", 1, "PRO", "inbound", "active", cutoff.Add(-time.Hour)).
		AddRow("call_b", 2, "PAYG", "outbound", "active", cutoff.Add(-2*time.Hour))
	mock.ExpectQuery("SELECT \\* FROM sessions").
		WithArgs(string(models.SessionActive), cutoff).
		WillReturnRows(rows)

	sessions, err := s.ListOrphaned(context.Background(), cutoff)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "call_a", sessions[0].CallID)
	assert.Equal(t, models.SessionActive, sessions[1].Status)
}
