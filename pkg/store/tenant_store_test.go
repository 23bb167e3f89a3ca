package store

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voiceops/callgate/pkg/models"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return sqlx.NewDb(db, "pgx"), mock
}

func TestConditionalIncrement_Succeeds(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewTenantStore(db)

	mock.ExpectExec("UPDATE subscriptions").
		WithArgs(int64(7), 3).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := s.ConditionalIncrement(context.Background(), 7, 3)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConditionalIncrement_AtCap(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewTenantStore(db)

	// Zero rows modified means the predicate active_calls < limit failed.
	mock.ExpectExec("UPDATE subscriptions").
		WithArgs(int64(7), 1).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.ConditionalIncrement(context.Background(), 7, 1)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDecrement_FloorsAtZero(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewTenantStore(db)

	mock.ExpectExec("GREATEST\\(active_calls - 1, 0\\)").
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.Decrement(context.Background(), 7))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSubscription_NotFound(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewTenantStore(db)

	mock.ExpectQuery("SELECT \\* FROM subscriptions").
		WithArgs(int64(9)).
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id"}))

	_, err := s.GetSubscription(context.Background(), 9)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAddUsedMinutes_Buckets(t *testing.T) {
	// Classification comes from the post-update counters returned by the
	// UPDATE itself, in one statement.
	returned := func(used, included, credit int) *sqlmock.Rows {
		return sqlmock.NewRows([]string{"used_minutes", "included_minutes", "credit_minutes"}).
			AddRow(used, included, credit)
	}

	tests := []struct {
		name                   string
		used, included, credit int
		want                   models.UsageSource
	}{
		{"within package", 15, 100, 0, models.UsagePackage},
		{"package boundary", 100, 100, 20, models.UsagePackage},
		{"credit", 110, 100, 20, models.UsageCredit},
		{"overage", 130, 100, 20, models.UsageOverage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newMockDB(t)
			s := NewTenantStore(db)
			mock.ExpectQuery("RETURNING used_minutes, included_minutes, credit_minutes").
				WillReturnRows(returned(tt.used, tt.included, tt.credit))

			source, err := s.AddUsedMinutes(context.Background(), 7, 5)
			require.NoError(t, err)
			assert.Equal(t, tt.want, source)
		})
	}

	t.Run("unknown tenant", func(t *testing.T) {
		db, mock := newMockDB(t)
		s := NewTenantStore(db)
		mock.ExpectQuery("RETURNING used_minutes, included_minutes, credit_minutes").
			WillReturnRows(sqlmock.NewRows([]string{"used_minutes", "included_minutes", "credit_minutes"}))

		_, err := s.AddUsedMinutes(context.Background(), 404, 5)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestEffectiveLimit(t *testing.T) {
	override := 25
	tests := []struct {
		name string
		sub  models.Subscription
		want int
	}{
		{"payg default", models.Subscription{Plan: models.PlanPAYG}, 1},
		{"starter default", models.Subscription{Plan: models.PlanStarter}, 1},
		{"pro default", models.Subscription{Plan: models.PlanPro}, 3},
		{"enterprise default", models.Subscription{Plan: models.PlanEnterprise}, 10},
		{"override wins", models.Subscription{Plan: models.PlanStarter, ConcurrentLimit: &override}, 25},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.sub.EffectiveLimit())
		})
	}
}
