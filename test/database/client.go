// Package database provides integration-test helpers backed by a real
// PostgreSQL instance.
package database

import (
	"testing"

	"github.com/voiceops/callgate/pkg/database"
	"github.com/voiceops/callgate/test/util"
)

// NewTestClient creates a test database client against a migrated schema.
// In CI (when CI_DATABASE_URL is set): connects to the external PostgreSQL
// service container. In local dev: spins up a testcontainer.
// Cleanup (schema drop and connection close) is registered on the test.
func NewTestClient(t *testing.T) *database.Client {
	t.Helper()
	return database.NewClientFromDB(util.SetupTestDatabase(t))
}
