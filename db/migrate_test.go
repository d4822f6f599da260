package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenWithMigrations(t *testing.T) {
	t.Run("opens database and applies all migrations", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "test.db")

		conn, err := OpenWithMigrations(dbPath, nil)
		require.NoError(t, err)
		require.NotNil(t, conn)
		defer conn.Close()

		for _, table := range []string{"schema_migrations", "symbols", "run_executions", "unit_progress", "failure_streaks", "candles"} {
			var exists int
			err = conn.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&exists)
			require.NoError(t, err)
			assert.Equal(t, 1, exists, "table %s should exist after migrations", table)
		}
	})

	t.Run("migrations are idempotent", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "test.db")

		conn, err := OpenWithMigrations(dbPath, nil)
		require.NoError(t, err)
		conn.Close()

		// Re-opening must skip already-applied migrations without error
		conn, err = OpenWithMigrations(dbPath, nil)
		require.NoError(t, err)
		defer conn.Close()

		var count int
		err = conn.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 6, count)
	})
}
