package db

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openRawDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func schemaVersion(t *testing.T, conn *sql.DB) int {
	t.Helper()
	var version int
	require.NoError(t, conn.QueryRow(`PRAGMA user_version`).Scan(&version))
	return version
}

func TestMigrate(t *testing.T) {
	t.Run("fresh database applies every step", func(t *testing.T) {
		conn := openRawDB(t)
		require.NoError(t, Migrate(conn))
		assert.Equal(t, len(schema), schemaVersion(t, conn))

		var phaseColumns int
		require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('events') WHERE name = 'phase'`).Scan(&phaseColumns))
		assert.Equal(t, 1, phaseColumns)
	})

	t.Run("re-running is a no-op", func(t *testing.T) {
		conn := openRawDB(t)
		require.NoError(t, Migrate(conn))
		require.NoError(t, Migrate(conn))
		assert.Equal(t, len(schema), schemaVersion(t, conn))
	})

	t.Run("upgrades from the first version", func(t *testing.T) {
		conn := openRawDB(t)
		for _, stmt := range schema[0] {
			_, err := conn.Exec(stmt)
			require.NoError(t, err)
		}
		_, err := conn.Exec(`PRAGMA user_version = 1`)
		require.NoError(t, err)
		_, err = conn.Exec(`INSERT INTO events (ts, kind, session_key) VALUES ('2026-10-16T20:00:00Z', 'status', 'M42')`)
		require.NoError(t, err)

		require.NoError(t, Migrate(conn))
		assert.Equal(t, len(schema), schemaVersion(t, conn))
		var kept int
		require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM events WHERE phase IS NULL`).Scan(&kept))
		assert.Equal(t, 1, kept)
	})

	t.Run("newer schema is rejected", func(t *testing.T) {
		conn := openRawDB(t)
		require.NoError(t, Migrate(conn))
		_, err := conn.Exec(`PRAGMA user_version = 99`)
		require.NoError(t, err)

		err = Migrate(conn)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "schema version 99 is newer")
	})

	t.Run("failed step leaves the version untouched", func(t *testing.T) {
		original := schema
		t.Cleanup(func() { schema = original })
		schema = append(append([][]string(nil), original...), []string{`CREATE TABLE broken (`})

		conn := openRawDB(t)
		require.Error(t, Migrate(conn))
		assert.Equal(t, len(original), schemaVersion(t, conn))
	})

	t.Run("nil db", func(t *testing.T) {
		assert.Error(t, Migrate(nil))
	})
}
