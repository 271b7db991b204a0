// ABOUTME: Event log schema steps tracked in SQLite's user_version.
package db

import (
	"database/sql"
	"errors"
	"fmt"
)

// schema holds the event log schema steps. Step i moves the database from
// user_version i to i+1; steps are only ever appended.
var schema = [][]string{
	{
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT NOT NULL,
			kind TEXT NOT NULL,
			session_key TEXT,
			msg TEXT,
			json TEXT
		)`,
	},
	{
		`ALTER TABLE events ADD COLUMN phase TEXT`,
		`CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_key, id)`,
	},
}

// Migrate brings the event log up to the current schema. The applied step
// count lives in SQLite's user_version, so a database written by a newer
// build is refused rather than silently downgraded.
func Migrate(db *sql.DB) error {
	if db == nil {
		return errors.New("db is nil")
	}
	var version int
	if err := db.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version > len(schema) {
		return fmt.Errorf("event log schema version %d is newer than supported version %d", version, len(schema))
	}
	for ; version < len(schema); version++ {
		if err := applySchemaStep(db, version+1, schema[version]); err != nil {
			return err
		}
	}
	return nil
}

func applySchemaStep(db *sql.DB, target int, statements []string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin schema version %d: %w", target, err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range statements {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("schema version %d: %w", target, err)
		}
	}
	// PRAGMA does not accept bound parameters.
	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, target)); err != nil {
		return fmt.Errorf("record schema version %d: %w", target, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema version %d: %w", target, err)
	}
	return nil
}
