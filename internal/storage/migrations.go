package storage

import (
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Migrate runs all database migrations
func Migrate(db *sqlx.DB) error {
	migrations := []string{
		createSettingsTable,
		createBuffersTable,
		createIndexes,
	}

	for i, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}

const createSettingsTable = `
CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
)`

const createBuffersTable = `
CREATE TABLE IF NOT EXISTS buffers (
	name TEXT NOT NULL,
	server_url TEXT NOT NULL,
	nick TEXT NOT NULL,
	bouncer_network TEXT NOT NULL DEFAULT '',
	unread TEXT NOT NULL DEFAULT 'none',
	delivered_at TIMESTAMP,
	read_at TIMESTAMP,
	PRIMARY KEY (name, server_url, nick, bouncer_network)
)`

const createIndexes = `
CREATE INDEX IF NOT EXISTS idx_buffers_identity
	ON buffers (server_url, nick, bouncer_network)`
