// Package database provides SQLite persistence for monitored URLs and
// the viewed-listing dedup store.
package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // sqlite driver
)

// schema creates the tables on first open. ALTERs for later columns are
// applied separately so existing databases migrate in place.
const schema = `
CREATE TABLE IF NOT EXISTS monitored_urls (
	task_id            TEXT PRIMARY KEY,
	url                TEXT NOT NULL,
	platform           TEXT NOT NULL,
	user_id            INTEGER NOT NULL,
	filter_config      TEXT NOT NULL,
	channel_config     TEXT NOT NULL,
	status             TEXT NOT NULL DEFAULT 'active',
	last_error         TEXT NOT NULL DEFAULT '',
	registered_at      TIMESTAMP NOT NULL,
	started_at         TIMESTAMP NOT NULL,
	last_check         TIMESTAMP,
	notifications_sent INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS viewed_listings (
	listing_id TEXT NOT NULL,
	user_id    INTEGER NOT NULL,
	platform   TEXT NOT NULL,
	price      INTEGER NOT NULL,
	seen_at    TIMESTAMP NOT NULL,
	PRIMARY KEY (listing_id, user_id)
);

CREATE INDEX IF NOT EXISTS idx_monitored_urls_platform_status
	ON monitored_urls (platform, status);
CREATE INDEX IF NOT EXISTS idx_viewed_listings_seen_at
	ON viewed_listings (seen_at);
`

// Open connects to the SQLite database at path, enables WAL, and ensures
// the schema exists.
func Open(ctx context.Context, path string) (*sqlx.DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sqlx.ConnectContext(ctx, "sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}

	// A single writer keeps SQLite happy under concurrent monitors.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return db, nil
}

// Vacuum reclaims free pages. Scheduled daily by the composition root.
func Vacuum(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("failed to vacuum database: %w", err)
	}
	return nil
}
