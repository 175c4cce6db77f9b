package database

import (
	"database/sql"
	"fmt"
	"log"

	_ "github.com/lib/pq"
)

// DB wraps the database connection
type DB struct {
	conn *sql.DB
}

// New creates a new database connection
func New(dsn string) (*DB, error) {
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{conn: conn}

	// Initialize tables and run migrations
	if err := db.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	if err := db.migrateSchema(); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// GetConnection returns the underlying database connection
func (db *DB) GetConnection() *sql.DB {
	return db.conn
}

// createTables creates the necessary tables
func (db *DB) createTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS user_activity (
			user_id TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			total_ms BIGINT NOT NULL DEFAULT 0,
			start_time TIMESTAMPTZ,
			PRIMARY KEY (user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS group_config (
			group_name TEXT NOT NULL,
			min_hours DOUBLE PRECISION NOT NULL DEFAULT 0,
			reset_time TIMESTAMPTZ,
			PRIMARY KEY (group_name)
		)`,
		`CREATE TABLE IF NOT EXISTS activity_log (
			id BIGSERIAL PRIMARY KEY,
			user_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			channel_name TEXT NOT NULL DEFAULT '',
			ts TIMESTAMPTZ NOT NULL,
			member_snapshot TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS reset_history (
			id BIGSERIAL PRIMARY KEY,
			group_name TEXT NOT NULL,
			reset_time TIMESTAMPTZ NOT NULL,
			reason TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS activity_log_user_ts_idx ON activity_log (user_id, ts)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	return nil
}

// migrateSchema handles database schema migrations
func (db *DB) migrateSchema() error {
	migrations := []string{
		// Early deployments tracked whole seconds; convert to milliseconds.
		`ALTER TABLE user_activity ADD COLUMN IF NOT EXISTS total_ms BIGINT NOT NULL DEFAULT 0`,
		`UPDATE user_activity SET total_ms = total_seconds * 1000 WHERE total_ms = 0 AND EXISTS (
			SELECT 1 FROM information_schema.columns WHERE table_name='user_activity' AND column_name='total_seconds'
		)`,
		`ALTER TABLE user_activity DROP COLUMN IF EXISTS total_seconds`,

		// Add columns introduced after the first schema version.
		`ALTER TABLE user_activity ADD COLUMN IF NOT EXISTS display_name TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE user_activity ADD COLUMN IF NOT EXISTS start_time TIMESTAMPTZ`,
		`ALTER TABLE activity_log ADD COLUMN IF NOT EXISTS channel_name TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE activity_log ADD COLUMN IF NOT EXISTS member_snapshot TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE group_config ADD COLUMN IF NOT EXISTS reset_time TIMESTAMPTZ`,
	}

	for _, migration := range migrations {
		if _, err := db.conn.Exec(migration); err != nil {
			log.Printf("Warning: Migration failed (this might be expected): %v", err)
		}
	}

	return nil
}
