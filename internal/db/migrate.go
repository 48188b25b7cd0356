// Package db provides database schema migration management.
package db

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"
)

// Migration represents a database schema migration.
type Migration struct {
	Version     int
	AppliedAt   time.Time
	Description string
	Checksum    string
}

// migrationStep is a schema change compiled into the binary. Migrations are
// embedded so the core never depends on files shipped next to it.
type migrationStep struct {
	version     int
	description string
	sql         string
}

var migrationSteps = []migrationStep{
	{
		version:     1,
		description: "sync_schema",
		sql: `
CREATE TABLE IF NOT EXISTS sync_queue (
	id TEXT PRIMARY KEY,
	entity TEXT NOT NULL CHECK(length(entity) > 0),
	record_id TEXT NOT NULL CHECK(length(record_id) > 0),
	operation TEXT NOT NULL CHECK(operation IN ('create', 'update', 'delete')),
	payload TEXT NOT NULL,
	base_version INTEGER NOT NULL DEFAULT 0,
	timestamp INTEGER NOT NULL,
	status TEXT NOT NULL CHECK(status IN ('pending', 'syncing', 'completed', 'failed')),
	retry_count INTEGER NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sync_queue_status ON sync_queue(status);
CREATE INDEX IF NOT EXISTS idx_sync_queue_entity ON sync_queue(entity, timestamp);

CREATE TABLE IF NOT EXISTS conflict_log (
	id TEXT PRIMARY KEY,
	queue_item_id TEXT,
	user_id TEXT NOT NULL DEFAULT '',
	entity TEXT NOT NULL CHECK(length(entity) > 0),
	record_id TEXT NOT NULL CHECK(length(record_id) > 0),
	local_data TEXT NOT NULL,
	remote_data TEXT NOT NULL,
	resolution_strategy TEXT NOT NULL DEFAULT '',
	resolved_data TEXT NOT NULL DEFAULT '',
	resolved_by TEXT NOT NULL DEFAULT '',
	resolved_at INTEGER NOT NULL DEFAULT 0,
	local_version INTEGER NOT NULL DEFAULT 0,
	remote_version INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL CHECK(status IN ('pending', 'resolved', 'rejected')),
	winner TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_conflict_log_queue_item
	ON conflict_log(queue_item_id) WHERE queue_item_id IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS idx_conflict_log_pending
	ON conflict_log(entity, record_id) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS idx_conflict_log_status ON conflict_log(status, created_at);

CREATE TABLE IF NOT EXISTS api_cache (
	key TEXT PRIMARY KEY,
	data TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	version INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_api_cache_expires ON api_cache(expires_at);

CREATE TABLE IF NOT EXISTS sync_metadata (
	id INTEGER PRIMARY KEY CHECK(id = 1),
	last_sync_time INTEGER NOT NULL DEFAULT 0,
	pending_changes INTEGER NOT NULL DEFAULT 0,
	failed_changes INTEGER NOT NULL DEFAULT 0,
	next_sync_time INTEGER NOT NULL DEFAULT 0,
	sync_enabled INTEGER NOT NULL DEFAULT 1
);

INSERT OR IGNORE INTO sync_metadata (id) VALUES (1);
`,
	},
}

// Migrator handles database schema migrations.
type Migrator struct {
	db *sql.DB
}

// NewMigrator creates a new Migrator instance.
func NewMigrator(db *sql.DB) *Migrator {
	return &Migrator{db: db}
}

// Initialize creates the schema_migrations table if it doesn't exist.
func (m *Migrator) Initialize() error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL CHECK(applied_at > 0),
		description TEXT NOT NULL CHECK(length(description) > 0),
		checksum TEXT NOT NULL CHECK(length(checksum) = 64)
	);`
	_, err := m.db.Exec(query)
	return err
}

// CurrentVersion returns the current schema version.
func (m *Migrator) CurrentVersion() (int, error) {
	var version int
	err := m.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

// GetAppliedMigrations returns all applied migrations.
func (m *Migrator) GetAppliedMigrations() ([]Migration, error) {
	rows, err := m.db.Query("SELECT version, applied_at, description, checksum FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var migrations []Migration
	for rows.Next() {
		var m Migration
		var appliedAt int64
		err := rows.Scan(&m.Version, &appliedAt, &m.Description, &m.Checksum)
		if err != nil {
			return nil, err
		}
		m.AppliedAt = time.Unix(appliedAt, 0)
		migrations = append(migrations, m)
	}
	return migrations, nil
}

// Up applies all pending migrations.
func (m *Migrator) Up() error {
	applied, err := m.GetAppliedMigrations()
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}
	appliedVersions := make(map[int]bool)
	for _, mig := range applied {
		appliedVersions[mig.Version] = true
	}

	for _, step := range migrationSteps {
		if appliedVersions[step.version] {
			continue // Already applied
		}
		if err := m.applyMigration(step); err != nil {
			return fmt.Errorf("failed to apply migration V%d: %w", step.version, err)
		}
	}

	return nil
}

// applyMigration applies a single migration in a transaction.
func (m *Migrator) applyMigration(step migrationStep) error {
	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(step.sql); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	// Record migration with a SHA-256 checksum of the SQL content
	hash := sha256.Sum256([]byte(step.sql))
	checksum := hex.EncodeToString(hash[:])
	query := `INSERT INTO schema_migrations (version, applied_at, description, checksum)
			  VALUES (?, ?, ?, ?)`
	if _, err := tx.Exec(query, step.version, time.Now().Unix(), step.description, checksum); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	return tx.Commit()
}

// Setup opens migrations on the given database and brings the schema current.
func Setup(database *DB) error {
	migrator := NewMigrator(database.DB)
	if err := migrator.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize migrations: %w", err)
	}
	return migrator.Up()
}
