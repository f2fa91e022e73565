package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Migration is one schema step, applied once in version order.
type Migration struct {
	Version int
	Name    string
	Up      func(ctx context.Context, tx *sql.Tx) error
}

var migrations = []Migration{
	{Version: 1, Name: "create_coordination_tables", Up: migrationV1},
	{Version: 2, Name: "add_review_ref_and_recovery_index", Up: migrationV2},
}

// SchemaVersion is the latest migration version.
func SchemaVersion() int {
	return migrations[len(migrations)-1].Version
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.sqlDB.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		)`); err != nil {
		return fmt.Errorf("store: create schema_version: %w", err)
	}

	var current int
	if err := s.sqlDB.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("store: read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		tx, err := s.sqlDB.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("store: begin migration %d: %w", m.Version, err)
		}
		if err := m.Up(ctx, tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: migration %d (%s): %w", m.Version, m.Name, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_version (version, name) VALUES (?, ?)", m.Version, m.Name); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("store: commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

func execAll(ctx context.Context, tx *sql.Tx, stmts ...string) error {
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func migrationV1(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx,
		`CREATE TABLE work_branches (
			name       TEXT PRIMARY KEY,
			purpose    TEXT NOT NULL,
			owner      TEXT NOT NULL,
			base_hash  TEXT NOT NULL,
			status     TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			merged_at  TEXT
		)`,
		`CREATE INDEX idx_work_branches_status ON work_branches(status)`,
		`CREATE INDEX idx_work_branches_owner ON work_branches(owner)`,

		`CREATE TABLE sync_states (
			repository_path     TEXT PRIMARY KEY,
			current_hash        TEXT NOT NULL,
			last_known_hash     TEXT NOT NULL,
			current_branch      TEXT NOT NULL,
			last_sync_timestamp TEXT NOT NULL
		)`,

		`CREATE TABLE impact_records (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			check_id          TEXT NOT NULL,
			repository_path   TEXT NOT NULL,
			changed_path      TEXT NOT NULL,
			old_path          TEXT NOT NULL DEFAULT '',
			paths             TEXT NOT NULL DEFAULT '[]',
			change_type       TEXT NOT NULL,
			categories        TEXT NOT NULL DEFAULT '[]',
			severity          TEXT NOT NULL,
			resolution_status TEXT NOT NULL,
			from_hash         TEXT NOT NULL,
			to_hash           TEXT NOT NULL,
			conflict          INTEGER NOT NULL DEFAULT 0,
			created_at        TEXT NOT NULL
		)`,
		`CREATE INDEX idx_impact_records_check ON impact_records(check_id)`,
		`CREATE INDEX idx_impact_records_status ON impact_records(resolution_status)`,

		`CREATE TABLE audit_events (
			seq           INTEGER PRIMARY KEY,
			event_type    TEXT NOT NULL,
			category      TEXT NOT NULL,
			timestamp     TEXT NOT NULL,
			actor         TEXT NOT NULL,
			payload       TEXT NOT NULL,
			prev_checksum TEXT NOT NULL,
			checksum      TEXT NOT NULL
		)`,
		`CREATE INDEX idx_audit_events_timestamp ON audit_events(timestamp)`,
		`CREATE INDEX idx_audit_events_category ON audit_events(category)`,

		`CREATE TABLE recovery_points (
			id               TEXT PRIMARY KEY,
			operation_type   TEXT NOT NULL,
			created_at       TEXT NOT NULL,
			storage_location TEXT NOT NULL,
			source_branch    TEXT NOT NULL,
			restored         INTEGER NOT NULL DEFAULT 0,
			restored_at      TEXT
		)`,

		`CREATE TABLE ledger_meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	)
}

func migrationV2(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx,
		`ALTER TABLE work_branches ADD COLUMN review_ref TEXT NOT NULL DEFAULT ''`,
		`CREATE INDEX idx_recovery_points_created ON recovery_points(created_at)`,
	)
}
