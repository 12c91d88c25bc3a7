package store

import (
	"database/sql"
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "Initial schema",
		SQL: `
CREATE TABLE IF NOT EXISTS uploads (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    dam TEXT NOT NULL,
    filename TEXT NOT NULL,
    format TEXT NOT NULL,
    payload_compressed BLOB NOT NULL,
    payload_hash TEXT NOT NULL,
    size_bytes INTEGER NOT NULL,
    rows_accepted INTEGER NOT NULL,
    rows_dropped INTEGER NOT NULL,
    quality_flags TEXT,
    uploaded_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_uploads_dam ON uploads(dam, id);

CREATE TABLE IF NOT EXISTS feature_tables (
    dam TEXT PRIMARY KEY,
    upload_id INTEGER REFERENCES uploads(id) ON DELETE SET NULL,
    schema TEXT NOT NULL,
    row_count INTEGER NOT NULL,
    first_date DATE NOT NULL,
    last_date DATE NOT NULL,
    table_compressed BLOB NOT NULL,
    created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS model_versions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    dam TEXT NOT NULL,
    version INTEGER NOT NULL,
    schema TEXT NOT NULL,
    stats_json TEXT NOT NULL,
    network_compressed BLOB NOT NULL,
    metadata_json TEXT NOT NULL,
    created_at DATETIME NOT NULL,
    UNIQUE(dam, version)
);

CREATE TABLE IF NOT EXISTS model_current (
    dam TEXT PRIMARY KEY,
    model_version_id INTEGER NOT NULL REFERENCES model_versions(id),
    updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS training_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    dam TEXT NOT NULL,
    started_at DATETIME NOT NULL,
    finished_at DATETIME,
    success BOOLEAN NOT NULL DEFAULT FALSE,
    epochs_run INTEGER,
    best_epoch INTEGER,
    best_loss REAL,
    monitor TEXT,
    model_version_id INTEGER,
    error_message TEXT
);

CREATE INDEX IF NOT EXISTS idx_training_runs_dam ON training_runs(dam, started_at);
`,
	},
	{
		Version:     2,
		Description: "Record window counts on training runs",
		SQL: `
ALTER TABLE training_runs ADD COLUMN train_windows INTEGER;
ALTER TABLE training_runs ADD COLUMN val_windows INTEGER;
`,
	},
}

func (s *Store) Migrate() error {
	if err := s.ensureMigrationsTable(); err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}

	applied, err := s.getAppliedMigrations()
	if err != nil {
		return fmt.Errorf("get applied migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}

		s.logger.Info("applying migration", "version", m.Version, "description", m.Description)

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			rollback(tx)
			return fmt.Errorf("execute migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)",
			m.Version, m.Description, s.now(),
		); err != nil {
			rollback(tx)
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

func (s *Store) ensureMigrationsTable() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT,
			applied_at DATETIME
		)
	`)
	return err
}

func (s *Store) getAppliedMigrations() (map[int]bool, error) {
	rows, err := s.db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (s *Store) MigrationVersion() (int, error) {
	var version sql.NullInt64
	err := s.db.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}
