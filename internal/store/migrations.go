package store

import (
	"fmt"
)

// migrate runs all pending migrations
func (s *Store) migrate() error {
	const createMigrationsTableSQL = `
		CREATE TABLE IF NOT EXISTS migrations (
			id INTEGER PRIMARY KEY,
			version INTEGER NOT NULL UNIQUE,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`
	if _, err := s.db.Exec(createMigrationsTableSQL); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}
	s.logger.Debug("history schema version", "version", currentVersion)

	migrations := []struct {
		version int
		sql     string
	}{
		{
			version: 1,
			sql: `
				CREATE TABLE deployments (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					run_id TEXT NOT NULL UNIQUE,
					deploy_id TEXT NOT NULL,
					method TEXT NOT NULL,
					origin TEXT NOT NULL,
					project_dir TEXT,
					archive_id TEXT,
					archive_size INTEGER DEFAULT 0,
					chunk_size INTEGER DEFAULT 0,
					total_chunks INTEGER DEFAULT 0,
					chunks_sent INTEGER DEFAULT 0,
					start_time DATETIME NOT NULL,
					end_time DATETIME,
					status TEXT DEFAULT 'running',
					error_message TEXT
				);

				CREATE TABLE deployment_chunks (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					deployment_id INTEGER NOT NULL,
					seq INTEGER NOT NULL,
					name TEXT NOT NULL,
					size INTEGER DEFAULT 0,
					sha256 TEXT,
					status_code INTEGER DEFAULT 0,
					response TEXT,
					duration_ms INTEGER DEFAULT 0,
					status TEXT NOT NULL,
					error_message TEXT,
					created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
					UNIQUE(deployment_id, seq),
					FOREIGN KEY(deployment_id) REFERENCES deployments(id)
				);

				CREATE INDEX idx_deployments_deploy_id ON deployments(deploy_id);
				CREATE INDEX idx_deployments_start_time ON deployments(start_time);
			`,
		},
		{
			version: 2,
			sql: `
				ALTER TABLE deployments ADD COLUMN files_packed INTEGER DEFAULT 0;
				ALTER TABLE deployments ADD COLUMN extracted INTEGER DEFAULT 0;
				ALTER TABLE deployments ADD COLUMN destination TEXT;
			`,
		},
	}

	for _, mig := range migrations {
		if mig.version > currentVersion {
			s.logger.Debug("running migration", "version", mig.version)
			if err := s.runMigration(mig.version, mig.sql); err != nil {
				return fmt.Errorf("migration %d failed: %w", mig.version, err)
			}
		}
	}

	return nil
}

// runMigration executes a migration and records it
func (s *Store) runMigration(version int, sql string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(sql); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}
	if _, err := tx.Exec("INSERT INTO migrations (version) VALUES (?)", version); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration transaction: %w", err)
	}
	return nil
}
