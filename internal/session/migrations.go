package session

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// ExpectedSchemaVersion is the latest schema version the application expects.
const ExpectedSchemaVersion = 2

// Migration represents a database schema migration.
type Migration struct {
	Up          func(*sql.Tx) error
	Description string
	Version     int
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "Initial session schema",
		Up: func(tx *sql.Tx) error {
			queries := []string{
				`CREATE TABLE IF NOT EXISTS sessions (
					id TEXT PRIMARY KEY,
					file_name TEXT NOT NULL,
					fingerprint TEXT NOT NULL,
					status TEXT NOT NULL,
					total_rows INTEGER NOT NULL DEFAULT 0,
					version INTEGER NOT NULL DEFAULT 1,
					created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
					updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
				)`,
				`CREATE INDEX idx_sessions_fingerprint ON sessions(fingerprint)`,

				`CREATE TABLE IF NOT EXISTS session_rows (
					session_id TEXT NOT NULL,
					idx INTEGER NOT NULL,
					fields TEXT NOT NULL,
					PRIMARY KEY (session_id, idx),
					FOREIGN KEY (session_id) REFERENCES sessions(id)
				)`,

				`CREATE TABLE IF NOT EXISTS batches (
					session_id TEXT NOT NULL,
					stage TEXT NOT NULL,
					idx INTEGER NOT NULL,
					range_start INTEGER NOT NULL,
					range_end INTEGER NOT NULL,
					status TEXT NOT NULL,
					retry_count INTEGER NOT NULL DEFAULT 0,
					last_error TEXT,
					PRIMARY KEY (session_id, stage, idx),
					FOREIGN KEY (session_id) REFERENCES sessions(id)
				)`,

				`CREATE TABLE IF NOT EXISTS staged_transactions (
					session_id TEXT NOT NULL,
					id TEXT NOT NULL,
					seq INTEGER NOT NULL,
					range_start INTEGER NOT NULL,
					range_end INTEGER NOT NULL,
					date DATETIME,
					description TEXT,
					merchant TEXT,
					amount REAL NOT NULL DEFAULT 0,
					category TEXT,
					PRIMARY KEY (session_id, id),
					FOREIGN KEY (session_id) REFERENCES sessions(id)
				)`,
				`CREATE INDEX idx_staged_seq ON staged_transactions(session_id, seq)`,

				`CREATE TABLE IF NOT EXISTS failed_batches (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					session_id TEXT NOT NULL,
					stage TEXT NOT NULL,
					range_start INTEGER NOT NULL,
					range_end INTEGER NOT NULL,
					error TEXT,
					retry_count INTEGER NOT NULL DEFAULT 0,
					FOREIGN KEY (session_id) REFERENCES sessions(id)
				)`,
			}

			for _, query := range queries {
				if _, err := tx.Exec(query); err != nil {
					return fmt.Errorf("failed to execute query: %w", err)
				}
			}
			return nil
		},
	},
	{
		Version:     2,
		Description: "Track AI confidence on staged transactions",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`ALTER TABLE staged_transactions ADD COLUMN confidence REAL NOT NULL DEFAULT 0`)
			return err
		},
	},
}

// Migrate applies all pending migrations.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	var current int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&current); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration transaction: %w", err)
		}

		if err := m.Up(tx); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d (%s) failed: %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", m.Version)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to set schema version %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.Version, err)
		}

		slog.Info("Applied session store migration",
			"version", m.Version,
			"description", m.Description)
	}

	return nil
}
