package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/bbiangul/ingestor/fault"
)

// migration represents a single schema migration.
type migration struct {
	version     int
	description string
	apply       func(tx *sql.Tx) error
}

// migrations is the ordered list of all schema migrations.
// New migrations are appended at the end; never modify existing entries.
var migrations = []migration{
	{
		version:     1,
		description: "seed database metadata",
		apply: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				INSERT OR IGNORE INTO db_metadata (key, value) VALUES
				    ('schema_version', '1.0'),
				    ('created_at', datetime('now'))
			`)
			return err
		},
	},
}

// Migrate applies any pending migrations, verifies the database speaks a
// compatible schema version, and records the running ingestor version.
func (s *Store) Migrate(ctx context.Context, appVersion string) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
		    version INTEGER PRIMARY KEY,
		    description TEXT,
		    applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning migration %d: %w", m.version, err)
		}
		if err := m.apply(tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d (%s): %w", m.version, m.description, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_version (version, description) VALUES (?, ?)",
			m.version, m.description); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", m.version, err)
		}
		s.log.Info("applied migration", "version", m.version, "description", m.description)
	}

	schemaVer, err := s.GetMetadata(ctx, "schema_version")
	if err != nil {
		return fmt.Errorf("reading db_metadata: %w", err)
	}
	if !strings.HasPrefix(schemaVer, "1.") {
		return fault.Errorf(fault.Fatal, "database schema version %q is not compatible with this build", schemaVer)
	}

	return s.SetMetadata(ctx, "ingestor_version", appVersion)
}

// GetMetadata reads one db_metadata value. Missing keys return "".
func (s *Store) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM db_metadata WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// SetMetadata writes one db_metadata key, replacing any previous value.
func (s *Store) SetMetadata(ctx context.Context, key, value string) error {
	return s.Exec(ctx, `
		INSERT INTO db_metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
}
