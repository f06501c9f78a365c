package sqlstore

import (
	"context"
	"fmt"

	"entgo.io/ent/dialect"
)

var resultsDDL = map[string][]string{
	dialect.Postgres: {
		`CREATE TABLE IF NOT EXISTS wellness_results (
			id BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL,
			wellness_text TEXT NOT NULL,
			captured_at_watermark BIGINT NOT NULL,
			inserted_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS wellness_results_session_idx ON wellness_results (session_id, id)`,
	},
	dialect.SQLite: {
		`CREATE TABLE IF NOT EXISTS wellness_results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			wellness_text TEXT NOT NULL,
			captured_at_watermark INTEGER NOT NULL,
			inserted_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS wellness_results_session_idx ON wellness_results (session_id, id)`,
	},
}

var sourceDDL = map[string][]string{
	dialect.Postgres: {
		`CREATE TABLE IF NOT EXISTS sensor_logs (
			id BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL,
			temperature DOUBLE PRECISION NOT NULL,
			humidity DOUBLE PRECISION NOT NULL,
			captured_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS sensor_logs_captured_idx ON sensor_logs (captured_at)`,
		`CREATE INDEX IF NOT EXISTS sensor_logs_session_idx ON sensor_logs (session_id, captured_at)`,
	},
	dialect.SQLite: {
		`CREATE TABLE IF NOT EXISTS sensor_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			temperature REAL NOT NULL,
			humidity REAL NOT NULL,
			captured_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS sensor_logs_captured_idx ON sensor_logs (captured_at)`,
		`CREATE INDEX IF NOT EXISTS sensor_logs_session_idx ON sensor_logs (session_id, captured_at)`,
	},
}

// Migrate creates the wellness_results table owned by the pipeline.
func (s *Store) Migrate(ctx context.Context) error {
	return s.exec(ctx, resultsDDL)
}

// MigrateSource creates sensor_logs. Production deployments get this table
// from the sensing subsystem; local runs and tests create it here.
func (s *Store) MigrateSource(ctx context.Context) error {
	return s.exec(ctx, sourceDDL)
}

func (s *Store) exec(ctx context.Context, ddl map[string][]string) error {
	stmts, ok := ddl[s.dialect]
	if !ok {
		return fmt.Errorf("migrate: unsupported dialect %q", s.dialect)
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
