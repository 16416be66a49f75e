package sqlstore

import (
	"context"
	"fmt"
	"strings"
)

// {{key}} expands to the dialect's auto-increment ordering column plus the
// text primary key.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS pipelines (
		{{key}},
		name TEXT NOT NULL,
		version INTEGER NOT NULL,
		spec TEXT NOT NULL,
		owner TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL,
		UNIQUE (name, version)
	)`,
	`CREATE TABLE IF NOT EXISTS pipeline_runs (
		{{key}},
		name TEXT NOT NULL DEFAULT '',
		pipeline_id TEXT NOT NULL DEFAULT '',
		stack TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		config TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		started_at BIGINT,
		finished_at BIGINT,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_pipeline_runs_pipeline ON pipeline_runs (pipeline_id)`,
	`CREATE TABLE IF NOT EXISTS step_runs (
		{{key}},
		name TEXT NOT NULL,
		pipeline_run_id TEXT NOT NULL,
		pipeline_name TEXT NOT NULL DEFAULT '',
		parent_step_ids TEXT NOT NULL DEFAULT '',
		entrypoint TEXT NOT NULL DEFAULT '',
		parameters TEXT NOT NULL DEFAULT '',
		caching_parameters TEXT NOT NULL DEFAULT '',
		enable_cache INTEGER NOT NULL DEFAULT 0,
		fingerprint TEXT NOT NULL DEFAULT '',
		cache_source_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		attempt INTEGER NOT NULL DEFAULT 1,
		output_count INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		started_at BIGINT,
		finished_at BIGINT,
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_step_runs_run ON step_runs (pipeline_run_id)`,
	`CREATE INDEX IF NOT EXISTS idx_step_runs_fingerprint ON step_runs (fingerprint, status)`,
	`CREATE TABLE IF NOT EXISTS artifacts (
		{{key}},
		name TEXT NOT NULL,
		uri TEXT NOT NULL,
		materializer TEXT NOT NULL,
		data_type TEXT NOT NULL,
		fingerprint TEXT NOT NULL DEFAULT '',
		producer_step_run_id TEXT NOT NULL DEFAULT '',
		is_cached INTEGER NOT NULL DEFAULT 0,
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_artifacts_producer ON artifacts (producer_step_run_id)`,
	`CREATE TABLE IF NOT EXISTS artifact_links (
		step_run_id TEXT NOT NULL,
		artifact_id TEXT NOT NULL,
		name TEXT NOT NULL,
		direction TEXT NOT NULL,
		is_virtual INTEGER NOT NULL DEFAULT 0,
		created_at BIGINT NOT NULL,
		PRIMARY KEY (step_run_id, artifact_id, direction, name)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_artifact_links_artifact ON artifact_links (artifact_id)`,
}

func (s *Store) keyColumns() string {
	if s.dialect == SQLite {
		return "seq INTEGER PRIMARY KEY AUTOINCREMENT,\n\t\tid TEXT NOT NULL UNIQUE"
	}
	return "seq BIGSERIAL,\n\t\tid TEXT PRIMARY KEY"
}

// EnsureSchema creates missing tables and indexes. It never alters existing
// tables.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		stmt = strings.ReplaceAll(stmt, "{{key}}", s.keyColumns())
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
