package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/flexinfer/mentatlab/services/lineage-go/internal/runstore"
	"github.com/flexinfer/mentatlab/services/lineage-go/pkg/types"
)

const (
	runColumns = `id, name, pipeline_id, stack, status, config, error, started_at, finished_at, created_at, updated_at`

	insertRunQuery = `INSERT INTO pipeline_runs (` + runColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`

	selectRunQuery = `SELECT ` + runColumns + ` FROM pipeline_runs WHERE id = $1`

	updateRunQuery = `UPDATE pipeline_runs
	 SET name = $2, pipeline_id = $3, stack = $4, status = $5, config = $6, error = $7,
	     started_at = $8, finished_at = $9, updated_at = $10
	 WHERE id = $1`

	deleteRunLinksQuery = `DELETE FROM artifact_links
	 WHERE step_run_id IN (SELECT id FROM step_runs WHERE pipeline_run_id = $1)`

	deleteRunArtifactsQuery = `DELETE FROM artifacts
	 WHERE producer_step_run_id IN (SELECT id FROM step_runs WHERE pipeline_run_id = $1)
	   AND id NOT IN (SELECT artifact_id FROM artifact_links)`

	deleteRunStepsQuery = `DELETE FROM step_runs WHERE pipeline_run_id = $1`

	deleteRunQuery = `DELETE FROM pipeline_runs WHERE id = $1`
)

func (s *Store) CreateRun(ctx context.Context, run *types.PipelineRun) error {
	if run.ID == "" {
		run.ID = runstore.NewID()
	}
	createdAt := toNanos(run.CreatedAt)
	config, err := encodeJSON(run.Config)
	if err != nil {
		return fmt.Errorf("encode run config: %w", err)
	}
	_, err = s.exec(ctx, insertRunQuery,
		run.ID, run.Name, run.PipelineID, run.Stack, string(run.Status), config, run.Error,
		nullNanos(run.StartedAt), nullNanos(run.FinishedAt), createdAt, createdAt)
	if err != nil {
		if isUniqueViolation(err) {
			return runstore.ErrAlreadyExists
		}
		return fmt.Errorf("insert run: %w", err)
	}
	run.CreatedAt = fromNanos(createdAt)
	run.UpdatedAt = run.CreatedAt
	return nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (*types.PipelineRun, error) {
	run, err := scanRun(s.queryRow(ctx, selectRunQuery, runID))
	if err != nil {
		return nil, handleNotFound(err, runstore.ErrRunNotFound)
	}
	return run, nil
}

// ListRuns returns runs newest first.
func (s *Store) ListRuns(ctx context.Context, filter types.RunFilter) ([]*types.PipelineRun, error) {
	var (
		where []string
		args  []any
	)
	if filter.PipelineID != "" {
		args = append(args, filter.PipelineID)
		where = append(where, fmt.Sprintf("pipeline_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	q := `SELECT ` + runColumns + ` FROM pipeline_runs`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY seq DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []*types.PipelineRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (s *Store) UpdateRun(ctx context.Context, run *types.PipelineRun) error {
	config, err := encodeJSON(run.Config)
	if err != nil {
		return fmt.Errorf("encode run config: %w", err)
	}
	updatedAt := time.Now().UTC().UnixNano()
	res, err := s.exec(ctx, updateRunQuery,
		run.ID, run.Name, run.PipelineID, run.Stack, string(run.Status), config, run.Error,
		nullNanos(run.StartedAt), nullNanos(run.FinishedAt), updatedAt)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return runstore.ErrRunNotFound
	}
	run.UpdatedAt = fromNanos(updatedAt)
	return nil
}

// DeleteRun deletes in dependency order. Every statement is idempotent, so
// a delete interrupted halfway can simply be repeated.
func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return err
	}
	for _, q := range []string{deleteRunLinksQuery, deleteRunArtifactsQuery, deleteRunStepsQuery, deleteRunQuery} {
		if _, err := s.exec(ctx, q, runID); err != nil {
			return fmt.Errorf("delete run: %w", err)
		}
	}
	return nil
}

func scanRun(row scanner) (*types.PipelineRun, error) {
	var (
		run                   types.PipelineRun
		status, config        string
		startedAt, finishedAt sql.NullInt64
		createdAt, updatedAt  int64
	)
	if err := row.Scan(&run.ID, &run.Name, &run.PipelineID, &run.Stack, &status, &config, &run.Error,
		&startedAt, &finishedAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	run.Status = types.RunStatus(status)
	if config != "" && config != "null" {
		run.Config = &types.PipelineSpec{}
		if err := decodeJSON(config, run.Config); err != nil {
			return nil, fmt.Errorf("decode run config: %w", err)
		}
	}
	run.StartedAt = fromNullNanos(startedAt)
	run.FinishedAt = fromNullNanos(finishedAt)
	run.CreatedAt = fromNanos(createdAt)
	run.UpdatedAt = fromNanos(updatedAt)
	return &run, nil
}
