package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/flexinfer/mentatlab/services/lineage-go/internal/runstore"
	"github.com/flexinfer/mentatlab/services/lineage-go/pkg/types"
)

const (
	stepRunColumns = `id, name, pipeline_run_id, pipeline_name, parent_step_ids, entrypoint, parameters,
	 caching_parameters, enable_cache, fingerprint, cache_source_id, status, attempt, output_count,
	 error, started_at, finished_at, created_at`

	insertStepRunQuery = `INSERT INTO step_runs (` + stepRunColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`

	updateStepRunQuery = `UPDATE step_runs
	 SET parent_step_ids = $2, parameters = $3, caching_parameters = $4, enable_cache = $5,
	     fingerprint = $6, cache_source_id = $7, status = $8, attempt = $9, output_count = $10,
	     error = $11, started_at = $12, finished_at = $13
	 WHERE id = $1`

	selectStepRunQuery = `SELECT ` + stepRunColumns + ` FROM step_runs WHERE id = $1`

	listStepRunsQuery = `SELECT ` + stepRunColumns + ` FROM step_runs
	 WHERE pipeline_run_id = $1
	 ORDER BY seq ASC`

	findByFingerprintQuery = `SELECT ` + stepRunColumns + ` FROM step_runs
	 WHERE fingerprint = $1
	   AND status IN ('completed', 'cached')
	   AND ($2 = '' OR pipeline_name = $2)
	 ORDER BY seq DESC
	 LIMIT 1`

	selectRunExistsQuery = `SELECT COUNT(*) FROM pipeline_runs WHERE id = $1`
)

func (s *Store) CreateStepRun(ctx context.Context, sr *types.StepRun) error {
	if ok, err := s.exists(ctx, selectRunExistsQuery, sr.PipelineRunID); err != nil {
		return err
	} else if !ok {
		return runstore.ErrRunNotFound
	}
	if sr.ID == "" {
		sr.ID = runstore.NewID()
	}
	args, err := stepRunArgs(sr)
	if err != nil {
		return err
	}
	createdAt := toNanos(sr.CreatedAt)
	_, err = s.exec(ctx, insertStepRunQuery,
		sr.ID, sr.Name, sr.PipelineRunID, sr.PipelineName, args.parents, sr.Entrypoint, args.params,
		args.caching, boolToInt(sr.EnableCache), sr.Fingerprint, sr.CacheSourceID, string(sr.Status),
		sr.Attempt, sr.OutputCount, sr.Error, nullNanos(sr.StartedAt), nullNanos(sr.FinishedAt), createdAt)
	if err != nil {
		if isUniqueViolation(err) {
			return runstore.ErrAlreadyExists
		}
		return fmt.Errorf("insert step run: %w", err)
	}
	sr.CreatedAt = fromNanos(createdAt)
	return nil
}

func (s *Store) UpdateStepRun(ctx context.Context, sr *types.StepRun) error {
	args, err := stepRunArgs(sr)
	if err != nil {
		return err
	}
	res, err := s.exec(ctx, updateStepRunQuery,
		sr.ID, args.parents, args.params, args.caching, boolToInt(sr.EnableCache), sr.Fingerprint,
		sr.CacheSourceID, string(sr.Status), sr.Attempt, sr.OutputCount, sr.Error,
		nullNanos(sr.StartedAt), nullNanos(sr.FinishedAt))
	if err != nil {
		return fmt.Errorf("update step run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return runstore.ErrStepRunNotFound
	}
	return nil
}

func (s *Store) GetStepRun(ctx context.Context, id string) (*types.StepRun, error) {
	sr, err := scanStepRun(s.queryRow(ctx, selectStepRunQuery, id))
	if err != nil {
		return nil, handleNotFound(err, runstore.ErrStepRunNotFound)
	}
	return sr, nil
}

func (s *Store) ListStepRuns(ctx context.Context, runID string) ([]*types.StepRun, error) {
	rows, err := s.query(ctx, listStepRunsQuery, runID)
	if err != nil {
		return nil, fmt.Errorf("list step runs: %w", err)
	}
	defer rows.Close()

	var out []*types.StepRun
	for rows.Next() {
		sr, err := scanStepRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sr)
	}
	return out, rows.Err()
}

func (s *Store) FindStepRunByFingerprint(ctx context.Context, fingerprint, pipelineName string) (*types.StepRun, error) {
	sr, err := scanStepRun(s.queryRow(ctx, findByFingerprintQuery, fingerprint, pipelineName))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find step run by fingerprint: %w", err)
	}
	return sr, nil
}

type encodedStepRun struct {
	parents string
	params  string
	caching string
}

func stepRunArgs(sr *types.StepRun) (encodedStepRun, error) {
	var (
		out encodedStepRun
		err error
	)
	if out.parents, err = encodeJSON(sr.ParentStepIDs); err != nil {
		return out, fmt.Errorf("encode parent step ids: %w", err)
	}
	if out.params, err = encodeJSON(sr.Parameters); err != nil {
		return out, fmt.Errorf("encode parameters: %w", err)
	}
	if out.caching, err = encodeJSON(sr.CachingParameters); err != nil {
		return out, fmt.Errorf("encode caching parameters: %w", err)
	}
	return out, nil
}

func scanStepRun(row scanner) (*types.StepRun, error) {
	var (
		sr                       types.StepRun
		parents, params, caching string
		status                   string
		enableCache              int64
		startedAt, finishedAt    sql.NullInt64
		createdAt                int64
	)
	if err := row.Scan(&sr.ID, &sr.Name, &sr.PipelineRunID, &sr.PipelineName, &parents, &sr.Entrypoint,
		&params, &caching, &enableCache, &sr.Fingerprint, &sr.CacheSourceID, &status, &sr.Attempt,
		&sr.OutputCount, &sr.Error, &startedAt, &finishedAt, &createdAt); err != nil {
		return nil, err
	}
	if err := decodeJSON(parents, &sr.ParentStepIDs); err != nil {
		return nil, fmt.Errorf("decode parent step ids: %w", err)
	}
	if err := decodeJSON(params, &sr.Parameters); err != nil {
		return nil, fmt.Errorf("decode parameters: %w", err)
	}
	if err := decodeJSON(caching, &sr.CachingParameters); err != nil {
		return nil, fmt.Errorf("decode caching parameters: %w", err)
	}
	sr.Status = types.StepStatus(status)
	sr.EnableCache = enableCache != 0
	sr.StartedAt = fromNullNanos(startedAt)
	sr.FinishedAt = fromNullNanos(finishedAt)
	sr.CreatedAt = fromNanos(createdAt)
	return &sr, nil
}
