package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/flexinfer/mentatlab/services/lineage-go/internal/runstore"
	"github.com/flexinfer/mentatlab/services/lineage-go/pkg/types"
)

const (
	pipelineColumns = `id, name, version, spec, owner, created_at`

	nextPipelineVersionQuery = `SELECT COALESCE(MAX(version), 0) + 1 FROM pipelines WHERE name = $1`

	insertPipelineQuery = `INSERT INTO pipelines (` + pipelineColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6)`

	selectPipelineQuery = `SELECT ` + pipelineColumns + ` FROM pipelines WHERE id = $1`

	selectPipelineByNameQuery = `SELECT ` + pipelineColumns + ` FROM pipelines
	 WHERE name = $1
	 ORDER BY version DESC
	 LIMIT 1`

	listPipelinesQuery = `SELECT ` + pipelineColumns + ` FROM pipelines ORDER BY name ASC, version ASC`
)

// versionAttempts bounds retries when concurrent registrations race for a version.
const versionAttempts = 5

func (s *Store) CreatePipeline(ctx context.Context, p *types.Pipeline) error {
	if p.ID == "" {
		p.ID = runstore.NewID()
	}
	spec, err := encodeJSON(p.Spec)
	if err != nil {
		return fmt.Errorf("encode pipeline spec: %w", err)
	}
	createdAt := toNanos(p.CreatedAt)

	for attempt := 0; attempt < versionAttempts; attempt++ {
		var version int
		if err := s.queryRow(ctx, nextPipelineVersionQuery, p.Name).Scan(&version); err != nil {
			return fmt.Errorf("next pipeline version: %w", err)
		}
		_, err = s.exec(ctx, insertPipelineQuery, p.ID, p.Name, version, spec, p.Owner, createdAt)
		if err == nil {
			p.Version = version
			p.CreatedAt = fromNanos(createdAt)
			return nil
		}
		if !isUniqueViolation(err) {
			return fmt.Errorf("insert pipeline: %w", err)
		}
		if _, getErr := s.GetPipeline(ctx, p.ID); getErr == nil {
			return runstore.ErrAlreadyExists
		}
	}
	return fmt.Errorf("insert pipeline: version conflict for %q", p.Name)
}

func (s *Store) GetPipeline(ctx context.Context, id string) (*types.Pipeline, error) {
	p, err := scanPipeline(s.queryRow(ctx, selectPipelineQuery, id))
	if err != nil {
		return nil, handleNotFound(err, runstore.ErrPipelineNotFound)
	}
	return p, nil
}

func (s *Store) GetPipelineByName(ctx context.Context, name string) (*types.Pipeline, error) {
	p, err := scanPipeline(s.queryRow(ctx, selectPipelineByNameQuery, name))
	if err != nil {
		return nil, handleNotFound(err, runstore.ErrPipelineNotFound)
	}
	return p, nil
}

func (s *Store) ListPipelines(ctx context.Context) ([]*types.Pipeline, error) {
	rows, err := s.query(ctx, listPipelinesQuery)
	if err != nil {
		return nil, fmt.Errorf("list pipelines: %w", err)
	}
	defer rows.Close()

	var out []*types.Pipeline
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPipeline(row scanner) (*types.Pipeline, error) {
	var (
		p         types.Pipeline
		spec      string
		createdAt int64
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Version, &spec, &p.Owner, &createdAt); err != nil {
		return nil, err
	}
	if spec != "" && spec != "null" {
		p.Spec = &types.PipelineSpec{}
		if err := decodeJSON(spec, p.Spec); err != nil {
			return nil, fmt.Errorf("decode pipeline spec: %w", err)
		}
	}
	p.CreatedAt = fromNanos(createdAt)
	return &p, nil
}

// isUniqueViolation matches unique constraint errors from both drivers
// without importing their error types.
func isUniqueViolation(err error) bool {
	if err == nil || errors.Is(err, sql.ErrNoRows) {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key") || strings.Contains(msg, "23505")
}
