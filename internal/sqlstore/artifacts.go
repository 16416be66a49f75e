package sqlstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/flexinfer/mentatlab/services/lineage-go/internal/runstore"
	"github.com/flexinfer/mentatlab/services/lineage-go/pkg/types"
)

const (
	artifactColumns = `id, name, uri, materializer, data_type, fingerprint, producer_step_run_id, is_cached, created_at`

	insertArtifactQuery = `INSERT INTO artifacts (` + artifactColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`

	selectArtifactQuery = `SELECT ` + artifactColumns + ` FROM artifacts WHERE id = $1`

	listArtifactsQuery = `SELECT ` + artifactColumns + ` FROM artifacts ORDER BY seq ASC`

	linkColumns = `step_run_id, artifact_id, name, direction, is_virtual, created_at`

	insertLinkQuery = `INSERT INTO artifact_links (` + linkColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6)
	ON CONFLICT (step_run_id, artifact_id, direction, name) DO NOTHING`

	selectStepRunExistsQuery  = `SELECT COUNT(*) FROM step_runs WHERE id = $1`
	selectArtifactExistsQuery = `SELECT COUNT(*) FROM artifacts WHERE id = $1`
)

func (s *Store) CreateArtifact(ctx context.Context, a *types.Artifact) error {
	if a.ID == "" {
		a.ID = runstore.NewID()
	}
	createdAt := toNanos(a.CreatedAt)
	_, err := s.exec(ctx, insertArtifactQuery,
		a.ID, a.Name, a.URI, a.Materializer, a.DataType, a.Fingerprint, a.ProducerStepRunID,
		boolToInt(a.IsCached), createdAt)
	if err != nil {
		if isUniqueViolation(err) {
			return runstore.ErrAlreadyExists
		}
		return fmt.Errorf("insert artifact: %w", err)
	}
	a.CreatedAt = fromNanos(createdAt)
	return nil
}

func (s *Store) GetArtifact(ctx context.Context, id string) (*types.Artifact, error) {
	a, err := scanArtifact(s.queryRow(ctx, selectArtifactQuery, id))
	if err != nil {
		return nil, handleNotFound(err, runstore.ErrArtifactNotFound)
	}
	return a, nil
}

func (s *Store) ListArtifacts(ctx context.Context) ([]*types.Artifact, error) {
	rows, err := s.query(ctx, listArtifactsQuery)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var out []*types.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) LinkArtifact(ctx context.Context, link *types.ArtifactLink) error {
	if ok, err := s.exists(ctx, selectStepRunExistsQuery, link.StepRunID); err != nil {
		return err
	} else if !ok {
		return runstore.ErrStepRunNotFound
	}
	if ok, err := s.exists(ctx, selectArtifactExistsQuery, link.ArtifactID); err != nil {
		return err
	} else if !ok {
		return runstore.ErrArtifactNotFound
	}

	createdAt := toNanos(link.CreatedAt)
	_, err := s.exec(ctx, insertLinkQuery,
		link.StepRunID, link.ArtifactID, link.Name, string(link.Direction), boolToInt(link.Virtual), createdAt)
	if err != nil {
		return fmt.Errorf("insert link: %w", err)
	}
	link.CreatedAt = fromNanos(createdAt)
	return nil
}

func (s *Store) ListLinks(ctx context.Context, filter types.LinkFilter) ([]*types.ArtifactLink, error) {
	var (
		where []string
		args  []any
	)
	if filter.StepRunID != "" {
		args = append(args, filter.StepRunID)
		where = append(where, fmt.Sprintf("step_run_id = $%d", len(args)))
	}
	if filter.ArtifactID != "" {
		args = append(args, filter.ArtifactID)
		where = append(where, fmt.Sprintf("artifact_id = $%d", len(args)))
	}
	if filter.Direction != "" {
		args = append(args, string(filter.Direction))
		where = append(where, fmt.Sprintf("direction = $%d", len(args)))
	}
	q := `SELECT ` + linkColumns + ` FROM artifact_links`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at ASC, step_run_id ASC, name ASC"

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	defer rows.Close()

	var out []*types.ArtifactLink
	for rows.Next() {
		var (
			l         types.ArtifactLink
			direction string
			virtual   int64
			createdAt int64
		)
		if err := rows.Scan(&l.StepRunID, &l.ArtifactID, &l.Name, &direction, &virtual, &createdAt); err != nil {
			return nil, err
		}
		l.Direction = types.LinkDirection(direction)
		l.Virtual = virtual != 0
		l.CreatedAt = fromNanos(createdAt)
		out = append(out, &l)
	}
	return out, rows.Err()
}

func (s *Store) exists(ctx context.Context, query, id string) (bool, error) {
	var n int
	if err := s.queryRow(ctx, query, id).Scan(&n); err != nil {
		return false, fmt.Errorf("check exists: %w", err)
	}
	return n > 0, nil
}

func scanArtifact(row scanner) (*types.Artifact, error) {
	var (
		a         types.Artifact
		cached    int64
		createdAt int64
	)
	if err := row.Scan(&a.ID, &a.Name, &a.URI, &a.Materializer, &a.DataType, &a.Fingerprint,
		&a.ProducerStepRunID, &cached, &createdAt); err != nil {
		return nil, err
	}
	a.IsCached = cached != 0
	a.CreatedAt = fromNanos(createdAt)
	return &a, nil
}
