// Package runstore provides metadata persistence for pipelines, runs, step runs and artifacts.
package runstore

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/flexinfer/mentatlab/services/lineage-go/pkg/types"
)

// Common errors returned by Store implementations.
var (
	ErrPipelineNotFound = errors.New("pipeline not found")
	ErrRunNotFound      = errors.New("run not found")
	ErrStepRunNotFound  = errors.New("step run not found")
	ErrArtifactNotFound = errors.New("artifact not found")
	ErrAlreadyExists    = errors.New("record already exists")
)

// Store is the metadata store: the single source of truth for run history.
// Every method is a single-record write or a read; callers must not assume
// multi-record transactions. Implementations must be safe for concurrent use.
type Store interface {
	// Pipelines. CreatePipeline assigns the next version for the name.
	CreatePipeline(ctx context.Context, p *types.Pipeline) error
	GetPipeline(ctx context.Context, id string) (*types.Pipeline, error)
	GetPipelineByName(ctx context.Context, name string) (*types.Pipeline, error)
	ListPipelines(ctx context.Context) ([]*types.Pipeline, error)

	// Pipeline runs. ListRuns returns newest first.
	CreateRun(ctx context.Context, run *types.PipelineRun) error
	GetRun(ctx context.Context, runID string) (*types.PipelineRun, error)
	ListRuns(ctx context.Context, filter types.RunFilter) ([]*types.PipelineRun, error)
	UpdateRun(ctx context.Context, run *types.PipelineRun) error
	// DeleteRun removes the run, its step runs and their links. Artifacts
	// produced by those step runs are removed once nothing links to them.
	DeleteRun(ctx context.Context, runID string) error

	// Step runs. ListStepRuns returns creation order.
	CreateStepRun(ctx context.Context, sr *types.StepRun) error
	UpdateStepRun(ctx context.Context, sr *types.StepRun) error
	GetStepRun(ctx context.Context, id string) (*types.StepRun, error)
	ListStepRuns(ctx context.Context, runID string) ([]*types.StepRun, error)

	// FindStepRunByFingerprint returns the most recent COMPLETED or CACHED
	// step run with the fingerprint, restricted to pipelineName unless it is
	// empty. It returns nil, nil when nothing matches.
	FindStepRunByFingerprint(ctx context.Context, fingerprint, pipelineName string) (*types.StepRun, error)

	// Artifacts and lineage. LinkArtifact is idempotent.
	CreateArtifact(ctx context.Context, a *types.Artifact) error
	GetArtifact(ctx context.Context, id string) (*types.Artifact, error)
	ListArtifacts(ctx context.Context) ([]*types.Artifact, error)
	LinkArtifact(ctx context.Context, link *types.ArtifactLink) error
	ListLinks(ctx context.Context, filter types.LinkFilter) ([]*types.ArtifactLink, error)

	// Diagnostics
	AdapterInfo(ctx context.Context) (map[string]interface{}, error)

	// Cleanup
	Close() error
}

// NewID returns a new record identifier.
func NewID() string {
	return uuid.NewString()
}
