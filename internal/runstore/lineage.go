package runstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/flexinfer/mentatlab/services/lineage-go/pkg/types"
)

// StepArtifacts returns the artifacts linked to a step run in one direction,
// keyed by link name. Artifacts reached through a virtual link are returned
// as copies with IsCached set.
func StepArtifacts(ctx context.Context, s Store, stepRunID string, dir types.LinkDirection) (map[string]*types.Artifact, error) {
	links, err := s.ListLinks(ctx, types.LinkFilter{StepRunID: stepRunID, Direction: dir})
	if err != nil {
		return nil, fmt.Errorf("list %s links of %s: %w", dir, stepRunID, err)
	}
	out := make(map[string]*types.Artifact, len(links))
	for _, l := range links {
		a, err := s.GetArtifact(ctx, l.ArtifactID)
		if err != nil {
			return nil, fmt.Errorf("get artifact %s: %w", l.ArtifactID, err)
		}
		cp := *a
		cp.IsCached = l.Virtual
		out[l.Name] = &cp
	}
	return out, nil
}

// Lineage describes where an artifact came from and where it went.
type Lineage struct {
	Artifact  *types.Artifact       `json:"artifact"`
	Producer  *types.StepRun        `json:"producer,omitempty"`
	Reusers   []*types.StepRun      `json:"reusers,omitempty"`
	Consumers []*types.StepRun      `json:"consumers,omitempty"`
	Inputs    map[string]*Lineage   `json:"inputs,omitempty"`
	Links     []*types.ArtifactLink `json:"-"`
}

// TraceLineage loads an artifact with its producer, the cached step runs that
// reused it, its consumers, and recursively the producer's inputs up to depth
// levels (0 means unlimited).
func TraceLineage(ctx context.Context, s Store, artifactID string, depth int) (*Lineage, error) {
	return traceLineage(ctx, s, artifactID, depth, map[string]bool{})
}

func traceLineage(ctx context.Context, s Store, artifactID string, depth int, visiting map[string]bool) (*Lineage, error) {
	a, err := s.GetArtifact(ctx, artifactID)
	if err != nil {
		return nil, err
	}
	links, err := s.ListLinks(ctx, types.LinkFilter{ArtifactID: artifactID})
	if err != nil {
		return nil, fmt.Errorf("list links of %s: %w", artifactID, err)
	}

	out := &Lineage{Artifact: a, Links: links}
	if a.ProducerStepRunID != "" {
		producer, err := s.GetStepRun(ctx, a.ProducerStepRunID)
		switch {
		case err == nil:
			out.Producer = producer
		case !errors.Is(err, ErrStepRunNotFound):
			return nil, err
		}
	}
	for _, l := range links {
		sr, err := s.GetStepRun(ctx, l.StepRunID)
		if err != nil {
			if errors.Is(err, ErrStepRunNotFound) {
				continue
			}
			return nil, err
		}
		switch {
		case l.Direction == types.LinkInput:
			out.Consumers = append(out.Consumers, sr)
		case l.Virtual:
			out.Reusers = append(out.Reusers, sr)
		}
	}

	if out.Producer == nil || depth == 1 || visiting[artifactID] {
		return out, nil
	}
	visiting[artifactID] = true
	defer delete(visiting, artifactID)

	inputs, err := s.ListLinks(ctx, types.LinkFilter{StepRunID: out.Producer.ID, Direction: types.LinkInput})
	if err != nil {
		return nil, err
	}
	next := depth - 1
	if depth == 0 {
		next = 0
	}
	for _, in := range inputs {
		parent, err := traceLineage(ctx, s, in.ArtifactID, next, visiting)
		if err != nil {
			return nil, err
		}
		if out.Inputs == nil {
			out.Inputs = make(map[string]*Lineage)
		}
		out.Inputs[in.Name] = parent
	}
	return out, nil
}
