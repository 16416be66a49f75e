package runstore

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/flexinfer/mentatlab/services/lineage-go/pkg/types"
)

// MemoryStore is an in-memory implementation of Store.
// Suitable for development and testing. Data is lost on restart.
type MemoryStore struct {
	mu        sync.RWMutex
	pipelines map[string]*types.Pipeline
	runs      map[string]*types.PipelineRun
	runSeq    map[string]int64
	stepRuns  map[string]*types.StepRun
	stepSeq   map[string]int64
	artifacts map[string]*types.Artifact
	links     []*types.ArtifactLink
	seq       int64
}

// NewMemoryStore creates a new in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pipelines: make(map[string]*types.Pipeline),
		runs:      make(map[string]*types.PipelineRun),
		runSeq:    make(map[string]int64),
		stepRuns:  make(map[string]*types.StepRun),
		stepSeq:   make(map[string]int64),
		artifacts: make(map[string]*types.Artifact),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) next() int64 {
	s.seq++
	return s.seq
}

func (s *MemoryStore) CreatePipeline(ctx context.Context, p *types.Pipeline) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == "" {
		p.ID = NewID()
	}
	if _, exists := s.pipelines[p.ID]; exists {
		return ErrAlreadyExists
	}
	version := 0
	for _, existing := range s.pipelines {
		if existing.Name == p.Name && existing.Version > version {
			version = existing.Version
		}
	}
	p.Version = version + 1
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	cp := *p
	s.pipelines[p.ID] = &cp
	return nil
}

func (s *MemoryStore) GetPipeline(ctx context.Context, id string) (*types.Pipeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pipelines[id]
	if !ok {
		return nil, ErrPipelineNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) GetPipelineByName(ctx context.Context, name string) (*types.Pipeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *types.Pipeline
	for _, p := range s.pipelines {
		if p.Name == name && (latest == nil || p.Version > latest.Version) {
			latest = p
		}
	}
	if latest == nil {
		return nil, ErrPipelineNotFound
	}
	cp := *latest
	return &cp, nil
}

func (s *MemoryStore) ListPipelines(ctx context.Context) ([]*types.Pipeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.Pipeline, 0, len(s.pipelines))
	for _, p := range s.pipelines {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}

func (s *MemoryStore) CreateRun(ctx context.Context, run *types.PipelineRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run.ID == "" {
		run.ID = NewID()
	}
	if _, exists := s.runs[run.ID]; exists {
		return ErrAlreadyExists
	}
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	cp := *run
	s.runs[run.ID] = &cp
	s.runSeq[run.ID] = s.next()
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, runID string) (*types.PipelineRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	cp := *run
	return &cp, nil
}

func (s *MemoryStore) ListRuns(ctx context.Context, filter types.RunFilter) ([]*types.PipelineRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.PipelineRun, 0, len(s.runs))
	for _, run := range s.runs {
		if filter.PipelineID != "" && run.PipelineID != filter.PipelineID {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		cp := *run
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return s.runSeq[out[i].ID] > s.runSeq[out[j].ID] })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) UpdateRun(ctx context.Context, run *types.PipelineRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[run.ID]; !ok {
		return ErrRunNotFound
	}
	run.UpdatedAt = time.Now().UTC()
	cp := *run
	s.runs[run.ID] = &cp
	return nil
}

func (s *MemoryStore) DeleteRun(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[runID]; !ok {
		return ErrRunNotFound
	}
	delete(s.runs, runID)
	delete(s.runSeq, runID)

	removed := make(map[string]bool)
	for id, sr := range s.stepRuns {
		if sr.PipelineRunID == runID {
			removed[id] = true
			delete(s.stepRuns, id)
			delete(s.stepSeq, id)
		}
	}

	kept := s.links[:0]
	for _, l := range s.links {
		if !removed[l.StepRunID] {
			kept = append(kept, l)
		}
	}
	s.links = kept

	linked := make(map[string]bool, len(s.links))
	for _, l := range s.links {
		linked[l.ArtifactID] = true
	}
	for id, a := range s.artifacts {
		if removed[a.ProducerStepRunID] && !linked[id] {
			delete(s.artifacts, id)
		}
	}
	return nil
}

func (s *MemoryStore) CreateStepRun(ctx context.Context, sr *types.StepRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[sr.PipelineRunID]; !ok {
		return ErrRunNotFound
	}
	if sr.ID == "" {
		sr.ID = NewID()
	}
	if _, exists := s.stepRuns[sr.ID]; exists {
		return ErrAlreadyExists
	}
	if sr.CreatedAt.IsZero() {
		sr.CreatedAt = time.Now().UTC()
	}
	s.stepRuns[sr.ID] = cloneStepRun(sr)
	s.stepSeq[sr.ID] = s.next()
	return nil
}

func (s *MemoryStore) UpdateStepRun(ctx context.Context, sr *types.StepRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.stepRuns[sr.ID]; !ok {
		return ErrStepRunNotFound
	}
	s.stepRuns[sr.ID] = cloneStepRun(sr)
	return nil
}

func (s *MemoryStore) GetStepRun(ctx context.Context, id string) (*types.StepRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sr, ok := s.stepRuns[id]
	if !ok {
		return nil, ErrStepRunNotFound
	}
	return cloneStepRun(sr), nil
}

func (s *MemoryStore) ListStepRuns(ctx context.Context, runID string) ([]*types.StepRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.StepRun
	for _, sr := range s.stepRuns {
		if sr.PipelineRunID == runID {
			out = append(out, cloneStepRun(sr))
		}
	}
	sort.Slice(out, func(i, j int) bool { return s.stepSeq[out[i].ID] < s.stepSeq[out[j].ID] })
	return out, nil
}

func (s *MemoryStore) FindStepRunByFingerprint(ctx context.Context, fingerprint, pipelineName string) (*types.StepRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *types.StepRun
	for _, sr := range s.stepRuns {
		if sr.Fingerprint != fingerprint || !sr.Status.IsSuccessful() {
			continue
		}
		if pipelineName != "" && sr.PipelineName != pipelineName {
			continue
		}
		if best == nil || s.stepSeq[sr.ID] > s.stepSeq[best.ID] {
			best = sr
		}
	}
	if best == nil {
		return nil, nil
	}
	return cloneStepRun(best), nil
}

func (s *MemoryStore) CreateArtifact(ctx context.Context, a *types.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.ID == "" {
		a.ID = NewID()
	}
	if _, exists := s.artifacts[a.ID]; exists {
		return ErrAlreadyExists
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	cp := *a
	s.artifacts[a.ID] = &cp
	return nil
}

func (s *MemoryStore) GetArtifact(ctx context.Context, id string) (*types.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.artifacts[id]
	if !ok {
		return nil, ErrArtifactNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) ListArtifacts(ctx context.Context) ([]*types.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.Artifact, 0, len(s.artifacts))
	for _, a := range s.artifacts {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) LinkArtifact(ctx context.Context, link *types.ArtifactLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.stepRuns[link.StepRunID]; !ok {
		return ErrStepRunNotFound
	}
	if _, ok := s.artifacts[link.ArtifactID]; !ok {
		return ErrArtifactNotFound
	}
	for _, l := range s.links {
		if l.StepRunID == link.StepRunID && l.ArtifactID == link.ArtifactID &&
			l.Direction == link.Direction && l.Name == link.Name {
			return nil
		}
	}
	if link.CreatedAt.IsZero() {
		link.CreatedAt = time.Now().UTC()
	}
	cp := *link
	s.links = append(s.links, &cp)
	return nil
}

func (s *MemoryStore) ListLinks(ctx context.Context, filter types.LinkFilter) ([]*types.ArtifactLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.ArtifactLink
	for _, l := range s.links {
		if filter.Matches(l) {
			cp := *l
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) AdapterInfo(ctx context.Context) (map[string]interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return map[string]interface{}{
		"adapter":   "memory",
		"pipelines": len(s.pipelines),
		"runs":      len(s.runs),
		"step_runs": len(s.stepRuns),
		"artifacts": len(s.artifacts),
		"links":     len(s.links),
	}, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func cloneStepRun(sr *types.StepRun) *types.StepRun {
	cp := *sr
	cp.ParentStepIDs = append([]string(nil), sr.ParentStepIDs...)
	cp.Parameters = maps.Clone(sr.Parameters)
	cp.CachingParameters = maps.Clone(sr.CachingParameters)
	return &cp
}
