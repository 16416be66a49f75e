// Package steprun implements the step run state machine.
//
//	PENDING -> RUNNING -> COMPLETED | FAILED
//	PENDING -> CACHED
//
// Terminal states never change. Every transition is persisted before it
// is reported back to the caller.
package steprun

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/flexinfer/mentatlab/services/lineage-go/internal/fingerprint"
	"github.com/flexinfer/mentatlab/services/lineage-go/internal/runstore"
	"github.com/flexinfer/mentatlab/services/lineage-go/pkg/types"
)

// Machine applies transitions to step runs and persists them.
// A step run must have a single writer; the Machine does no locking.
type Machine struct {
	store runstore.Store
	now   func() time.Time
}

// New creates a Machine persisting to store.
func New(store runstore.Store) *Machine {
	return &Machine{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Start moves a PENDING step run to RUNNING.
func (m *Machine) Start(ctx context.Context, sr *types.StepRun) error {
	if err := require(sr, types.StepStatusPending, types.StepStatusRunning); err != nil {
		return err
	}
	now := m.now()
	sr.Status = types.StepStatusRunning
	sr.StartedAt = &now
	if err := m.store.UpdateStepRun(ctx, sr); err != nil {
		return fmt.Errorf("start step run %s: %w", sr.ID, err)
	}
	return nil
}

// Complete validates the reported outputs, registers one artifact per output
// with a producer link, and moves the step run to COMPLETED.
//
// Every declared output must be reported and every reported output must
// carry uri, materializer and data_type. Otherwise nothing is registered,
// the step run is failed and an *ArtifactIntegrityError is returned.
//
// A store error while registering outputs also fails the step run. Any
// artifacts registered before the error stay in the store with their
// producer links, attributed to the failed step run. When the failure
// itself cannot be persisted the returned error wraps that store error
// and no longer matches *ArtifactIntegrityError, and sr stays RUNNING.
func (m *Machine) Complete(ctx context.Context, sr *types.StepRun, declared []types.OutputSpec, outputs map[string]types.OutputDescriptor) ([]*types.Artifact, error) {
	if err := require(sr, types.StepStatusRunning, types.StepStatusCompleted); err != nil {
		return nil, err
	}
	if err := checkOutputs(sr.Name, declared, outputs); err != nil {
		if failErr := m.Fail(ctx, sr, err); failErr != nil {
			return nil, fmt.Errorf("%v: %w", err, failErr)
		}
		return nil, err
	}

	names := make([]string, 0, len(outputs))
	for name := range outputs {
		names = append(names, name)
	}
	sort.Strings(names)

	// Outputs of an uncached execution must not satisfy downstream cache keys.
	seed := sr.Fingerprint
	if !sr.EnableCache {
		seed += "/" + sr.ID
	}
	artifacts := make([]*types.Artifact, 0, len(names))
	for _, name := range names {
		out := outputs[name]
		a := &types.Artifact{
			Name:              name,
			URI:               out.URI,
			Materializer:      out.Materializer,
			DataType:          out.DataType,
			Fingerprint:       fingerprint.ForArtifact(seed, name),
			ProducerStepRunID: sr.ID,
		}
		if err := m.store.CreateArtifact(ctx, a); err != nil {
			return nil, m.abort(ctx, sr, fmt.Errorf("register artifact %s of %s: %w", name, sr.Name, err))
		}
		if err := m.store.LinkArtifact(ctx, &types.ArtifactLink{
			StepRunID:  sr.ID,
			ArtifactID: a.ID,
			Name:       name,
			Direction:  types.LinkOutput,
		}); err != nil {
			return nil, m.abort(ctx, sr, fmt.Errorf("link artifact %s of %s: %w", name, sr.Name, err))
		}
		artifacts = append(artifacts, a)
	}

	now := m.now()
	done := *sr
	done.Status = types.StepStatusCompleted
	done.FinishedAt = &now
	done.OutputCount = len(artifacts)
	if err := m.store.UpdateStepRun(ctx, &done); err != nil {
		return nil, m.abort(ctx, sr, fmt.Errorf("complete step run %s: %w", sr.ID, err))
	}
	*sr = done
	return artifacts, nil
}

// Fail moves a RUNNING step run to FAILED and records cause. sr is left
// unchanged when the transition cannot be persisted.
func (m *Machine) Fail(ctx context.Context, sr *types.StepRun, cause error) error {
	if err := require(sr, types.StepStatusRunning, types.StepStatusFailed); err != nil {
		return err
	}
	now := m.now()
	failed := *sr
	failed.Status = types.StepStatusFailed
	failed.FinishedAt = &now
	if cause != nil {
		failed.Error = cause.Error()
	}
	if err := m.store.UpdateStepRun(ctx, &failed); err != nil {
		return fmt.Errorf("fail step run %s: %w", sr.ID, err)
	}
	*sr = failed
	return nil
}

// abort fails sr after a store error part way through Complete.
func (m *Machine) abort(ctx context.Context, sr *types.StepRun, err error) error {
	return errors.Join(err, m.Fail(ctx, sr, err))
}

// MarkCached moves a PENDING step run straight to CACHED, reusing the
// outputs of source. The reused artifacts are linked as virtual outputs;
// no artifact records are created.
func (m *Machine) MarkCached(ctx context.Context, sr *types.StepRun, source *types.StepRun, reused map[string]*types.Artifact) error {
	if err := require(sr, types.StepStatusPending, types.StepStatusCached); err != nil {
		return err
	}
	names := make([]string, 0, len(reused))
	for name := range reused {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := m.store.LinkArtifact(ctx, &types.ArtifactLink{
			StepRunID:  sr.ID,
			ArtifactID: reused[name].ID,
			Name:       name,
			Direction:  types.LinkOutput,
			Virtual:    true,
		}); err != nil {
			return fmt.Errorf("link reused artifact %s of %s: %w", name, sr.Name, err)
		}
	}

	now := m.now()
	sr.Status = types.StepStatusCached
	sr.StartedAt = &now
	sr.FinishedAt = &now
	sr.OutputCount = len(reused)
	if source != nil {
		sr.CacheSourceID = source.ID
	}
	if err := m.store.UpdateStepRun(ctx, sr); err != nil {
		return fmt.Errorf("cache step run %s: %w", sr.ID, err)
	}
	return nil
}

func require(sr *types.StepRun, from, to types.StepStatus) error {
	if sr.Status != from {
		return &InvalidStateTransitionError{StepRunID: sr.ID, Step: sr.Name, From: sr.Status, To: to}
	}
	return nil
}

func checkOutputs(step string, declared []types.OutputSpec, outputs map[string]types.OutputDescriptor) error {
	names := make([]string, 0, len(outputs))
	for name := range outputs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if missing := outputs[name].Missing(); len(missing) > 0 {
			return &ArtifactIntegrityError{Step: step, Output: name, Missing: missing}
		}
	}
	for _, d := range declared {
		if _, ok := outputs[d.Name]; !ok {
			return &ArtifactIntegrityError{Step: step, Output: d.Name}
		}
	}
	return nil
}
