// Package storetest is a behavioural suite shared by every runstore.Store
// implementation.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexinfer/mentatlab/services/lineage-go/internal/runstore"
	"github.com/flexinfer/mentatlab/services/lineage-go/pkg/types"
)

// Factory returns an empty store. The suite closes it.
type Factory func(t *testing.T) runstore.Store

// Run executes the suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s runstore.Store)
	}{
		{"PipelineVersions", testPipelineVersions},
		{"RunLifecycle", testRunLifecycle},
		{"ListRunsFilter", testListRunsFilter},
		{"StepRunRequiresRun", testStepRunRequiresRun},
		{"StepRunRoundTrip", testStepRunRoundTrip},
		{"FingerprintLookup", testFingerprintLookup},
		{"ArtifactLinks", testArtifactLinks},
		{"DeleteRunCascade", testDeleteRunCascade},
		{"Lineage", testLineage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

func testPipelineVersions(t *testing.T, s runstore.Store) {
	ctx := context.Background()

	first := &types.Pipeline{Name: "training", Spec: &types.PipelineSpec{Name: "training"}}
	require.NoError(t, s.CreatePipeline(ctx, first))
	second := &types.Pipeline{Name: "training", Spec: &types.PipelineSpec{Name: "training"}}
	require.NoError(t, s.CreatePipeline(ctx, second))
	other := &types.Pipeline{Name: "etl"}
	require.NoError(t, s.CreatePipeline(ctx, other))

	assert.Equal(t, 1, first.Version)
	assert.Equal(t, 2, second.Version)
	assert.Equal(t, 1, other.Version)

	latest, err := s.GetPipelineByName(ctx, "training")
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)
	require.NotNil(t, latest.Spec)
	assert.Equal(t, "training", latest.Spec.Name)

	all, err := s.ListPipelines(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "etl", all[0].Name)
	assert.Equal(t, 1, all[1].Version)
	assert.Equal(t, 2, all[2].Version)

	_, err = s.GetPipeline(ctx, "missing")
	assert.ErrorIs(t, err, runstore.ErrPipelineNotFound)
	_, err = s.GetPipelineByName(ctx, "missing")
	assert.ErrorIs(t, err, runstore.ErrPipelineNotFound)
}

func testRunLifecycle(t *testing.T, s runstore.Store) {
	ctx := context.Background()

	run := &types.PipelineRun{
		Name:   "nightly",
		Status: types.RunStatusRunning,
		Config: &types.PipelineSpec{Name: "training", EnableCache: types.Bool(false)},
	}
	require.NoError(t, s.CreateRun(ctx, run))
	require.NotEmpty(t, run.ID)
	assert.ErrorIs(t, s.CreateRun(ctx, &types.PipelineRun{ID: run.ID}), runstore.ErrAlreadyExists)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusRunning, got.Status)
	require.NotNil(t, got.Config)
	require.NotNil(t, got.Config.EnableCache)
	assert.False(t, *got.Config.EnableCache)
	assert.Equal(t, "training", got.PipelineName())

	finished := time.Now().UTC()
	got.Status = types.RunStatusFailed
	got.Error = "step trainer failed"
	got.FinishedAt = &finished
	require.NoError(t, s.UpdateRun(ctx, got))

	again, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusFailed, again.Status)
	assert.Equal(t, "step trainer failed", again.Error)
	require.NotNil(t, again.FinishedAt)
	assert.WithinDuration(t, finished, *again.FinishedAt, time.Millisecond)

	assert.ErrorIs(t, s.UpdateRun(ctx, &types.PipelineRun{ID: "missing"}), runstore.ErrRunNotFound)
	_, err = s.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, runstore.ErrRunNotFound)
}

func testListRunsFilter(t *testing.T, s runstore.Store) {
	ctx := context.Background()

	var ids []string
	for i, status := range []types.RunStatus{types.RunStatusCompleted, types.RunStatusFailed, types.RunStatusCompleted} {
		run := &types.PipelineRun{PipelineID: "p1", Status: status}
		if i == 1 {
			run.PipelineID = "p2"
		}
		require.NoError(t, s.CreateRun(ctx, run))
		ids = append(ids, run.ID)
	}

	all, err := s.ListRuns(ctx, types.RunFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{ids[2], ids[1], ids[0]}, runIDs(all))

	byPipeline, err := s.ListRuns(ctx, types.RunFilter{PipelineID: "p1"})
	require.NoError(t, err)
	assert.Equal(t, []string{ids[2], ids[0]}, runIDs(byPipeline))

	byStatus, err := s.ListRuns(ctx, types.RunFilter{Status: types.RunStatusFailed})
	require.NoError(t, err)
	assert.Equal(t, []string{ids[1]}, runIDs(byStatus))

	limited, err := s.ListRuns(ctx, types.RunFilter{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{ids[2]}, runIDs(limited))
}

func testStepRunRequiresRun(t *testing.T, s runstore.Store) {
	ctx := context.Background()
	err := s.CreateStepRun(ctx, &types.StepRun{Name: "trainer", PipelineRunID: "missing", Status: types.StepStatusPending})
	assert.ErrorIs(t, err, runstore.ErrRunNotFound)
	assert.ErrorIs(t, s.UpdateStepRun(ctx, &types.StepRun{ID: "missing"}), runstore.ErrStepRunNotFound)
	_, err = s.GetStepRun(ctx, "missing")
	assert.ErrorIs(t, err, runstore.ErrStepRunNotFound)
}

func testStepRunRoundTrip(t *testing.T, s runstore.Store) {
	ctx := context.Background()
	run := newRun(t, s, "training")

	importer := newStep(t, s, run, "importer", "fp-importer", types.StepStatusCompleted)
	trainer := &types.StepRun{
		Name:              "trainer",
		PipelineRunID:     run.ID,
		PipelineName:      "training",
		ParentStepIDs:     []string{importer.ID},
		Entrypoint:        "steps.train",
		Parameters:        map[string]interface{}{"epochs": float64(3), "lr": 0.01},
		CachingParameters: map[string]interface{}{"seed": "42"},
		EnableCache:       true,
		Fingerprint:       "fp-trainer",
		Status:            types.StepStatusPending,
		Attempt:           1,
	}
	require.NoError(t, s.CreateStepRun(ctx, trainer))

	started := time.Now().UTC()
	trainer.Status = types.StepStatusRunning
	trainer.StartedAt = &started
	require.NoError(t, s.UpdateStepRun(ctx, trainer))

	got, err := s.GetStepRun(ctx, trainer.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StepStatusRunning, got.Status)
	assert.Equal(t, []string{importer.ID}, got.ParentStepIDs)
	assert.Equal(t, float64(3), got.Parameters["epochs"])
	assert.Equal(t, "42", got.CachingParameters["seed"])
	assert.True(t, got.EnableCache)
	assert.Equal(t, "training", got.PipelineName)
	require.NotNil(t, got.StartedAt)
	assert.Nil(t, got.FinishedAt)

	steps, err := s.ListStepRuns(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "importer", steps[0].Name)
	assert.Equal(t, "trainer", steps[1].Name)
}

func testFingerprintLookup(t *testing.T, s runstore.Store) {
	ctx := context.Background()

	none, err := s.FindStepRunByFingerprint(ctx, "fp", "")
	require.NoError(t, err)
	assert.Nil(t, none)

	first := newRun(t, s, "training")
	older := newStep(t, s, first, "trainer", "fp", types.StepStatusCompleted)
	newStep(t, s, first, "trainer-retry", "fp", types.StepStatusFailed)

	got, err := s.FindStepRunByFingerprint(ctx, "fp", "training")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, older.ID, got.ID, "failed step runs are never cache sources")

	second := newRun(t, s, "training")
	pending := newStep(t, s, second, "trainer", "fp", types.StepStatusPending)
	got, err = s.FindStepRunByFingerprint(ctx, "fp", "training")
	require.NoError(t, err)
	assert.Equal(t, older.ID, got.ID)

	pending.Status = types.StepStatusCached
	pending.CacheSourceID = older.ID
	require.NoError(t, s.UpdateStepRun(ctx, pending))
	got, err = s.FindStepRunByFingerprint(ctx, "fp", "training")
	require.NoError(t, err)
	assert.Equal(t, pending.ID, got.ID, "most recent successful step run wins")

	got, err = s.FindStepRunByFingerprint(ctx, "fp", "other-pipeline")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = s.FindStepRunByFingerprint(ctx, "fp", "")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, pending.ID, got.ID)
}

func testArtifactLinks(t *testing.T, s runstore.Store) {
	ctx := context.Background()
	run := newRun(t, s, "training")
	producer := newStep(t, s, run, "importer", "fp-a", types.StepStatusCompleted)
	consumer := newStep(t, s, run, "trainer", "fp-b", types.StepStatusCompleted)

	a := &types.Artifact{
		Name:              "dataset",
		URI:               "mem://artifacts/steps.load/dataset/" + producer.ID,
		Materializer:      "json",
		DataType:          "map",
		Fingerprint:       "afp",
		ProducerStepRunID: producer.ID,
	}
	require.NoError(t, s.CreateArtifact(ctx, a))
	assert.ErrorIs(t, s.CreateArtifact(ctx, &types.Artifact{ID: a.ID}), runstore.ErrAlreadyExists)

	got, err := s.GetArtifact(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.URI, got.URI)
	assert.Equal(t, producer.ID, got.ProducerStepRunID)
	assert.False(t, got.IsCached)

	out := &types.ArtifactLink{StepRunID: producer.ID, ArtifactID: a.ID, Name: "dataset", Direction: types.LinkOutput}
	require.NoError(t, s.LinkArtifact(ctx, out))
	require.NoError(t, s.LinkArtifact(ctx, &types.ArtifactLink{
		StepRunID: producer.ID, ArtifactID: a.ID, Name: "dataset", Direction: types.LinkOutput,
	}), "linking is idempotent")
	in := &types.ArtifactLink{StepRunID: consumer.ID, ArtifactID: a.ID, Name: "data", Direction: types.LinkInput}
	require.NoError(t, s.LinkArtifact(ctx, in))

	links, err := s.ListLinks(ctx, types.LinkFilter{ArtifactID: a.ID})
	require.NoError(t, err)
	assert.Len(t, links, 2)

	inputs, err := s.ListLinks(ctx, types.LinkFilter{StepRunID: consumer.ID, Direction: types.LinkInput})
	require.NoError(t, err)
	require.Len(t, inputs, 1)
	assert.Equal(t, "data", inputs[0].Name)

	all, err := s.ListLinks(ctx, types.LinkFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	err = s.LinkArtifact(ctx, &types.ArtifactLink{StepRunID: "missing", ArtifactID: a.ID, Name: "x", Direction: types.LinkInput})
	assert.ErrorIs(t, err, runstore.ErrStepRunNotFound)
	err = s.LinkArtifact(ctx, &types.ArtifactLink{StepRunID: consumer.ID, ArtifactID: "missing", Name: "x", Direction: types.LinkInput})
	assert.ErrorIs(t, err, runstore.ErrArtifactNotFound)

	arts, err := s.ListArtifacts(ctx)
	require.NoError(t, err)
	require.Len(t, arts, 1)
	_, err = s.GetArtifact(ctx, "missing")
	assert.ErrorIs(t, err, runstore.ErrArtifactNotFound)
}

func testDeleteRunCascade(t *testing.T, s runstore.Store) {
	ctx := context.Background()

	first := newRun(t, s, "training")
	producer := newStep(t, s, first, "importer", "fp-a", types.StepStatusCompleted)
	shared := newArtifact(t, s, producer, "dataset")
	private := newArtifact(t, s, producer, "report")
	link(t, s, producer, shared, "dataset", types.LinkOutput, false)
	link(t, s, producer, private, "report", types.LinkOutput, false)

	second := newRun(t, s, "training")
	cached := newStep(t, s, second, "importer", "fp-a", types.StepStatusCached)
	link(t, s, cached, shared, "dataset", types.LinkOutput, true)

	require.NoError(t, s.DeleteRun(ctx, first.ID))

	_, err := s.GetRun(ctx, first.ID)
	assert.ErrorIs(t, err, runstore.ErrRunNotFound)
	_, err = s.GetStepRun(ctx, producer.ID)
	assert.ErrorIs(t, err, runstore.ErrStepRunNotFound)
	_, err = s.GetArtifact(ctx, private.ID)
	assert.ErrorIs(t, err, runstore.ErrArtifactNotFound, "unreferenced artifact is removed")
	_, err = s.GetArtifact(ctx, shared.ID)
	assert.NoError(t, err, "artifact still linked from another run is kept")

	links, err := s.ListLinks(ctx, types.LinkFilter{ArtifactID: shared.ID})
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, cached.ID, links[0].StepRunID)
	assert.True(t, links[0].Virtual)

	assert.ErrorIs(t, s.DeleteRun(ctx, first.ID), runstore.ErrRunNotFound)
}

func testLineage(t *testing.T, s runstore.Store) {
	ctx := context.Background()
	run := newRun(t, s, "training")

	importer := newStep(t, s, run, "importer", "fp-i", types.StepStatusCompleted)
	dataset := newArtifact(t, s, importer, "dataset")
	link(t, s, importer, dataset, "dataset", types.LinkOutput, false)

	trainer := newStep(t, s, run, "trainer", "fp-t", types.StepStatusCompleted)
	link(t, s, trainer, dataset, "data", types.LinkInput, false)
	model := newArtifact(t, s, trainer, "model")
	link(t, s, trainer, model, "model", types.LinkOutput, false)

	rerun := newRun(t, s, "training")
	reuse := newStep(t, s, rerun, "trainer", "fp-t", types.StepStatusCached)
	link(t, s, reuse, model, "model", types.LinkOutput, true)

	lin, err := runstore.TraceLineage(ctx, s, model.ID, 0)
	require.NoError(t, err)
	require.NotNil(t, lin.Producer)
	assert.Equal(t, trainer.ID, lin.Producer.ID)
	require.Len(t, lin.Reusers, 1)
	assert.Equal(t, reuse.ID, lin.Reusers[0].ID)
	require.Contains(t, lin.Inputs, "data")
	assert.Equal(t, dataset.ID, lin.Inputs["data"].Artifact.ID)
	assert.Equal(t, importer.ID, lin.Inputs["data"].Producer.ID)

	outputs, err := runstore.StepArtifacts(ctx, s, reuse.ID, types.LinkOutput)
	require.NoError(t, err)
	require.Contains(t, outputs, "model")
	assert.Equal(t, model.ID, outputs["model"].ID)
	assert.True(t, outputs["model"].IsCached)

	produced, err := runstore.StepArtifacts(ctx, s, trainer.ID, types.LinkOutput)
	require.NoError(t, err)
	require.Contains(t, produced, "model")
	assert.False(t, produced["model"].IsCached)
	stored, err := s.GetArtifact(ctx, model.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsCached)

	_, err = runstore.TraceLineage(ctx, s, "missing", 0)
	assert.True(t, errors.Is(err, runstore.ErrArtifactNotFound))
}

func newRun(t *testing.T, s runstore.Store, pipeline string) *types.PipelineRun {
	t.Helper()
	run := &types.PipelineRun{Name: pipeline, Status: types.RunStatusRunning, Config: &types.PipelineSpec{Name: pipeline}}
	require.NoError(t, s.CreateRun(context.Background(), run))
	return run
}

func newStep(t *testing.T, s runstore.Store, run *types.PipelineRun, name, fp string, status types.StepStatus) *types.StepRun {
	t.Helper()
	sr := &types.StepRun{
		Name:          name,
		PipelineRunID: run.ID,
		PipelineName:  run.PipelineName(),
		Entrypoint:    "steps." + name,
		EnableCache:   true,
		Fingerprint:   fp,
		Status:        status,
		Attempt:       1,
	}
	require.NoError(t, s.CreateStepRun(context.Background(), sr))
	return sr
}

func newArtifact(t *testing.T, s runstore.Store, producer *types.StepRun, name string) *types.Artifact {
	t.Helper()
	a := &types.Artifact{
		Name:              name,
		URI:               "mem://artifacts/" + producer.Entrypoint + "/" + name + "/" + producer.ID,
		Materializer:      "json",
		DataType:          "map",
		Fingerprint:       producer.Fingerprint + "/" + name,
		ProducerStepRunID: producer.ID,
	}
	require.NoError(t, s.CreateArtifact(context.Background(), a))
	return a
}

func link(t *testing.T, s runstore.Store, sr *types.StepRun, a *types.Artifact, name string, dir types.LinkDirection, virtual bool) {
	t.Helper()
	require.NoError(t, s.LinkArtifact(context.Background(), &types.ArtifactLink{
		StepRunID:  sr.ID,
		ArtifactID: a.ID,
		Name:       name,
		Direction:  dir,
		Virtual:    virtual,
	}))
}

func runIDs(runs []*types.PipelineRun) []string {
	ids := make([]string, len(runs))
	for i, r := range runs {
		ids[i] = r.ID
	}
	return ids
}
