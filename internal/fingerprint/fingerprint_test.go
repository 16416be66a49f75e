package fingerprint

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexinfer/mentatlab/services/lineage-go/pkg/types"
)

func baseInputs() Inputs {
	return Inputs{
		CodeIdentity: "steps.trainer@v1",
		Parameters: map[string]interface{}{
			"lr":     0.01,
			"epochs": 3,
			"opts":   map[string]interface{}{"b": 2, "a": 1},
		},
		Artifacts: []InputArtifact{
			{Name: "data", ProducerEntrypoint: "steps.importer", Fingerprint: "f-data"},
			{Name: "labels", ProducerEntrypoint: "steps.importer", Fingerprint: "f-labels"},
		},
		Outputs:       []types.OutputSpec{{Name: "model", Materializer: "json", DataType: "model"}},
		ArtifactStore: "memory:/artifacts",
		Project:       "default",
	}
}

func TestComputeDeterministic(t *testing.T) {
	a, err := Compute(baseInputs())
	require.NoError(t, err)
	b, err := Compute(baseInputs())
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestComputeOrderIndependent(t *testing.T) {
	in := baseInputs()
	want, err := Compute(in)
	require.NoError(t, err)

	in.Artifacts[0], in.Artifacts[1] = in.Artifacts[1], in.Artifacts[0]
	in.Parameters = map[string]interface{}{
		"opts":   map[string]interface{}{"a": 1, "b": 2},
		"epochs": 3,
		"lr":     0.01,
	}
	got, err := Compute(in)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestComputeSensitiveToEachInput(t *testing.T) {
	base, err := Compute(baseInputs())
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Inputs)
	}{
		{"step name", func(in *Inputs) { in.Step = "evaluator" }},
		{"code identity", func(in *Inputs) { in.CodeIdentity = "steps.trainer@v2" }},
		{"parameter value", func(in *Inputs) { in.Parameters["lr"] = 0.02 }},
		{"nested parameter", func(in *Inputs) { in.Parameters["opts"] = map[string]interface{}{"a": 1, "b": 3} }},
		{"added parameter", func(in *Inputs) { in.Parameters["seed"] = 42 }},
		{"input fingerprint", func(in *Inputs) { in.Artifacts[0].Fingerprint = "f-data-2" }},
		{"input producer", func(in *Inputs) { in.Artifacts[0].ProducerEntrypoint = "steps.other" }},
		{"input name", func(in *Inputs) { in.Artifacts[0].Name = "dataset" }},
		{"dropped input", func(in *Inputs) { in.Artifacts = in.Artifacts[:1] }},
		{"step cache flag", func(in *Inputs) { in.StepEnableCache = types.Bool(true) }},
		{"pipeline cache flag", func(in *Inputs) { in.PipelineEnableCache = types.Bool(true) }},
		{"outputs", func(in *Inputs) { in.Outputs[0].Materializer = "yaml" }},
		{"caching parameters", func(in *Inputs) { in.CachingParameters = map[string]interface{}{"dataset_version": 2} }},
		{"artifact store", func(in *Inputs) { in.ArtifactStore = "s3://bucket" }},
		{"project", func(in *Inputs) { in.Project = "other" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := baseInputs()
			tt.mutate(&in)
			got, err := Compute(in)
			require.NoError(t, err)
			assert.NotEqual(t, base, got)
		})
	}
}

func TestComputeRejectsUnmarshalableParameters(t *testing.T) {
	in := baseInputs()
	in.Parameters["fn"] = func() {}
	_, err := Compute(in)
	assert.Error(t, err)
}

func TestForArtifact(t *testing.T) {
	assert.Equal(t, ForArtifact("fp", "model"), ForArtifact("fp", "model"))
	assert.NotEqual(t, ForArtifact("fp", "model"), ForArtifact("fp", "metrics"))
	assert.NotEqual(t, ForArtifact("fp", "model"), ForArtifact("fp2", "model"))
}

type fakeLookup struct {
	runs  []*types.StepRun
	err   error
	calls []string
}

func (f *fakeLookup) FindStepRunByFingerprint(_ context.Context, fp, pipeline string) (*types.StepRun, error) {
	f.calls = append(f.calls, pipeline)
	if f.err != nil {
		return nil, f.err
	}
	for i := len(f.runs) - 1; i >= 0; i-- {
		r := f.runs[i]
		if r.Fingerprint == fp && (pipeline == "" || r.PipelineName == pipeline) {
			return r, nil
		}
	}
	return nil, nil
}

func TestEngineDecide(t *testing.T) {
	ctx := context.Background()
	lookup := &fakeLookup{runs: []*types.StepRun{
		{ID: "s1", Fingerprint: "ok", PipelineName: "p", Status: types.StepStatusCompleted},
		{ID: "s2", Fingerprint: "cached", PipelineName: "p", Status: types.StepStatusCached},
		{ID: "s3", Fingerprint: "failed", PipelineName: "p", Status: types.StepStatusFailed},
		{ID: "s4", Fingerprint: "other", PipelineName: "q", Status: types.StepStatusCompleted},
	}}

	tests := []struct {
		name     string
		scope    Scope
		fp       string
		enabled  bool
		want     Decision
		sourceID string
	}{
		{"completed source hits", ScopePipeline, "ok", true, Hit, "s1"},
		{"cached source hits", ScopePipeline, "cached", true, Hit, "s2"},
		{"failed source misses", ScopePipeline, "failed", true, Miss, ""},
		{"unknown misses", ScopePipeline, "nope", true, Miss, ""},
		{"disabled never looks up", ScopePipeline, "ok", false, Disabled, ""},
		{"pipeline scope excludes other pipelines", ScopePipeline, "other", true, Miss, ""},
		{"global scope includes other pipelines", ScopeGlobal, "other", true, Hit, "s4"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := NewEngine(lookup, tt.scope).Decide(ctx, tt.fp, "p", tt.enabled)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Decision)
			assert.Equal(t, tt.fp, res.Fingerprint)
			if tt.sourceID == "" {
				assert.Nil(t, res.Source)
			} else {
				require.NotNil(t, res.Source)
				assert.Equal(t, tt.sourceID, res.Source.ID)
			}
			assert.Equal(t, tt.want != Hit, res.Executes())
		})
	}
}

func TestEngineDecideLookupError(t *testing.T) {
	lookup := &fakeLookup{err: errors.New("store down")}
	_, err := NewEngine(lookup, ScopeGlobal).Decide(context.Background(), "fp", "p", true)
	require.Error(t, err)
	assert.Equal(t, []string{""}, lookup.calls)
}

func TestParseScope(t *testing.T) {
	s, err := ParseScope("")
	require.NoError(t, err)
	assert.Equal(t, ScopePipeline, s)

	s, err = ParseScope("global")
	require.NoError(t, err)
	assert.Equal(t, ScopeGlobal, s)

	_, err = ParseScope("cluster")
	assert.Error(t, err)
}
