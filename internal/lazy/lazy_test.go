package lazy

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexinfer/mentatlab/services/lineage-go/internal/runstore"
	"github.com/flexinfer/mentatlab/services/lineage-go/pkg/types"
)

// seed stores a run whose trainer step produced a model artifact.
func seed(t *testing.T) (*runstore.MemoryStore, *types.PipelineRun, *types.Artifact) {
	t.Helper()
	ctx := context.Background()
	store := runstore.NewMemoryStore()

	p := &types.Pipeline{Name: "training", Spec: &types.PipelineSpec{Name: "training"}}
	require.NoError(t, store.CreatePipeline(ctx, p))

	run := &types.PipelineRun{Name: "training-1", PipelineID: p.ID, Status: types.RunStatusCompleted}
	require.NoError(t, store.CreateRun(ctx, run))
	sr := &types.StepRun{Name: "trainer", PipelineRunID: run.ID, Entrypoint: "steps.train", Status: types.StepStatusCompleted, Attempt: 1}
	require.NoError(t, store.CreateStepRun(ctx, sr))
	model := &types.Artifact{Name: "model", URI: "s3://a/model", Materializer: "json", DataType: "map", ProducerStepRunID: sr.ID}
	require.NoError(t, store.CreateArtifact(ctx, model))
	require.NoError(t, store.LinkArtifact(ctx, &types.ArtifactLink{StepRunID: sr.ID, ArtifactID: model.ID, Name: "model", Direction: types.LinkOutput}))
	return store, run, model
}

func TestEvaluateAgainstStore(t *testing.T) {
	store, run, model := seed(t)
	client := NewStoreClient(store)
	ctx := context.Background()

	tests := []struct {
		name  string
		chain Chain
		want  interface{}
	}{
		{"artifact uri", Attr("get_artifact").Call(model.ID).Attr("uri"), "s3://a/model"},
		{"run step output", Attr("get_pipeline_run").Call(run.ID).Index("steps").Index("trainer").Index("outputs").Attr("model").Attr("id"), model.ID},
		{"run status", Attr("get_pipeline_run").Call(run.ID).Attr("status"), "completed"},
		{"pipeline by name", Attr("get_pipeline").Call("training").Attr("version"), 1.0},
		{"step run", Attr("get_step_run").Call(model.ProducerStepRunID).Attr("entrypoint"), "steps.train"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Evaluate(ctx, client, tt.chain)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluateErrors(t *testing.T) {
	store, run, _ := seed(t)
	client := NewStoreClient(store)
	ctx := context.Background()

	tests := []struct {
		name    string
		chain   Chain
		wantPos int
	}{
		{"unknown method", Attr("delete_everything"), 0},
		{"call a record", Attr("get_pipeline_run").Call(run.ID).Call(), 2},
		{"missing run", Attr("get_pipeline_run").Call("nope"), 1},
		{"bad arg", Attr("get_artifact").Call(42), 1},
		{"index out of range", Attr("get_pipeline_run").Call(run.ID).Attr("status").Index(0), 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Evaluate(ctx, client, tt.chain)
			var evalErr *EvalError
			require.True(t, errors.As(err, &evalErr), "err = %v", err)
			assert.Equal(t, tt.wantPos, evalErr.Pos)
		})
	}

	_, err := Evaluate(ctx, client, Attr("get_artifact"))
	assert.ErrorContains(t, err, "uncalled method")
	_, err = Evaluate(ctx, client, nil)
	assert.Error(t, err)

	_, err = Evaluate(ctx, client, Attr("get_pipeline_run").Call("nope"))
	assert.True(t, errors.Is(err, runstore.ErrRunNotFound))
}

func TestIndexLists(t *testing.T) {
	root := map[string]interface{}{"scores": []interface{}{0.1, 0.5, 0.9}}
	ctx := context.Background()

	got, err := Evaluate(ctx, root, Attr("scores").Index(-1))
	require.NoError(t, err)
	assert.Equal(t, 0.9, got)

	got, err = Evaluate(ctx, root, Attr("scores").Index(1.0))
	require.NoError(t, err)
	assert.Equal(t, 0.5, got)

	_, err = Evaluate(ctx, root, Attr("scores").Index(1.5))
	assert.Error(t, err)
}

func TestResolveParameters(t *testing.T) {
	store, _, model := seed(t)
	client := NewStoreClient(store)

	// Parameters arrive as decoded JSON.
	raw, err := json.Marshal(map[string]interface{}{
		"lr":    0.01,
		"model": Attr("get_artifact").Call(model.ID).Attr("uri").Value(),
		"nested": map[string]interface{}{
			"list": []interface{}{Attr("get_artifact").Call(model.ID).Attr("data_type").Value(), "keep"},
		},
	})
	require.NoError(t, err)
	var params map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &params))

	require.True(t, HasReferences(params))
	resolved, err := Resolve(context.Background(), client, params)
	require.NoError(t, err)
	assert.Equal(t, "s3://a/model", resolved["model"])
	assert.Equal(t, 0.01, resolved["lr"])
	assert.Equal(t, []interface{}{"map", "keep"}, resolved["nested"].(map[string]interface{})["list"])
	assert.False(t, HasReferences(resolved))

	// The input map is left untouched.
	_, stillLazy, _ := Parse(params["model"])
	assert.True(t, stillLazy)
}

func TestResolveErrors(t *testing.T) {
	client := NewStoreClient(runstore.NewMemoryStore())
	ctx := context.Background()

	_, err := Resolve(ctx, client, map[string]interface{}{
		"x": map[string]interface{}{Marker: []interface{}{map[string]interface{}{"op": "exec"}}},
	})
	assert.ErrorContains(t, err, `unknown op "exec"`)

	_, err = Resolve(ctx, client, map[string]interface{}{
		"a": map[string]interface{}{"b": Attr("get_artifact").Call("missing").Value()},
	})
	assert.ErrorContains(t, err, "parameter a.b")
	assert.True(t, errors.Is(err, runstore.ErrArtifactNotFound))

	out, err := Resolve(ctx, client, nil)
	assert.NoError(t, err)
	assert.Nil(t, out)
}

func TestChainString(t *testing.T) {
	ch := Attr("get_pipeline_run").Call("r1").Index("steps").Index(0)
	assert.Equal(t, "client.get_pipeline_run(r1)[steps][0]", ch.String())
}
