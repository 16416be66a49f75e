package driver

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/flexinfer/mentatlab/services/lineage-go/internal/dataflow"
	"github.com/flexinfer/mentatlab/services/lineage-go/internal/materializer"
	"github.com/flexinfer/mentatlab/services/lineage-go/pkg/types"
)

func newFuncBackend(t *testing.T) (*FuncBackend, *dataflow.Store) {
	t.Helper()
	store := dataflow.NewStore("test", dataflow.NewMemoryBackend("artifacts"))
	return NewFuncBackend(store, materializer.Default(), nil), store
}

func runLocal(t *testing.T, b *FuncBackend, req *DispatchRequest) *Result {
	t.Helper()
	ctx := context.Background()
	h, err := b.Dispatch(ctx, req)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if h.Backend != "local" || h.ID != req.StepRunID {
		t.Fatalf("handle = %+v", h)
	}
	res, err := b.Await(ctx, h)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	return res
}

func TestFuncBackendRoundTrip(t *testing.T) {
	b, store := newFuncBackend(t)
	ctx := context.Background()

	b.Register("steps.importer", func(ctx context.Context, sc *StepContext) (map[string]interface{}, error) {
		return map[string]interface{}{
			"rows":  []interface{}{1.0, 2.0, 3.0},
			"notes": "raw import",
		}, nil
	})
	b.Register("steps.trainer", func(ctx context.Context, sc *StepContext) (map[string]interface{}, error) {
		rows := sc.Inputs["data"].([]interface{})
		lr := sc.Parameters["lr"].(float64)
		return map[string]interface{}{"model": map[string]interface{}{"n": float64(len(rows)), "lr": lr}}, nil
	})

	importer := &types.StepSpec{
		Name:       "importer",
		Entrypoint: "steps.importer",
		Outputs:    []types.OutputSpec{{Name: "rows"}, {Name: "notes", Materializer: "yaml"}},
	}
	res := runLocal(t, b, newRequest(importer))
	if !res.Succeeded() {
		t.Fatalf("importer result = %+v", res)
	}
	rows := res.Outputs["rows"]
	if rows.Materializer != "json" || rows.DataType != "list" {
		t.Errorf("rows = %+v", rows)
	}
	if want := store.URI("steps.importer", "rows", "sr-importer"); rows.URI != want {
		t.Errorf("rows uri = %s, want %s", rows.URI, want)
	}
	if notes := res.Outputs["notes"]; notes.Materializer != "yaml" || notes.DataType != "str" {
		t.Errorf("notes = %+v", notes)
	}

	trainer := &types.StepSpec{Name: "trainer", Entrypoint: "steps.trainer"}
	req := newRequest(trainer)
	req.Parameters = map[string]interface{}{"lr": 0.1}
	req.Inputs = map[string]*types.Artifact{
		"data": {Name: "rows", URI: rows.URI, Materializer: rows.Materializer, DataType: rows.DataType},
	}
	res = runLocal(t, b, req)
	if !res.Succeeded() {
		t.Fatalf("trainer result = %+v", res)
	}

	rc, err := store.Open(ctx, res.Outputs["model"].URI)
	if err != nil {
		t.Fatalf("Open model: %v", err)
	}
	defer rc.Close()
	v, err := materializer.JSON{}.Read(rc)
	if err != nil {
		t.Fatalf("read model: %v", err)
	}
	model := v.(map[string]interface{})
	if model["n"] != 3.0 || model["lr"] != 0.1 {
		t.Errorf("model = %v", model)
	}
}

func TestFuncBackendFailures(t *testing.T) {
	b, _ := newFuncBackend(t)
	b.Register("steps.fail", func(ctx context.Context, sc *StepContext) (map[string]interface{}, error) {
		return nil, errors.New("bad input")
	})
	b.Register("steps.panic", func(ctx context.Context, sc *StepContext) (map[string]interface{}, error) {
		panic("index out of range")
	})

	tests := []struct {
		name    string
		step    *types.StepSpec
		inputs  map[string]*types.Artifact
		wantErr string
	}{
		{"returns error", &types.StepSpec{Name: "a", Entrypoint: "steps.fail"}, nil, "bad input"},
		{"panics", &types.StepSpec{Name: "b", Entrypoint: "steps.panic"}, nil, "panic: index out of range"},
		{
			"missing input",
			&types.StepSpec{Name: "c", Entrypoint: "steps.fail"},
			map[string]*types.Artifact{"x": {URI: "memory://local/artifacts/none", Materializer: "json"}},
			"load input x",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := newRequest(tt.step)
			req.Inputs = tt.inputs
			res := runLocal(t, b, req)
			if res.Succeeded() || !strings.Contains(res.Error, tt.wantErr) {
				t.Errorf("result = %+v, want failure containing %q", res, tt.wantErr)
			}
		})
	}

	if _, err := b.Dispatch(context.Background(), newRequest(&types.StepSpec{Name: "d", Entrypoint: "steps.nope"})); err == nil {
		t.Error("dispatch of unregistered entrypoint succeeded")
	}
	if got := b.Entrypoints(); len(got) != 2 || got[0] != "steps.fail" {
		t.Errorf("Entrypoints = %v", got)
	}
}

func TestFuncBackendCancel(t *testing.T) {
	b, _ := newFuncBackend(t)
	started := make(chan struct{})
	b.Register("steps.slow", func(ctx context.Context, sc *StepContext) (map[string]interface{}, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	ctx := context.Background()
	h, err := b.Dispatch(ctx, newRequest(&types.StepSpec{Name: "slow", Entrypoint: "steps.slow"}))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	<-started
	if err := b.Cancel(ctx, h); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	res, err := b.Await(ctx, h)
	if err != nil || res.Succeeded() {
		t.Fatalf("Await = %+v, %v", res, err)
	}
}
