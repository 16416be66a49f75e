package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flexinfer/mentatlab/services/lineage-go/internal/dag"
	"github.com/flexinfer/mentatlab/services/lineage-go/internal/dataflow"
	"github.com/flexinfer/mentatlab/services/lineage-go/internal/driver"
	"github.com/flexinfer/mentatlab/services/lineage-go/internal/events"
	"github.com/flexinfer/mentatlab/services/lineage-go/internal/lazy"
	"github.com/flexinfer/mentatlab/services/lineage-go/internal/materializer"
	"github.com/flexinfer/mentatlab/services/lineage-go/internal/runstore"
	"github.com/flexinfer/mentatlab/services/lineage-go/internal/steprun"
	"github.com/flexinfer/mentatlab/services/lineage-go/pkg/types"
)

type fixture struct {
	store     *runstore.MemoryStore
	artifacts *dataflow.Store
	backend   *driver.FuncBackend
	bus       *events.MemoryBus
	sched     *Scheduler

	mu    sync.Mutex
	calls map[string]int
}

func newFixture(t *testing.T, cfg *Config) *fixture {
	t.Helper()
	f := &fixture{
		store:     runstore.NewMemoryStore(),
		artifacts: dataflow.NewStore("test", dataflow.NewMemoryBackend("artifacts")),
		bus:       events.NewMemoryBus(0),
		calls:     make(map[string]int),
	}
	f.backend = driver.NewFuncBackend(f.artifacts, materializer.Default(), nil)
	f.sched = New(f.store, f.backend, f.artifacts, f.bus, cfg, nil)

	f.register("steps.importer", func(ctx context.Context, sc *driver.StepContext) (map[string]interface{}, error) {
		return map[string]interface{}{"data": []interface{}{1.0, 2.0, 3.0}}, nil
	})
	f.register("steps.trainer", func(ctx context.Context, sc *driver.StepContext) (map[string]interface{}, error) {
		rows, ok := sc.Inputs["data"].([]interface{})
		if !ok {
			return nil, errors.New("data input missing")
		}
		return map[string]interface{}{
			"model": map[string]interface{}{"rows": float64(len(rows)), "lr": sc.Parameters["lr"]},
		}, nil
	})
	f.register("steps.evaluator", func(ctx context.Context, sc *driver.StepContext) (map[string]interface{}, error) {
		if _, ok := sc.Inputs["model"].(map[string]interface{}); !ok {
			return nil, errors.New("model input missing")
		}
		return map[string]interface{}{"score": 0.92}, nil
	})
	return f
}

// register wraps fn to count invocations per entrypoint.
func (f *fixture) register(entrypoint string, fn driver.StepFunc) {
	f.backend.Register(entrypoint, func(ctx context.Context, sc *driver.StepContext) (map[string]interface{}, error) {
		f.mu.Lock()
		f.calls[entrypoint]++
		f.mu.Unlock()
		return fn(ctx, sc)
	})
}

func (f *fixture) callCount(entrypoint string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[entrypoint]
}

func (f *fixture) execute(t *testing.T, spec *types.PipelineSpec) *types.PipelineRun {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	run, err := f.sched.Execute(ctx, &RunRequest{Spec: spec})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	return run
}

func (f *fixture) stepStatuses(t *testing.T, runID string) map[string]types.StepStatus {
	t.Helper()
	summary, err := Summarize(context.Background(), f.store, runID)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	out := make(map[string]types.StepStatus, len(summary.Steps))
	for _, st := range summary.Steps {
		out[st.Name] = st.Status
	}
	return out
}

func (f *fixture) artifactCount(t *testing.T) int {
	t.Helper()
	arts, err := f.store.ListArtifacts(context.Background())
	if err != nil {
		t.Fatalf("ListArtifacts: %v", err)
	}
	return len(arts)
}

func trainingPipeline(lr float64) *types.PipelineSpec {
	return &types.PipelineSpec{
		Name: "training",
		Steps: []types.StepSpec{
			{
				Name:       "importer",
				Entrypoint: "steps.importer",
				Outputs:    []types.OutputSpec{{Name: "data"}},
			},
			{
				Name:       "trainer",
				Entrypoint: "steps.trainer",
				Inputs:     map[string]types.InputBinding{"data": {Step: "importer", Output: "data"}},
				Outputs:    []types.OutputSpec{{Name: "model"}},
				Parameters: map[string]interface{}{"lr": lr},
			},
			{
				Name:       "evaluator",
				Entrypoint: "steps.evaluator",
				Inputs:     map[string]types.InputBinding{"model": {Step: "trainer", Output: "model"}},
				Outputs:    []types.OutputSpec{{Name: "score", DataType: "float"}},
			},
		},
	}
}

func wantStatuses(t *testing.T, got map[string]types.StepStatus, want map[string]types.StepStatus) {
	t.Helper()
	for name, status := range want {
		if got[name] != status {
			t.Errorf("step %s status = %s, want %s", name, got[name], status)
		}
	}
}

func TestCacheLifecycle(t *testing.T) {
	f := newFixture(t, nil)

	first := f.execute(t, trainingPipeline(0.1))
	if first.Status != types.RunStatusCompleted {
		t.Fatalf("first run = %s (%s), want completed", first.Status, first.Error)
	}
	wantStatuses(t, f.stepStatuses(t, first.ID), map[string]types.StepStatus{
		"importer":  types.StepStatusCompleted,
		"trainer":   types.StepStatusCompleted,
		"evaluator": types.StepStatusCompleted,
	})
	if n := f.artifactCount(t); n != 3 {
		t.Fatalf("artifacts after first run = %d, want 3", n)
	}

	second := f.execute(t, trainingPipeline(0.1))
	if second.Status != types.RunStatusCached {
		t.Fatalf("second run = %s (%s), want cached", second.Status, second.Error)
	}
	wantStatuses(t, f.stepStatuses(t, second.ID), map[string]types.StepStatus{
		"importer":  types.StepStatusCached,
		"trainer":   types.StepStatusCached,
		"evaluator": types.StepStatusCached,
	})
	if n := f.artifactCount(t); n != 3 {
		t.Fatalf("artifacts after second run = %d, want 3", n)
	}
	for _, ep := range []string{"steps.importer", "steps.trainer", "steps.evaluator"} {
		if n := f.callCount(ep); n != 1 {
			t.Errorf("%s executed %d times, want 1", ep, n)
		}
	}

	// Cached step runs reuse the first run's artifacts through virtual links.
	ctx := context.Background()
	firstSteps, _ := f.store.ListStepRuns(ctx, first.ID)
	secondSteps, _ := f.store.ListStepRuns(ctx, second.ID)
	for i, sr := range secondSteps {
		if sr.CacheSourceID != firstSteps[i].ID {
			t.Errorf("%s cache source = %s, want %s", sr.Name, sr.CacheSourceID, firstSteps[i].ID)
		}
		if sr.Fingerprint != firstSteps[i].Fingerprint {
			t.Errorf("%s fingerprint changed between identical runs", sr.Name)
		}
		reused, err := runstore.StepArtifacts(ctx, f.store, sr.ID, types.LinkOutput)
		if err != nil {
			t.Fatalf("StepArtifacts: %v", err)
		}
		produced, _ := runstore.StepArtifacts(ctx, f.store, firstSteps[i].ID, types.LinkOutput)
		for name, a := range produced {
			if reused[name] == nil || reused[name].ID != a.ID {
				t.Errorf("%s output %s not reused", sr.Name, name)
				continue
			}
			if a.IsCached {
				t.Errorf("%s output %s of the producing run reported as cached", sr.Name, name)
			}
			if !reused[name].IsCached {
				t.Errorf("%s output %s of the cached run not reported as cached", sr.Name, name)
			}
		}
	}

	third := f.execute(t, trainingPipeline(0.5))
	if third.Status != types.RunStatusCompleted {
		t.Fatalf("third run = %s (%s), want completed", third.Status, third.Error)
	}
	wantStatuses(t, f.stepStatuses(t, third.ID), map[string]types.StepStatus{
		"importer":  types.StepStatusCached,
		"trainer":   types.StepStatusCompleted,
		"evaluator": types.StepStatusCompleted,
	})
	if n := f.artifactCount(t); n != 5 {
		t.Fatalf("artifacts after third run = %d, want 5", n)
	}
}

func TestCacheDisabled(t *testing.T) {
	f := newFixture(t, nil)
	spec := trainingPipeline(0.1)
	spec.EnableCache = types.Bool(false)

	f.execute(t, spec)
	second := f.execute(t, spec)
	if second.Status != types.RunStatusCompleted {
		t.Fatalf("second run = %s, want completed", second.Status)
	}
	if n := f.artifactCount(t); n != 6 {
		t.Errorf("artifacts = %d, want 6", n)
	}

	sub, err := f.bus.Subscribe(context.Background(), second.ID, "")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()
	var decisions []string
	for _, ev := range sub.Backlog {
		if ev.Type == types.EventTypeCache {
			decisions = append(decisions, string(ev.Data))
		}
	}
	if len(decisions) != 3 {
		t.Fatalf("got %d cache events, want 3", len(decisions))
	}
	for _, d := range decisions {
		if !strings.Contains(d, `"decision":"disabled"`) {
			t.Errorf("cache event = %s, want disabled", d)
		}
	}
}

func TestStepCacheFlag(t *testing.T) {
	f := newFixture(t, nil)
	spec := trainingPipeline(0.1)
	spec.Steps[1].EnableCache = types.Bool(false)

	f.execute(t, spec)
	second := f.execute(t, spec)
	// The trainer always executes and its fresh model invalidates the evaluator.
	wantStatuses(t, f.stepStatuses(t, second.ID), map[string]types.StepStatus{
		"importer":  types.StepStatusCached,
		"trainer":   types.StepStatusCompleted,
		"evaluator": types.StepStatusCompleted,
	})
	if second.Status != types.RunStatusCompleted {
		t.Errorf("run = %s, want completed", second.Status)
	}
}

func TestSharedEntrypointStepsCacheSeparately(t *testing.T) {
	f := newFixture(t, nil)
	f.register("steps.load", func(ctx context.Context, sc *driver.StepContext) (map[string]interface{}, error) {
		return map[string]interface{}{"out": sc.Step}, nil
	})
	spec := &types.PipelineSpec{
		Name: "twins",
		Steps: []types.StepSpec{
			{Name: "load_train", Entrypoint: "steps.load", Outputs: []types.OutputSpec{{Name: "out"}}},
			{Name: "load_test", Entrypoint: "steps.load", Outputs: []types.OutputSpec{{Name: "out"}}},
		},
	}

	first := f.execute(t, spec)
	if first.Status != types.RunStatusCompleted {
		t.Fatalf("first run = %s (%s), want completed", first.Status, first.Error)
	}
	wantStatuses(t, f.stepStatuses(t, first.ID), map[string]types.StepStatus{
		"load_train": types.StepStatusCompleted,
		"load_test":  types.StepStatusCompleted,
	})
	if n := f.callCount("steps.load"); n != 2 {
		t.Errorf("steps.load executed %d times, want 2", n)
	}

	ctx := context.Background()
	srs, _ := f.store.ListStepRuns(ctx, first.ID)
	if len(srs) != 2 {
		t.Fatalf("got %d step runs, want 2", len(srs))
	}
	if srs[0].Fingerprint == srs[1].Fingerprint {
		t.Error("steps sharing an entrypoint got the same fingerprint")
	}
	seen := map[string]bool{}
	for _, sr := range srs {
		outs, err := runstore.StepArtifacts(ctx, f.store, sr.ID, types.LinkOutput)
		if err != nil {
			t.Fatalf("StepArtifacts: %v", err)
		}
		a := outs["out"]
		if a == nil {
			t.Fatalf("%s has no out artifact", sr.Name)
		}
		if a.IsCached {
			t.Errorf("%s output reported as cached on first run", sr.Name)
		}
		seen[a.ID] = true
	}
	if len(seen) != 2 {
		t.Errorf("got %d distinct artifacts, want 2", len(seen))
	}

	second := f.execute(t, spec)
	if second.Status != types.RunStatusCached {
		t.Fatalf("second run = %s (%s), want cached", second.Status, second.Error)
	}
	if n := f.callCount("steps.load"); n != 2 {
		t.Errorf("steps.load executed %d times after rerun, want 2", n)
	}
}

func TestPartialFailure(t *testing.T) {
	f := newFixture(t, &Config{MaxParallelism: 2})
	f.register("steps.ok", func(ctx context.Context, sc *driver.StepContext) (map[string]interface{}, error) {
		return map[string]interface{}{"out": sc.Step}, nil
	})
	f.register("steps.broken", func(ctx context.Context, sc *driver.StepContext) (map[string]interface{}, error) {
		return nil, errors.New("out of memory")
	})

	spec := &types.PipelineSpec{
		Name:        "branches",
		EnableCache: types.Bool(false),
		Steps: []types.StepSpec{
			{Name: "a", Entrypoint: "steps.ok", Outputs: []types.OutputSpec{{Name: "out"}}},
			{Name: "b", Entrypoint: "steps.broken", Upstreams: []string{"a"}, Outputs: []types.OutputSpec{{Name: "out"}}},
			{Name: "c", Entrypoint: "steps.ok", Upstreams: []string{"a"}, Outputs: []types.OutputSpec{{Name: "out"}}},
			{Name: "d", Entrypoint: "steps.ok", Inputs: map[string]types.InputBinding{"x": {Step: "b", Output: "out"}}},
		},
	}
	run := f.execute(t, spec)
	if run.Status != types.RunStatusFailed {
		t.Fatalf("run = %s, want failed", run.Status)
	}
	if !strings.Contains(run.Error, "b") {
		t.Errorf("run error = %q, want failed step named", run.Error)
	}
	wantStatuses(t, f.stepStatuses(t, run.ID), map[string]types.StepStatus{
		"a": types.StepStatusCompleted,
		"b": types.StepStatusFailed,
		"c": types.StepStatusCompleted,
		"d": types.StepStatusPending,
	})

	srs, _ := f.store.ListStepRuns(context.Background(), run.ID)
	for _, sr := range srs {
		if sr.Name == "d" {
			t.Errorf("blocked step d has a step run: %+v", sr)
		}
		if sr.Name == "b" && !strings.Contains(sr.Error, "out of memory") {
			t.Errorf("b error = %q", sr.Error)
		}
	}
}

func TestInvalidGraph(t *testing.T) {
	tests := []struct {
		name  string
		steps []types.StepSpec
		check func(error) bool
	}{
		{
			name: "cycle",
			steps: []types.StepSpec{
				{Name: "a", Entrypoint: "steps.ok", Upstreams: []string{"b"}},
				{Name: "b", Entrypoint: "steps.ok", Upstreams: []string{"a"}},
			},
			check: func(err error) bool {
				var cyc *dag.CyclicGraphError
				return errors.As(err, &cyc)
			},
		},
		{
			name: "unknown dependency",
			steps: []types.StepSpec{
				{Name: "a", Entrypoint: "steps.ok", Upstreams: []string{"ghost"}},
			},
			check: func(err error) bool {
				var unk *dag.UnknownDependencyError
				return errors.As(err, &unk)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			ctx := context.Background()
			run, err := f.sched.Submit(ctx, &RunRequest{Spec: &types.PipelineSpec{Name: "bad", Steps: tt.steps}})
			if !tt.check(err) {
				t.Fatalf("Submit error = %v", err)
			}
			if run == nil || run.Status != types.RunStatusFailed {
				t.Fatalf("run = %+v, want failed", run)
			}
			stored, err := f.store.GetRun(ctx, run.ID)
			if err != nil || stored.Status != types.RunStatusFailed {
				t.Fatalf("stored run = %+v, %v", stored, err)
			}
			srs, _ := f.store.ListStepRuns(ctx, run.ID)
			if len(srs) != 0 {
				t.Errorf("got %d step runs, want none", len(srs))
			}
		})
	}
}

func TestArtifactIntegrityFailsStep(t *testing.T) {
	f := newFixture(t, nil)
	f.register("steps.sloppy", func(ctx context.Context, sc *driver.StepContext) (map[string]interface{}, error) {
		return map[string]interface{}{"other": 1.0}, nil
	})
	spec := &types.PipelineSpec{
		Name: "sloppy",
		Steps: []types.StepSpec{
			{Name: "s", Entrypoint: "steps.sloppy", Outputs: []types.OutputSpec{{Name: "model"}}},
		},
	}
	run := f.execute(t, spec)
	if run.Status != types.RunStatusFailed {
		t.Fatalf("run = %s, want failed", run.Status)
	}
	srs, _ := f.store.ListStepRuns(context.Background(), run.ID)
	if len(srs) != 1 || srs[0].Status != types.StepStatusFailed {
		t.Fatalf("step runs = %+v", srs)
	}
	if !strings.Contains(srs[0].Error, "model") {
		t.Errorf("error = %q, want missing output named", srs[0].Error)
	}
	if n := f.artifactCount(t); n != 0 {
		t.Errorf("artifacts = %d, want 0", n)
	}
}

// failureLosingStore drops every attempt to persist a FAILED step run.
type failureLosingStore struct {
	runstore.Store
}

func (s failureLosingStore) UpdateStepRun(ctx context.Context, sr *types.StepRun) error {
	if sr.Status == types.StepStatusFailed {
		return errors.New("store unavailable")
	}
	return s.Store.UpdateStepRun(ctx, sr)
}

func TestArtifactIntegrityUnpersistedFailureIsFatal(t *testing.T) {
	f := newFixture(t, nil)
	f.register("steps.sloppy", func(ctx context.Context, sc *driver.StepContext) (map[string]interface{}, error) {
		return map[string]interface{}{"other": 1.0}, nil
	})
	sched := New(failureLosingStore{Store: f.store}, f.backend, f.artifacts, f.bus, nil, nil)
	spec := &types.PipelineSpec{
		Name: "sloppy",
		Steps: []types.StepSpec{
			{Name: "s", Entrypoint: "steps.sloppy", Outputs: []types.OutputSpec{{Name: "model"}}},
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	run, err := sched.Execute(ctx, &RunRequest{Spec: spec})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if run.Status != types.RunStatusFailed {
		t.Fatalf("run = %s, want failed", run.Status)
	}
	if !strings.Contains(run.Error, "store unavailable") {
		t.Errorf("run error = %q, want the store error", run.Error)
	}
	srs, _ := f.store.ListStepRuns(ctx, run.ID)
	if len(srs) != 1 || srs[0].Status != types.StepStatusRunning {
		t.Fatalf("step runs = %+v, want one left running", srs)
	}
}

func TestParallelismLimit(t *testing.T) {
	for _, limit := range []int{1, 2} {
		f := newFixture(t, &Config{MaxParallelism: limit})
		var running, peak atomic.Int32
		f.register("steps.work", func(ctx context.Context, sc *driver.StepContext) (map[string]interface{}, error) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			running.Add(-1)
			return nil, nil
		})

		spec := &types.PipelineSpec{Name: "fan", EnableCache: types.Bool(false)}
		for _, name := range []string{"w1", "w2", "w3", "w4"} {
			spec.Steps = append(spec.Steps, types.StepSpec{Name: name, Entrypoint: "steps.work"})
		}
		run := f.execute(t, spec)
		if run.Status != types.RunStatusCompleted {
			t.Fatalf("limit %d: run = %s (%s)", limit, run.Status, run.Error)
		}
		if p := peak.Load(); p > int32(limit) {
			t.Errorf("limit %d: peak concurrency = %d", limit, p)
		}
	}
}

func TestDeclarationOrderTieBreak(t *testing.T) {
	f := newFixture(t, &Config{MaxParallelism: 1})
	var order []string
	var mu sync.Mutex
	f.register("steps.record", func(ctx context.Context, sc *driver.StepContext) (map[string]interface{}, error) {
		mu.Lock()
		order = append(order, sc.Step)
		mu.Unlock()
		return nil, nil
	})
	spec := &types.PipelineSpec{
		Name: "order",
		Steps: []types.StepSpec{
			{Name: "zeta", Entrypoint: "steps.record", Parameters: map[string]interface{}{"n": 1.0}},
			{Name: "alpha", Entrypoint: "steps.record", Parameters: map[string]interface{}{"n": 2.0}},
			{Name: "mid", Entrypoint: "steps.record", Upstreams: []string{"zeta"}, Parameters: map[string]interface{}{"n": 3.0}},
		},
	}
	f.execute(t, spec)
	got := strings.Join(order, ",")
	if got != "zeta,alpha,mid" {
		t.Errorf("execution order = %s", got)
	}
}

func TestCancel(t *testing.T) {
	tests := []struct {
		name      string
		abort     bool
		wantFirst types.StepStatus
	}{
		{name: "in-flight step finishes", abort: false, wantFirst: types.StepStatusCompleted},
		{name: "in-flight step aborted", abort: true, wantFirst: types.StepStatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, &Config{AbortOnCancel: tt.abort})
			started := make(chan struct{})
			release := make(chan struct{})
			f.register("steps.slow", func(ctx context.Context, sc *driver.StepContext) (map[string]interface{}, error) {
				close(started)
				select {
				case <-release:
					return map[string]interface{}{"out": "done"}, nil
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			})
			spec := &types.PipelineSpec{
				Name: "slow",
				Steps: []types.StepSpec{
					{Name: "first", Entrypoint: "steps.slow", Outputs: []types.OutputSpec{{Name: "out"}}},
					{Name: "second", Entrypoint: "steps.importer", Upstreams: []string{"first"}},
				},
			}

			ctx := context.Background()
			run, err := f.sched.Submit(ctx, &RunRequest{Spec: spec})
			if err != nil {
				t.Fatalf("Submit: %v", err)
			}
			select {
			case <-started:
			case <-time.After(5 * time.Second):
				t.Fatal("step never started")
			}
			if err := f.sched.Cancel(ctx, run.ID); err != nil {
				t.Fatalf("Cancel: %v", err)
			}
			if !tt.abort {
				close(release)
			}

			waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			final, err := f.sched.Wait(waitCtx, run.ID)
			if err != nil {
				t.Fatalf("Wait: %v", err)
			}
			if final.Status != types.RunStatusFailed || final.Error != "cancelled" {
				t.Fatalf("run = %s (%q), want failed cancelled", final.Status, final.Error)
			}
			wantStatuses(t, f.stepStatuses(t, run.ID), map[string]types.StepStatus{
				"first":  tt.wantFirst,
				"second": types.StepStatusPending,
			})
			if n := f.callCount("steps.importer"); n != 0 {
				t.Errorf("downstream step executed %d times after cancel", n)
			}
			if err := f.sched.Cancel(ctx, run.ID); !errors.Is(err, ErrRunFinished) {
				t.Errorf("second Cancel = %v, want ErrRunFinished", err)
			}
		})
	}
}

func TestExecuteContextCancel(t *testing.T) {
	f := newFixture(t, nil)
	started := make(chan struct{})
	f.register("steps.block", func(ctx context.Context, sc *driver.StepContext) (map[string]interface{}, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	f.sched.cfg.AbortOnCancel = true
	spec := &types.PipelineSpec{
		Name:  "block",
		Steps: []types.StepSpec{{Name: "b", Entrypoint: "steps.block"}},
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	run, err := f.sched.Execute(ctx, &RunRequest{Spec: spec})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if run.Status != types.RunStatusFailed || run.Error != "cancelled" {
		t.Errorf("run = %s (%q), want failed cancelled", run.Status, run.Error)
	}
}

func TestResume(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	spec := trainingPipeline(0.1)

	// Simulate a crash: importer completed, trainer left RUNNING.
	run := &types.PipelineRun{Name: spec.Name, Status: types.RunStatusRunning, Config: spec}
	if err := f.store.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	m := steprun.New(f.store)
	importer := &types.StepRun{Name: "importer", PipelineRunID: run.ID, PipelineName: spec.Name, Entrypoint: "steps.importer", Status: types.StepStatusPending, Attempt: 1}
	if err := f.store.CreateStepRun(ctx, importer); err != nil {
		t.Fatalf("CreateStepRun: %v", err)
	}
	ref, err := f.artifacts.Write(ctx, "steps.importer", "data", importer.ID, strings.NewReader("[1,2,3]"), "application/json")
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := m.Start(ctx, importer); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := m.Complete(ctx, importer, spec.Steps[0].Outputs, map[string]types.OutputDescriptor{
		"data": {URI: ref.URI, Materializer: "json", DataType: "list"},
	}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	trainer := &types.StepRun{Name: "trainer", PipelineRunID: run.ID, PipelineName: spec.Name, Entrypoint: "steps.trainer", Status: types.StepStatusPending, Attempt: 1}
	if err := f.store.CreateStepRun(ctx, trainer); err != nil {
		t.Fatalf("CreateStepRun: %v", err)
	}
	if err := m.Start(ctx, trainer); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if _, err := f.sched.Resume(ctx, run.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	final, err := f.sched.Wait(ctx, run.ID)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if final.Status != types.RunStatusCompleted {
		t.Fatalf("resumed run = %s (%s), want completed", final.Status, final.Error)
	}
	if n := f.callCount("steps.importer"); n != 0 {
		t.Errorf("importer re-executed %d times", n)
	}

	summary, err := Summarize(ctx, f.store, run.ID)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	for _, st := range summary.Steps {
		if st.Status != types.StepStatusCompleted {
			t.Errorf("step %s = %s", st.Name, st.Status)
		}
		if st.Name == "trainer" && (st.Attempts != 2 || st.StepRun.Attempt != 2) {
			t.Errorf("trainer attempts = %d (latest %d), want 2", st.Attempts, st.StepRun.Attempt)
		}
	}
	old, _ := f.store.GetStepRun(ctx, trainer.ID)
	if old.Status != types.StepStatusFailed || old.Error != "interrupted" {
		t.Errorf("orphaned step run = %s (%q), want failed interrupted", old.Status, old.Error)
	}

	if _, err := f.sched.Resume(ctx, run.ID); !errors.Is(err, ErrRunFinished) {
		t.Errorf("Resume finished run = %v, want ErrRunFinished", err)
	}
}

func TestLazyParameters(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	if err := f.store.CreatePipeline(ctx, &types.Pipeline{Name: "registry", Spec: &types.PipelineSpec{Name: "registry"}}); err != nil {
		t.Fatalf("CreatePipeline: %v", err)
	}

	var got interface{}
	f.register("steps.versioned", func(ctx context.Context, sc *driver.StepContext) (map[string]interface{}, error) {
		got = sc.Parameters["version"]
		return nil, nil
	})
	spec := &types.PipelineSpec{
		Name: "lazy",
		Steps: []types.StepSpec{{
			Name:       "v",
			Entrypoint: "steps.versioned",
			Parameters: map[string]interface{}{
				"version": lazy.Attr("get_pipeline").Call("registry").Index("version").Value(),
			},
		}},
	}
	run := f.execute(t, spec)
	if run.Status != types.RunStatusCompleted {
		t.Fatalf("run = %s (%s)", run.Status, run.Error)
	}
	if got != 1.0 {
		t.Errorf("resolved version = %v (%T), want 1", got, got)
	}
	srs, _ := f.store.ListStepRuns(ctx, run.ID)
	if srs[0].Parameters["version"] != 1.0 {
		t.Errorf("stored parameters = %v", srs[0].Parameters)
	}
}

func TestLazyParameterErrorFailsStep(t *testing.T) {
	f := newFixture(t, nil)
	spec := &types.PipelineSpec{
		Name: "lazy",
		Steps: []types.StepSpec{{
			Name:       "v",
			Entrypoint: "steps.importer",
			Parameters: map[string]interface{}{
				"run": lazy.Attr("get_pipeline_run").Call("missing").Value(),
			},
		}},
	}
	run := f.execute(t, spec)
	if run.Status != types.RunStatusFailed {
		t.Fatalf("run = %s, want failed", run.Status)
	}
	srs, _ := f.store.ListStepRuns(context.Background(), run.ID)
	if len(srs) != 1 || !strings.Contains(srs[0].Error, "resolve parameters") {
		t.Fatalf("step runs = %+v", srs)
	}
	if n := f.callCount("steps.importer"); n != 0 {
		t.Errorf("step executed %d times", n)
	}
}

func TestEventStream(t *testing.T) {
	f := newFixture(t, nil)
	run := f.execute(t, trainingPipeline(0.1))

	sub, err := f.bus.Subscribe(context.Background(), run.ID, "")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	counts := make(map[types.EventType]int)
	for _, ev := range sub.Backlog {
		counts[ev.Type]++
	}
	if counts[types.EventTypeArtifact] != 3 {
		t.Errorf("artifact events = %d, want 3", counts[types.EventTypeArtifact])
	}
	if counts[types.EventTypeCache] != 3 {
		t.Errorf("cache events = %d, want 3", counts[types.EventTypeCache])
	}
	// pending, running, completed per step
	if counts[types.EventTypeStepStatus] != 9 {
		t.Errorf("step status events = %d, want 9", counts[types.EventTypeStepStatus])
	}
	last := sub.Backlog[len(sub.Backlog)-1]
	if !events.IsTerminal(last) {
		t.Errorf("last event = %s %s, want terminal run status", last.Type, last.Data)
	}
}

func TestDeriveStatus(t *testing.T) {
	sr := func(status types.StepStatus) *types.StepRun { return &types.StepRun{Status: status} }
	order := []string{"a", "b"}
	tests := []struct {
		name  string
		steps map[string]*types.StepRun
		want  types.RunStatus
	}{
		{"all cached", map[string]*types.StepRun{"a": sr(types.StepStatusCached), "b": sr(types.StepStatusCached)}, types.RunStatusCached},
		{"mixed", map[string]*types.StepRun{"a": sr(types.StepStatusCached), "b": sr(types.StepStatusCompleted)}, types.RunStatusCompleted},
		{"failed", map[string]*types.StepRun{"a": sr(types.StepStatusCompleted), "b": sr(types.StepStatusFailed)}, types.RunStatusFailed},
		{"never ran", map[string]*types.StepRun{"a": sr(types.StepStatusCompleted)}, types.RunStatusFailed},
		{"left pending", map[string]*types.StepRun{"a": sr(types.StepStatusCompleted), "b": sr(types.StepStatusPending)}, types.RunStatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got, _ := deriveStatus(order, tt.steps); got != tt.want {
				t.Errorf("deriveStatus = %s, want %s", got, tt.want)
			}
		})
	}
}
