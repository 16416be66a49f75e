package driver

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/flexinfer/mentatlab/services/lineage-go/internal/dataflow"
	"github.com/flexinfer/mentatlab/services/lineage-go/internal/materializer"
	"github.com/flexinfer/mentatlab/services/lineage-go/pkg/types"
)

// StepFunc implements a step in-process. It returns output values by name.
type StepFunc func(ctx context.Context, sc *StepContext) (map[string]interface{}, error)

// StepContext is the invocation passed to a StepFunc.
type StepContext struct {
	RunID      string
	StepRunID  string
	Step       string
	Parameters map[string]interface{}
	// Inputs holds materialized input values by input name.
	Inputs map[string]interface{}
	Logger *slog.Logger
}

// FuncBackend runs registered Go functions in-process. Inputs are read from
// and outputs written to the artifact store through the materializer
// registry.
type FuncBackend struct {
	mu            sync.RWMutex
	funcs         map[string]StepFunc
	store         *dataflow.Store
	materializers *materializer.Registry
	logger        *slog.Logger
	jobs          *tracker
}

// NewFuncBackend creates an in-process backend.
func NewFuncBackend(store *dataflow.Store, registry *materializer.Registry, logger *slog.Logger) *FuncBackend {
	if registry == nil {
		registry = materializer.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FuncBackend{
		funcs:         make(map[string]StepFunc),
		store:         store,
		materializers: registry,
		logger:        logger,
		jobs:          newTracker(),
	}
}

// Register binds an entrypoint to fn, replacing any previous binding.
func (b *FuncBackend) Register(entrypoint string, fn StepFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.funcs[entrypoint] = fn
}

// Entrypoints lists registered entrypoints.
func (b *FuncBackend) Entrypoints() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.funcs))
	for name := range b.funcs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (b *FuncBackend) Name() string { return "local" }

func (b *FuncBackend) Dispatch(ctx context.Context, req *DispatchRequest) (Handle, error) {
	b.mu.RLock()
	fn, ok := b.funcs[req.Step.Entrypoint]
	b.mu.RUnlock()
	if !ok {
		return Handle{}, fmt.Errorf("no function registered for entrypoint %q", req.Step.Entrypoint)
	}

	h := Handle{ID: req.StepRunID, Backend: b.Name()}
	err := b.jobs.launch(ctx, h.ID, func(ctx context.Context) (*Result, error) {
		if req.Step.TimeoutSeconds > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, time.Duration(req.Step.TimeoutSeconds)*time.Second)
			defer cancel()
		}
		return b.run(ctx, fn, req), nil
	})
	return h, err
}

func (b *FuncBackend) Await(ctx context.Context, h Handle) (*Result, error) {
	return b.jobs.await(ctx, h.ID)
}

func (b *FuncBackend) Cancel(ctx context.Context, h Handle) error {
	return b.jobs.cancel(h.ID)
}

func (b *FuncBackend) run(ctx context.Context, fn StepFunc, req *DispatchRequest) (res *Result) {
	logger := b.logger.With(
		slog.String("run_id", req.RunID),
		slog.String("step", req.Step.Name),
		slog.String("step_run_id", req.StepRunID),
	)

	inputs := make(map[string]interface{}, len(req.Inputs))
	for name, a := range req.Inputs {
		v, err := b.load(ctx, a.URI, a.Materializer)
		if err != nil {
			return Failure("load input %s: %v", name, err)
		}
		inputs[name] = v
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("step panicked", slog.Any("panic", r))
			res = Failure("panic: %v", r)
		}
	}()

	values, err := fn(ctx, &StepContext{
		RunID:      req.RunID,
		StepRunID:  req.StepRunID,
		Step:       req.Step.Name,
		Parameters: req.Parameters,
		Inputs:     inputs,
		Logger:     logger,
	})
	if err != nil {
		return Failure("%v", err)
	}
	if err := ctx.Err(); err != nil {
		return Failure("%v", err)
	}

	res = &Result{Status: StatusSuccess, Outputs: make(map[string]types.OutputDescriptor, len(values))}
	for name, v := range values {
		d, err := b.save(ctx, req, name, v)
		if err != nil {
			return Failure("store output %s: %v", name, err)
		}
		res.Outputs[name] = d
	}
	return res
}

func (b *FuncBackend) load(ctx context.Context, uri, name string) (interface{}, error) {
	m, err := b.materializers.Get(name)
	if err != nil {
		return nil, err
	}
	rc, err := b.store.Open(ctx, uri)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return m.Read(rc)
}

func (b *FuncBackend) save(ctx context.Context, req *DispatchRequest, name string, v interface{}) (types.OutputDescriptor, error) {
	var materializerName, dataType string
	if spec := req.Step.Output(name); spec != nil {
		materializerName, dataType = spec.Materializer, spec.DataType
	}
	if dataType == "" {
		dataType = materializer.DataTypeOf(v)
	}
	m, err := b.materializers.Resolve(materializerName, dataType)
	if err != nil {
		return types.OutputDescriptor{}, err
	}

	var buf bytes.Buffer
	if err := m.Write(&buf, v); err != nil {
		return types.OutputDescriptor{}, err
	}
	ref, err := b.store.Write(ctx, req.Step.Entrypoint, name, req.StepRunID, &buf, m.ContentType())
	if err != nil {
		return types.OutputDescriptor{}, err
	}
	return types.OutputDescriptor{URI: ref.URI, Materializer: m.Name(), DataType: dataType}, nil
}
