// Package scheduler coordinates pipeline runs: it resolves the step graph,
// decides cache hits, dispatches steps to an execution backend and persists
// every transition to the metadata store.
//
// Steps whose upstreams have all succeeded form the frontier and are
// dispatched concurrently, bounded by MaxParallelism. A failed step blocks
// only its descendants; independent branches keep running.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/flexinfer/mentatlab/services/lineage-go/internal/dag"
	"github.com/flexinfer/mentatlab/services/lineage-go/internal/dataflow"
	"github.com/flexinfer/mentatlab/services/lineage-go/internal/driver"
	"github.com/flexinfer/mentatlab/services/lineage-go/internal/events"
	"github.com/flexinfer/mentatlab/services/lineage-go/internal/fingerprint"
	"github.com/flexinfer/mentatlab/services/lineage-go/internal/lazy"
	"github.com/flexinfer/mentatlab/services/lineage-go/internal/metrics"
	"github.com/flexinfer/mentatlab/services/lineage-go/internal/runstore"
	"github.com/flexinfer/mentatlab/services/lineage-go/internal/steprun"
	"github.com/flexinfer/mentatlab/services/lineage-go/internal/tracing"
	"github.com/flexinfer/mentatlab/services/lineage-go/pkg/types"
)

var (
	// ErrRunActive is returned when resuming a run this scheduler is driving.
	ErrRunActive = errors.New("run is already active")
	// ErrRunFinished is returned when cancelling or resuming a terminal run.
	ErrRunFinished = errors.New("run already finished")
)

// Run errors recorded on the PipelineRun.
const (
	errCancelled   = "cancelled"
	errInterrupted = "interrupted"
)

// Config holds scheduler configuration.
type Config struct {
	// MaxParallelism limits concurrently executing steps per run (0 = unlimited)
	MaxParallelism int

	// CacheScope selects which prior step runs are cache sources
	CacheScope fingerprint.Scope

	// Project is folded into every fingerprint
	Project string

	// Stack is recorded on runs as their execution environment
	Stack string

	// AbortOnCancel cancels in-flight steps on the backend when a run is
	// cancelled; otherwise they finish
	AbortOnCancel bool

	// Env is passed to every step; step env entries override it
	Env map[string]string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxParallelism: 1,
		CacheScope:     fingerprint.ScopePipeline,
		Project:        "default",
		Stack:          "default",
	}
}

// RunRequest describes a run to start.
type RunRequest struct {
	Spec *types.PipelineSpec
	// PipelineID links the run to a registered pipeline; empty runs are unlisted
	PipelineID string
	// Name defaults to the pipeline name
	Name string
	// Env overrides Config.Env for this run
	Env map[string]string
}

// Scheduler drives pipeline runs.
type Scheduler struct {
	store     runstore.Store
	backend   driver.Backend
	artifacts *dataflow.Store
	events    events.Publisher
	machine   *steprun.Machine
	cache     *fingerprint.Engine
	client    *lazy.StoreClient
	cfg       *Config
	logger    *slog.Logger
	tracer    trace.Tracer

	runs   map[string]*runContext
	runsMu sync.Mutex
}

// New creates a new scheduler. artifacts may be nil when backends choose
// their own output locations; publisher may be nil.
func New(store runstore.Store, backend driver.Backend, artifacts *dataflow.Store, publisher events.Publisher, cfg *Config, logger *slog.Logger) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:     store,
		backend:   backend,
		artifacts: artifacts,
		events:    events.Multi(publisher),
		machine:   steprun.New(store),
		cache:     fingerprint.NewEngine(store, cfg.CacheScope),
		client:    lazy.NewStoreClient(store),
		cfg:       cfg,
		logger:    logger,
		tracer:    tracing.Tracer(),
		runs:      make(map[string]*runContext),
	}
}

// Execute runs a pipeline to completion and returns the final run record.
// Cancelling ctx cancels the run; the final record is still returned.
func (s *Scheduler) Execute(ctx context.Context, req *RunRequest) (*types.PipelineRun, error) {
	run, err := s.Submit(ctx, req)
	if err != nil {
		return run, err
	}
	stop := context.AfterFunc(ctx, func() {
		if err := s.Cancel(context.Background(), run.ID); err != nil && !errors.Is(err, ErrRunFinished) {
			s.logger.Warn("cancel run failed", slog.String("run_id", run.ID), slog.Any("error", err))
		}
	})
	defer stop()
	return s.Wait(context.WithoutCancel(ctx), run.ID)
}

// Submit validates the step graph, records a RUNNING run and starts driving
// it in the background. The run outlives ctx; use Cancel to stop it.
//
// An invalid graph is recorded as a FAILED run without step runs, and the
// *dag.CyclicGraphError or *dag.UnknownDependencyError is returned with it.
func (s *Scheduler) Submit(ctx context.Context, req *RunRequest) (*types.PipelineRun, error) {
	if req == nil || req.Spec == nil {
		return nil, errors.New("run request has no pipeline spec")
	}
	name := req.Name
	if name == "" {
		name = req.Spec.Name
	}
	now := time.Now().UTC()
	run := &types.PipelineRun{
		ID:         runstore.NewID(),
		Name:       name,
		PipelineID: req.PipelineID,
		Stack:      s.cfg.Stack,
		Status:     types.RunStatusRunning,
		Config:     req.Spec,
		StartedAt:  &now,
	}

	graph, err := dag.Resolve(req.Spec.Steps)
	if err != nil {
		run.Status = types.RunStatusFailed
		run.Error = err.Error()
		run.FinishedAt = &now
		if cerr := s.store.CreateRun(ctx, run); cerr != nil {
			return nil, errors.Join(err, fmt.Errorf("create run: %w", cerr))
		}
		metrics.RunsTotal.WithLabelValues(string(run.Status)).Inc()
		s.emitRunStatus(ctx, run)
		s.logger.Warn("pipeline graph rejected",
			slog.String("run_id", run.ID),
			slog.String("pipeline", run.PipelineName()),
			slog.Any("error", err))
		return cloneRun(run), err
	}

	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	rc := newRunContext(run, graph, mergeEnv(s.cfg.Env, req.Env))
	s.start(ctx, rc)
	return cloneRun(run), nil
}

// start registers rc and launches its dispatch loop.
func (s *Scheduler) start(ctx context.Context, rc *runContext) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	rc.cancel = cancel

	s.runsMu.Lock()
	s.runs[rc.run.ID] = rc
	s.runsMu.Unlock()

	metrics.RunsActive.Inc()
	s.emitRunStatus(runCtx, rc.run)
	s.logger.Info("run started",
		slog.String("run_id", rc.run.ID),
		slog.String("pipeline", rc.run.PipelineName()),
		slog.Int("steps", rc.graph.Len()))

	go s.drive(runCtx, rc)
}

// Wait blocks until the run finishes or ctx is done, then returns the
// stored run record.
func (s *Scheduler) Wait(ctx context.Context, runID string) (*types.PipelineRun, error) {
	if rc := s.active(runID); rc != nil {
		select {
		case <-rc.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.store.GetRun(ctx, runID)
}

// Cancel stops dispatching new steps of a run. In-flight steps finish, or
// are aborted on the backend when AbortOnCancel is set. The run ends FAILED.
//
// A RUNNING run no scheduler is driving (left behind by a crash) is marked
// FAILED directly.
func (s *Scheduler) Cancel(ctx context.Context, runID string) error {
	if rc := s.active(runID); rc != nil {
		rc.cancel()
		return nil
	}
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return ErrRunFinished
	}
	now := time.Now().UTC()
	run.Status = types.RunStatusFailed
	run.Error = errCancelled
	run.FinishedAt = &now
	if err := s.store.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	metrics.RunsTotal.WithLabelValues(string(run.Status)).Inc()
	s.emitRunStatus(ctx, run)
	return nil
}

// Active returns the ids of runs this scheduler is driving.
func (s *Scheduler) Active() []string {
	s.runsMu.Lock()
	defer s.runsMu.Unlock()
	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Shutdown cancels every active run and waits for them to finish.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.runsMu.Lock()
	runs := make([]*runContext, 0, len(s.runs))
	for _, rc := range s.runs {
		runs = append(runs, rc)
	}
	s.runsMu.Unlock()

	for _, rc := range runs {
		rc.cancel()
	}
	for _, rc := range runs {
		select {
		case <-rc.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *Scheduler) active(runID string) *runContext {
	s.runsMu.Lock()
	defer s.runsMu.Unlock()
	return s.runs[runID]
}

// drive is the dispatch loop of one run. Each step runs in its own
// goroutine; the loop recomputes the frontier every time one finishes.
func (s *Scheduler) drive(ctx context.Context, rc *runContext) {
	spanCtx, span := tracing.StartRun(context.WithoutCancel(ctx), s.tracer, rc.run.ID, rc.run.PipelineName())

	var g errgroup.Group
	if s.cfg.MaxParallelism > 0 {
		g.SetLimit(s.cfg.MaxParallelism)
	}
	finished := make(chan struct{}, rc.graph.Len())
	inflight := 0
	stopped := false

	for {
		if !stopped {
			for _, name := range rc.frontier() {
				rc.markStarted(name, true)
				inflight++
				metrics.FrontierSize.Inc()
				// Blocks while MaxParallelism steps are executing.
				g.Go(func() error {
					defer func() { finished <- struct{}{} }()
					if err := s.runStep(ctx, spanCtx, rc, name); err != nil {
						rc.setFatal(err)
						s.logger.Error("step coordination failed",
							slog.String("run_id", rc.run.ID),
							slog.String("step", name),
							slog.Any("error", err))
					}
					return nil
				})
			}
		}
		if inflight == 0 {
			break
		}

		if stopped {
			<-finished
		} else {
			select {
			case <-finished:
			case <-ctx.Done():
				stopped = true
				s.stop(spanCtx, rc)
				continue
			}
		}
		inflight--
		metrics.FrontierSize.Dec()
		if rc.halted() {
			stopped = true
		}
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		rc.stop(false)
	}
	s.finish(spanCtx, rc, span)
}

// stop handles run cancellation: no new dispatch, and in-flight steps are
// aborted on the backend when configured.
func (s *Scheduler) stop(ctx context.Context, rc *runContext) {
	handles := rc.stop(s.cfg.AbortOnCancel)
	s.logger.Info("run cancelled",
		slog.String("run_id", rc.run.ID),
		slog.Int("aborting", len(handles)))
	for _, h := range handles {
		if err := s.backend.Cancel(ctx, h); err != nil && !errors.Is(err, driver.ErrUnknownHandle) {
			s.logger.Warn("abort step failed",
				slog.String("run_id", rc.run.ID),
				slog.String("step_run_id", h.ID),
				slog.Any("error", err))
		}
	}
}

// finish derives and persists the final run status.
func (s *Scheduler) finish(ctx context.Context, rc *runContext, span trace.Span) {
	defer span.End()

	steps, cancelled, fatal := rc.snapshot()
	status, msg := deriveStatus(rc.graph.Order(), steps)
	switch {
	case fatal != nil:
		status, msg = types.RunStatusFailed, fatal.Error()
	case cancelled && status == types.RunStatusFailed:
		msg = errCancelled
	}

	run := rc.run
	now := time.Now().UTC()
	run.Status = status
	run.Error = msg
	run.FinishedAt = &now
	if err := s.store.UpdateRun(ctx, run); err != nil {
		s.logger.Error("failed to persist run status",
			slog.String("run_id", run.ID),
			slog.Any("error", err))
	}

	metrics.RunsActive.Dec()
	metrics.RunsTotal.WithLabelValues(string(status)).Inc()
	if run.StartedAt != nil {
		metrics.RunDuration.WithLabelValues(string(status)).Observe(now.Sub(*run.StartedAt).Seconds())
	}
	span.SetAttributes(tracing.AttrStatus.String(string(status)))
	if status == types.RunStatusFailed {
		span.SetStatus(codes.Error, msg)
	}

	s.emitRunStatus(ctx, run)
	s.logger.Info("run finished",
		slog.String("run_id", run.ID),
		slog.String("status", string(status)),
		slog.String("error", msg))

	s.runsMu.Lock()
	delete(s.runs, run.ID)
	s.runsMu.Unlock()
	close(rc.done)
}

// deriveStatus computes a run status from the latest step run of every
// step. Steps without a step run never became ready.
func deriveStatus(order []string, steps map[string]*types.StepRun) (types.RunStatus, string) {
	var blocked, failed []string
	completed := 0
	for _, name := range order {
		sr := steps[name]
		switch {
		case sr == nil || sr.Status == types.StepStatusPending:
			blocked = append(blocked, name)
		case sr.Status == types.StepStatusFailed:
			failed = append(failed, name)
		case sr.Status == types.StepStatusCompleted:
			completed++
		case sr.Status == types.StepStatusRunning:
			blocked = append(blocked, name)
		}
	}
	switch {
	case len(failed) > 0:
		msg := fmt.Sprintf("steps failed: %v", failed)
		if len(blocked) > 0 {
			msg += fmt.Sprintf("; not run: %v", blocked)
		}
		return types.RunStatusFailed, msg
	case len(blocked) > 0:
		return types.RunStatusFailed, fmt.Sprintf("steps not run: %v", blocked)
	case completed == 0 && len(order) > 0:
		return types.RunStatusCached, ""
	default:
		return types.RunStatusCompleted, ""
	}
}

func (s *Scheduler) publish(ctx context.Context, ev *types.Event) {
	metrics.EventsTotal.WithLabelValues(string(ev.Type)).Inc()
	if err := s.events.Publish(ctx, ev); err != nil {
		s.logger.Warn("failed to publish event",
			slog.String("run_id", ev.RunID),
			slog.String("type", string(ev.Type)),
			slog.Any("error", err))
	}
}

func (s *Scheduler) emitRunStatus(ctx context.Context, run *types.PipelineRun) {
	s.publish(ctx, types.NewEvent(run.ID, types.EventTypeRunStatus, "", types.RunStatusEvent{
		Status: run.Status,
		Error:  run.Error,
	}))
}

func (s *Scheduler) emitStepStatus(ctx context.Context, sr *types.StepRun) {
	s.publish(ctx, types.NewEvent(sr.PipelineRunID, types.EventTypeStepStatus, sr.Name, types.StepStatusEvent{
		StepRunID: sr.ID,
		Status:    sr.Status,
		Attempt:   sr.Attempt,
		Error:     sr.Error,
	}))
}

func cloneRun(run *types.PipelineRun) *types.PipelineRun {
	cp := *run
	return &cp
}

func mergeEnv(base, override map[string]string) map[string]string {
	env := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		env[k] = v
	}
	for k, v := range override {
		env[k] = v
	}
	return env
}
