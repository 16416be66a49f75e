package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/flexinfer/mentatlab/services/lineage-go/internal/driver"
	"github.com/flexinfer/mentatlab/services/lineage-go/internal/fingerprint"
	"github.com/flexinfer/mentatlab/services/lineage-go/internal/lazy"
	"github.com/flexinfer/mentatlab/services/lineage-go/internal/metrics"
	"github.com/flexinfer/mentatlab/services/lineage-go/internal/runstore"
	"github.com/flexinfer/mentatlab/services/lineage-go/internal/steprun"
	"github.com/flexinfer/mentatlab/services/lineage-go/internal/tracing"
	"github.com/flexinfer/mentatlab/services/lineage-go/pkg/types"
)

// runStep takes one ready step from PENDING to a terminal state. Step
// failures end in a FAILED step run and a nil error; a non-nil error means
// the run itself cannot continue (metadata store or state machine errors).
//
// runCtx is only consulted for cancellation. All work happens on spanCtx,
// which is never cancelled, so that in-flight steps are recorded.
func (s *Scheduler) runStep(runCtx, spanCtx context.Context, rc *runContext, name string) error {
	if runCtx.Err() != nil {
		return nil
	}
	spec := rc.spec.Step(name)
	ctx, span := tracing.StartStep(spanCtx, s.tracer, rc.run.ID, name)
	defer span.End()
	logger := s.logger.With(slog.String("run_id", rc.run.ID), slog.String("step", name))

	inputs, parents, inputErr := rc.inputs(spec)
	sr, prepErr := s.prepare(ctx, rc, spec, inputs, parents)
	if sr == nil {
		return prepErr
	}
	rc.setStep(sr)
	span.SetAttributes(
		tracing.AttrStepRunID.String(sr.ID),
		tracing.AttrFingerprint.String(sr.Fingerprint),
	)
	if err := errors.Join(inputErr, prepErr); err != nil {
		logger.Warn("step could not be prepared", slog.Any("error", err))
		return s.failStep(ctx, rc, sr, span, err)
	}

	decision, err := s.cache.Decide(ctx, sr.Fingerprint, sr.PipelineName, sr.EnableCache)
	if err != nil {
		return err
	}
	metrics.CacheDecisions.WithLabelValues(string(decision.Decision)).Inc()
	span.SetAttributes(tracing.AttrCache.String(string(decision.Decision)))
	s.emitCache(ctx, sr, decision)

	if !decision.Executes() {
		reused, err := runstore.StepArtifacts(ctx, s.store, decision.Source.ID, types.LinkOutput)
		if err != nil {
			return err
		}
		if covers(spec.Outputs, reused) {
			if err := s.linkInputs(ctx, sr, inputs); err != nil {
				return err
			}
			if err := s.machine.MarkCached(ctx, sr, decision.Source, reused); err != nil {
				return err
			}
			rc.succeed(sr, reused)
			metrics.StepRunsTotal.WithLabelValues(string(sr.Status)).Inc()
			s.emitStepStatus(ctx, sr)
			logger.Info("step cached",
				slog.String("step_run_id", sr.ID),
				slog.String("fingerprint", sr.Fingerprint),
				slog.String("source", decision.Source.ID))
			return nil
		}
		logger.Warn("cache source lacks declared outputs, executing",
			slog.String("source", decision.Source.ID))
	}

	// Cancelled between the frontier and dispatch: the step stays PENDING.
	if runCtx.Err() != nil {
		return nil
	}
	return s.execute(ctx, rc, spec, sr, inputs, span, logger)
}

// prepare builds and persists the PENDING step run with its resolved
// parameters and fingerprint. A resumed PENDING record is reused in place.
// When preparation fails after the record exists, both are returned.
func (s *Scheduler) prepare(ctx context.Context, rc *runContext, spec *types.StepSpec, inputs map[string]*types.Artifact, parents []string) (*types.StepRun, error) {
	sr := rc.takePending(spec.Name)
	existing := sr != nil
	if !existing {
		sr = &types.StepRun{
			ID:            runstore.NewID(),
			Name:          spec.Name,
			PipelineRunID: rc.run.ID,
			Status:        types.StepStatusPending,
			Attempt:       rc.nextAttempt(spec.Name),
		}
	}
	sr.PipelineName = rc.run.PipelineName()
	sr.ParentStepIDs = parents
	sr.Entrypoint = spec.Entrypoint
	sr.Parameters = spec.Parameters
	sr.CachingParameters = spec.CachingParameters
	sr.EnableCache = types.CacheEnabled(rc.spec.EnableCache, spec.EnableCache)

	var prepErr error
	params, err := lazy.Resolve(ctx, s.client, spec.Parameters)
	if err != nil {
		prepErr = fmt.Errorf("resolve parameters: %w", err)
	} else {
		sr.Parameters = params
		sr.Fingerprint, prepErr = fingerprint.Compute(s.fingerprintInputs(rc, spec, params, inputs))
	}

	if existing {
		err = s.store.UpdateStepRun(ctx, sr)
	} else {
		err = s.store.CreateStepRun(ctx, sr)
	}
	if err != nil {
		return nil, fmt.Errorf("persist step run %s: %w", spec.Name, err)
	}
	s.emitStepStatus(ctx, sr)
	return sr, prepErr
}

func (s *Scheduler) fingerprintInputs(rc *runContext, spec *types.StepSpec, params map[string]interface{}, inputs map[string]*types.Artifact) fingerprint.Inputs {
	in := fingerprint.Inputs{
		Step:                spec.Name,
		CodeIdentity:        spec.CodeIdentity(),
		Parameters:          params,
		StepEnableCache:     spec.EnableCache,
		PipelineEnableCache: rc.spec.EnableCache,
		Outputs:             spec.Outputs,
		CachingParameters:   spec.CachingParameters,
		Project:             s.cfg.Project,
	}
	if s.artifacts != nil {
		in.ArtifactStore = s.artifacts.Identity()
	}
	for name, a := range inputs {
		producer := ""
		if up := rc.spec.Step(spec.Inputs[name].Step); up != nil {
			producer = up.CodeIdentity()
		}
		in.Artifacts = append(in.Artifacts, fingerprint.InputArtifact{
			Name:               name,
			ProducerEntrypoint: producer,
			Fingerprint:        a.Fingerprint,
		})
	}
	return in
}

// execute dispatches a cache-missed step and records the outcome.
func (s *Scheduler) execute(ctx context.Context, rc *runContext, spec *types.StepSpec, sr *types.StepRun, inputs map[string]*types.Artifact, span trace.Span, logger *slog.Logger) error {
	if err := s.machine.Start(ctx, sr); err != nil {
		return err
	}
	rc.setStep(sr)
	s.emitStepStatus(ctx, sr)
	if err := s.linkInputs(ctx, sr, inputs); err != nil {
		return err
	}

	req := &driver.DispatchRequest{
		RunID:      rc.run.ID,
		StepRunID:  sr.ID,
		Step:       spec,
		Parameters: sr.Parameters,
		Inputs:     inputs,
		OutputURIs: s.outputURIs(spec, sr),
		Env:        rc.env,
	}
	backend := spec.Backend
	if backend == "" {
		backend = s.backend.Name()
	}

	started := time.Now()
	result, err := s.dispatch(ctx, rc, req)
	metrics.StepDuration.WithLabelValues(backend, string(resultStatus(result, err))).Observe(time.Since(started).Seconds())
	if err == nil && !result.Succeeded() {
		err = errors.New(result.Error)
	}
	if err != nil {
		logger.Warn("step failed", slog.String("step_run_id", sr.ID), slog.Any("error", err))
		return s.failStep(ctx, rc, sr, span, &steprun.StepExecutionError{Step: sr.Name, Backend: backend, Err: err})
	}

	arts, err := s.machine.Complete(ctx, sr, spec.Outputs, result.Outputs)
	// A rejected output is a step failure only once FAILED is persisted.
	var integrity *steprun.ArtifactIntegrityError
	if errors.As(err, &integrity) && sr.Status == types.StepStatusFailed {
		rc.setStep(sr)
		metrics.StepRunsTotal.WithLabelValues(string(sr.Status)).Inc()
		s.emitStepStatus(ctx, sr)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn("step outputs rejected", slog.String("step_run_id", sr.ID), slog.Any("error", err))
		return nil
	}
	if err != nil {
		return err
	}

	outputs := make(map[string]*types.Artifact, len(arts))
	for _, a := range arts {
		outputs[a.Name] = a
		s.publish(ctx, types.NewEvent(rc.run.ID, types.EventTypeArtifact, sr.Name, a))
	}
	metrics.ArtifactsCreated.Add(float64(len(arts)))
	rc.succeed(sr, outputs)
	metrics.StepRunsTotal.WithLabelValues(string(sr.Status)).Inc()
	s.emitStepStatus(ctx, sr)
	logger.Info("step completed",
		slog.String("step_run_id", sr.ID),
		slog.Int("outputs", len(arts)))
	return nil
}

// dispatch runs the request on the backend and waits for its result. The
// handle is tracked so that a cancelled run can abort it.
func (s *Scheduler) dispatch(ctx context.Context, rc *runContext, req *driver.DispatchRequest) (*driver.Result, error) {
	h, err := s.backend.Dispatch(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	defer rc.untrack(req.StepRunID)
	if abort := rc.track(req.StepRunID, h); abort {
		if err := s.backend.Cancel(ctx, h); err != nil && !errors.Is(err, driver.ErrUnknownHandle) {
			s.logger.Warn("abort step failed", slog.String("step_run_id", req.StepRunID), slog.Any("error", err))
		}
	}
	res, err := s.backend.Await(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("await: %w", err)
	}
	return res, nil
}

// failStep moves a PENDING or RUNNING step run to FAILED.
func (s *Scheduler) failStep(ctx context.Context, rc *runContext, sr *types.StepRun, span trace.Span, cause error) error {
	if sr.Status == types.StepStatusPending {
		if err := s.machine.Start(ctx, sr); err != nil {
			return err
		}
	}
	if err := s.machine.Fail(ctx, sr, cause); err != nil {
		return err
	}
	rc.setStep(sr)
	metrics.StepRunsTotal.WithLabelValues(string(sr.Status)).Inc()
	s.emitStepStatus(ctx, sr)
	span.RecordError(cause)
	span.SetStatus(codes.Error, cause.Error())
	return nil
}

func (s *Scheduler) linkInputs(ctx context.Context, sr *types.StepRun, inputs map[string]*types.Artifact) error {
	for name, a := range inputs {
		if err := s.store.LinkArtifact(ctx, &types.ArtifactLink{
			StepRunID:  sr.ID,
			ArtifactID: a.ID,
			Name:       name,
			Direction:  types.LinkInput,
		}); err != nil {
			return fmt.Errorf("link input %s of %s: %w", name, sr.Name, err)
		}
	}
	return nil
}

// outputURIs assigns every declared output its location in the artifact
// store: <root>/<entrypoint>/<output>/<step run id>.
func (s *Scheduler) outputURIs(spec *types.StepSpec, sr *types.StepRun) map[string]string {
	uris := make(map[string]string, len(spec.Outputs))
	if s.artifacts == nil {
		return uris
	}
	for _, out := range spec.Outputs {
		uris[out.Name] = s.artifacts.URI(spec.Entrypoint, out.Name, sr.ID)
	}
	return uris
}

func (s *Scheduler) emitCache(ctx context.Context, sr *types.StepRun, res *fingerprint.Result) {
	payload := types.CacheEvent{Fingerprint: res.Fingerprint, Decision: string(res.Decision)}
	if res.Source != nil {
		payload.SourceID = res.Source.ID
	}
	s.publish(ctx, types.NewEvent(sr.PipelineRunID, types.EventTypeCache, sr.Name, payload))
}

// covers reports whether reused holds every declared output.
func covers(declared []types.OutputSpec, reused map[string]*types.Artifact) bool {
	for _, d := range declared {
		if _, ok := reused[d.Name]; !ok {
			return false
		}
	}
	return true
}

func resultStatus(res *driver.Result, err error) driver.Status {
	if err != nil || res == nil {
		return driver.StatusFailure
	}
	return res.Status
}
