package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/flexinfer/mentatlab/services/lineage-go/internal/dag"
	"github.com/flexinfer/mentatlab/services/lineage-go/internal/runstore"
	"github.com/flexinfer/mentatlab/services/lineage-go/pkg/types"
)

// Resume continues a RUNNING run left behind by a crashed or stopped
// process, re-deriving its state from the metadata store. The latest
// attempt of each step decides:
//
//	COMPLETED, CACHED  outputs are reused
//	FAILED             stays failed, descendants stay blocked
//	RUNNING            failed as interrupted, re-dispatched as attempt+1
//	PENDING            continued in place
func (s *Scheduler) Resume(ctx context.Context, runID string) (*types.PipelineRun, error) {
	if s.active(runID) != nil {
		return nil, ErrRunActive
	}
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		return nil, ErrRunFinished
	}
	if run.Config == nil {
		return nil, fmt.Errorf("run %s has no pipeline config", runID)
	}
	graph, err := dag.Resolve(run.Config.Steps)
	if err != nil {
		return nil, err
	}
	srs, err := s.store.ListStepRuns(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("list step runs: %w", err)
	}

	rc := newRunContext(run, graph, mergeEnv(s.cfg.Env, nil))
	for _, sr := range srs {
		if sr.Attempt > rc.attempts[sr.Name] {
			rc.attempts[sr.Name] = sr.Attempt
		}
	}
	for name, sr := range latestAttempts(srs) {
		if run.Config.Step(name) == nil {
			continue
		}
		switch sr.Status {
		case types.StepStatusCompleted, types.StepStatusCached:
			outputs, err := runstore.StepArtifacts(ctx, s.store, sr.ID, types.LinkOutput)
			if err != nil {
				return nil, err
			}
			rc.succeed(sr, outputs)
			rc.started[name] = true
		case types.StepStatusFailed:
			rc.setStep(sr)
			rc.started[name] = true
		case types.StepStatusRunning:
			if err := s.machine.Fail(ctx, sr, errors.New(errInterrupted)); err != nil {
				return nil, err
			}
			rc.setStep(sr)
			s.emitStepStatus(ctx, sr)
			s.logger.Info("interrupted step will be retried",
				slog.String("run_id", runID),
				slog.String("step", name),
				slog.Int("attempt", sr.Attempt+1))
		case types.StepStatusPending:
			rc.setStep(sr)
			rc.pending[name] = sr
		}
	}

	s.start(ctx, rc)
	return cloneRun(run), nil
}

// latestAttempts picks the step run with the highest attempt per step name.
// Later records win ties.
func latestAttempts(srs []*types.StepRun) map[string]*types.StepRun {
	latest := make(map[string]*types.StepRun, len(srs))
	for _, sr := range srs {
		if cur, ok := latest[sr.Name]; ok && cur.Attempt > sr.Attempt {
			continue
		}
		latest[sr.Name] = sr
	}
	return latest
}

// StepState is the current state of one declared step of a run.
type StepState struct {
	Name string `json:"name"`
	// Status is PENDING for steps that never became ready.
	Status   types.StepStatus `json:"status"`
	Attempts int              `json:"attempts"`
	StepRun  *types.StepRun   `json:"step_run,omitempty"`
}

// Summary is a run with the state of every declared step.
type Summary struct {
	Run   *types.PipelineRun `json:"run"`
	Steps []StepState        `json:"steps"`
}

// Summarize loads a run and reports every declared step in execution
// order, including steps blocked behind a failure.
func Summarize(ctx context.Context, store runstore.Store, runID string) (*Summary, error) {
	run, err := store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	srs, err := store.ListStepRuns(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("list step runs: %w", err)
	}
	latest := latestAttempts(srs)
	attempts := make(map[string]int)
	for _, sr := range srs {
		attempts[sr.Name]++
	}

	var order []string
	if run.Config != nil {
		if graph, err := dag.Resolve(run.Config.Steps); err == nil {
			order = graph.Order()
		}
	}
	if order == nil {
		seen := make(map[string]bool)
		for _, sr := range srs {
			if !seen[sr.Name] {
				seen[sr.Name] = true
				order = append(order, sr.Name)
			}
		}
	}

	out := &Summary{Run: run, Steps: make([]StepState, 0, len(order))}
	for _, name := range order {
		st := StepState{Name: name, Status: types.StepStatusPending, Attempts: attempts[name]}
		if sr := latest[name]; sr != nil {
			st.Status = sr.Status
			st.StepRun = sr
		}
		out.Steps = append(out.Steps, st)
	}
	return out, nil
}
