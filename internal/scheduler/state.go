package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/flexinfer/mentatlab/services/lineage-go/internal/dag"
	"github.com/flexinfer/mentatlab/services/lineage-go/internal/driver"
	"github.com/flexinfer/mentatlab/services/lineage-go/pkg/types"
)

// runContext holds the runtime state for a single run. The dispatch loop
// owns run; everything below mu is shared with step goroutines.
type runContext struct {
	run    *types.PipelineRun
	spec   *types.PipelineSpec
	graph  *dag.Graph
	env    map[string]string
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	steps     map[string]*types.StepRun            // latest attempt per step
	outputs   map[string]map[string]*types.Artifact // step -> output -> artifact
	started   map[string]bool
	pending   map[string]*types.StepRun // resumed PENDING records continued in place
	attempts  map[string]int
	handles   map[string]driver.Handle // step run id -> in-flight handle
	cancelled bool
	aborting  bool
	fatal     error
}

func newRunContext(run *types.PipelineRun, graph *dag.Graph, env map[string]string) *runContext {
	return &runContext{
		run:      run,
		spec:     run.Config,
		graph:    graph,
		env:      env,
		done:     make(chan struct{}),
		steps:    make(map[string]*types.StepRun),
		outputs:  make(map[string]map[string]*types.Artifact),
		started:  make(map[string]bool),
		pending:  make(map[string]*types.StepRun),
		attempts: make(map[string]int),
		handles:  make(map[string]driver.Handle),
	}
}

// frontier returns the steps whose upstreams all succeeded and that have
// not been started, in declaration order.
func (rc *runContext) frontier() []string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.graph.Frontier(
		func(name string) bool { return rc.started[name] },
		func(name string) bool {
			sr := rc.steps[name]
			return sr != nil && sr.Status.IsSuccessful() && rc.outputs[name] != nil
		},
	)
}

func (rc *runContext) markStarted(name string, started bool) {
	rc.mu.Lock()
	rc.started[name] = started
	rc.mu.Unlock()
}

// setStep records a copy of the latest step run of a step. Step goroutines
// keep mutating their own record.
func (rc *runContext) setStep(sr *types.StepRun) {
	cp := *sr
	rc.mu.Lock()
	rc.steps[sr.Name] = &cp
	if sr.Attempt > rc.attempts[sr.Name] {
		rc.attempts[sr.Name] = sr.Attempt
	}
	rc.mu.Unlock()
}

// succeed publishes a step's outputs to its dependents. Registration
// happens before the step is considered successful by the frontier.
func (rc *runContext) succeed(sr *types.StepRun, outputs map[string]*types.Artifact) {
	if outputs == nil {
		outputs = map[string]*types.Artifact{}
	}
	cp := *sr
	rc.mu.Lock()
	rc.outputs[sr.Name] = outputs
	rc.steps[sr.Name] = &cp
	rc.mu.Unlock()
}

func (rc *runContext) nextAttempt(name string) int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.attempts[name] + 1
}

// takePending returns and forgets a resumed PENDING record for name.
func (rc *runContext) takePending(name string) *types.StepRun {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	sr := rc.pending[name]
	delete(rc.pending, name)
	return sr
}

// inputs collects the artifacts bound to a step's inputs from the outputs of
// upstream step runs of this run, plus the ids of those upstream step runs.
func (rc *runContext) inputs(spec *types.StepSpec) (map[string]*types.Artifact, []string, error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	names := make([]string, 0, len(spec.Inputs))
	for name := range spec.Inputs {
		names = append(names, name)
	}
	sort.Strings(names)

	inputs := make(map[string]*types.Artifact, len(names))
	for _, name := range names {
		b := spec.Inputs[name]
		a, ok := rc.outputs[b.Step][b.Output]
		if !ok {
			return nil, nil, fmt.Errorf("input %s: step %s produced no output %q", name, b.Step, b.Output)
		}
		inputs[name] = a
	}

	var parents []string
	for _, up := range rc.graph.Upstreams(spec.Name) {
		if sr := rc.steps[up]; sr != nil {
			parents = append(parents, sr.ID)
		}
	}
	return inputs, parents, nil
}

func (rc *runContext) track(stepRunID string, h driver.Handle) (abort bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.handles[stepRunID] = h
	return rc.aborting
}

func (rc *runContext) untrack(stepRunID string) {
	rc.mu.Lock()
	delete(rc.handles, stepRunID)
	rc.mu.Unlock()
}

// stop marks the run cancelled. With abort set it also returns the handles
// of in-flight steps so they can be cancelled on the backend.
func (rc *runContext) stop(abort bool) []driver.Handle {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.cancelled = true
	if !abort {
		return nil
	}
	rc.aborting = true
	handles := make([]driver.Handle, 0, len(rc.handles))
	for _, h := range rc.handles {
		handles = append(handles, h)
	}
	return handles
}

func (rc *runContext) setFatal(err error) {
	rc.mu.Lock()
	if rc.fatal == nil {
		rc.fatal = err
	}
	rc.mu.Unlock()
}

func (rc *runContext) halted() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.cancelled || rc.fatal != nil
}

// snapshot returns the latest step runs and the run-level flags.
func (rc *runContext) snapshot() (map[string]*types.StepRun, bool, error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	steps := make(map[string]*types.StepRun, len(rc.steps))
	for k, v := range rc.steps {
		steps[k] = v
	}
	return steps, rc.cancelled, rc.fatal
}
