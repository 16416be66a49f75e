// Package driver provides execution backends that run step invocations.
//
// A backend is asynchronous: Dispatch starts a step and returns a Handle,
// Await blocks for the Result, Cancel aborts it. Implementations run steps
// in-process, as subprocesses, as Docker containers or as Kubernetes Jobs.
package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/flexinfer/mentatlab/services/lineage-go/pkg/types"
)

// ErrUnknownHandle is returned by Await and Cancel for handles the backend
// did not issue or already released.
var ErrUnknownHandle = errors.New("unknown execution handle")

// Backend executes step invocations.
type Backend interface {
	// Name identifies the backend in StepSpec.Backend and in handles.
	Name() string

	// Dispatch starts the step and returns without waiting for it. The
	// step keeps running when ctx is cancelled; use Cancel to abort it.
	Dispatch(ctx context.Context, req *DispatchRequest) (Handle, error)

	// Await blocks until the step finishes or ctx is done. A step that
	// ran and failed is reported through Result, not as an error.
	Await(ctx context.Context, h Handle) (*Result, error)

	// Cancel aborts a dispatched step.
	Cancel(ctx context.Context, h Handle) error
}

// Handle identifies a dispatched step.
type Handle struct {
	ID      string `json:"id"`
	Backend string `json:"backend"`
}

// DispatchRequest carries everything a backend needs to run one step.
type DispatchRequest struct {
	RunID      string
	StepRunID  string
	Step       *types.StepSpec
	Parameters map[string]interface{}
	Inputs     map[string]*types.Artifact
	// OutputURIs is where each declared output should be written.
	OutputURIs map[string]string
	// Env is the run environment; step env entries override it.
	Env map[string]string
}

// Status is the outcome of a step execution.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Result is what a backend reports when a step finishes.
type Result struct {
	Status   Status                            `json:"status"`
	Outputs  map[string]types.OutputDescriptor `json:"outputs,omitempty"`
	Error    string                            `json:"error,omitempty"`
	ExitCode int                               `json:"exit_code,omitempty"`
}

// Succeeded reports whether the step ran to success.
func (r *Result) Succeeded() bool { return r != nil && r.Status == StatusSuccess }

// Failure builds a failed Result.
func Failure(format string, args ...interface{}) *Result {
	return &Result{Status: StatusFailure, Error: fmt.Sprintf(format, args...)}
}

// EventEmitter receives log events produced by running steps.
type EventEmitter interface {
	Publish(ctx context.Context, ev *types.Event) error
}

// Environment variables passed to external step processes.
const (
	EnvRunID      = "LINEAGE_RUN_ID"
	EnvStepRunID  = "LINEAGE_STEP_RUN_ID"
	EnvStep       = "LINEAGE_STEP"
	EnvEntrypoint = "LINEAGE_ENTRYPOINT"
	EnvParameters = "LINEAGE_PARAMETERS"
	EnvInputs     = "LINEAGE_INPUTS"
	EnvOutputs    = "LINEAGE_OUTPUTS"
)

// Environ returns the environment of an external step process: run env,
// then step env, then the LINEAGE_* variables describing the invocation.
func (r *DispatchRequest) Environ() (map[string]string, error) {
	env := make(map[string]string, len(r.Env)+len(r.Step.Env)+7)
	for k, v := range r.Env {
		env[k] = v
	}
	for k, v := range r.Step.Env {
		env[k] = v
	}

	params, err := json.Marshal(r.Parameters)
	if err != nil {
		return nil, fmt.Errorf("encode parameters: %w", err)
	}
	inputs := make(map[string]types.OutputDescriptor, len(r.Inputs))
	for name, a := range r.Inputs {
		inputs[name] = types.OutputDescriptor{URI: a.URI, Materializer: a.Materializer, DataType: a.DataType}
	}
	in, err := json.Marshal(inputs)
	if err != nil {
		return nil, fmt.Errorf("encode inputs: %w", err)
	}
	out, err := json.Marshal(r.OutputURIs)
	if err != nil {
		return nil, fmt.Errorf("encode outputs: %w", err)
	}

	env[EnvRunID] = r.RunID
	env[EnvStepRunID] = r.StepRunID
	env[EnvStep] = r.Step.Name
	env[EnvEntrypoint] = r.Step.Entrypoint
	env[EnvParameters] = string(params)
	env[EnvInputs] = string(in)
	env[EnvOutputs] = string(out)
	return env, nil
}
