package steprun

import (
	"fmt"
	"strings"

	"github.com/flexinfer/mentatlab/services/lineage-go/pkg/types"
)

// InvalidStateTransitionError is returned when a transition is requested
// from a state that does not allow it.
type InvalidStateTransitionError struct {
	StepRunID string
	Step      string
	From      types.StepStatus
	To        types.StepStatus
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("step %s (%s): invalid transition %s -> %s", e.Step, e.StepRunID, e.From, e.To)
}

// ArtifactIntegrityError is returned when a reported output lacks one of
// uri, materializer or data_type, or a declared output was not reported.
type ArtifactIntegrityError struct {
	Step    string
	Output  string
	Missing []string
}

func (e *ArtifactIntegrityError) Error() string {
	if len(e.Missing) == 0 {
		return fmt.Sprintf("step %s: declared output %q was not produced", e.Step, e.Output)
	}
	return fmt.Sprintf("step %s: output %q is missing %s", e.Step, e.Output, strings.Join(e.Missing, ", "))
}

// StepExecutionError wraps a failure reported by an execution backend.
type StepExecutionError struct {
	Step    string
	Backend string
	Err     error
}

func (e *StepExecutionError) Error() string {
	if e.Backend == "" {
		return fmt.Sprintf("step %s failed: %v", e.Step, e.Err)
	}
	return fmt.Sprintf("step %s failed on %s: %v", e.Step, e.Backend, e.Err)
}

func (e *StepExecutionError) Unwrap() error { return e.Err }
