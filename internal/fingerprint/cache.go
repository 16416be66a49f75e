package fingerprint

import (
	"context"
	"fmt"

	"github.com/flexinfer/mentatlab/services/lineage-go/pkg/types"
)

// Scope controls which prior step runs are eligible cache sources.
type Scope string

const (
	// ScopeGlobal matches any step run with the same fingerprint.
	ScopeGlobal Scope = "global"
	// ScopePipeline matches only step runs of the same pipeline name.
	ScopePipeline Scope = "pipeline"
)

// ParseScope converts a config value to a Scope.
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case ScopeGlobal, ScopePipeline:
		return Scope(s), nil
	case "":
		return ScopePipeline, nil
	default:
		return "", fmt.Errorf("unknown cache scope %q", s)
	}
}

// Decision is the outcome of a cache check.
type Decision string

const (
	Hit      Decision = "hit"
	Miss     Decision = "miss"
	Disabled Decision = "disabled"
)

// Lookup finds the most recent successful step run with a fingerprint.
// An empty pipeline name searches all pipelines. It returns nil, nil when
// nothing matches.
type Lookup interface {
	FindStepRunByFingerprint(ctx context.Context, fingerprint, pipelineName string) (*types.StepRun, error)
}

// Result describes a cache check.
type Result struct {
	Decision    Decision
	Fingerprint string
	Source      *types.StepRun
}

// Executes reports whether the step must be dispatched to a backend.
func (r *Result) Executes() bool { return r.Decision != Hit }

// Engine decides cache hits against prior step runs.
type Engine struct {
	lookup Lookup
	scope  Scope
}

// NewEngine creates a cache engine.
func NewEngine(lookup Lookup, scope Scope) *Engine {
	if scope == "" {
		scope = ScopePipeline
	}
	return &Engine{lookup: lookup, scope: scope}
}

// Scope returns the configured lookup scope.
func (e *Engine) Scope() Scope { return e.scope }

// Decide classifies a prospective step run. It only reads from the lookup.
func (e *Engine) Decide(ctx context.Context, fingerprint, pipelineName string, enabled bool) (*Result, error) {
	res := &Result{Decision: Miss, Fingerprint: fingerprint}
	if !enabled {
		res.Decision = Disabled
		return res, nil
	}

	scopeName := pipelineName
	if e.scope == ScopeGlobal {
		scopeName = ""
	}
	prior, err := e.lookup.FindStepRunByFingerprint(ctx, fingerprint, scopeName)
	if err != nil {
		return nil, fmt.Errorf("lookup fingerprint %s: %w", fingerprint, err)
	}
	if prior == nil || !prior.Status.IsSuccessful() {
		return res, nil
	}

	res.Decision = Hit
	res.Source = prior
	return res, nil
}
