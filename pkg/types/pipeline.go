package types

import "time"

// Pipeline is a named, versioned step graph template.
type Pipeline struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Version   int           `json:"version"`
	Spec      *PipelineSpec `json:"spec"`
	Owner     string        `json:"owner,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// PipelineSpec is the declared step graph plus pipeline-level settings.
// Step order is significant: it breaks ties when ordering ready steps.
type PipelineSpec struct {
	Name        string                 `json:"name" yaml:"name"`
	EnableCache *bool                  `json:"enable_cache,omitempty" yaml:"enable_cache,omitempty"`
	Steps       []StepSpec             `json:"steps" yaml:"steps"`
	Settings    map[string]interface{} `json:"settings,omitempty" yaml:"settings,omitempty"`
}

// Step returns the step with the given name, or nil.
func (p *PipelineSpec) Step(name string) *StepSpec {
	for i := range p.Steps {
		if p.Steps[i].Name == name {
			return &p.Steps[i]
		}
	}
	return nil
}

// StepSpec declares one step of a pipeline.
type StepSpec struct {
	Name        string `json:"name" yaml:"name"`
	Entrypoint  string `json:"entrypoint" yaml:"entrypoint"`
	CodeVersion string `json:"code_version,omitempty" yaml:"code_version,omitempty"`

	// Upstreams are explicit ordering edges. Every input binding adds an
	// implicit edge to the producing step as well.
	Upstreams []string                `json:"upstreams,omitempty" yaml:"upstreams,omitempty"`
	Inputs    map[string]InputBinding `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs   []OutputSpec            `json:"outputs,omitempty" yaml:"outputs,omitempty"`

	Parameters        map[string]interface{} `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	CachingParameters map[string]interface{} `json:"caching_parameters,omitempty" yaml:"caching_parameters,omitempty"`
	EnableCache       *bool                  `json:"enable_cache,omitempty" yaml:"enable_cache,omitempty"`

	// Execution hints consumed by backends.
	Backend        string            `json:"backend,omitempty" yaml:"backend,omitempty"`
	Command        []string          `json:"command,omitempty" yaml:"command,omitempty"`
	Image          string            `json:"image,omitempty" yaml:"image,omitempty"`
	Env            map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
}

// CodeIdentity is the stable identifier of the step implementation.
func (s *StepSpec) CodeIdentity() string {
	if s.CodeVersion == "" {
		return s.Entrypoint
	}
	return s.Entrypoint + "@" + s.CodeVersion
}

// Output returns the declared output with the given name, or nil.
func (s *StepSpec) Output(name string) *OutputSpec {
	for i := range s.Outputs {
		if s.Outputs[i].Name == name {
			return &s.Outputs[i]
		}
	}
	return nil
}

// InputBinding wires an input to an output of an upstream step.
type InputBinding struct {
	Step   string `json:"step" yaml:"step"`
	Output string `json:"output" yaml:"output"`
}

// OutputSpec declares a named output and how it is stored.
type OutputSpec struct {
	Name         string `json:"name" yaml:"name"`
	Materializer string `json:"materializer,omitempty" yaml:"materializer,omitempty"`
	DataType     string `json:"data_type,omitempty" yaml:"data_type,omitempty"`
}

// CacheEnabled reports whether caching is enabled for the step.
// An unset flag means enabled; an explicit false at either level disables it.
func CacheEnabled(pipeline, step *bool) bool {
	if pipeline != nil && !*pipeline {
		return false
	}
	if step != nil && !*step {
		return false
	}
	return true
}

// Bool returns a pointer to b.
func Bool(b bool) *bool { return &b }
