// Package validator validates pipeline definitions against a JSON schema and
// API request structs against their validation tags.
package validator

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	playground "github.com/go-playground/validator/v10"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/flexinfer/mentatlab/services/lineage-go/internal/dag"
	"github.com/flexinfer/mentatlab/services/lineage-go/pkg/types"
)

// Validator validates pipeline definitions and request payloads.
type Validator struct {
	pipelineSchema *jsonschema.Schema
	structs        *playground.Validate
}

// ValidationError represents a validation failure.
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationResult holds the result of a validation.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// Err returns the result as an error, or nil when valid.
func (r *ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		msgs = append(msgs, e.Path+": "+e.Message)
	}
	return fmt.Errorf("invalid pipeline: %s", strings.Join(msgs, "; "))
}

func (r *ValidationResult) add(path, format string, args ...interface{}) {
	r.Valid = false
	r.Errors = append(r.Errors, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

// New creates a new validator with the embedded pipeline schema.
func New() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	if err := compiler.AddResource("pipeline.json", strings.NewReader(pipelineSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add pipeline schema: %w", err)
	}
	pipelineSchema, err := compiler.Compile("pipeline.json")
	if err != nil {
		return nil, fmt.Errorf("compile pipeline schema: %w", err)
	}

	structs := playground.New(playground.WithRequiredStructEnabled())
	structs.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &Validator{
		pipelineSchema: pipelineSchema,
		structs:        structs,
	}, nil
}

// ParsePipeline decodes a YAML or JSON pipeline definition, validates it
// against the schema and checks its step graph. JSON is a subset of YAML, so
// both formats go through the same decoder.
func (v *Validator) ParsePipeline(data []byte) (*types.PipelineSpec, *ValidationResult) {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		res := &ValidationResult{Valid: true}
		res.add("$", "invalid YAML: %v", err)
		return nil, res
	}
	// Round trip through JSON to get the value types the schema validator expects.
	raw, err := json.Marshal(doc)
	if err != nil {
		res := &ValidationResult{Valid: true}
		res.add("$", "unsupported document: %v", err)
		return nil, res
	}
	return v.parseJSON(raw)
}

// ValidatePipeline validates an already decoded pipeline spec.
func (v *Validator) ValidatePipeline(spec *types.PipelineSpec) *ValidationResult {
	raw, err := json.Marshal(spec)
	if err != nil {
		res := &ValidationResult{Valid: true}
		res.add("$", "encode pipeline: %v", err)
		return res
	}
	_, res := v.parseJSON(raw)
	return res
}

func (v *Validator) parseJSON(raw []byte) (*types.PipelineSpec, *ValidationResult) {
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		res := &ValidationResult{Valid: true}
		res.add("$", "invalid JSON: %v", err)
		return nil, res
	}
	if res := v.validate(v.pipelineSchema, doc); !res.Valid {
		return nil, res
	}

	var spec types.PipelineSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		res := &ValidationResult{Valid: true}
		res.add("$", "decode pipeline: %v", err)
		return nil, res
	}

	res := CheckGraph(&spec)
	if !res.Valid {
		return nil, res
	}
	return &spec, res
}

// CheckGraph checks what the schema cannot express: the step graph must be
// acyclic, references must name existing steps, and bindings must name
// outputs their producer declares.
func CheckGraph(spec *types.PipelineSpec) *ValidationResult {
	res := &ValidationResult{Valid: true}
	if _, err := dag.Resolve(spec.Steps); err != nil {
		path := "$.steps"
		var unk *dag.UnknownDependencyError
		if errors.As(err, &unk) {
			if i := stepIndex(spec, unk.Step); i >= 0 {
				path = fmt.Sprintf("$.steps[%d]", i)
			}
		}
		res.add(path, "%v", err)
		return res
	}

	for i := range spec.Steps {
		step := &spec.Steps[i]
		seen := make(map[string]bool, len(step.Outputs))
		for _, out := range step.Outputs {
			if seen[out.Name] {
				res.add(fmt.Sprintf("$.steps[%d].outputs", i), "duplicate output %q", out.Name)
			}
			seen[out.Name] = true
		}

		names := make([]string, 0, len(step.Inputs))
		for name := range step.Inputs {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			b := step.Inputs[name]
			up := spec.Step(b.Step)
			if up == nil {
				continue
			}
			if len(up.Outputs) > 0 && up.Output(b.Output) == nil {
				res.add(fmt.Sprintf("$.steps[%d].inputs.%s", i, name),
					"step %s declares no output %q", b.Step, b.Output)
			}
		}
	}
	return res
}

func stepIndex(spec *types.PipelineSpec, name string) int {
	for i := range spec.Steps {
		if spec.Steps[i].Name == name {
			return i
		}
	}
	return -1
}

// Struct validates a request struct by its `validate` tags.
func (v *Validator) Struct(s interface{}) *ValidationResult {
	err := v.structs.Struct(s)
	if err == nil {
		return &ValidationResult{Valid: true}
	}
	res := &ValidationResult{Valid: true}
	var verrs playground.ValidationErrors
	if !errors.As(err, &verrs) {
		res.add("$", "%v", err)
		return res
	}
	for _, fe := range verrs {
		path := "$." + fe.Namespace()
		if i := strings.Index(fe.Namespace(), "."); i >= 0 {
			path = "$." + fe.Namespace()[i+1:]
		}
		switch fe.Tag() {
		case "required":
			res.add(path, "is required")
		case "oneof":
			res.add(path, "must be one of [%s]", fe.Param())
		default:
			res.add(path, "failed %s validation", fe.Tag())
		}
	}
	return res
}

// validate runs schema validation and converts errors.
func (v *Validator) validate(schema *jsonschema.Schema, data interface{}) *ValidationResult {
	err := schema.Validate(data)
	if err == nil {
		return &ValidationResult{Valid: true}
	}

	result := &ValidationResult{Valid: false}
	var verr *jsonschema.ValidationError
	if errors.As(err, &verr) {
		result.Errors = extractErrors(verr)
	} else {
		result.Errors = []ValidationError{
			{Path: "$", Message: err.Error()},
		}
	}
	return result
}

// extractErrors flattens the leaf causes of a schema validation error.
func extractErrors(verr *jsonschema.ValidationError) []ValidationError {
	if len(verr.Causes) == 0 {
		return []ValidationError{{Path: "$" + pointerToPath(verr.InstanceLocation), Message: verr.Message}}
	}
	var out []ValidationError
	for _, cause := range verr.Causes {
		out = append(out, extractErrors(cause)...)
	}
	return out
}

// pointerToPath turns "/steps/0/name" into ".steps[0].name".
func pointerToPath(ptr string) string {
	var b strings.Builder
	for _, seg := range strings.Split(ptr, "/") {
		if seg == "" {
			continue
		}
		if strings.Trim(seg, "0123456789") == "" {
			b.WriteString("[" + seg + "]")
			continue
		}
		b.WriteString("." + seg)
	}
	return b.String()
}
