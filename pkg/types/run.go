// Package types provides shared records for pipelines, runs, steps and artifacts.
package types

import (
	"time"
)

// RunStatus represents the current state of a pipeline run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCached    RunStatus = "cached"
)

// IsTerminal reports whether the run can no longer change.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCached
}

// StepStatus represents the current state of a step run.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusCached    StepStatus = "cached"
)

// IsTerminal reports whether the step run can no longer change.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed || s == StepStatusCached
}

// IsSuccessful reports whether downstream steps may consume the outputs.
func (s StepStatus) IsSuccessful() bool {
	return s == StepStatusCompleted || s == StepStatusCached
}

// PipelineRun is one execution of a pipeline.
type PipelineRun struct {
	ID         string        `json:"id"`
	Name       string        `json:"name,omitempty"`
	PipelineID string        `json:"pipeline_id,omitempty"`
	Stack      string        `json:"stack,omitempty"`
	Status     RunStatus     `json:"status"`
	Config     *PipelineSpec `json:"config,omitempty"`
	Error      string        `json:"error,omitempty"`
	StartedAt  *time.Time    `json:"started_at,omitempty"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// PipelineName is the name used to scope cache lookups for the run.
func (r *PipelineRun) PipelineName() string {
	if r.Config != nil && r.Config.Name != "" {
		return r.Config.Name
	}
	return r.Name
}

// StepRun is one step's execution (or cache reuse) within a pipeline run.
type StepRun struct {
	ID                string                 `json:"id"`
	Name              string                 `json:"name"`
	PipelineRunID     string                 `json:"pipeline_run_id"`
	PipelineName      string                 `json:"pipeline_name,omitempty"`
	ParentStepIDs     []string               `json:"parent_step_ids,omitempty"`
	Entrypoint        string                 `json:"entrypoint"`
	Parameters        map[string]interface{} `json:"parameters,omitempty"`
	CachingParameters map[string]interface{} `json:"caching_parameters,omitempty"`
	EnableCache       bool                   `json:"enable_cache"`
	Fingerprint       string                 `json:"fingerprint"`
	CacheSourceID     string                 `json:"cache_source_id,omitempty"`
	Status            StepStatus             `json:"status"`
	Attempt           int                    `json:"attempt"`
	OutputCount       int                    `json:"output_count"`
	Error             string                 `json:"error,omitempty"`
	StartedAt         *time.Time             `json:"started_at,omitempty"`
	FinishedAt        *time.Time             `json:"finished_at,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
}

// RunFilter narrows ListRuns results.
type RunFilter struct {
	PipelineID string
	Status     RunStatus
	Limit      int
}
