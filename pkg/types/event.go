package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType categorizes the kind of event.
type EventType string

const (
	EventTypeRunStatus  EventType = "run_status"
	EventTypeStepStatus EventType = "step_status"
	EventTypeCache      EventType = "cache"
	EventTypeArtifact   EventType = "artifact"
	EventTypeLog        EventType = "log"
	EventTypeStreamEnd  EventType = "stream_end"
)

// Event represents a single entry in a run's event stream.
type Event struct {
	ID        string          `json:"id"`
	RunID     string          `json:"run_id"`
	Type      EventType       `json:"type"`
	StepName  string          `json:"step,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewEvent builds an event with the payload marshalled to JSON.
func NewEvent(runID string, typ EventType, step string, data interface{}) *Event {
	raw, _ := json.Marshal(data)
	return &Event{
		RunID:     runID,
		Type:      typ,
		StepName:  step,
		Timestamp: time.Now().UTC(),
		Data:      raw,
	}
}

// StepStatusEvent is the payload of step_status events.
type StepStatusEvent struct {
	StepRunID string     `json:"step_run_id"`
	Status    StepStatus `json:"status"`
	Attempt   int        `json:"attempt,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// RunStatusEvent is the payload of run_status events.
type RunStatusEvent struct {
	Status RunStatus `json:"status"`
	Error  string    `json:"error,omitempty"`
}

// CacheEvent is the payload of cache events.
type CacheEvent struct {
	Fingerprint string `json:"fingerprint"`
	Decision    string `json:"decision"`
	SourceID    string `json:"source_id,omitempty"`
}

// ToSSE formats the event for Server-Sent Events protocol.
// Format: id: <id>\nevent: <type>\ndata: <json>\n\n
func (e *Event) ToSSE() []byte {
	data, _ := json.Marshal(e)
	return []byte(fmt.Sprintf("id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Type, data))
}
