package types

import "time"

// Artifact records where a produced value lives and how to read it.
// It never holds the value itself.
type Artifact struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	URI               string    `json:"uri"`
	Materializer      string    `json:"materializer"`
	DataType          string    `json:"data_type"`
	Fingerprint       string    `json:"fingerprint"`
	ProducerStepRunID string    `json:"producer_step_run_id"`
	IsCached          bool      `json:"is_cached"`
	CreatedAt         time.Time `json:"created_at"`
}

// LinkDirection tells whether a step run consumed or produced an artifact.
type LinkDirection string

const (
	LinkInput  LinkDirection = "input"
	LinkOutput LinkDirection = "output"
)

// ArtifactLink associates an artifact with a step run under a name.
// Virtual output links attach reused artifacts to cached step runs.
type ArtifactLink struct {
	StepRunID  string        `json:"step_run_id"`
	ArtifactID string        `json:"artifact_id"`
	Name       string        `json:"name"`
	Direction  LinkDirection `json:"direction"`
	Virtual    bool          `json:"virtual,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// LinkFilter narrows ListLinks results. Empty fields match everything.
type LinkFilter struct {
	StepRunID  string
	ArtifactID string
	Direction  LinkDirection
}

// Matches reports whether l satisfies the filter.
func (f LinkFilter) Matches(l *ArtifactLink) bool {
	if f.StepRunID != "" && l.StepRunID != f.StepRunID {
		return false
	}
	if f.ArtifactID != "" && l.ArtifactID != f.ArtifactID {
		return false
	}
	if f.Direction != "" && l.Direction != f.Direction {
		return false
	}
	return true
}

// OutputDescriptor is what a backend reports for one produced output.
type OutputDescriptor struct {
	URI          string `json:"uri"`
	Materializer string `json:"materializer"`
	DataType     string `json:"data_type"`
}

// Missing lists the descriptor fields that are empty.
func (d OutputDescriptor) Missing() []string {
	var missing []string
	if d.URI == "" {
		missing = append(missing, "uri")
	}
	if d.Materializer == "" {
		missing = append(missing, "materializer")
	}
	if d.DataType == "" {
		missing = append(missing, "data_type")
	}
	return missing
}
