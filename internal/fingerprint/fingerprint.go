// Package fingerprint computes step invocation fingerprints and makes cache decisions.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/flexinfer/mentatlab/services/lineage-go/pkg/types"
)

// InputArtifact identifies one resolved input of a step invocation.
type InputArtifact struct {
	Name               string `json:"name"`
	ProducerEntrypoint string `json:"producer_entrypoint"`
	Fingerprint        string `json:"fingerprint"`
}

// Inputs is everything a step fingerprint covers.
type Inputs struct {
	// Step is the step's name within its pipeline.
	Step                string
	CodeIdentity        string
	Parameters          map[string]interface{}
	Artifacts           []InputArtifact
	StepEnableCache     *bool
	PipelineEnableCache *bool
	Outputs             []types.OutputSpec
	CachingParameters   map[string]interface{}
	ArtifactStore       string
	Project             string
}

// document is the canonical form hashed by Compute. encoding/json writes map
// keys in sorted order, and slices are sorted before marshalling.
type document struct {
	Step              string                 `json:"step"`
	Code              string                 `json:"code"`
	Parameters        map[string]interface{} `json:"parameters"`
	Inputs            []InputArtifact        `json:"inputs"`
	StepCache         *bool                  `json:"step_enable_cache"`
	PipelineCache     *bool                  `json:"pipeline_enable_cache"`
	Outputs           []types.OutputSpec     `json:"outputs"`
	CachingParameters map[string]interface{} `json:"caching_parameters"`
	ArtifactStore     string                 `json:"artifact_store"`
	Project           string                 `json:"project"`
}

// Compute returns the hex sha256 fingerprint of in. It is independent of map
// iteration order and of the order inputs and outputs are listed in.
func Compute(in Inputs) (string, error) {
	inputs := append([]InputArtifact(nil), in.Artifacts...)
	sort.Slice(inputs, func(i, j int) bool { return inputs[i].Name < inputs[j].Name })
	outputs := append([]types.OutputSpec(nil), in.Outputs...)
	sort.Slice(outputs, func(i, j int) bool { return outputs[i].Name < outputs[j].Name })

	doc := document{
		Step:              in.Step,
		Code:              in.CodeIdentity,
		Parameters:        in.Parameters,
		Inputs:            inputs,
		StepCache:         in.StepEnableCache,
		PipelineCache:     in.PipelineEnableCache,
		Outputs:           outputs,
		CachingParameters: in.CachingParameters,
		ArtifactStore:     in.ArtifactStore,
		Project:           in.Project,
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal fingerprint inputs: %w", err)
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

// ForArtifact derives an output artifact's fingerprint from the fingerprint
// of the step run that produced it.
func ForArtifact(stepFingerprint, output string) string {
	sum := sha256.Sum256([]byte(stepFingerprint + "/" + output))
	return hex.EncodeToString(sum[:])
}
