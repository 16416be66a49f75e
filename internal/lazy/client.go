package lazy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/flexinfer/mentatlab/services/lineage-go/internal/runstore"
	"github.com/flexinfer/mentatlab/services/lineage-go/pkg/types"
)

// StoreClient is the root object of deferred references. Its methods read
// the metadata store and return records as plain maps keyed by their JSON
// field names, so chains can walk into them.
//
//	get_pipeline(name_or_id)   pipeline, latest version by name
//	get_pipeline_run(id)       run with "steps": {name: step run}
//	get_step_run(id)           step run with "inputs" and "outputs"
//	get_artifact(id)           artifact
//
// Step runs carry "inputs"/"outputs" maps of artifact records by link name.
type StoreClient struct {
	store runstore.Store
}

// NewStoreClient creates a client over store.
func NewStoreClient(store runstore.Store) *StoreClient {
	return &StoreClient{store: store}
}

// Attr implements Object.
func (c *StoreClient) Attr(name string) (interface{}, error) {
	switch name {
	case "get_pipeline":
		return Method(c.getPipeline), nil
	case "get_pipeline_run":
		return Method(c.getPipelineRun), nil
	case "get_step_run":
		return Method(c.getStepRun), nil
	case "get_artifact":
		return Method(c.getArtifact), nil
	}
	return nil, fmt.Errorf("client has no method %q", name)
}

func stringArg(args []interface{}) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("want 1 argument, got %d", len(args))
	}
	s, ok := args[0].(string)
	if !ok || s == "" {
		return "", fmt.Errorf("argument must be a non-empty string, got %v", args[0])
	}
	return s, nil
}

func (c *StoreClient) getPipeline(ctx context.Context, args []interface{}) (interface{}, error) {
	ref, err := stringArg(args)
	if err != nil {
		return nil, err
	}
	p, err := c.store.GetPipeline(ctx, ref)
	if errors.Is(err, runstore.ErrPipelineNotFound) {
		p, err = c.store.GetPipelineByName(ctx, ref)
	}
	if err != nil {
		return nil, err
	}
	return toMap(p)
}

func (c *StoreClient) getPipelineRun(ctx context.Context, args []interface{}) (interface{}, error) {
	id, err := stringArg(args)
	if err != nil {
		return nil, err
	}
	run, err := c.store.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	out, err := toMap(run)
	if err != nil {
		return nil, err
	}

	stepRuns, err := c.store.ListStepRuns(ctx, id)
	if err != nil {
		return nil, err
	}
	steps := make(map[string]interface{}, len(stepRuns))
	// Later attempts of a step replace earlier ones.
	for _, sr := range stepRuns {
		m, err := c.stepRunMap(ctx, sr)
		if err != nil {
			return nil, err
		}
		steps[sr.Name] = m
	}
	out["steps"] = steps
	return out, nil
}

func (c *StoreClient) getStepRun(ctx context.Context, args []interface{}) (interface{}, error) {
	id, err := stringArg(args)
	if err != nil {
		return nil, err
	}
	sr, err := c.store.GetStepRun(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.stepRunMap(ctx, sr)
}

func (c *StoreClient) getArtifact(ctx context.Context, args []interface{}) (interface{}, error) {
	id, err := stringArg(args)
	if err != nil {
		return nil, err
	}
	a, err := c.store.GetArtifact(ctx, id)
	if err != nil {
		return nil, err
	}
	return toMap(a)
}

func (c *StoreClient) stepRunMap(ctx context.Context, sr *types.StepRun) (map[string]interface{}, error) {
	out, err := toMap(sr)
	if err != nil {
		return nil, err
	}
	for key, dir := range map[string]types.LinkDirection{"inputs": types.LinkInput, "outputs": types.LinkOutput} {
		arts, err := runstore.StepArtifacts(ctx, c.store, sr.ID, dir)
		if err != nil {
			return nil, err
		}
		m := make(map[string]interface{}, len(arts))
		for name, a := range arts {
			if m[name], err = toMap(a); err != nil {
				return nil, err
			}
		}
		out[key] = m
	}
	return out, nil
}

func toMap(v interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}
