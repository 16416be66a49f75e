package main

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/flexinfer/mentatlab/services/lineage-go/internal/driver"
)

// registerBuiltins installs the in-process entrypoints available on the
// local backend. Steps reach them with `backend: local`.
func registerBuiltins(b *driver.FuncBackend) {
	// builtin.echo returns its parameters as outputs.
	b.Register("builtin.echo", func(ctx context.Context, sc *driver.StepContext) (map[string]interface{}, error) {
		out := make(map[string]interface{}, len(sc.Parameters))
		for k, v := range sc.Parameters {
			out[k] = v
		}
		return out, nil
	})

	// builtin.passthrough forwards every input under the same name.
	b.Register("builtin.passthrough", func(ctx context.Context, sc *driver.StepContext) (map[string]interface{}, error) {
		out := make(map[string]interface{}, len(sc.Inputs))
		for k, v := range sc.Inputs {
			out[k] = v
		}
		return out, nil
	})

	// builtin.merge collects all inputs into a single "merged" object.
	b.Register("builtin.merge", func(ctx context.Context, sc *driver.StepContext) (map[string]interface{}, error) {
		names := make([]string, 0, len(sc.Inputs))
		for k := range sc.Inputs {
			names = append(names, k)
		}
		sort.Strings(names)
		merged := make(map[string]interface{}, len(names))
		for _, k := range names {
			merged[k] = sc.Inputs[k]
		}
		sc.Logger.Debug("merged inputs", slog.Any("inputs", names))
		return map[string]interface{}{"merged": merged}, nil
	})

	b.Register("builtin.fail", func(ctx context.Context, sc *driver.StepContext) (map[string]interface{}, error) {
		msg, _ := sc.Parameters["message"].(string)
		if msg == "" {
			msg = "step failed"
		}
		return nil, fmt.Errorf("%s", msg)
	})
}
