package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/flexinfer/mentatlab/services/lineage-go/internal/scheduler"
	"github.com/flexinfer/mentatlab/services/lineage-go/pkg/types"
)

func newRunCommand(opts *rootOptions) *cobra.Command {
	var (
		file string
		name string
		env  map[string]string
	)

	cmd := &cobra.Command{
		Use:   "run -f pipeline.yaml",
		Short: "Run a pipeline to completion and print its summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readSource(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}
			return runPipeline(cmd.Context(), opts, cmd.OutOrStdout(), data, name, env)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Pipeline definition (YAML or JSON); - reads stdin")
	cmd.Flags().StringVar(&name, "name", "", "Run name (default: pipeline name)")
	cmd.Flags().StringToStringVarP(&env, "env", "e", nil, "Environment passed to every step (KEY=VALUE)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newResumeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resume RUN_ID",
		Short: "Resume an interrupted run from a persistent store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return resumeRun(cmd.Context(), opts, cmd.OutOrStdout(), args[0])
		},
	}
}

func readSource(stdin io.Reader, file string) ([]byte, error) {
	if file == "-" {
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read pipeline: %w", err)
	}
	return data, nil
}

func runPipeline(ctx context.Context, opts *rootOptions, out io.Writer, data []byte, name string, env map[string]string) error {
	a, err := newApp(ctx, opts.cfg, opts.logger)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	spec, result := a.validator.ParsePipeline(data)
	if !result.Valid {
		return result.Err()
	}

	run, err := a.sched.Execute(ctx, &scheduler.RunRequest{Spec: spec, Name: name, Env: env})
	if err != nil {
		return err
	}
	return printSummary(context.Background(), a, out, run)
}

func resumeRun(ctx context.Context, opts *rootOptions, out io.Writer, runID string) error {
	a, err := newApp(ctx, opts.cfg, opts.logger)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	if _, err := a.sched.Resume(ctx, runID); err != nil {
		return err
	}
	run, err := a.sched.Wait(ctx, runID)
	if err != nil {
		return err
	}
	return printSummary(context.Background(), a, out, run)
}

// printSummary writes the run summary as JSON and turns a failed run into a
// non-zero exit.
func printSummary(ctx context.Context, a *app, out io.Writer, run *types.PipelineRun) error {
	summary, err := scheduler.Summarize(ctx, a.store, run.ID)
	if err != nil {
		return err
	}
	if err := writeJSON(out, summary); err != nil {
		return err
	}
	if summary.Run.Status == types.RunStatusFailed {
		return fmt.Errorf("run %s failed: %s", run.ID, summary.Run.Error)
	}
	return nil
}

func writeJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
