package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/flexinfer/mentatlab/services/lineage-go/internal/runstore"
	"github.com/flexinfer/mentatlab/services/lineage-go/pkg/types"
)

func newRunsCommand(opts *rootOptions) *cobra.Command {
	var filter types.RunFilter
	var status string

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List pipeline runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter.Status = types.RunStatus(status)
			return listRuns(cmd.Context(), opts, cmd.OutOrStdout(), filter)
		},
	}

	cmd.Flags().StringVar(&filter.PipelineID, "pipeline", "", "Only runs of this pipeline id")
	cmd.Flags().StringVar(&status, "status", "", "Only runs in this status (running, completed, failed, cached)")
	cmd.Flags().IntVar(&filter.Limit, "limit", 20, "Maximum runs to list")
	return cmd
}

func newLineageCommand(opts *rootOptions) *cobra.Command {
	var depth int

	cmd := &cobra.Command{
		Use:   "lineage ARTIFACT_ID",
		Short: "Show the producer, consumers and upstream inputs of an artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return showLineage(cmd.Context(), opts, cmd.OutOrStdout(), args[0], depth)
		},
	}
	cmd.Flags().IntVar(&depth, "depth", 1, "How many producer generations to follow")
	return cmd
}

func listRuns(ctx context.Context, opts *rootOptions, out io.Writer, filter types.RunFilter) error {
	a, err := newApp(ctx, opts.cfg, opts.logger)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	runs, err := a.store.ListRuns(ctx, filter)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tCREATED\tERROR")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Name, r.Status, r.CreatedAt.Format(time.RFC3339), r.Error)
	}
	return tw.Flush()
}

func showLineage(ctx context.Context, opts *rootOptions, out io.Writer, artifactID string, depth int) error {
	a, err := newApp(ctx, opts.cfg, opts.logger)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	lin, err := runstore.TraceLineage(ctx, a.store, artifactID, depth)
	if err != nil {
		return err
	}
	return writeJSON(out, lin)
}
