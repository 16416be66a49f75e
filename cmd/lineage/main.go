// Command lineage runs ML pipelines with step caching and artifact lineage,
// either as an HTTP service or one pipeline at a time from the shell.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/flexinfer/mentatlab/services/lineage-go/internal/config"
)

var version = "dev"

type rootOptions struct {
	configPath string
	envFiles   []string

	cfg    *config.Config
	logger *slog.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "lineage",
		Short:         "Pipeline runs with step caching and artifact lineage",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load()
		},
	}

	pflags := cmd.PersistentFlags()
	pflags.StringVarP(&opts.configPath, "config", "c", "", "Config file path (default: ./lineage.yaml or ~/.mentatlab/lineage.yaml)")
	pflags.StringSliceVar(&opts.envFiles, "env-file", nil, "Dotenv files to load before reading configuration (default: .env if present)")

	cmd.AddCommand(
		newServeCommand(opts),
		newRunCommand(opts),
		newResumeCommand(opts),
		newRunsCommand(opts),
		newLineageCommand(opts),
	)
	return cmd
}

// load reads dotenv files, then configuration, then sets up logging.
// Variables already present in the environment win over dotenv values.
func (o *rootOptions) load() error {
	if len(o.envFiles) > 0 {
		if err := godotenv.Load(o.envFiles...); err != nil {
			return fmt.Errorf("load env files: %w", err)
		}
	} else if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return fmt.Errorf("load .env: %w", err)
		}
	}

	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	o.cfg = cfg
	o.logger = newLogger(cfg.Log)
	slog.SetDefault(o.logger)
	return nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	logLevel := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	}
	return slog.New(handler)
}
