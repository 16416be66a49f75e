package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"
)

// SubprocessBackend executes steps as local subprocesses. The step's
// Command is run with the LINEAGE_* environment; stdout is parsed as
// NDJSON for output records and log events, stderr becomes error logs.
type SubprocessBackend struct {
	emitter        EventEmitter
	envPassthrough map[string]string
	cwd            string
	logger         *slog.Logger
	jobs           *tracker
}

// SubprocessConfig holds configuration for the subprocess backend.
type SubprocessConfig struct {
	// EnvPassthrough contains environment variables to pass to all subprocesses
	EnvPassthrough map[string]string

	// CWD is the working directory for subprocesses (empty = inherit)
	CWD string
}

// NewSubprocessBackend creates a new subprocess backend.
func NewSubprocessBackend(emitter EventEmitter, cfg *SubprocessConfig, logger *slog.Logger) *SubprocessBackend {
	if cfg == nil {
		cfg = &SubprocessConfig{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SubprocessBackend{
		emitter:        emitter,
		envPassthrough: cfg.EnvPassthrough,
		cwd:            cfg.CWD,
		logger:         logger,
		jobs:           newTracker(),
	}
}

func (b *SubprocessBackend) Name() string { return "subprocess" }

func (b *SubprocessBackend) Dispatch(ctx context.Context, req *DispatchRequest) (Handle, error) {
	if len(req.Step.Command) == 0 {
		return Handle{}, fmt.Errorf("step %s: empty command", req.Step.Name)
	}
	env, err := req.Environ()
	if err != nil {
		return Handle{}, err
	}

	h := Handle{ID: req.StepRunID, Backend: b.Name()}
	err = b.jobs.launch(ctx, h.ID, func(ctx context.Context) (*Result, error) {
		return b.run(ctx, req, env), nil
	})
	return h, err
}

func (b *SubprocessBackend) Await(ctx context.Context, h Handle) (*Result, error) {
	return b.jobs.await(ctx, h.ID)
}

func (b *SubprocessBackend) Cancel(ctx context.Context, h Handle) error {
	return b.jobs.cancel(h.ID)
}

func (b *SubprocessBackend) run(ctx context.Context, req *DispatchRequest, env map[string]string) *Result {
	timeout := time.Duration(req.Step.TimeoutSeconds) * time.Second
	execCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	c := exec.CommandContext(execCtx, req.Step.Command[0], req.Step.Command[1:]...)
	c.Env = b.mergedEnv(env)
	if b.cwd != "" {
		c.Dir = b.cwd
	}

	stdout, err := c.StdoutPipe()
	if err != nil {
		return Failure("stdout pipe: %v", err)
	}
	stderr, err := c.StderrPipe()
	if err != nil {
		return Failure("stderr pipe: %v", err)
	}
	if err := c.Start(); err != nil {
		return Failure("start: %v", err)
	}

	col := newCollector(req, b.emitter, b.logger)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		col.consume(ctx, stdout, false)
	}()
	go func() {
		defer wg.Done()
		col.consume(ctx, stderr, true)
	}()
	wg.Wait()

	err = c.Wait()
	switch {
	case err == nil:
		return col.result(0)
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		res := Failure("timed out after %s", timeout)
		res.ExitCode = 124
		return res
	case errors.Is(execCtx.Err(), context.Canceled):
		res := Failure("cancelled")
		res.ExitCode = 130
		return res
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return col.result(exitErr.ExitCode())
	}
	return col.result(1)
}

// mergedEnv layers the process environment, passthrough variables and
// the invocation environment, in that order.
func (b *SubprocessBackend) mergedEnv(env map[string]string) []string {
	merged := os.Environ()
	for k, v := range b.envPassthrough {
		merged = append(merged, k+"="+v)
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		merged = append(merged, k+"="+env[k])
	}
	return merged
}
