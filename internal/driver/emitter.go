package driver

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/flexinfer/mentatlab/services/lineage-go/pkg/types"
)

// outputLine is an NDJSON record printed by an external step. Records with
// type "output" report a produced artifact; anything else is a log line.
type outputLine struct {
	Type         string `json:"type"`
	Name         string `json:"name,omitempty"`
	URI          string `json:"uri,omitempty"`
	Materializer string `json:"materializer,omitempty"`
	DataType     string `json:"data_type,omitempty"`
	Level        string `json:"level,omitempty"`
	Message      string `json:"message,omitempty"`
}

// collector turns the stdout/stderr of an external step into output
// descriptors and log events.
type collector struct {
	req     *DispatchRequest
	emitter EventEmitter
	logger  *slog.Logger

	mu      sync.Mutex
	outputs map[string]types.OutputDescriptor
	lastErr string
}

func newCollector(req *DispatchRequest, emitter EventEmitter, logger *slog.Logger) *collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &collector{
		req:     req,
		emitter: emitter,
		logger:  logger,
		outputs: make(map[string]types.OutputDescriptor),
	}
}

// consume reads r line by line until EOF.
func (c *collector) consume(ctx context.Context, r io.Reader, stderr bool) {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	for scanner.Scan() {
		c.line(ctx, scanner.Text(), stderr)
	}
}

func (c *collector) line(ctx context.Context, line string, stderr bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}

	var rec outputLine
	if strings.HasPrefix(line, "{") && json.Unmarshal([]byte(line), &rec) == nil && rec.Type != "" {
		if rec.Type == "output" && rec.Name != "" {
			c.addOutput(rec)
			return
		}
		level := rec.Level
		if level == "" {
			level = "info"
		}
		msg := rec.Message
		if msg == "" {
			msg = line
		}
		c.emit(ctx, level, msg)
		return
	}

	level := "info"
	if stderr {
		level = "error"
		c.mu.Lock()
		c.lastErr = line
		c.mu.Unlock()
	}
	c.emit(ctx, level, line)
}

// addOutput records an output, filling a missing uri from the dispatch
// request and a missing materializer or data type from the step's
// declaration. Whatever is still missing is left for integrity checks.
func (c *collector) addOutput(rec outputLine) {
	d := types.OutputDescriptor{URI: rec.URI, Materializer: rec.Materializer, DataType: rec.DataType}
	if d.URI == "" {
		d.URI = c.req.OutputURIs[rec.Name]
	}
	if spec := c.req.Step.Output(rec.Name); spec != nil {
		if d.Materializer == "" {
			d.Materializer = spec.Materializer
		}
		if d.DataType == "" {
			d.DataType = spec.DataType
		}
	}
	c.mu.Lock()
	c.outputs[rec.Name] = d
	c.mu.Unlock()
}

func (c *collector) emit(ctx context.Context, level, msg string) {
	if c.emitter == nil {
		return
	}
	ev := types.NewEvent(c.req.RunID, types.EventTypeLog, c.req.Step.Name, map[string]interface{}{
		"level":       level,
		"message":     msg,
		"step_run_id": c.req.StepRunID,
	})
	if err := c.emitter.Publish(ctx, ev); err != nil {
		c.logger.Warn("failed to emit log event",
			slog.String("run_id", c.req.RunID),
			slog.String("step", c.req.Step.Name),
			slog.Any("error", err))
	}
}

// result builds the Result for a process that exited with exitCode.
func (c *collector) result(exitCode int) *Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	if exitCode != 0 {
		res := Failure("exit code %d", exitCode)
		if c.lastErr != "" {
			res.Error += ": " + c.lastErr
		}
		res.ExitCode = exitCode
		return res
	}
	outputs := make(map[string]types.OutputDescriptor, len(c.outputs))
	for k, v := range c.outputs {
		outputs[k] = v
	}
	return &Result{Status: StatusSuccess, Outputs: outputs}
}
