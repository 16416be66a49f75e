// Package events carries the run event stream: status transitions, cache
// decisions, registered artifacts and step logs.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/flexinfer/mentatlab/services/lineage-go/pkg/types"
)

// Publisher accepts events for a run.
type Publisher interface {
	Publish(ctx context.Context, ev *types.Event) error
}

// Bus is a Publisher that keeps a bounded per-run history and fans events
// out to subscribers.
type Bus interface {
	Publisher

	// Subscribe returns the events after afterID (all retained events when
	// empty) followed by live events. Close the subscription when done.
	Subscribe(ctx context.Context, runID, afterID string) (*Subscription, error)

	// Forget drops the history of a run.
	Forget(ctx context.Context, runID string) error
}

// Subscription is a live view on a run's event stream.
type Subscription struct {
	// Backlog holds events published before the subscription was made.
	Backlog []*types.Event
	// C delivers subsequent events. Slow readers miss events.
	C <-chan *types.Event

	close func()
}

// Close stops delivery and releases the subscription.
func (s *Subscription) Close() {
	if s.close != nil {
		s.close()
		s.close = nil
	}
}

// IsTerminal reports whether ev announces that its run has finished.
func IsTerminal(ev *types.Event) bool {
	if ev.Type != types.EventTypeRunStatus {
		return false
	}
	var payload types.RunStatusEvent
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		return false
	}
	return payload.Status.IsTerminal()
}

type multi []Publisher

// Multi publishes every event to all pubs. Nil publishers are skipped.
func Multi(pubs ...Publisher) Publisher {
	var m multi
	for _, p := range pubs {
		if p != nil {
			m = append(m, p)
		}
	}
	return m
}

func (m multi) Publish(ctx context.Context, ev *types.Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogPublisher writes events to a structured logger.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher creates a publisher logging through logger.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, ev *types.Event) error {
	level := slog.LevelInfo
	if ev.Type == types.EventTypeLog {
		var payload struct {
			Level string `json:"level"`
		}
		_ = json.Unmarshal(ev.Data, &payload)
		switch payload.Level {
		case "error":
			level = slog.LevelError
		case "warn", "warning":
			level = slog.LevelWarn
		case "debug":
			level = slog.LevelDebug
		}
	}
	p.logger.LogAttrs(ctx, level, string(ev.Type),
		slog.String("run_id", ev.RunID),
		slog.String("step", ev.StepName),
		slog.String("data", string(ev.Data)),
	)
	return nil
}
