package events

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexinfer/mentatlab/services/lineage-go/pkg/types"
)

func stepEvent(runID, step string, status types.StepStatus) *types.Event {
	return types.NewEvent(runID, types.EventTypeStepStatus, step, types.StepStatusEvent{StepRunID: "sr-" + step, Status: status})
}

// busSuite runs the behaviour every Bus must have.
func busSuite(t *testing.T, bus Bus, runID string) {
	ctx := context.Background()

	require.NoError(t, bus.Publish(ctx, stepEvent(runID, "importer", types.StepStatusRunning)))
	require.NoError(t, bus.Publish(ctx, stepEvent(runID, "importer", types.StepStatusCompleted)))

	sub, err := bus.Subscribe(ctx, runID, "")
	require.NoError(t, err)
	defer sub.Close()
	require.Len(t, sub.Backlog, 2)
	assert.Equal(t, "1", sub.Backlog[0].ID)
	assert.Equal(t, "importer", sub.Backlog[1].StepName)

	resumed, err := bus.Subscribe(ctx, runID, "1")
	require.NoError(t, err)
	require.Len(t, resumed.Backlog, 1)
	assert.Equal(t, "2", resumed.Backlog[0].ID)
	resumed.Close()

	done := types.NewEvent(runID, types.EventTypeRunStatus, "", types.RunStatusEvent{Status: types.RunStatusCompleted})
	require.NoError(t, bus.Publish(ctx, done))

	select {
	case ev := <-sub.C:
		require.NotNil(t, ev)
		assert.Equal(t, "3", ev.ID)
		assert.True(t, IsTerminal(ev))
	case <-time.After(5 * time.Second):
		t.Fatal("live event not delivered")
	}

	require.NoError(t, bus.Forget(ctx, runID))
	after, err := bus.Subscribe(ctx, runID, "")
	require.NoError(t, err)
	assert.Empty(t, after.Backlog)
	after.Close()
}

func TestMemoryBus(t *testing.T) {
	busSuite(t, NewMemoryBus(0), "run-1")
}

func TestMemoryBusTrimsHistory(t *testing.T) {
	bus := NewMemoryBus(3)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Publish(ctx, stepEvent("run-1", fmt.Sprintf("s%d", i), types.StepStatusRunning)))
	}
	sub, err := bus.Subscribe(ctx, "run-1", "")
	require.NoError(t, err)
	defer sub.Close()
	require.Len(t, sub.Backlog, 3)
	assert.Equal(t, "3", sub.Backlog[0].ID)
}

func TestIsTerminal(t *testing.T) {
	assert.False(t, IsTerminal(stepEvent("r", "a", types.StepStatusCompleted)))
	assert.False(t, IsTerminal(types.NewEvent("r", types.EventTypeRunStatus, "", types.RunStatusEvent{Status: types.RunStatusRunning})))
	assert.True(t, IsTerminal(types.NewEvent("r", types.EventTypeRunStatus, "", types.RunStatusEvent{Status: types.RunStatusFailed})))
}

type failingPublisher struct{}

func (failingPublisher) Publish(ctx context.Context, ev *types.Event) error {
	return errors.New("unavailable")
}

func TestMulti(t *testing.T) {
	bus := NewMemoryBus(0)
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	pub := Multi(bus, nil, NewLogPublisher(logger), failingPublisher{})
	err := pub.Publish(context.Background(), types.NewEvent("run-1", types.EventTypeLog, "trainer",
		map[string]string{"level": "error", "message": "boom"}))
	assert.ErrorContains(t, err, "unavailable")

	sub, err := bus.Subscribe(context.Background(), "run-1", "")
	require.NoError(t, err)
	defer sub.Close()
	assert.Len(t, sub.Backlog, 1)
	assert.True(t, strings.Contains(buf.String(), "level=ERROR"), buf.String())
	assert.Contains(t, buf.String(), "step=trainer")
}
