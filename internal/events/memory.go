package events

import (
	"context"
	"strconv"
	"sync"

	"github.com/flexinfer/mentatlab/services/lineage-go/pkg/types"
)

// MemoryBus keeps run event streams in process memory.
type MemoryBus struct {
	mu        sync.Mutex
	runs      map[string]*runStream
	maxEvents int
}

type runStream struct {
	seq         int64
	events      []*types.Event
	subscribers map[chan *types.Event]struct{}
}

// NewMemoryBus creates a bus retaining up to maxEvents per run
// (0 means 5000).
func NewMemoryBus(maxEvents int) *MemoryBus {
	if maxEvents <= 0 {
		maxEvents = 5000
	}
	return &MemoryBus{runs: make(map[string]*runStream), maxEvents: maxEvents}
}

func (b *MemoryBus) stream(runID string) *runStream {
	rs, ok := b.runs[runID]
	if !ok {
		rs = &runStream{subscribers: make(map[chan *types.Event]struct{})}
		b.runs[runID] = rs
	}
	return rs
}

// Publish assigns the next sequence number of the run as the event ID.
func (b *MemoryBus) Publish(ctx context.Context, ev *types.Event) error {
	b.mu.Lock()
	rs := b.stream(ev.RunID)
	rs.seq++
	ev.ID = strconv.FormatInt(rs.seq, 10)
	if len(rs.events) >= b.maxEvents {
		rs.events = rs.events[1:]
	}
	rs.events = append(rs.events, ev)

	subs := make([]chan *types.Event, 0, len(rs.subscribers))
	for ch := range rs.subscribers {
		subs = append(subs, ch)
	}
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			// Subscriber too slow, skip
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, runID, afterID string) (*Subscription, error) {
	after, _ := strconv.ParseInt(afterID, 10, 64)
	ch := make(chan *types.Event, 100)

	b.mu.Lock()
	rs := b.stream(runID)
	var backlog []*types.Event
	for _, ev := range rs.events {
		if seq, _ := strconv.ParseInt(ev.ID, 10, 64); seq > after {
			backlog = append(backlog, ev)
		}
	}
	rs.subscribers[ch] = struct{}{}
	b.mu.Unlock()

	return &Subscription{
		Backlog: backlog,
		C:       ch,
		close: func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if rs, ok := b.runs[runID]; ok {
				delete(rs.subscribers, ch)
			}
		},
	}, nil
}

func (b *MemoryBus) Forget(ctx context.Context, runID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.runs, runID)
	return nil
}
