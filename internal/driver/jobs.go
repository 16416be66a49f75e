package driver

import (
	"context"
	"fmt"
	"sync"
)

// tracker runs dispatched steps in goroutines and hands their results to
// Await. Job contexts are detached from the dispatching context so a step
// outlives run cancellation until Cancel is called.
type tracker struct {
	mu   sync.Mutex
	jobs map[string]*job
}

type job struct {
	done   chan struct{}
	result *Result
	err    error
	cancel context.CancelFunc
}

func newTracker() *tracker {
	return &tracker{jobs: make(map[string]*job)}
}

func (t *tracker) launch(ctx context.Context, id string, run func(ctx context.Context) (*Result, error)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.jobs[id]; exists {
		return fmt.Errorf("job %s already dispatched", id)
	}

	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	j := &job{done: make(chan struct{}), cancel: cancel}
	t.jobs[id] = j

	go func() {
		defer close(j.done)
		defer cancel()
		j.result, j.err = run(jobCtx)
	}()
	return nil
}

func (t *tracker) await(ctx context.Context, id string) (*Result, error) {
	t.mu.Lock()
	j, ok := t.jobs[id]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandle, id)
	}

	select {
	case <-j.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	t.mu.Lock()
	delete(t.jobs, id)
	t.mu.Unlock()
	return j.result, j.err
}

func (t *tracker) cancel(id string) error {
	t.mu.Lock()
	j, ok := t.jobs[id]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHandle, id)
	}
	j.cancel()
	return nil
}

func (t *tracker) active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.jobs)
}
