package driver

import (
	"context"
	"fmt"
	"sort"
)

// Router dispatches each step to the backend named by StepSpec.Backend,
// falling back to a default backend.
type Router struct {
	backends    map[string]Backend
	defaultName string
}

// NewRouter creates a Router over backends. defaultName must name one of them.
func NewRouter(defaultName string, backends ...Backend) (*Router, error) {
	r := &Router{backends: make(map[string]Backend, len(backends)), defaultName: defaultName}
	for _, b := range backends {
		if _, dup := r.backends[b.Name()]; dup {
			return nil, fmt.Errorf("duplicate backend %q", b.Name())
		}
		r.backends[b.Name()] = b
	}
	if _, ok := r.backends[defaultName]; !ok {
		return nil, fmt.Errorf("default backend %q is not registered", defaultName)
	}
	return r, nil
}

func (r *Router) Name() string { return "router" }

// Backends lists the registered backend names.
func (r *Router) Backends() []string {
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Router) Dispatch(ctx context.Context, req *DispatchRequest) (Handle, error) {
	name := req.Step.Backend
	if name == "" {
		name = r.defaultName
	}
	b, ok := r.backends[name]
	if !ok {
		return Handle{}, fmt.Errorf("step %s: unknown backend %q", req.Step.Name, name)
	}
	return b.Dispatch(ctx, req)
}

func (r *Router) Await(ctx context.Context, h Handle) (*Result, error) {
	b, err := r.lookup(h)
	if err != nil {
		return nil, err
	}
	return b.Await(ctx, h)
}

func (r *Router) Cancel(ctx context.Context, h Handle) error {
	b, err := r.lookup(h)
	if err != nil {
		return err
	}
	return b.Cancel(ctx, h)
}

func (r *Router) lookup(h Handle) (Backend, error) {
	b, ok := r.backends[h.Backend]
	if !ok {
		return nil, fmt.Errorf("%w: backend %q", ErrUnknownHandle, h.Backend)
	}
	return b, nil
}
