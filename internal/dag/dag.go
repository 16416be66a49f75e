// Package dag builds step dependency graphs and orders them for execution.
package dag

import (
	"fmt"
	"sort"
	"strings"

	"github.com/flexinfer/mentatlab/services/lineage-go/pkg/types"
)

// CyclicGraphError is returned when the step graph contains a cycle.
// Cycle lists the steps on one cycle, starting and ending with the same step.
type CyclicGraphError struct {
	Cycle []string
}

func (e *CyclicGraphError) Error() string {
	return fmt.Sprintf("dependency graph contains a cycle: %s", strings.Join(e.Cycle, " -> "))
}

// UnknownDependencyError is returned when a step references a missing upstream.
type UnknownDependencyError struct {
	Step       string
	Dependency string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("step %q depends on unknown step %q", e.Step, e.Dependency)
}

// DuplicateStepError is returned when two steps share a name.
type DuplicateStepError struct {
	Step string
}

func (e *DuplicateStepError) Error() string {
	return fmt.Sprintf("duplicate step name %q", e.Step)
}

// Graph is a resolved, acyclic step graph. It is immutable after Resolve.
type Graph struct {
	steps      []string
	index      map[string]int
	upstreams  map[string][]string
	dependents map[string][]string
	order      []string
}

// Resolve builds the dependency graph from the declared steps and computes a
// topological order. Edges come from explicit upstreams and input bindings.
func Resolve(steps []types.StepSpec) (*Graph, error) {
	g := &Graph{
		steps:      make([]string, 0, len(steps)),
		index:      make(map[string]int, len(steps)),
		upstreams:  make(map[string][]string, len(steps)),
		dependents: make(map[string][]string, len(steps)),
	}
	for i, step := range steps {
		if _, dup := g.index[step.Name]; dup {
			return nil, &DuplicateStepError{Step: step.Name}
		}
		g.index[step.Name] = i
		g.steps = append(g.steps, step.Name)
	}

	for _, step := range steps {
		seen := make(map[string]bool)
		for _, up := range declaredUpstreams(step) {
			if seen[up] {
				continue
			}
			seen[up] = true
			if _, ok := g.index[up]; !ok {
				return nil, &UnknownDependencyError{Step: step.Name, Dependency: up}
			}
			g.upstreams[step.Name] = append(g.upstreams[step.Name], up)
			g.dependents[up] = append(g.dependents[up], step.Name)
		}
	}

	order, err := g.sort()
	if err != nil {
		return nil, err
	}
	g.order = order
	return g, nil
}

// Sort is a convenience wrapper returning only the execution order.
func Sort(steps []types.StepSpec) ([]string, error) {
	g, err := Resolve(steps)
	if err != nil {
		return nil, err
	}
	return g.Order(), nil
}

// declaredUpstreams returns explicit upstreams followed by input producers,
// input names sorted so the result is deterministic.
func declaredUpstreams(step types.StepSpec) []string {
	ups := append([]string(nil), step.Upstreams...)
	names := make([]string, 0, len(step.Inputs))
	for name := range step.Inputs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ups = append(ups, step.Inputs[name].Step)
	}
	return ups
}

// sort runs Kahn's algorithm, breaking ties by declaration order.
func (g *Graph) sort() ([]string, error) {
	inDegree := make(map[string]int, len(g.steps))
	for _, name := range g.steps {
		inDegree[name] = len(g.upstreams[name])
	}

	var ready []string
	for _, name := range g.steps {
		if inDegree[name] == 0 {
			ready = append(ready, name)
		}
	}

	ordered := make([]string, 0, len(g.steps))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		ordered = append(ordered, name)
		for _, next := range g.dependents[name] {
			inDegree[next]--
			if inDegree[next] == 0 {
				ready = append(ready, next)
				sort.Slice(ready, func(i, j int) bool {
					return g.index[ready[i]] < g.index[ready[j]]
				})
			}
		}
	}

	if len(ordered) != len(g.steps) {
		return nil, &CyclicGraphError{Cycle: g.findCycle(inDegree)}
	}
	return ordered, nil
}

// findCycle walks upstream edges among unresolved steps until a step repeats.
// Every unresolved step has at least one unresolved upstream, so the walk
// always closes a cycle.
func (g *Graph) findCycle(inDegree map[string]int) []string {
	var start string
	for _, name := range g.steps {
		if inDegree[name] > 0 {
			start = name
			break
		}
	}

	pos := make(map[string]int)
	var path []string
	cur := start
	for {
		if i, seen := pos[cur]; seen {
			cycle := append([]string(nil), path[i:]...)
			// Report in dependency direction: upstream first.
			for l, r := 0, len(cycle)-1; l < r; l, r = l+1, r-1 {
				cycle[l], cycle[r] = cycle[r], cycle[l]
			}
			return append(cycle, cycle[0])
		}
		pos[cur] = len(path)
		path = append(path, cur)
		for _, up := range g.upstreams[cur] {
			if inDegree[up] > 0 {
				cur = up
				break
			}
		}
	}
}

// Order returns the topological execution order.
func (g *Graph) Order() []string {
	return append([]string(nil), g.order...)
}

// Steps returns step names in declaration order.
func (g *Graph) Steps() []string {
	return append([]string(nil), g.steps...)
}

// Len returns the number of steps.
func (g *Graph) Len() int { return len(g.steps) }

// Upstreams returns the direct upstream steps of name.
func (g *Graph) Upstreams(name string) []string {
	return append([]string(nil), g.upstreams[name]...)
}

// Dependents returns the direct downstream steps of name.
func (g *Graph) Dependents(name string) []string {
	return append([]string(nil), g.dependents[name]...)
}

// Descendants returns every step reachable downstream of name, in execution order.
func (g *Graph) Descendants(name string) []string {
	reached := make(map[string]bool)
	stack := append([]string(nil), g.dependents[name]...)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if reached[cur] {
			continue
		}
		reached[cur] = true
		stack = append(stack, g.dependents[cur]...)
	}
	var out []string
	for _, step := range g.order {
		if reached[step] {
			out = append(out, step)
		}
	}
	return out
}

// Frontier returns the steps, in execution order, that have not been started
// and whose upstreams have all succeeded.
func (g *Graph) Frontier(started, succeeded func(string) bool) []string {
	var ready []string
	for _, name := range g.order {
		if started(name) {
			continue
		}
		ok := true
		for _, up := range g.upstreams[name] {
			if !succeeded(up) {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, name)
		}
	}
	return ready
}
