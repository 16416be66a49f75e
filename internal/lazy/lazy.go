// Package lazy evaluates deferred references to metadata. A reference is a
// chain of commands (attribute access, call, index) applied to a client
// object when the step that needs the value is about to run.
package lazy

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Op is the kind of a command.
type Op string

const (
	OpGetAttribute Op = "get_attribute"
	OpCall         Op = "call"
	OpIndex        Op = "index"
)

// Command is one step of a chain.
type Command struct {
	Op   Op            `json:"op"`
	Name string        `json:"name,omitempty"`
	Args []interface{} `json:"args,omitempty"`
	Key  interface{}   `json:"key,omitempty"`
}

func (c Command) String() string {
	switch c.Op {
	case OpGetAttribute:
		return "." + c.Name
	case OpCall:
		args := make([]string, len(c.Args))
		for i, a := range c.Args {
			args[i] = fmt.Sprintf("%v", a)
		}
		return "(" + strings.Join(args, ", ") + ")"
	case OpIndex:
		return fmt.Sprintf("[%v]", c.Key)
	}
	return "<" + string(c.Op) + ">"
}

// Chain is an ordered command sequence.
type Chain []Command

// Attr starts a chain with an attribute access.
func Attr(name string) Chain { return Chain{{Op: OpGetAttribute, Name: name}} }

// Attr appends an attribute access.
func (ch Chain) Attr(name string) Chain {
	return append(ch.clone(), Command{Op: OpGetAttribute, Name: name})
}

// Call appends a call with positional args.
func (ch Chain) Call(args ...interface{}) Chain {
	return append(ch.clone(), Command{Op: OpCall, Args: args})
}

// Index appends an index or key selection.
func (ch Chain) Index(key interface{}) Chain {
	return append(ch.clone(), Command{Op: OpIndex, Key: key})
}

func (ch Chain) clone() Chain {
	out := make(Chain, len(ch), len(ch)+1)
	copy(out, ch)
	return out
}

func (ch Chain) String() string {
	var b strings.Builder
	b.WriteString("client")
	for _, c := range ch {
		b.WriteString(c.String())
	}
	return b.String()
}

// Marker is the parameter key that tags a deferred reference.
const Marker = "$lazy"

// Value returns the parameter form of the chain, {"$lazy": [...]}.
func (ch Chain) Value() map[string]interface{} {
	cmds := make([]interface{}, len(ch))
	for i, c := range ch {
		cmds[i] = c
	}
	return map[string]interface{}{Marker: cmds}
}

// Object exposes named attributes to GetAttribute.
type Object interface {
	Attr(name string) (interface{}, error)
}

// Method is a callable attribute.
type Method func(ctx context.Context, args []interface{}) (interface{}, error)

// EvalError reports the command at which evaluation failed.
type EvalError struct {
	Chain Chain
	Pos   int
	Err   error
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("evaluate %s: command %d %s: %v", e.Chain, e.Pos, e.Chain[e.Pos], e.Err)
}

func (e *EvalError) Unwrap() error { return e.Err }

// Evaluate applies the chain to root.
func Evaluate(ctx context.Context, root interface{}, ch Chain) (interface{}, error) {
	if len(ch) == 0 {
		return nil, fmt.Errorf("empty command chain")
	}
	cur := root
	for i, c := range ch {
		next, err := apply(ctx, cur, c)
		if err != nil {
			return nil, &EvalError{Chain: ch, Pos: i, Err: err}
		}
		cur = next
	}
	if _, pending := cur.(Method); pending {
		return nil, fmt.Errorf("evaluate %s: chain ends on an uncalled method", ch)
	}
	return cur, nil
}

func apply(ctx context.Context, cur interface{}, c Command) (interface{}, error) {
	switch c.Op {
	case OpGetAttribute:
		switch v := cur.(type) {
		case Object:
			return v.Attr(c.Name)
		case map[string]interface{}:
			val, ok := v[c.Name]
			if !ok {
				return nil, fmt.Errorf("no attribute %q", c.Name)
			}
			return val, nil
		}
		return nil, fmt.Errorf("%T has no attributes", cur)

	case OpCall:
		m, ok := cur.(Method)
		if !ok {
			return nil, fmt.Errorf("%T is not callable", cur)
		}
		return m(ctx, c.Args)

	case OpIndex:
		switch v := cur.(type) {
		case map[string]interface{}:
			key, ok := c.Key.(string)
			if !ok {
				return nil, fmt.Errorf("map key must be a string, got %T", c.Key)
			}
			val, ok := v[key]
			if !ok {
				return nil, fmt.Errorf("no key %q", key)
			}
			return val, nil
		case []interface{}:
			i, err := toIndex(c.Key)
			if err != nil {
				return nil, err
			}
			if i < 0 {
				i += len(v)
			}
			if i < 0 || i >= len(v) {
				return nil, fmt.Errorf("index %v out of range [0,%d)", c.Key, len(v))
			}
			return v[i], nil
		}
		return nil, fmt.Errorf("%T is not indexable", cur)
	}
	return nil, fmt.Errorf("unknown op %q", c.Op)
}

func toIndex(key interface{}) (int, error) {
	switch k := key.(type) {
	case int:
		return k, nil
	case int64:
		return int(k), nil
	case float64:
		if k != math.Trunc(k) {
			return 0, fmt.Errorf("index %v is not an integer", k)
		}
		return int(k), nil
	case json.Number:
		n, err := k.Int64()
		return int(n), err
	}
	return 0, fmt.Errorf("index must be an integer, got %T", key)
}

// Parse extracts a chain from a parameter value. It reports false when v
// is not a deferred reference.
func Parse(v interface{}) (Chain, bool, error) {
	m, ok := v.(map[string]interface{})
	if !ok || len(m) != 1 {
		return nil, false, nil
	}
	raw, ok := m[Marker]
	if !ok {
		return nil, false, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, true, fmt.Errorf("encode %s: %w", Marker, err)
	}
	var ch Chain
	if err := json.Unmarshal(data, &ch); err != nil {
		return nil, true, fmt.Errorf("decode %s: %w", Marker, err)
	}
	for i, c := range ch {
		switch c.Op {
		case OpGetAttribute, OpCall, OpIndex:
		default:
			return nil, true, fmt.Errorf("%s command %d: unknown op %q", Marker, i, c.Op)
		}
	}
	return ch, true, nil
}

// Resolve returns a copy of params with every deferred reference, at any
// depth, replaced by its evaluated value.
func Resolve(ctx context.Context, root interface{}, params map[string]interface{}) (map[string]interface{}, error) {
	if params == nil {
		return nil, nil
	}
	out, err := resolveValue(ctx, root, params, "")
	if err != nil {
		return nil, err
	}
	return out.(map[string]interface{}), nil
}

// HasReferences reports whether params contain a deferred reference.
func HasReferences(params map[string]interface{}) bool {
	var walk func(v interface{}) bool
	walk = func(v interface{}) bool {
		if _, ok, _ := Parse(v); ok {
			return true
		}
		switch t := v.(type) {
		case map[string]interface{}:
			for _, e := range t {
				if walk(e) {
					return true
				}
			}
		case []interface{}:
			for _, e := range t {
				if walk(e) {
					return true
				}
			}
		}
		return false
	}
	return walk(params)
}

func resolveValue(ctx context.Context, root interface{}, v interface{}, path string) (interface{}, error) {
	ch, ok, err := Parse(v)
	if err != nil {
		return nil, fmt.Errorf("parameter %s: %w", path, err)
	}
	if ok {
		val, err := Evaluate(ctx, root, ch)
		if err != nil {
			return nil, fmt.Errorf("parameter %s: %w", path, err)
		}
		return val, nil
	}

	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			r, err := resolveValue(ctx, root, e, join(path, k))
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			r, err := resolveValue(ctx, root, e, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	}
	return v, nil
}

func join(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}
