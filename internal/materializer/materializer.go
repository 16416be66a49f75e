// Package materializer maps data types to serialization strategies for
// artifact contents.
package materializer

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrUnknown is returned when no materializer matches a name or data type.
var ErrUnknown = errors.New("unknown materializer")

// Materializer reads and writes one serialization format.
type Materializer interface {
	Name() string
	ContentType() string
	Write(w io.Writer, v any) error
	Read(r io.Reader) (any, error)
}

// Registry holds materializers by name and the default materializer per
// data type. Safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Materializer
	byType map[string]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]Materializer),
		byType: make(map[string]string),
	}
}

// Default returns a registry with the json, yaml and text materializers.
// Strings default to text, everything else to json.
func Default() *Registry {
	r := NewRegistry()
	_ = r.Register(JSON{}, "map", "list", "int", "float", "bool", "null")
	_ = r.Register(YAML{})
	_ = r.Register(Text{}, "str", "bytes")
	return r
}

// Register adds m and makes it the default for dataTypes.
func (r *Registry) Register(m Materializer, dataTypes ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[m.Name()]; exists {
		return fmt.Errorf("materializer %q already registered", m.Name())
	}
	r.byName[m.Name()] = m
	for _, dt := range dataTypes {
		r.byType[dt] = m.Name()
	}
	return nil
}

// Get returns the materializer registered under name.
func (r *Registry) Get(name string) (Materializer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknown, name)
	}
	return m, nil
}

// ForType returns the default materializer for a data type.
func (r *Registry) ForType(dataType string) (Materializer, error) {
	r.mu.RLock()
	name, ok := r.byType[dataType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w for data type %q", ErrUnknown, dataType)
	}
	return r.Get(name)
}

// Resolve picks the named materializer, falling back to the data type's
// default when name is empty.
func (r *Registry) Resolve(name, dataType string) (Materializer, error) {
	if name != "" {
		return r.Get(name)
	}
	return r.ForType(dataType)
}

// Names lists registered materializers.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// DataTypeOf names the data type of a value.
func DataTypeOf(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "str"
	case []byte:
		return "bytes"
	case bool:
		return "bool"
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return "int"
	case float32, float64:
		return "float"
	case []any, []string, []float64, []int:
		return "list"
	case map[string]any, map[string]string, map[string]float64:
		return "map"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// JSON stores values as JSON documents.
type JSON struct{}

func (JSON) Name() string        { return "json" }
func (JSON) ContentType() string { return "application/json" }

func (JSON) Write(w io.Writer, v any) error {
	return json.NewEncoder(w).Encode(v)
}

func (JSON) Read(r io.Reader) (any, error) {
	var v any
	if err := json.NewDecoder(r).Decode(&v); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	return v, nil
}

// YAML stores values as YAML documents.
type YAML struct{}

func (YAML) Name() string        { return "yaml" }
func (YAML) ContentType() string { return "application/yaml" }

func (YAML) Write(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func (YAML) Read(r io.Reader) (any, error) {
	var v any
	if err := yaml.NewDecoder(r).Decode(&v); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	return v, nil
}

// Text stores strings and byte slices verbatim.
type Text struct{}

func (Text) Name() string        { return "text" }
func (Text) ContentType() string { return "text/plain; charset=utf-8" }

func (Text) Write(w io.Writer, v any) error {
	var err error
	switch s := v.(type) {
	case string:
		_, err = io.WriteString(w, s)
	case []byte:
		_, err = w.Write(s)
	case fmt.Stringer:
		_, err = io.WriteString(w, s.String())
	default:
		return fmt.Errorf("text materializer cannot write %T", v)
	}
	return err
}

func (Text) Read(r io.Reader) (any, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
