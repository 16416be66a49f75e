package materializer

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRegistryRoundTrip(t *testing.T) {
	r := Default()
	assert.Equal(t, []string{"json", "text", "yaml"}, r.Names())

	tests := []struct {
		name         string
		materializer string
		value        any
		want         any
	}{
		{"json map", "json", map[string]any{"acc": 0.9}, map[string]any{"acc": 0.9}},
		{"json float", "json", 0.75, 0.75},
		{"yaml list", "yaml", []any{"a", "b"}, []any{"a", "b"}},
		{"text string", "text", "hello", "hello"},
		{"text bytes", "text", []byte("raw"), "raw"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := r.Get(tt.materializer)
			require.NoError(t, err)
			var buf bytes.Buffer
			require.NoError(t, m.Write(&buf, tt.value))
			got, err := m.Read(&buf)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolve(t *testing.T) {
	r := Default()

	m, err := r.Resolve("", "str")
	require.NoError(t, err)
	assert.Equal(t, "text", m.Name())

	m, err = r.Resolve("", DataTypeOf(map[string]any{}))
	require.NoError(t, err)
	assert.Equal(t, "json", m.Name())

	m, err = r.Resolve("yaml", "map")
	require.NoError(t, err)
	assert.Equal(t, "yaml", m.Name())

	_, err = r.Resolve("pickle", "map")
	assert.True(t, errors.Is(err, ErrUnknown))
	_, err = r.Resolve("", "tensor")
	assert.True(t, errors.Is(err, ErrUnknown))
}

func TestRegisterDuplicate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(JSON{}))
	assert.Error(t, r.Register(JSON{}))
}

func TestDataTypeOf(t *testing.T) {
	cases := map[string]any{
		"null":  nil,
		"str":   "x",
		"int":   3,
		"float": 0.5,
		"bool":  true,
		"list":  []any{1},
		"map":   map[string]any{},
		"bytes": []byte("x"),
	}
	for want, v := range cases {
		assert.Equal(t, want, DataTypeOf(v))
	}
}

func TestTextRejectsStructs(t *testing.T) {
	var buf bytes.Buffer
	assert.Error(t, Text{}.Write(&buf, struct{}{}))
}
