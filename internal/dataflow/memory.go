package dataflow

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryBackend provides an in-memory storage backend for testing and
// single-process deployments.
type MemoryBackend struct {
	mu      sync.RWMutex
	root    string
	objects map[string]*memoryObject
}

type memoryObject struct {
	ref  ObjectRef
	data []byte
}

// NewMemoryBackend creates a new in-memory backend.
func NewMemoryBackend(prefix string) *MemoryBackend {
	return &MemoryBackend{
		root:    joinRoot("memory", "local", prefix),
		objects: make(map[string]*memoryObject),
	}
}

func (m *MemoryBackend) Root() string { return m.root }

func (m *MemoryBackend) Put(ctx context.Context, key string, data io.Reader, contentType string) (*ObjectRef, error) {
	content, err := io.ReadAll(data)
	if err != nil {
		return nil, fmt.Errorf("read data: %w", err)
	}
	sum := sha256.Sum256(content)

	ref := ObjectRef{
		URI:         m.root + "/" + key,
		ContentType: contentType,
		Size:        int64(len(content)),
		Checksum:    hex.EncodeToString(sum[:]),
		CreatedAt:   time.Now().UTC(),
	}

	m.mu.Lock()
	m.objects[key] = &memoryObject{ref: ref, data: content}
	m.mu.Unlock()

	out := ref
	return &out, nil
}

func (m *MemoryBackend) Get(ctx context.Context, uri string) (io.ReadCloser, error) {
	key, err := relativeKey(m.root, uri)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	obj, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, uri)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (m *MemoryBackend) Delete(ctx context.Context, uri string) error {
	key, err := relativeKey(m.root, uri)
	if err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) List(ctx context.Context, prefix string) ([]*ObjectRef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var refs []*ObjectRef
	for key, obj := range m.objects {
		if strings.HasPrefix(key, prefix) {
			ref := obj.ref
			refs = append(refs, &ref)
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].URI < refs[j].URI })
	return refs, nil
}

func (m *MemoryBackend) PresignGet(ctx context.Context, uri string, expiry time.Duration) (string, error) {
	return "", fmt.Errorf("memory backend: %w", ErrUnsupported)
}
