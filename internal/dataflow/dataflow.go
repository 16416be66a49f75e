// Package dataflow is the artifact store: it reads and writes artifact
// contents behind opaque URIs.
package dataflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when no object exists at a URI.
	ErrNotFound = errors.New("artifact object not found")
	// ErrForeignURI is returned for URIs outside the store's root.
	ErrForeignURI = errors.New("uri does not belong to this artifact store")
	// ErrUnsupported is returned for operations a backend cannot perform.
	ErrUnsupported = errors.New("operation not supported by artifact store backend")
)

// ObjectRef describes a stored object.
type ObjectRef struct {
	// URI is the full object locator (e.g., "s3://bucket/prefix/key")
	URI string `json:"uri"`

	ContentType string    `json:"content_type,omitempty"`
	Size        int64     `json:"size,omitempty"`
	Checksum    string    `json:"checksum,omitempty"` // SHA256
	CreatedAt   time.Time `json:"created_at,omitempty"`
}

// Backend defines the storage backend interface. Keys are relative to
// Root; URIs are absolute.
type Backend interface {
	// Root is the URI prefix of every object the backend stores.
	Root() string

	Put(ctx context.Context, key string, data io.Reader, contentType string) (*ObjectRef, error)
	Get(ctx context.Context, uri string) (io.ReadCloser, error)
	Delete(ctx context.Context, uri string) error
	List(ctx context.Context, prefix string) ([]*ObjectRef, error)

	// PresignGet generates a presigned URL for download
	PresignGet(ctx context.Context, uri string, expiry time.Duration) (string, error)
}

// Config holds artifact store configuration.
type Config struct {
	// ID names the store. It is part of every step fingerprint.
	ID string

	// Backend type: "memory", "s3", "minio"
	Type string

	// S3/MinIO configuration
	Endpoint        string
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool

	// Path prefix for all artifacts
	PathPrefix string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ID:         "default",
		Type:       "memory",
		PathPrefix: "artifacts",
	}
}

// Store is a named artifact store over a Backend.
type Store struct {
	id      string
	backend Backend
}

// New creates the store described by cfg.
func New(ctx context.Context, cfg *Config) (*Store, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var backend Backend
	switch cfg.Type {
	case "", "memory":
		backend = NewMemoryBackend(cfg.PathPrefix)
	case "s3":
		b, err := NewS3Backend(ctx, &S3Config{
			Endpoint:        cfg.Endpoint,
			Bucket:          cfg.Bucket,
			Region:          cfg.Region,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			UseSSL:          cfg.UseSSL,
			PathPrefix:      cfg.PathPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("create s3 backend: %w", err)
		}
		backend = b
	case "minio":
		b, err := NewMinioBackend(ctx, &MinioConfig{
			Endpoint:  cfg.Endpoint,
			Bucket:    cfg.Bucket,
			Region:    cfg.Region,
			AccessKey: cfg.AccessKeyID,
			SecretKey: cfg.SecretAccessKey,
			UseSSL:    cfg.UseSSL,
			Prefix:    cfg.PathPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("create minio backend: %w", err)
		}
		backend = b
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Type)
	}

	id := cfg.ID
	if id == "" {
		id = "default"
	}
	return NewStore(id, backend), nil
}

// NewStore wraps an existing backend.
func NewStore(id string, backend Backend) *Store {
	return &Store{id: id, backend: backend}
}

func (s *Store) ID() string { return s.id }

func (s *Store) Root() string { return s.backend.Root() }

// Identity is the store id plus its root. Moving artifacts to another
// store changes every fingerprint.
func (s *Store) Identity() string {
	return s.id + "=" + s.backend.Root()
}

// ArtifactKey is the key of an output relative to the store root.
func ArtifactKey(entrypoint, output, stepRunID string) string {
	return path.Join(entrypoint, output, stepRunID)
}

// URI returns where the output of a step run is written.
func (s *Store) URI(entrypoint, output, stepRunID string) string {
	return s.backend.Root() + "/" + ArtifactKey(entrypoint, output, stepRunID)
}

// Write stores one step output and returns its reference.
func (s *Store) Write(ctx context.Context, entrypoint, output, stepRunID string, data io.Reader, contentType string) (*ObjectRef, error) {
	return s.backend.Put(ctx, ArtifactKey(entrypoint, output, stepRunID), data, contentType)
}

// Open reads the object at uri.
func (s *Store) Open(ctx context.Context, uri string) (io.ReadCloser, error) {
	return s.backend.Get(ctx, uri)
}

func (s *Store) Delete(ctx context.Context, uri string) error {
	return s.backend.Delete(ctx, uri)
}

// List lists objects whose key starts with prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]*ObjectRef, error) {
	return s.backend.List(ctx, prefix)
}

// DownloadURL generates a presigned download URL.
func (s *Store) DownloadURL(ctx context.Context, uri string, expiry time.Duration) (string, error) {
	return s.backend.PresignGet(ctx, uri, expiry)
}

// relativeKey strips root from uri.
func relativeKey(root, uri string) (string, error) {
	if !strings.HasPrefix(uri, root+"/") {
		return "", fmt.Errorf("%w: %s", ErrForeignURI, uri)
	}
	return strings.TrimPrefix(uri, root+"/"), nil
}

func joinRoot(scheme, bucket, prefix string) string {
	root := scheme + "://" + bucket
	if p := strings.Trim(prefix, "/"); p != "" {
		root += "/" + p
	}
	return root
}
