package dataflow

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig holds MinIO connection configuration.
type MinioConfig struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Prefix    string
}

func (c *MinioConfig) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("minio endpoint is required")
	}
	if c.Bucket == "" {
		return fmt.Errorf("bucket name is required")
	}
	return nil
}

// MinioBackend stores artifacts with the native MinIO client.
type MinioBackend struct {
	client *minio.Client
	bucket string
	prefix string
	root   string
}

// NewMinioBackend connects to MinIO and creates the bucket if missing.
func NewMinioBackend(ctx context.Context, cfg *MinioConfig) (*MinioBackend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("bucket exists: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("make bucket %s: %w", cfg.Bucket, err)
		}
	}

	return &MinioBackend{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		root:   joinRoot("s3", cfg.Bucket, cfg.Prefix),
	}, nil
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

func (b *MinioBackend) Root() string { return b.root }

func (b *MinioBackend) fullKey(key string) string {
	if b.prefix == "" {
		return key
	}
	return b.prefix + "/" + key
}

func (b *MinioBackend) objectKey(uri string) (string, error) {
	key, err := relativeKey(b.root, uri)
	if err != nil {
		return "", err
	}
	return b.fullKey(key), nil
}

func (b *MinioBackend) Put(ctx context.Context, key string, data io.Reader, contentType string) (*ObjectRef, error) {
	content, err := io.ReadAll(data)
	if err != nil {
		return nil, fmt.Errorf("read data: %w", err)
	}
	hash := sha256.Sum256(content)
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err = b.client.PutObject(ctx, b.bucket, b.fullKey(key), bytes.NewReader(content), int64(len(content)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return nil, fmt.Errorf("put object: %w", err)
	}
	return &ObjectRef{
		URI:         b.root + "/" + key,
		ContentType: contentType,
		Size:        int64(len(content)),
		Checksum:    hex.EncodeToString(hash[:]),
		CreatedAt:   time.Now().UTC(),
	}, nil
}

func (b *MinioBackend) Get(ctx context.Context, uri string) (io.ReadCloser, error) {
	key, err := b.objectKey(uri)
	if err != nil {
		return nil, err
	}
	// GetObject is lazy; Stat surfaces a missing key before the caller reads.
	if _, err := b.client.StatObject(ctx, b.bucket, key, minio.StatObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, uri)
		}
		return nil, fmt.Errorf("stat object: %w", err)
	}
	obj, err := b.client.GetObject(ctx, b.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object: %w", err)
	}
	return obj, nil
}

func (b *MinioBackend) Delete(ctx context.Context, uri string) error {
	key, err := b.objectKey(uri)
	if err != nil {
		return err
	}
	if err := b.client.RemoveObject(ctx, b.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object: %w", err)
	}
	return nil
}

func (b *MinioBackend) List(ctx context.Context, prefix string) ([]*ObjectRef, error) {
	var refs []*ObjectRef
	for obj := range b.client.ListObjects(ctx, b.bucket, minio.ListObjectsOptions{
		Prefix:    b.fullKey(prefix),
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list objects: %w", obj.Err)
		}
		refs = append(refs, &ObjectRef{
			URI:         fmt.Sprintf("s3://%s/%s", b.bucket, obj.Key),
			ContentType: obj.ContentType,
			Size:        obj.Size,
			CreatedAt:   obj.LastModified,
		})
	}
	return refs, nil
}

func (b *MinioBackend) PresignGet(ctx context.Context, uri string, expiry time.Duration) (string, error) {
	key, err := b.objectKey(uri)
	if err != nil {
		return "", err
	}
	u, err := b.client.PresignedGetObject(ctx, b.bucket, key, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("presign get: %w", err)
	}
	return u.String(), nil
}
