package dataflow

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Backend stores artifacts in S3 or an S3-compatible service.
type S3Backend struct {
	client    *s3.Client
	presigner *s3.PresignClient
	bucket    string
	prefix    string
	root      string
}

// S3Config holds S3 connection configuration.
type S3Config struct {
	// Endpoint for S3-compatible services (e.g., "minio.mentatlab.svc:9000")
	// Leave empty for AWS S3
	Endpoint string

	Bucket string

	// Region (required for AWS S3)
	Region string

	// Credentials
	AccessKeyID     string
	SecretAccessKey string

	// UseSSL enables HTTPS for custom endpoints
	UseSSL bool

	// PathPrefix is prepended to all artifact keys
	PathPrefix string
}

// NewS3Backend creates a new S3 backend.
func NewS3Backend(ctx context.Context, cfg *S3Config) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		endpoint := fmt.Sprintf("%s://%s", scheme, cfg.Endpoint)
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(awsCfg, s3Opts...)
	return &S3Backend{
		client:    client,
		presigner: s3.NewPresignClient(client),
		bucket:    cfg.Bucket,
		prefix:    cfg.PathPrefix,
		root:      joinRoot("s3", cfg.Bucket, cfg.PathPrefix),
	}, nil
}

func (b *S3Backend) Root() string { return b.root }

// objectKey maps a URI to the bucket key.
func (b *S3Backend) objectKey(uri string) (string, error) {
	key, err := relativeKey(b.root, uri)
	if err != nil {
		return "", err
	}
	return b.fullKey(key), nil
}

func (b *S3Backend) fullKey(key string) string {
	if b.prefix == "" {
		return key
	}
	return b.prefix + "/" + key
}

func (b *S3Backend) Put(ctx context.Context, key string, data io.Reader, contentType string) (*ObjectRef, error) {
	content, err := io.ReadAll(data)
	if err != nil {
		return nil, fmt.Errorf("read data: %w", err)
	}
	hash := sha256.Sum256(content)
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(b.fullKey(key)),
		Body:          bytes.NewReader(content),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(content))),
	})
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

func (b *S3Backend) Get(ctx context.Context, uri string) (io.ReadCloser, error) {
	key, err := b.objectKey(uri)
	if err != nil {
		return nil, err
	}
	result, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *s3types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, uri)
		}
		return nil, fmt.Errorf("get object: %w", err)
	}
	return result.Body, nil
}

func (b *S3Backend) Delete(ctx context.Context, uri string) error {
	key, err := b.objectKey(uri)
	if err != nil {
		return err
	}
	_, err = b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

func (b *S3Backend) List(ctx context.Context, prefix string) ([]*ObjectRef, error) {
	var refs []*ObjectRef
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(b.fullKey(prefix)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}
		for _, obj := range page.Contents {
			ref := &ObjectRef{URI: fmt.Sprintf("s3://%s/%s", b.bucket, aws.ToString(obj.Key))}
			if obj.Size != nil {
				ref.Size = *obj.Size
			}
			if obj.LastModified != nil {
				ref.CreatedAt = *obj.LastModified
			}
			refs = append(refs, ref)
		}
	}
	return refs, nil
}

func (b *S3Backend) PresignGet(ctx context.Context, uri string, expiry time.Duration) (string, error) {
	key, err := b.objectKey(uri)
	if err != nil {
		return "", err
	}
	result, err := b.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", fmt.Errorf("presign get: %w", err)
	}
	return result.URL, nil
}
