package outbox

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ErrArtifactNotFound is returned by Get for unknown keys.
var ErrArtifactNotFound = errors.New("artifact not found")

// ArtifactRef describes a stored value.
type ArtifactRef struct {
	// URI is the full artifact path (e.g., "s3://bucket/path/to/artifact")
	URI         string    `json:"uri"`
	ContentType string    `json:"content_type,omitempty"`
	Size        int64     `json:"size"`
	Checksum    string    `json:"checksum"` // SHA256
	CreatedAt   time.Time `json:"created_at"`
}

// ArtifactStore persists values written by store nodes.
type ArtifactStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (*ArtifactRef, error)
	Get(ctx context.Context, key string) ([]byte, error)
}

func newRef(uri string, data []byte, contentType string) *ArtifactRef {
	hash := sha256.Sum256(data)
	return &ArtifactRef{
		URI:         uri,
		ContentType: contentType,
		Size:        int64(len(data)),
		Checksum:    hex.EncodeToString(hash[:]),
		CreatedAt:   time.Now().UTC(),
	}
}

// MemoryArtifacts keeps artifacts in process memory.
type MemoryArtifacts struct {
	mu    sync.RWMutex
	items map[string][]byte
}

// NewMemoryArtifacts creates an empty in-memory artifact store.
func NewMemoryArtifacts() *MemoryArtifacts {
	return &MemoryArtifacts{items: make(map[string][]byte)}
}

func (m *MemoryArtifacts) Put(ctx context.Context, key string, data []byte, contentType string) (*ArtifactRef, error) {
	m.mu.Lock()
	m.items[key] = bytes.Clone(data)
	m.mu.Unlock()
	return newRef("memory://"+key, data, contentType), nil
}

func (m *MemoryArtifacts) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.items[key]
	if !ok {
		return nil, ErrArtifactNotFound
	}
	return bytes.Clone(data), nil
}

// Keys returns the stored keys.
func (m *MemoryArtifacts) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.items))
	for k := range m.items {
		keys = append(keys, k)
	}
	return keys
}

// S3Config holds S3/MinIO connection configuration.
type S3Config struct {
	// Endpoint overrides the AWS endpoint, e.g. "http://minio:9000".
	// Leave empty for AWS S3.
	Endpoint string

	Bucket string

	// Region (required for AWS S3, optional for MinIO)
	Region string

	// Credentials
	AccessKeyID     string
	SecretAccessKey string

	// UsePathStyle is required by MinIO.
	UsePathStyle bool

	// PathPrefix is prepended to all artifact keys
	PathPrefix string
}

// S3Artifacts stores artifacts in S3 or MinIO.
type S3Artifacts struct {
	client     *s3.Client
	bucket     string
	pathPrefix string
}

// NewS3Artifacts creates an S3-backed artifact store.
func NewS3Artifacts(ctx context.Context, cfg *S3Config) (*S3Artifacts, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1" // Default region for MinIO
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

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return NewS3ArtifactsWithClient(client, cfg.Bucket, cfg.PathPrefix), nil
}

// NewS3ArtifactsWithClient wraps an existing client.
func NewS3ArtifactsWithClient(client *s3.Client, bucket, pathPrefix string) *S3Artifacts {
	return &S3Artifacts{client: client, bucket: bucket, pathPrefix: strings.Trim(pathPrefix, "/")}
}

// fullPath returns the full S3 key for an artifact key.
func (b *S3Artifacts) fullPath(key string) string {
	if b.pathPrefix == "" {
		return key
	}
	return b.pathPrefix + "/" + key
}

func (b *S3Artifacts) Put(ctx context.Context, key string, data []byte, contentType string) (*ArtifactRef, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	full := b.fullPath(key)

	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(full),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return nil, fmt.Errorf("put object: %w", err)
	}

	return newRef(fmt.Sprintf("s3://%s/%s", b.bucket, full), data, contentType), nil
}

func (b *S3Artifacts) Get(ctx context.Context, key string) ([]byte, error) {
	result, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.fullPath(key)),
	})
	if err != nil {
		return nil, fmt.Errorf("get object: %w", err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	return data, nil
}
