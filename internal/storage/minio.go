package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ColdConfig contains cold store connection settings.
type ColdConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Secure    bool
}

// MinIOColdStore implements ColdStore on any S3-compatible archive
// bucket via minio-go. Payloads are capped well below any multipart
// threshold, so every upload is a single-part put.
type MinIOColdStore struct {
	client *minio.Client
	bucket string
}

// NewMinIOColdStore creates a cold store adapter.
func NewMinIOColdStore(cfg ColdConfig) (*MinIOColdStore, error) {
	endpoint, err := cleanEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, err
	}

	return &MinIOColdStore{client: client, bucket: cfg.Bucket}, nil
}

// cleanEndpoint removes protocol and path from an endpoint URL to get
// the host:port form minio-go expects.
func cleanEndpoint(endpoint string) (string, error) {
	if endpoint == "" {
		return "", fmt.Errorf("endpoint cannot be empty")
	}

	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		if strings.Contains(endpoint, "/") {
			return "", fmt.Errorf("endpoint contains path but no protocol")
		}
		return endpoint, nil
	}

	parsedURL, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("failed to parse endpoint URL: %w", err)
	}
	if parsedURL.Path != "" && parsedURL.Path != "/" {
		return "", fmt.Errorf("endpoint URL cannot have a path, only host:port is allowed (got path: %s)", parsedURL.Path)
	}
	return parsedURL.Host, nil
}

// Put uploads the payload at key. The upload is overwrite-safe; the
// adapter confirms the stored size against the payload before
// returning, so a nil return means the bytes are durably present.
func (c *MinIOColdStore) Put(ctx context.Context, key string, payload []byte, meta map[string]string) error {
	info, err := c.client.PutObject(ctx, c.bucket, key, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType:  "application/octet-stream",
		UserMetadata: meta,
	})
	if err != nil {
		return classifyMinioError("put "+key, err)
	}
	if info.Size != int64(len(payload)) {
		return &TransientError{
			Op:  "put " + key,
			Err: fmt.Errorf("stored size %d does not match payload size %d", info.Size, len(payload)),
		}
	}
	return nil
}

// Get downloads the full payload at key, or ErrNotFound.
func (c *MinIOColdStore) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := c.client.GetObject(ctx, c.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, classifyMinioError("get "+key, err)
	}
	defer obj.Close()

	payload, err := io.ReadAll(obj)
	if err != nil {
		return nil, classifyMinioError("get "+key, err)
	}
	return payload, nil
}

// classifyMinioError maps minio-go failures onto the adapter error
// taxonomy: definitive misses, retriable transients, everything else
// passed through.
func classifyMinioError(op string, err error) error {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		switch {
		case resp.Code == "NoSuchKey" || resp.StatusCode == 404:
			return ErrNotFound
		case resp.StatusCode == 408 || resp.StatusCode == 429 || resp.StatusCode >= 500:
			return &TransientError{Op: op, Err: err}
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || isRetriableMessage(err.Error()) {
		return &TransientError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}
