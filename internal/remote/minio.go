package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"habitsync/internal/retry"
)

// Config contains connection settings for the S3-compatible document store.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Secure    bool
}

// MinIOClient stores documents as JSON objects in a bucket, one object per
// logical path.
type MinIOClient struct {
	client *minio.Client
	bucket string
}

// NewMinIOClient creates a document store client for the given bucket.
func NewMinIOClient(cfg Config) (*MinIOClient, error) {
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

	return &MinIOClient{client: client, bucket: cfg.Bucket}, nil
}

// cleanEndpoint removes protocol and path from an endpoint URL to get
// host:port format.
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
		return "", fmt.Errorf("endpoint URL cannot have paths, only host:port is allowed (got path: %s)", parsedURL.Path)
	}
	return parsedURL.Host, nil
}

func objectKey(path string) string {
	return path + ".json"
}

// Apply executes one write operation. Merges read the current document
// first; absent documents merge against an empty one.
func (c *MinIOClient) Apply(ctx context.Context, op WriteOperation) error {
	data := op.Data
	if op.Kind == OpSetMerge {
		existing, err := c.Get(ctx, op.Path)
		if err != nil && err != ErrNotFound {
			return err
		}
		if existing != nil {
			merged := make(map[string]any, len(existing)+len(data))
			for k, v := range existing {
				merged[k] = v
			}
			for k, v := range data {
				merged[k] = v
			}
			data = merged
		}
	}

	payload, err := json.Marshal(resolveSentinels(data, time.Now()))
	if err != nil {
		return fmt.Errorf("failed to marshal document %s: %w", op.Path, err)
	}

	_, err = c.client.PutObject(ctx, c.bucket, objectKey(op.Path),
		bytes.NewReader(payload), int64(len(payload)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return classify(err, op.Path)
	}
	return nil
}

// Get fetches and decodes a document.
func (c *MinIOClient) Get(ctx context.Context, path string) (map[string]any, error) {
	obj, err := c.client.GetObject(ctx, c.bucket, objectKey(path), minio.GetObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, classify(err, path)
	}
	defer obj.Close()

	raw, err := io.ReadAll(obj)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, classify(err, path)
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode document %s: %w", path, err)
	}
	return doc, nil
}

// Delete removes a document. Deleting a missing document is not an error.
func (c *MinIOClient) Delete(ctx context.Context, path string) error {
	err := c.client.RemoveObject(ctx, c.bucket, objectKey(path), minio.RemoveObjectOptions{})
	if err != nil && !isNotFound(err) {
		return classify(err, path)
	}
	return nil
}

// Exists reports whether a document is present.
func (c *MinIOClient) Exists(ctx context.Context, path string) (bool, error) {
	_, err := c.client.StatObject(ctx, c.bucket, objectKey(path), minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, classify(err, path)
	}
	return true, nil
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == 404
}

// classify maps transport failures onto the retry taxonomy so the caller's
// policy can pick a backoff.
func classify(err error, path string) error {
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.Code == "SlowDown" || resp.StatusCode == 429:
		return retry.Wrap(retry.KindRateLimited, path, err)
	case resp.StatusCode == 503:
		return retry.Wrap(retry.KindServiceUnavailable, path, err)
	case resp.Code == "AccessDenied" || resp.StatusCode == 403:
		return retry.Wrap(retry.KindPermissionDenied, path, err)
	case resp.StatusCode >= 500:
		return retry.Wrap(retry.KindServiceUnavailable, path, err)
	case resp.StatusCode == 0:
		// No HTTP response at all: transport-level failure.
		return retry.Wrap(retry.KindNetwork, path, err)
	}
	return err
}
