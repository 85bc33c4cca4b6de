package jsonbase

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSBackend implements Backend using Google Cloud Storage.
// GCS supports true conditional writes via generation preconditions, so
// unlike S3 there is no race window: a Put with a stale generation is
// rejected server-side.
type GCSBackend struct {
	client *storage.Client
	bucket string
}

// GCSConfig contains GCS-specific configuration
type GCSConfig struct {
	Bucket          string
	CredentialsFile string // Path to service account JSON (optional, uses ADC if empty)
}

// NewGCSBackend creates a new GCS backend
func NewGCSBackend(ctx context.Context, cfg GCSConfig) (*GCSBackend, error) {
	if cfg.Bucket == "" {
		return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Bucket",
			"reason": "bucket is required",
		})
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	return &GCSBackend{
		client: client,
		bucket: cfg.Bucket,
	}, nil
}

func (b *GCSBackend) Get(ctx context.Context, key string, etag string) (*Object, error) {
	obj := b.client.Bucket(b.bucket).Object(key)

	attrs, err := obj.Attrs(ctx)
	if err != nil {
		if err == storage.ErrObjectNotExist {
			return nil, ErrNotFound
		}
		return nil, err
	}

	// Generation number doubles as both version markers
	tag := strconv.FormatInt(attrs.Generation, 10)
	if etag != "" && etag == tag {
		return nil, ErrNotModified
	}

	reader, err := obj.NewReader(ctx)
	if err != nil {
		if err == storage.ErrObjectNotExist {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer reader.Close()

	content, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	return &Object{Content: content, ETag: tag, SHA: tag}, nil
}

func (b *GCSBackend) Put(ctx context.Context, key string, content []byte, sha string) (*PutResult, error) {
	obj := b.client.Bucket(b.bucket).Object(key)

	var conds storage.Conditions
	if sha == "" {
		conds.DoesNotExist = true
	} else {
		gen, err := strconv.ParseInt(sha, 10, 64)
		if err != nil {
			return nil, WithContext(ErrInvalidData, map[string]interface{}{
				"key":    key,
				"sha":    sha,
				"reason": "version tag is not a GCS generation",
			})
		}
		conds.GenerationMatch = gen
	}

	writer := obj.If(conds).NewWriter(ctx)
	if _, err := writer.Write(content); err != nil {
		_ = writer.Close() //nolint:errcheck // Already failing
		return nil, err
	}

	if err := writer.Close(); err != nil {
		if strings.Contains(err.Error(), "conditionNotMet") || strings.Contains(err.Error(), "precondition") {
			return nil, WithContext(ErrConflict, map[string]interface{}{
				"key":      key,
				"expected": sha,
			})
		}
		return nil, err
	}

	tag := strconv.FormatInt(writer.Attrs().Generation, 10)
	return &PutResult{ETag: tag, SHA: tag}, nil
}

func (b *GCSBackend) Ping(ctx context.Context) error {
	_, err := b.client.Bucket(b.bucket).Attrs(ctx)
	return err
}

func (b *GCSBackend) Close() error {
	return b.client.Close()
}
