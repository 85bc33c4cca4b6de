package jsonbase

import (
	"bytes"
	"context"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Backend implements Backend using AWS S3 (or S3-compatible storage).
//
// S3's PutObject has no If-Match header, so the conditional write is a
// read-compare-write with an unavoidable race window between the version
// check and the write. Two processes writing the same key in that window
// can lose an update even though both Puts "succeed". Use GCSBackend or
// GitHubBackend when cross-process writers must be strictly serialized;
// S3 is fine when a single jsonbase process owns the write path, because
// the write queue already serializes in-process writers.
type S3Backend struct {
	client *s3.Client
	bucket string
}

// NewS3Backend creates a new S3 backend
func NewS3Backend(client *s3.Client, bucket string) *S3Backend {
	return &S3Backend{
		client: client,
		bucket: bucket,
	}
}

func (b *S3Backend) Get(ctx context.Context, key string, etag string) (*Object, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	}
	if etag != "" {
		input.IfNoneMatch = aws.String(etag)
	}

	result, err := b.client.GetObject(ctx, input)
	if err != nil {
		msg := err.Error()
		switch {
		case strings.Contains(msg, "NotModified") || strings.Contains(msg, "304"):
			return nil, ErrNotModified
		case strings.Contains(msg, "NoSuchKey"):
			return nil, ErrNotFound
		case strings.Contains(msg, "AccessDenied"):
			return nil, ErrUnauthorized
		}
		return nil, err
	}
	defer func() { _ = result.Body.Close() }() //nolint:errcheck // Deferred close

	content, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, err
	}

	tag := strings.Trim(aws.ToString(result.ETag), "\"")
	return &Object{Content: content, ETag: tag, SHA: tag}, nil
}

func (b *S3Backend) Put(ctx context.Context, key string, content []byte, sha string) (*PutResult, error) {
	// Best-effort version check; see the type comment for the race caveat
	head, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	exists := err == nil
	if err != nil && !strings.Contains(err.Error(), "NotFound") {
		return nil, err
	}

	switch {
	case exists && sha == "":
		return nil, WithContext(ErrConflict, map[string]interface{}{
			"key":    key,
			"reason": "object already exists",
		})
	case exists:
		current := strings.Trim(aws.ToString(head.ETag), "\"")
		if current != sha {
			return nil, WithContext(ErrConflict, map[string]interface{}{
				"key":      key,
				"expected": sha,
				"actual":   current,
			})
		}
	case !exists && sha != "":
		return nil, WithContext(ErrConflict, map[string]interface{}{
			"key":      key,
			"expected": sha,
			"reason":   "object was deleted",
		})
	}

	result, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(content),
	})
	if err != nil {
		return nil, err
	}

	tag := strings.Trim(aws.ToString(result.ETag), "\"")
	return &PutResult{ETag: tag, SHA: tag}, nil
}

func (b *S3Backend) Ping(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucket),
	})
	return err
}

func (b *S3Backend) Close() error {
	// The s3.Client has no resources to release
	return nil
}
