// Package s3 implements S3-backed blob payload storage.
//
// Object keys are the blob ids (hex content hashes), optionally namespaced by
// a key prefix. The bucket therefore mirrors the content-addressed store:
// every object holds immutable bytes named after their own hash, which makes
// the bucket trivially verifiable and safe to replicate.
//
// Works against AWS S3 and any S3-compatible endpoint (MinIO, Cubbit DS3).
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/arborfs/arbor/pkg/store/blob"
)

// Config configures the S3 payload backend.
type Config struct {
	// Bucket is the bucket name. It must already exist.
	Bucket string

	// KeyPrefix is an optional prefix for all object keys.
	// Example: "arbor/blobs/" results in keys like "arbor/blobs/ab12...".
	KeyPrefix string

	// Region is the bucket region.
	Region string

	// Endpoint overrides the S3 endpoint for compatible providers.
	Endpoint string

	// AccessKeyID and SecretAccessKey are static credentials. When empty the
	// default AWS credential chain is used.
	AccessKeyID     string
	SecretAccessKey string

	// UsePathStyle forces path-style addressing, required by most
	// S3-compatible providers.
	UsePathStyle bool
}

// Payloads is an S3-backed blob.Payloads.
type Payloads struct {
	client    *s3.Client
	bucket    string
	keyPrefix string
}

// Client builds an S3 client from the backend configuration. Exposed for
// tooling that needs raw bucket access with the same settings.
func Client(ctx context.Context, cfg Config) (*s3.Client, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}), nil
}

// New creates an S3 payload backend and verifies bucket access.
func New(ctx context.Context, cfg Config) (*Payloads, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}

	client, err := Client(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(cfg.Bucket),
	}); err != nil {
		return nil, fmt.Errorf("access bucket %q: %w", cfg.Bucket, err)
	}

	return &Payloads{
		client:    client,
		bucket:    cfg.Bucket,
		keyPrefix: cfg.KeyPrefix,
	}, nil
}

// NewWithClient wraps an already configured S3 client. Used by tests with
// fake servers.
func NewWithClient(client *s3.Client, bucket, keyPrefix string) *Payloads {
	return &Payloads{client: client, bucket: bucket, keyPrefix: keyPrefix}
}

func (p *Payloads) objectKey(id blob.ID) string {
	return p.keyPrefix + string(id)
}

// Put uploads the payload for id.
//
// The body is buffered before upload so the SDK can sign and retry it. Blob
// payloads arrive pre-spooled by the engine, so the extra copy is bounded by
// the configured maximum upload size.
func (p *Payloads) Put(ctx context.Context, id blob.ID, r io.Reader) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return 0, fmt.Errorf("read payload: %w", err)
	}

	_, err = p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.objectKey(id)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return 0, fmt.Errorf("put object %s: %w", id, err)
	}
	return int64(len(data)), nil
}

// Open returns a reader over the payload.
func (p *Payloads) Open(ctx context.Context, id blob.ID) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.objectKey(id)),
	})
	if err != nil {
		var notFound *types.NoSuchKey
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("payload %s: %w", id, blob.ErrPayloadMissing)
		}
		return nil, fmt.Errorf("get object %s: %w", id, err)
	}
	return result.Body, nil
}

// Delete removes the payload. S3 DeleteObject is idempotent, so deleting an
// absent object succeeds.
func (p *Payloads) Delete(ctx context.Context, id blob.ID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := p.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.objectKey(id)),
	})
	if err != nil {
		return fmt.Errorf("delete object %s: %w", id, err)
	}
	return nil
}

// Healthcheck verifies the bucket is reachable.
func (p *Payloads) Healthcheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := p.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(p.bucket),
	}); err != nil {
		return fmt.Errorf("head bucket %q: %w", p.bucket, err)
	}
	return nil
}
