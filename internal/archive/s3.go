// internal/archive/s3.go
// Package archive stores raw gateway webhook payloads in S3-compatible object
// storage for audit and replay. Archival is best effort: a failed put is
// logged, never surfaced to the gateway.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Archiver persists raw payloads. The nil Archiver pattern is not used;
// callers hold a Noop when no bucket is configured.
type Archiver interface {
	Put(ctx context.Context, key string, payload []byte) error
}

// S3Archiver writes payloads to an S3-compatible bucket.
type S3Archiver struct {
	client *s3.Client // AWS S3 client
	bucket string     // Bucket for webhook payloads
}

// NewS3Archiver creates an archiver for an S3-compatible service.
// It supports both AWS S3 and S3-compatible services like MinIO.
// Parameters:
//   - endpoint: S3 service endpoint URL
//   - region: AWS region (or equivalent for S3-compatible services)
//   - bucket: S3 bucket name for payload storage
//   - accessKey: Access key for authentication
//   - secretKey: Secret key for authentication
// Returns:
//   - *S3Archiver: Initialized archiver
//   - error: Any error that occurred during initialization
func NewS3Archiver(endpoint, region, bucket, accessKey, secretKey string) (*S3Archiver, error) {
	// Load AWS configuration with custom endpoint and credentials
	cfg, err := config.LoadDefaultConfig(context.TODO(),
		config.WithRegion(region),
		config.WithBaseEndpoint(endpoint),
		// Configure static credentials
		config.WithCredentialsProvider(aws.CredentialsProviderFunc(
			func(ctx context.Context) (aws.Credentials, error) {
				return aws.Credentials{
					AccessKeyID:     accessKey,
					SecretAccessKey: secretKey,
				}, nil
			})),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// Create S3 client with path-style addressing for compatibility
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true // Required for MinIO and other S3-compatible services
	})

	return &S3Archiver{
		client: client,
		bucket: bucket,
	}, nil
}

// Put stores one payload under key.
func (a *S3Archiver) Put(ctx context.Context, key string, payload []byte) error {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to archive payload: %w", err)
	}
	return nil
}

// Key builds the object key for a webhook delivery: one prefix per day, one
// object per gateway reference.
func Key(provider, reference string, at time.Time) string {
	return fmt.Sprintf("webhooks/%s/%s/%s.json", provider, at.UTC().Format("2006-01-02"), reference)
}

// Noop discards payloads; used when no bucket is configured.
type Noop struct{}

// Put implements Archiver.
func (Noop) Put(ctx context.Context, key string, payload []byte) error { return nil }
