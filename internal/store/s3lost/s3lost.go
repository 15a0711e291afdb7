// Package s3lost keeps undeliverable messages in an S3 bucket instead of the
// local lost-messages directory.
package s3lost

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/shineum/glomail/internal/message"
	"github.com/shineum/glomail/internal/store"
)

// maxRetries is the maximum number of retry attempts for transient failures.
const maxRetries = 2

// baseRetryDelay is the initial delay for exponential backoff.
const baseRetryDelay = 200 * time.Millisecond

// Config holds the bucket coordinates and optional static credentials.
type Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string
}

// PutObjectAPI is the subset of the S3 client the archive needs.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archive implements store.LostSink on S3.
type Archive struct {
	bucket string
	prefix string
	client PutObjectAPI
}

var _ store.LostSink = (*Archive)(nil)

// New builds an Archive from cfg, loading the default AWS credential chain
// unless static keys are given.
func New(ctx context.Context, cfg Config) (*Archive, error) {
	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return NewWithClient(cfg.Bucket, cfg.Prefix, client), nil
}

// NewWithClient creates an Archive with a custom client, used for testing.
func NewWithClient(bucket, prefix string, client PutObjectAPI) *Archive {
	return &Archive{bucket: bucket, prefix: prefix, client: client}
}

// Key returns the object key a lost message with id is written to. Keys
// carry a random suffix since ids repeat whenever two lost messages share a
// recipient and date, and a plain PutObject would overwrite the first.
func (a *Archive) Key(id string) string {
	return path.Join(a.prefix, message.SafeName(id)) + "_" + uuid.NewString()[:8]
}

// DeliverToLost uploads the serialized message. Retries reuse the same key.
func (a *Archive) DeliverToLost(ctx context.Context, id string, msg *message.Message) error {
	body := msg.Marshal()
	key := a.Key(id)

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepWithContext(ctx, backoffDelay(attempt)); err != nil {
				return fmt.Errorf("context cancelled during retry wait: %w", err)
			}
		}

		_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(a.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(body),
			ContentType: aws.String("text/plain; charset=utf-8"),
		})
		if err == nil {
			msg.ID = key
			return nil
		}

		lastErr = err
		slog.Warn("S3 put of lost message failed", "attempt", attempt, "key", key, "error", err)
	}

	return fmt.Errorf("S3 put failed after %d retries: %w", maxRetries, lastErr)
}

// backoffDelay returns the exponential backoff delay for the given attempt number.
func backoffDelay(attempt int) time.Duration {
	delay := baseRetryDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
