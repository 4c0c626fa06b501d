package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Config holds configuration for S3 storage.
type S3Config struct {
	Region string
	// Endpoint overrides the service endpoint (MinIO, LocalStack).
	Endpoint string
	// UsePathStyle is required by most S3-compatible servers.
	UsePathStyle bool
	// MaxRetries bounds attempts after the first one (default: 3)
	MaxRetries int
	// RetryBase is the first retry delay; it doubles per attempt (default: 100ms)
	RetryBase time.Duration
}

// DefaultS3Config returns the default S3 configuration.
func DefaultS3Config() S3Config {
	return S3Config{
		Region:     "us-east-1",
		MaxRetries: 3,
		RetryBase:  100 * time.Millisecond,
	}
}

// S3Storage stores snapshots in one S3 bucket, and reads s3:// feeds.
type S3Storage struct {
	client *s3.Client
	bucket string
	cfg    S3Config
}

// NewS3Storage loads the default AWS credential chain and creates a client
// for bucket.
func NewS3Storage(ctx context.Context, bucket string, cfg S3Config) (*S3Storage, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage: load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return NewS3StorageWithClient(client, bucket, cfg), nil
}

// NewS3StorageWithClient wraps a pre-configured client.
func NewS3StorageWithClient(client *s3.Client, bucket string, cfg S3Config) *S3Storage {
	def := DefaultS3Config()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = def.RetryBase
	}
	return &S3Storage{client: client, bucket: bucket, cfg: cfg}
}

// Put uploads an object.
func (s *S3Storage) Put(ctx context.Context, key string, data []byte) (Object, error) {
	var out *s3.PutObjectOutput
	err := s.retry(ctx, "put "+key, func() error {
		var err error
		out, err = s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(key),
			Body:          bytes.NewReader(data),
			ContentLength: aws.Int64(int64(len(data))),
			ContentType:   aws.String("application/octet-stream"),
		})
		return err
	})
	if err != nil {
		return Object{}, uploadFailed(key, err)
	}
	return Object{
		Key:      key,
		Size:     int64(len(data)),
		ETag:     aws.ToString(out.ETag),
		Modified: time.Now(),
	}, nil
}

// Get downloads an object.
func (s *S3Storage) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.retry(ctx, "get "+key, func() error {
		resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		data, err = io.ReadAll(resp.Body)
		return err
	})
	switch {
	case isNotFound(err):
		return nil, notFound(key)
	case err != nil:
		return nil, downloadFailed(key, err)
	}
	return data, nil
}

// Stat issues a HEAD request.
func (s *S3Storage) Stat(ctx context.Context, key string) (Object, bool, error) {
	var out *s3.HeadObjectOutput
	err := s.retry(ctx, "head "+key, func() error {
		var err error
		out, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		return err
	})
	switch {
	case isNotFound(err):
		return Object{}, false, nil
	case err != nil:
		return Object{}, false, downloadFailed(key, err)
	}
	return Object{
		Key:      key,
		Size:     aws.ToInt64(out.ContentLength),
		ETag:     aws.ToString(out.ETag),
		Modified: aws.ToTime(out.LastModified),
	}, true, nil
}

// List pages through ListObjectsV2. S3 returns keys in ascending order.
func (s *S3Storage) List(ctx context.Context, prefix string) ([]Object, error) {
	var objects []Object
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, downloadFailed(prefix, err)
		}
		for _, obj := range page.Contents {
			objects = append(objects, Object{
				Key:      aws.ToString(obj.Key),
				Size:     aws.ToInt64(obj.Size),
				ETag:     aws.ToString(obj.ETag),
				Modified: aws.ToTime(obj.LastModified),
			})
		}
	}
	return objects, nil
}

// Delete removes an object. S3 deletes are idempotent.
func (s *S3Storage) Delete(ctx context.Context, key string) error {
	err := s.retry(ctx, "delete "+key, func() error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: delete %s: %w", key, err)
	}
	return nil
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noSuchKey) || errors.As(err, &notFound)
}

// retry runs fn with exponential backoff. Missing objects and cancelled
// contexts are returned immediately.
func (s *S3Storage) retry(ctx context.Context, op string, fn func() error) error {
	delay := s.cfg.RetryBase
	var err error
	for attempt := 0; ; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		err = fn()
		if err == nil || isNotFound(err) || attempt >= s.cfg.MaxRetries {
			return err
		}
		log.Printf("storage: [WARN] s3 %s attempt %d failed: %v", op, attempt+1, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}
