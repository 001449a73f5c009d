// Package objectstore wraps an S3-compatible bucket (R2, MinIO, AWS S3)
// used for freeze-evidence and zap-evidence uploads (spec.md §4.3, §4.7,
// §6). Grounded on LumenPrima-tr-engine's internal/storage/s3.go
// (aws-sdk-go-v2 client + presign client, path-style endpoint override for
// non-AWS S3-compatible backends), adapted to the teacher's
// internal/errors/internal/logging idiom in place of that repo's zerolog.
package objectstore

import (
	"bytes"
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/capturehost/hostpipeline/internal/errors"
)

// Config describes how to reach the bucket (spec.md §6 env vars).
type Config struct {
	Endpoint     string
	Region       string
	Bucket       string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
	PresignTTL   time.Duration
}

// Store is the R2/S3 client used by framewatch and zapping to persist
// evidence images and fetch web-visible URLs for them.
type Store struct {
	client        *s3.Client
	presignClient *s3.PresignClient
	bucket        string
	presignTTL    time.Duration
}

// New builds a Store from cfg. It does not verify connectivity; callers
// that want a fail-fast startup check should call HeadBucket.
func New(ctx context.Context, cfg Config) (*Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Newf("load aws config: %w", err).
			Component("objectstore").Category(errors.CategoryObjectStore).Build()
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	client := s3.NewFromConfig(awsCfg, s3Opts...)
	ttl := cfg.PresignTTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	return &Store{
		client:        client,
		presignClient: s3.NewPresignClient(client),
		bucket:        cfg.Bucket,
		presignTTL:    ttl,
	}, nil
}

// HeadBucket verifies the bucket exists and credentials are valid.
func (s *Store) HeadBucket(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: &s.bucket})
	if err != nil {
		return errors.Newf("head bucket %s: %w", s.bucket, err).
			Component("objectstore").Category(errors.CategoryObjectStore).Build()
	}
	return nil
}

// Put uploads data under key with the given content type.
func (s *Store) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &key,
		Body:        bytes.NewReader(data),
		ContentType: &contentType,
	})
	if err != nil {
		return errors.Newf("put object %s: %w", key, err).
			Component("objectstore").Category(errors.CategoryObjectStore).Build()
	}
	return nil
}

// PresignGET returns a time-limited GET URL for key, used to hand
// web-visible evidence links to the incident/zap DB rows.
func (s *Store) PresignGET(ctx context.Context, key string) (string, error) {
	req, err := s.presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	}, func(o *s3.PresignOptions) { o.Expires = s.presignTTL })
	if err != nil {
		return "", errors.Newf("presign %s: %w", key, err).
			Component("objectstore").Category(errors.CategoryObjectStore).Build()
	}
	return req.URL, nil
}

// Exists reports whether key is present in the bucket.
func (s *Store) Exists(ctx context.Context, key string) bool {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &s.bucket, Key: &key})
	return err == nil
}
