// Package blobstorage writes large message bodies and CRL blobs
// out-of-line to an S3-compatible bucket, referenced by the
// blobs.storage_type='s3' / blobs.s3_blob_id columns the shared
// database already declares. A blob below Config.InlineThreshold
// stays in the blobs.content column; everything at or above it is
// pushed here and only the object key is kept in SQLite.
package blobstorage

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
)

// Config is the blob_storage section of raven.yaml.
type Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"` // non-empty for S3-compatible stores (MinIO, etc.)
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	InlineThreshold int64  `yaml:"inline_threshold_bytes"` // blobs smaller than this stay in SQLite
}

// ErrNotConfigured is returned by operations on a Store built from a
// zero-value Config (no bucket set) — the caller should fall back to
// inline storage rather than treat this as a transient failure.
var ErrNotConfigured = errors.New("blobstorage: not configured")

// Store puts and fetches blob content keyed by the s3_blob_id the
// shared blobs table stores.
type Store struct {
	client *s3.Client
	bucket string
}

// New builds a Store from cfg. Returns a Store whose methods all
// return ErrNotConfigured if cfg.Bucket is empty, so callers can
// construct one unconditionally from conf.Config and only check the
// error at the point of use.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return &Store{}, nil
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("blobstorage: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Store{client: client, bucket: cfg.Bucket}, nil
}

func (s *Store) configured() bool { return s.client != nil && s.bucket != "" }

// ShouldOffload reports whether a blob of the given size belongs in
// this store rather than inline in the blobs.content column.
func (c Config) ShouldOffload(size int64) bool {
	return c.Bucket != "" && c.InlineThreshold > 0 && size >= c.InlineThreshold
}

// Put uploads data under key (conventionally the blob's sha256 hex
// digest) and returns the key for the blobs.s3_blob_id column.
func (s *Store) Put(ctx context.Context, key string, data []byte) (string, error) {
	if !s.configured() {
		return "", ErrNotConfigured
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return "", fmt.Errorf("blobstorage: put %s: %w", key, err)
	}
	return key, nil
}

// Get downloads the object stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if !s.configured() {
		return nil, ErrNotConfigured
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("blobstorage: get %s: %w", key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// Delete removes the object stored under key. Deleting a key that
// doesn't exist is not an error, matching S3 semantics.
func (s *Store) Delete(ctx context.Context, key string) error {
	if !s.configured() {
		return ErrNotConfigured
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("blobstorage: delete %s: %w", key, err)
	}
	return nil
}
