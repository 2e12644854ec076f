package storage

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIO stores blobs as objects in one S3 bucket, prefixed by logical
// bucket name (uploads/..., outputs/...).
type MinIO struct {
	client *minio.Client
	bucket string
	logger *slog.Logger
}

// NewMinIO connects to the object store and ensures the bucket exists.
func NewMinIO(ctx context.Context, cfg MinIOConfig) (*MinIO, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client init: %w", err)
	}

	m := &MinIO{
		client: client,
		bucket: cfg.Bucket,
		logger: slog.With("component", "storage", "driver", DriverMinIO),
	}
	if err := m.ensureBucket(ctx); err != nil {
		return nil, err
	}
	m.logger.Info("MinIO store ready", "endpoint", cfg.Endpoint, "bucket", cfg.Bucket)
	return m, nil
}

func (m *MinIO) ensureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("error checking bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("error creating bucket: %w", err)
	}
	m.logger.Info("Created bucket", "bucket", m.bucket)
	return nil
}

// Save uploads data as <bucket>/<name> and returns an s3:// URI.
func (m *MinIO) Save(ctx context.Context, bucket Bucket, name string, data []byte) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", fmt.Errorf("invalid name %q: %w", name, err)
	}

	key := path.Join(string(bucket), name)
	info, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: http.DetectContentType(data)})
	if err != nil {
		return "", fmt.Errorf("failed to upload object: %w", err)
	}

	m.logger.Debug("Uploaded object", "key", key, "bytes", info.Size, "etag", info.ETag)
	return fmt.Sprintf("s3://%s/%s", m.bucket, key), nil
}

// Ready checks that the bucket is reachable.
func (m *MinIO) Ready(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", m.bucket)
	}
	return nil
}

var _ Store = (*MinIO)(nil)
