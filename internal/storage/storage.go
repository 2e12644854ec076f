// Package storage persists uploaded payloads and fetched output artifacts.
package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

// Bucket is a logical area of the store.
type Bucket string

const (
	Uploads Bucket = "uploads" // raw inbound payloads
	Outputs Bucket = "outputs" // artifacts fetched from the backend
)

// Store saves named blobs into a bucket.
type Store interface {
	// Save writes data under name and returns where it was stored (a file
	// path or an object URI). Existing objects with the same name are
	// replaced.
	Save(ctx context.Context, bucket Bucket, name string, data []byte) (string, error)

	// Ready reports whether the store can accept writes.
	Ready(ctx context.Context) error
}

// Open creates the store selected by cfg.Driver.
func Open(ctx context.Context, cfg Config) (Store, error) {
	cfg = cfg.withDefaults()
	switch cfg.Driver {
	case DriverLocal:
		return NewLocal(cfg.UploadDir, cfg.OutputDir)
	case DriverMinIO:
		return NewMinIO(ctx, cfg.MinIO)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// ValidateName rejects names that could escape the bucket.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("name is required")
	}
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return fmt.Errorf("name must be relative, not absolute")
	}
	for _, part := range strings.Split(filepath.ToSlash(name), "/") {
		if part == ".." {
			return fmt.Errorf("path traversal not allowed")
		}
	}
	return nil
}
