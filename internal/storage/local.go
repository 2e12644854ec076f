package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Local stores blobs as files, one directory per bucket.
type Local struct {
	dirs   map[Bucket]string
	logger *slog.Logger
}

// NewLocal creates the bucket directories if they do not exist.
func NewLocal(uploadDir, outputDir string) (*Local, error) {
	dirs := map[Bucket]string{
		Uploads: uploadDir,
		Outputs: outputDir,
	}
	for bucket, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", bucket, err)
		}
	}
	return &Local{
		dirs:   dirs,
		logger: slog.With("component", "storage", "driver", DriverLocal),
	}, nil
}

// Save writes data to a temp file in the bucket directory and renames it
// into place, so readers never observe a partial file.
func (l *Local) Save(ctx context.Context, bucket Bucket, name string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dir, ok := l.dirs[bucket]
	if !ok {
		return "", fmt.Errorf("unknown bucket %q", bucket)
	}
	if err := ValidateName(name); err != nil {
		return "", fmt.Errorf("invalid name %q: %w", name, err)
	}

	destPath := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(destPath), ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to move file into place: %w", err)
	}

	l.logger.Debug("Wrote file", "bucket", bucket, "bytes", len(data), "path", destPath)
	return destPath, nil
}

// Ready checks that every bucket directory is still present.
func (l *Local) Ready(ctx context.Context) error {
	for bucket, dir := range l.dirs {
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("%s directory: %w", bucket, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("%s path %s is not a directory", bucket, dir)
		}
	}
	return nil
}

var _ Store = (*Local)(nil)
