package storage

import "imagerelay/internal/config"

// Storage drivers.
const (
	DriverLocal = "local"
	DriverMinIO = "minio"
)

// Config holds storage configuration.
type Config struct {
	Driver    string
	UploadDir string // local driver
	OutputDir string // local driver
	MinIO     MinIOConfig
}

// MinIOConfig holds S3-compatible object store settings.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// LoadConfigFromEnv loads storage configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		Driver:    config.GetEnv("STORAGE_DRIVER", DriverLocal),
		UploadDir: config.GetEnv("UPLOAD_DIR", "data/uploaded_images"),
		OutputDir: config.GetEnv("OUTPUT_DIR", "data/output"),
		MinIO: MinIOConfig{
			Endpoint:  config.GetEnv("MINIO_ENDPOINT", "minio:9000"),
			AccessKey: config.GetEnv("MINIO_ACCESS_KEY", "minioadmin"),
			SecretKey: config.GetSecretFile(config.GetEnv("MINIO_SECRET_KEY_FILE", "")),
			Bucket:    config.GetEnv("MINIO_BUCKET", "image-relay"),
			UseSSL:    config.GetBoolEnv("MINIO_USE_SSL", false),
		},
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.Driver == "" {
		c.Driver = DriverLocal
	}
	if c.UploadDir == "" {
		c.UploadDir = "data/uploaded_images"
	}
	if c.OutputDir == "" {
		c.OutputDir = "data/output"
	}
	if c.MinIO.Bucket == "" {
		c.MinIO.Bucket = "image-relay"
	}
	return c
}
