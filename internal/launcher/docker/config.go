package docker

import (
	"imagerelay/internal/config"
	"os"
	"time"
)

// forwardedEnv lists the variables a watcher container needs to reach the
// event stream and the signal bus.
var forwardedEnv = []string{
	"EVENT_STREAM_URL", "WS_URL", "WATCH_TIMEOUT", "RELAY_COMPLETION_TIMEOUT",
	"WATCH_RECONNECT_INITIAL", "WATCH_RECONNECT_MAX", "WATCH_HANDSHAKE_TIMEOUT", "WATCH_PUBLISH_TIMEOUT",
	"BUS_DRIVER", "RABBITMQ_URL", "RABBITMQ_HOST", "RABBITMQ_PUBLISH_TIMEOUT", "RABBITMQ_DIAL_ATTEMPTS",
	"REDIS_ADDR", "REDIS_DB", "REDIS_KEY_PREFIX",
	"COMPLETION_QUEUE", "LOG_LEVEL",
}

// forwardedSecrets are resolved here, file first, and passed by value since
// the secret file is not mounted into the watcher container.
var forwardedSecrets = []string{"REDIS_PASSWORD"}

// Config holds configuration for the docker launcher.
type Config struct {
	Image               string        // watcher image, runs the completion-watcher binary
	Network             string        // container network (optional)
	ExtraHosts          []string      // Extra /etc/hosts entries (e.g., ["host.docker.internal:host-gateway"])
	Env                 []string      // KEY=VALUE pairs passed to every watcher
	RetentionPeriod     time.Duration // How long to keep exited watcher containers (default 15m)
	MaintenanceInterval time.Duration // How often to run cleanup (default 1m)
	Metrics             MetricsRecorder
}

// LoadConfigFromEnv loads docker launcher configuration from environment variables.
func LoadConfigFromEnv() Config {
	var env []string
	for _, key := range forwardedEnv {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	for _, key := range forwardedSecrets {
		if v := config.GetSecretEnv(key); v != "" {
			env = append(env, key+"="+v)
		}
	}

	return Config{
		Image:               config.GetEnv("WATCHER_IMAGE", "completion-watcher:latest"),
		Network:             config.GetEnv("WATCHER_NETWORK", ""),
		ExtraHosts:          config.GetListEnv("EXTRA_HOSTS", nil),
		Env:                 env,
		RetentionPeriod:     config.GetDurationEnv("WATCHER_RETENTION", 15*time.Minute),
		MaintenanceInterval: config.GetDurationEnv("MAINTENANCE_INTERVAL", 1*time.Minute),
	}
}

func (c Config) withDefaults() Config {
	if c.Image == "" {
		c.Image = "completion-watcher:latest"
	}
	if c.RetentionPeriod <= 0 {
		c.RetentionPeriod = 15 * time.Minute
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = 1 * time.Minute
	}
	return c
}
