// Package config provides configuration loading from environment variables.
package config

import (
	"time"
)

// DefaultCompletionTimeout bounds how long a relay waits for its completion
// signal. The watcher uses the same bound for its own lifetime.
const DefaultCompletionTimeout = 120 * time.Second

// DefaultAllowedOrigins are the browser origins accepted by the front door.
var DefaultAllowedOrigins = []string{
	"http://localhost:3000",
	"https://localhost:3000",
	"http://localhost:8080",
	"http://localhost:8000",
}

// GatewayConfig holds configuration for the relay gateway (front door).
type GatewayConfig struct {
	Port                string
	MetricsPort         string
	APIKey              string
	AllowedOrigins      []string      // "*" allows any origin
	StaticDir           string        // served under /static/ when non-empty
	MaxPayloadBytes     int64         // largest accepted inbound frame
	MaxConcurrentRelays int           // relays in flight across all connections
	CompletionTimeout   time.Duration // bounded wait for the completion signal
	ShutdownDrainWait   time.Duration // Time to wait for load balancer to drain (0 to skip)
	StartupTimeout      time.Duration // bound on establishing the completion consumer
}

// LoadGatewayConfig loads gateway configuration from environment variables.
func LoadGatewayConfig() *GatewayConfig {
	return &GatewayConfig{
		Port:                GetEnv("PORT", "8000"),
		MetricsPort:         GetEnv("METRICS_PORT", "9090"),
		APIKey:              GetSecretFile(GetEnv("API_KEY_FILE", "")),
		AllowedOrigins:      GetListEnv("ALLOWED_ORIGINS", DefaultAllowedOrigins),
		StaticDir:           GetEnv("STATIC_DIR", "static"),
		MaxPayloadBytes:     int64(GetIntEnv("MAX_PAYLOAD_BYTES", 20<<20)),
		MaxConcurrentRelays: GetIntEnv("MAX_CONCURRENT_RELAYS", 16),
		CompletionTimeout:   GetDurationEnv("RELAY_COMPLETION_TIMEOUT", DefaultCompletionTimeout),
		ShutdownDrainWait:   GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
		StartupTimeout:      GetDurationEnv("STARTUP_TIMEOUT", 30*time.Second),
	}
}

// WatcherServiceConfig holds configuration for the completion watcher process.
type WatcherServiceConfig struct {
	MetricsPort       string
	CorrelationID     string        // one-shot mode when set
	LaunchMode        string        // "inprocess" or "docker"
	MaxConcurrent     int           // in-process watchers running at once
	LaunchRetain      time.Duration // how long a finished id is refused a second watcher
	ShutdownDrainWait time.Duration
}

// LoadWatcherServiceConfig loads watcher process configuration from environment variables.
func LoadWatcherServiceConfig() *WatcherServiceConfig {
	return &WatcherServiceConfig{
		MetricsPort:       GetEnv("METRICS_PORT", "9091"),
		CorrelationID:     GetEnv("CORRELATION_ID", ""),
		LaunchMode:        GetEnv("WATCHER_LAUNCH_MODE", "inprocess"),
		MaxConcurrent:     GetIntEnv("WATCHER_MAX_CONCURRENT", 64),
		LaunchRetain:      GetDurationEnv("WATCHER_LAUNCH_RETAIN", 10*time.Minute),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
	}
}
