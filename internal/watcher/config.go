package watcher

import (
	"imagerelay/internal/config"
	"imagerelay/pkg/backoff"
	"time"
)

// Config holds completion watcher configuration.
type Config struct {
	EventStreamURL   string // the correlation id is appended
	CompletionQueue  string
	Timeout          time.Duration  // whole watch lifetime, reconnects included
	Reconnect        backoff.Config // delay between dial attempts
	HandshakeTimeout time.Duration  // per dial attempt (default: 10s)
	PublishTimeout   time.Duration  // completion publish (default: 5s)
}

// LoadConfigFromEnv loads watcher configuration from environment variables.
func LoadConfigFromEnv(completionQueue string) Config {
	cfg := Config{
		EventStreamURL:  config.GetFirstEnv("ws://127.0.0.1:8188/ws?clientId=", "EVENT_STREAM_URL", "WS_URL"),
		CompletionQueue: completionQueue,
		Timeout: config.GetDurationEnv("WATCH_TIMEOUT",
			config.GetDurationEnv("RELAY_COMPLETION_TIMEOUT", config.DefaultCompletionTimeout)),
		Reconnect: backoff.Config{
			Initial: config.GetDurationEnv("WATCH_RECONNECT_INITIAL", 250*time.Millisecond),
			Max:     config.GetDurationEnv("WATCH_RECONNECT_MAX", 5*time.Second),
		},
		HandshakeTimeout: config.GetDurationEnv("WATCH_HANDSHAKE_TIMEOUT", 10*time.Second),
		PublishTimeout:   config.GetDurationEnv("WATCH_PUBLISH_TIMEOUT", 5*time.Second),
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.EventStreamURL == "" {
		c.EventStreamURL = "ws://127.0.0.1:8188/ws?clientId="
	}
	if c.CompletionQueue == "" {
		c.CompletionQueue = "image_processed"
	}
	if c.Timeout <= 0 {
		c.Timeout = config.DefaultCompletionTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Second
	}
	return c
}
