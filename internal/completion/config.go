package completion

import (
	"imagerelay/internal/config"
	"imagerelay/pkg/backoff"
	"time"
)

// Config holds configuration for the completion waiter.
type Config struct {
	Queue           string         // completion queue to consume
	DeadLetterQueue string         // destination for signals nobody claims
	MaxRequeues     int            // requeues per unmatched id before dead-lettering (default: 5)
	RetainFor       time.Duration  // how long settled ids are remembered (default: 10m)
	RequeueDelay    backoff.Config // delay before handing an unmatched signal back
	Reconnect       backoff.Config // delay between consumer reconnects
}

// LoadConfigFromEnv loads waiter configuration from environment variables.
// Queue names come from the bus configuration.
func LoadConfigFromEnv(queue, deadLetterQueue string) Config {
	cfg := Config{
		Queue:           queue,
		DeadLetterQueue: deadLetterQueue,
		MaxRequeues:     config.GetIntEnv("COMPLETION_MAX_REQUEUES", 5),
		RetainFor:       config.GetDurationEnv("COMPLETION_RETAIN_FOR", 10*time.Minute),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.Queue == "" {
		c.Queue = "image_processed"
	}
	if c.DeadLetterQueue == "" {
		c.DeadLetterQueue = c.Queue + ".dead"
	}
	if c.MaxRequeues <= 0 {
		c.MaxRequeues = 5
	}
	if c.RetainFor <= 0 {
		c.RetainFor = 10 * time.Minute
	}
	if c.RequeueDelay.Initial <= 0 {
		c.RequeueDelay.Initial = 100 * time.Millisecond
	}
	if c.RequeueDelay.Max <= 0 {
		c.RequeueDelay.Max = 2 * time.Second
	}
	if c.Reconnect.Initial <= 0 {
		c.Reconnect.Initial = 250 * time.Millisecond
	}
	if c.Reconnect.Max <= 0 {
		c.Reconnect.Max = 5 * time.Second
	}
	return c
}
