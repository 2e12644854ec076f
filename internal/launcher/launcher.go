// Package launcher starts completion watchers for correlation ids taken from
// the start-watching queue.
package launcher

import (
	"context"
)

// Launch modes.
const (
	ModeInProcess = "inprocess"
	ModeDocker    = "docker"
)

// Launcher starts one watcher per correlation id. Launch returns once the
// watcher is running; the watch itself continues in the background.
// Launching an id that is already being watched returns a Conflict error.
type Launcher interface {
	Launch(ctx context.Context, correlationID string) error
	Ready(ctx context.Context) error
	Close() error
}

// Watcher watches one correlation id to completion.
type Watcher interface {
	Watch(ctx context.Context, correlationID string) error
}

// MetricsRecorder is an optional interface for recording watcher lifecycles.
type MetricsRecorder interface {
	RecordWatcherStarted(ctx context.Context, mode string)
	RecordWatcherFinished(ctx context.Context, completed bool, kind string)
}
