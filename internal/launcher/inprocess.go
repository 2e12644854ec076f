package launcher

import (
	"context"
	"errors"
	"imagerelay/internal/apperrors"
	"log/slog"
	"sync"
	"sync/atomic"
)

var errClosed = errors.New("launcher is closed")

// InProcess runs each watcher as a goroutine in this process, at most
// maxConcurrent at a time. Launch blocks while all slots are taken.
type InProcess struct {
	watcher  Watcher
	registry *Registry
	slots    chan struct{}
	metrics  MetricsRecorder
	logger   *slog.Logger

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewInProcess creates an in-process launcher. metrics may be nil.
func NewInProcess(watcher Watcher, registry *Registry, maxConcurrent int, metrics MetricsRecorder) *InProcess {
	if maxConcurrent <= 0 {
		maxConcurrent = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &InProcess{
		watcher:  watcher,
		registry: registry,
		slots:    make(chan struct{}, maxConcurrent),
		metrics:  metrics,
		logger:   slog.With("component", "launcher", "mode", ModeInProcess),
		runCtx:   ctx,
		cancel:   cancel,
	}
}

// Launch starts a watcher goroutine for correlationID.
func (l *InProcess) Launch(ctx context.Context, correlationID string) error {
	if l.closed.Load() {
		return apperrors.Internal("launcher.launch", errClosed)
	}
	if err := l.registry.Reserve(correlationID); err != nil {
		return err
	}

	select {
	case l.slots <- struct{}{}:
	case <-ctx.Done():
		l.registry.Release(correlationID)
		return apperrors.Canceled("launcher.launch", ctx.Err())
	case <-l.runCtx.Done():
		l.registry.Release(correlationID)
		return apperrors.Internal("launcher.launch", errClosed)
	}

	if l.metrics != nil {
		l.metrics.RecordWatcherStarted(ctx, ModeInProcess)
	}
	l.logger.Info("Watcher started", "correlationId", correlationID, "running", len(l.slots))

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer func() { <-l.slots }()
		defer l.registry.Finish(correlationID)

		err := l.watcher.Watch(l.runCtx, correlationID)
		if l.metrics != nil {
			l.metrics.RecordWatcherFinished(context.Background(), err == nil, apperrors.Kind(err))
		}
		if err != nil {
			l.logger.Warn("Watcher finished without completion", "correlationId", correlationID, "kind", apperrors.Kind(err), "error", err)
			return
		}
		l.logger.Info("Watcher finished", "correlationId", correlationID)
	}()
	return nil
}

// Running returns the number of watchers currently running.
func (l *InProcess) Running() int {
	return len(l.slots)
}

// Ready reports whether the launcher accepts new watchers.
func (l *InProcess) Ready(ctx context.Context) error {
	if l.closed.Load() {
		return errClosed
	}
	return nil
}

// Close stops all running watchers and waits for them to return.
func (l *InProcess) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	l.cancel()
	l.wg.Wait()
	return nil
}

var _ Launcher = (*InProcess)(nil)
