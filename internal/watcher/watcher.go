// Package watcher follows the backend event stream for one correlation id and
// publishes a completion signal when the backend reports an empty queue.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"imagerelay/internal/apperrors"
	"imagerelay/pkg/backoff"
	"log/slog"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// errStreamClosed is returned when the event stream ends before completion.
var errStreamClosed = errors.New("event stream closed before completion")

// Publisher sends the completion signal.
type Publisher interface {
	Publish(ctx context.Context, queue string, body []byte) error
}

// MetricsRecorder is an optional interface for recording watcher metrics.
type MetricsRecorder interface {
	RecordWatcherReconnect(ctx context.Context)
}

// Watcher connects to the event stream and signals completion.
// One Watcher serves any number of concurrent Watch calls.
type Watcher struct {
	cfg       Config
	dialer    *websocket.Dialer
	publisher Publisher
	metrics   MetricsRecorder
	logger    *slog.Logger
}

// New creates a watcher. metrics may be nil.
func New(cfg Config, publisher Publisher, metrics MetricsRecorder) *Watcher {
	cfg = cfg.withDefaults()
	return &Watcher{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
			Proxy:            websocket.DefaultDialer.Proxy,
		},
		publisher: publisher,
		metrics:   metrics,
		logger:    slog.With("component", "watcher"),
	}
}

// Watch blocks until the backend reports zero remaining work for the stream
// of correlationID, then publishes correlationID to the completion queue.
//
// Dropped connections are redialed with backoff until the watch timeout.
// When the timeout passes first, Watch returns a ConnectionLost error and
// publishes nothing.
func (w *Watcher) Watch(ctx context.Context, correlationID string) error {
	if correlationID == "" {
		return apperrors.Validation("correlationId", "correlation id is required")
	}
	logger := w.logger.With("correlationId", correlationID)

	watchCtx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	streamURL := w.cfg.EventStreamURL + url.QueryEscape(correlationID)
	start := time.Now()

	err := backoff.Retry(watchCtx, &w.cfg.Reconnect, func(attempt int) error {
		if attempt > 1 {
			logger.Info("Reconnecting to event stream", "attempt", attempt)
			if w.metrics != nil {
				w.metrics.RecordWatcherReconnect(ctx)
			}
		}
		return w.listen(watchCtx, streamURL, logger)
	})
	if err != nil {
		if ctx.Err() != nil {
			return apperrors.Canceled("watcher.watch", ctx.Err())
		}
		logger.Warn("Gave up watching event stream", "elapsed", time.Since(start), "error", err)
		return apperrors.ConnectionLost("watcher.watch", err)
	}

	logger.Info("Backend queue drained, sending completion signal", "elapsed", time.Since(start))

	pubCtx, pubCancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.PublishTimeout)
	defer pubCancel()
	if err := w.publisher.Publish(pubCtx, w.cfg.CompletionQueue, []byte(correlationID)); err != nil {
		logger.Error("Failed to publish completion signal", "queue", w.cfg.CompletionQueue, "error", err)
		return apperrors.SignalBus("watcher.notify", err)
	}
	logger.Info("Completion signal published", "queue", w.cfg.CompletionQueue)
	return nil
}

// listen dials once and reads frames until a completion frame (nil), or the
// connection or ctx ends (error).
func (w *Watcher) listen(ctx context.Context, streamURL string, logger *slog.Logger) error {
	conn, _, err := w.dialer.DialContext(ctx, streamURL, nil)
	if err != nil {
		return fmt.Errorf("dial event stream: %w", err)
	}
	defer conn.Close()
	logger.Debug("Connected to event stream")

	// unblock ReadMessage when ctx ends
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %v", errStreamClosed, err)
		}
		if messageType != websocket.TextMessage {
			// previews
			continue
		}

		done, err := IsCompletion(payload)
		if err != nil {
			logger.Warn("Skipping event frame", "error", err)
			continue
		}
		if done {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return nil
		}
	}
}
