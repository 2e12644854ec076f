package launcher

import (
	"context"
	"errors"
	"imagerelay/internal/apperrors"
	"imagerelay/internal/bus"
	"imagerelay/pkg/backoff"
	"log/slog"
	"strings"
)

// Consumer feeds correlation ids from the start-watching queue to a
// launcher. A message is acked once its watcher is running (or already
// known) and requeued when the launch fails.
type Consumer struct {
	broker    bus.Broker
	queue     string
	launcher  Launcher
	reconnect backoff.Config
	logger    *slog.Logger
}

// NewConsumer creates a start-watching consumer.
func NewConsumer(broker bus.Broker, queue string, launcher Launcher, reconnect backoff.Config) *Consumer {
	return &Consumer{
		broker:    broker,
		queue:     queue,
		launcher:  launcher,
		reconnect: reconnect,
		logger:    slog.With("component", "consumer", "queue", queue),
	}
}

// Run consumes until ctx is done, re-attaching with backoff when the
// consumer stream is lost.
func (c *Consumer) Run(ctx context.Context) error {
	attempt := 0
	for {
		msgs, err := c.broker.Consume(ctx, c.queue)
		if err == nil {
			attempt = 0
			c.logger.Info("Waiting for correlation ids")
			for msg := range msgs {
				c.handle(ctx, msg)
			}
			err = errors.New("consumer stream closed")
		}
		if ctx.Err() != nil {
			c.logger.Info("Start-watching consumer stopped")
			return nil
		}

		attempt++
		c.logger.Warn("Start-watching consumer lost", "attempt", attempt, "error", err)
		if backoff.Sleep(ctx, backoff.Exponential(attempt, &c.reconnect)) != nil {
			return nil
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg *bus.Message) {
	id := strings.TrimSpace(msg.String())
	logger := c.logger.With("correlationId", id)

	if id == "" {
		logger.Warn("Dropping empty start-watching signal")
		msg.Ack()
		return
	}

	err := c.launcher.Launch(ctx, id)
	switch {
	case err == nil:
		msg.Ack()
	case errors.Is(err, apperrors.ErrConflict):
		logger.Debug("Duplicate start-watching signal acknowledged")
		msg.Ack()
	default:
		logger.Error("Failed to launch watcher, requeueing", "error", err)
		// hold the message briefly so a broken launcher does not spin
		backoff.Sleep(ctx, backoff.Exponential(1, &c.reconnect))
		if rerr := msg.Requeue(); rerr != nil {
			logger.Error("Failed to requeue start-watching signal", "error", rerr)
		}
	}
}
