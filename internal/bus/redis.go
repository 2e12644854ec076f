package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Redis is a Broker backed by Redis lists. Consumers move each message to a
// per-queue processing list with BLMOVE, so a message stays in Redis until it
// is acked (removed) or requeued (pushed back onto the queue).
type Redis struct {
	client *redis.Client
	cfg    RedisConfig
	logger *slog.Logger
}

// NewRedis connects to Redis and verifies the connection with PING.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	cfg = cfg.withDefaults()
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Addr, err)
	}

	return newRedisWithClient(client, cfg), nil
}

func newRedisWithClient(client *redis.Client, cfg RedisConfig) *Redis {
	return &Redis{
		client: client,
		cfg:    cfg.withDefaults(),
		logger: slog.With("component", "bus", "driver", DriverRedis),
	}
}

func (r *Redis) key(queue string) string {
	return r.cfg.KeyPrefix + queue
}

func (r *Redis) processingKey(queue string) string {
	return r.cfg.KeyPrefix + queue + ":processing"
}

// Publish appends body to the queue list.
func (r *Redis) Publish(ctx context.Context, queue string, body []byte) error {
	if err := r.client.RPush(ctx, r.key(queue), body).Err(); err != nil {
		return fmt.Errorf("failed to push to %s: %w", queue, err)
	}
	return nil
}

// Consume polls the queue with a blocking move into the processing list.
func (r *Redis) Consume(ctx context.Context, queue string) (<-chan *Message, error) {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	key, processing := r.key(queue), r.processingKey(queue)
	out := make(chan *Message)

	go func() {
		defer close(out)

		for ctx.Err() == nil {
			body, err := r.client.BLMove(ctx, key, processing, "LEFT", "RIGHT", r.cfg.BlockTimeout).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				if ctx.Err() == nil {
					r.logger.Warn("Consumer stream closed", "queue", queue, "error", err)
				}
				return
			}

			msg := NewMessage(queue, []byte(body),
				func() error {
					return r.client.LRem(context.Background(), processing, 1, body).Err()
				},
				func() error {
					_, err := r.client.TxPipelined(context.Background(), func(pipe redis.Pipeliner) error {
						pipe.LRem(context.Background(), processing, 1, body)
						pipe.RPush(context.Background(), key, body)
						return nil
					})
					return err
				},
			)

			select {
			case out <- msg:
			case <-ctx.Done():
				msg.Requeue()
				return
			}
		}
	}()

	return out, nil
}

// Ready pings Redis.
func (r *Redis) Ready(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the client.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Verify Redis implements Broker
var _ Broker = (*Redis)(nil)
