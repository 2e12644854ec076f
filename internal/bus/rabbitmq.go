package bus

import (
	"context"
	"errors"
	"fmt"
	"imagerelay/pkg/backoff"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQ is a Broker backed by durable RabbitMQ queues on the default
// exchange. Publishes wait for a publisher confirm; consumers ack manually.
// A dropped connection is re-dialed lazily on the next call.
type RabbitMQ struct {
	cfg    RabbitMQConfig
	logger *slog.Logger

	mu       sync.Mutex
	conn     *amqp.Connection
	pubCh    *amqp.Channel
	declared map[string]bool
	closed   bool
}

// NewRabbitMQ connects to RabbitMQ, retrying up to cfg.DialAttempts times.
func NewRabbitMQ(ctx context.Context, cfg RabbitMQConfig) (*RabbitMQ, error) {
	cfg = cfg.withDefaults()
	r := &RabbitMQ{
		cfg:      cfg,
		logger:   slog.With("component", "bus", "driver", DriverRabbitMQ),
		declared: make(map[string]bool),
	}

	err := backoff.Retry(ctx, &backoff.Config{Initial: 500 * time.Millisecond, Max: 5 * time.Second}, func(attempt int) error {
		r.mu.Lock()
		defer r.mu.Unlock()

		_, err := r.connectionLocked()
		if err == nil {
			return nil
		}
		r.logger.Warn("Failed to connect to RabbitMQ", "attempt", attempt, "max", cfg.DialAttempts, "error", err)
		if attempt >= cfg.DialAttempts {
			return backoff.Permanent(err)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	r.logger.Info("Connected to RabbitMQ")
	return r, nil
}

// connectionLocked returns the live connection, dialing if needed.
func (r *RabbitMQ) connectionLocked() (*amqp.Connection, error) {
	if r.closed {
		return nil, ErrClosed
	}
	if r.conn != nil && !r.conn.IsClosed() {
		return r.conn, nil
	}

	conn, err := amqp.Dial(r.cfg.URL)
	if err != nil {
		return nil, err
	}
	r.conn = conn
	r.pubCh = nil
	r.declared = make(map[string]bool)
	return conn, nil
}

// publishChannelLocked returns the confirm-mode channel used for publishing.
func (r *RabbitMQ) publishChannelLocked() (*amqp.Channel, error) {
	conn, err := r.connectionLocked()
	if err != nil {
		return nil, err
	}
	if r.pubCh != nil && !r.pubCh.IsClosed() {
		return r.pubCh, nil
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to enable publish confirmations: %w", err)
	}
	r.pubCh = ch
	r.declared = make(map[string]bool)
	return ch, nil
}

func declareQueue(ch *amqp.Channel, name string) error {
	_, err := ch.QueueDeclare(
		name,  // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", name, err)
	}
	return nil
}

// Publish sends body to queue as a persistent message and waits for the
// broker's confirm, bounded by the publish timeout.
func (r *RabbitMQ) Publish(ctx context.Context, queue string, body []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, err := r.publishChannelLocked()
	if err != nil {
		return err
	}
	if !r.declared[queue] {
		if err := declareQueue(ch, queue); err != nil {
			return err
		}
		r.declared[queue] = true
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.PublishTimeout)
	defer cancel()

	confirm, err := ch.PublishWithDeferredConfirmWithContext(
		ctx,
		"",    // exchange
		queue, // routing key
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "text/plain",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to receive publish confirmation: %w", err)
	}
	if !acked {
		return errors.New("publish was nacked by the broker")
	}
	return nil
}

// Consume opens a dedicated channel for queue with manual ack and prefetch.
func (r *RabbitMQ) Consume(ctx context.Context, queue string) (<-chan *Message, error) {
	r.mu.Lock()
	conn, err := r.connectionLocked()
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	if err := declareQueue(ch, queue); err != nil {
		ch.Close()
		return nil, err
	}
	if err := ch.Qos(r.cfg.Prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	deliveries, err := ch.Consume(
		queue, // queue
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to register consumer: %w", err)
	}

	out := make(chan *Message)
	go func() {
		defer close(out)
		// unacked deliveries are returned to the queue when the channel closes
		defer ch.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					r.logger.Warn("Consumer stream closed", "queue", queue)
					return
				}
				msg := NewMessage(queue, d.Body,
					func() error { return d.Ack(false) },
					func() error { return d.Nack(false, true) },
				)
				select {
				case out <- msg:
				case <-ctx.Done():
					msg.Requeue()
					return
				}
			}
		}
	}()

	return out, nil
}

// Ready checks that a connection to RabbitMQ is open, re-dialing if needed.
func (r *RabbitMQ) Ready(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.connectionLocked()
	return err
}

// Close closes the publish channel and the connection.
func (r *RabbitMQ) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	if r.pubCh != nil {
		_ = r.pubCh.Close()
	}
	if r.conn != nil && !r.conn.IsClosed() {
		return r.conn.Close()
	}
	return nil
}

// Verify RabbitMQ implements Broker
var _ Broker = (*RabbitMQ)(nil)
