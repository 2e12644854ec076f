// Package bus provides the signal bus: durable, at-least-once queues used for
// cross-process notification between the gateway and the completion watcher.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrClosed is returned when the broker has been closed.
	ErrClosed = errors.New("bus is closed")

	// ErrBufferFull is returned by the in-memory broker when a queue is full.
	ErrBufferFull = errors.New("bus queue full, message dropped")
)

// Broker publishes and consumes small schema-free signals on named queues.
type Broker interface {
	// Publish enqueues body on queue. It returns once the broker has accepted
	// the message (publisher confirm for RabbitMQ).
	Publish(ctx context.Context, queue string, body []byte) error

	// Consume delivers messages from queue until ctx is done or the
	// connection is lost; in both cases the channel is closed. Every message
	// must be either acked or requeued.
	Consume(ctx context.Context, queue string) (<-chan *Message, error)

	// Ready reports whether the broker is reachable.
	Ready(ctx context.Context) error

	// Close releases the connection.
	Close() error
}

// Message is one signal taken from a queue.
type Message struct {
	Queue string
	Body  []byte

	once    sync.Once
	ack     func() error
	requeue func() error
}

// NewMessage builds a message with settlement callbacks. Used by broker
// implementations and tests.
func NewMessage(queue string, body []byte, ack, requeue func() error) *Message {
	return &Message{Queue: queue, Body: body, ack: ack, requeue: requeue}
}

// Ack removes the message from the queue. Only the first of Ack/Requeue
// has an effect.
func (m *Message) Ack() error {
	return m.settle(m.ack)
}

// Requeue hands the message back to the queue for another consumer.
func (m *Message) Requeue() error {
	return m.settle(m.requeue)
}

func (m *Message) settle(fn func() error) error {
	var err error
	m.once.Do(func() {
		if fn != nil {
			err = fn()
		}
	})
	return err
}

// String returns the body as a string.
func (m *Message) String() string {
	return string(m.Body)
}

// Open connects to the broker selected by cfg.Driver.
func Open(ctx context.Context, cfg Config) (Broker, error) {
	cfg = cfg.withDefaults()

	switch cfg.Driver {
	case DriverRabbitMQ:
		return NewRabbitMQ(ctx, cfg.RabbitMQ)
	case DriverRedis:
		return NewRedis(ctx, cfg.Redis)
	case DriverMemory:
		return NewMemory(cfg.Memory), nil
	default:
		return nil, fmt.Errorf("unknown bus driver %q", cfg.Driver)
	}
}
