package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Memory is an in-process broker. Each queue is a bounded channel shared by
// all consumers of that queue. If a queue is full, Publish fails with
// ErrBufferFull instead of blocking.
type Memory struct {
	config MemoryConfig
	logger *slog.Logger

	mu     sync.Mutex
	queues map[string]chan []byte
	drop   chan struct{} // closed by Disconnect to end current consumer streams

	published atomic.Int64
	delivered atomic.Int64
	requeued  atomic.Int64
	dropped   atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

// MemoryStats holds in-memory broker statistics.
type MemoryStats struct {
	Published int64
	Delivered int64
	Requeued  int64
	Dropped   int64
}

// NewMemory creates an in-memory broker.
func NewMemory(cfg MemoryConfig) *Memory {
	cfg = cfg.withDefaults()
	return &Memory{
		config:   cfg,
		logger:   slog.With("component", "bus", "driver", DriverMemory),
		queues:   make(map[string]chan []byte),
		drop:     make(chan struct{}),
		shutdown: make(chan struct{}),
	}
}

func (m *Memory) queue(name string) chan []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queues[name]
	if !ok {
		q = make(chan []byte, m.config.BufferSize)
		m.queues[name] = q
	}
	return q
}

func (m *Memory) dropSignal() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.drop
}

// Publish enqueues a copy of body. Non-blocking.
func (m *Memory) Publish(ctx context.Context, queue string, body []byte) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	payload := append([]byte(nil), body...)
	select {
	case m.queue(queue) <- payload:
		m.published.Add(1)
		return nil
	default:
		m.dropped.Add(1)
		m.logger.Warn("Message dropped, queue full", "queue", queue)
		return ErrBufferFull
	}
}

// Consume starts a consumer on queue.
func (m *Memory) Consume(ctx context.Context, queue string) (<-chan *Message, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}

	q := m.queue(queue)
	drop := m.dropSignal()
	out := make(chan *Message)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(out)

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.shutdown:
				return
			case <-drop:
				return
			case body := <-q:
				msg := NewMessage(queue, body,
					func() error { return nil },
					func() error {
						m.requeued.Add(1)
						return m.Publish(context.Background(), queue, body)
					},
				)
				select {
				case out <- msg:
					m.delivered.Add(1)
				case <-ctx.Done():
					msg.Requeue()
					return
				case <-m.shutdown:
					return
				case <-drop:
					msg.Requeue()
					return
				}
			}
		}
	}()

	return out, nil
}

// Disconnect ends every active consumer stream as if the connection had
// dropped. The broker stays usable and new consumers can attach.
func (m *Memory) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	close(m.drop)
	m.drop = make(chan struct{})
}

// Depth returns the number of pending messages on queue.
func (m *Memory) Depth(queue string) int {
	return len(m.queue(queue))
}

// Stats returns current broker statistics.
func (m *Memory) Stats() MemoryStats {
	return MemoryStats{
		Published: m.published.Load(),
		Delivered: m.delivered.Load(),
		Requeued:  m.requeued.Load(),
		Dropped:   m.dropped.Load(),
	}
}

// Ready reports whether the broker is open.
func (m *Memory) Ready(ctx context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Close stops all consumers. Pending messages are discarded.
func (m *Memory) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	close(m.shutdown)
	m.wg.Wait()
	return nil
}

// Verify Memory implements Broker
var _ Broker = (*Memory)(nil)
