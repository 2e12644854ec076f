// Package completion routes completion signals from the signal bus to the
// relay operations waiting for them, keyed by correlation id.
package completion

import (
	"context"
	"errors"
	"imagerelay/internal/apperrors"
	"imagerelay/internal/bus"
	"imagerelay/pkg/backoff"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var errNotConnected = errors.New("completion consumer not connected")

// MetricsRecorder is an optional interface for recording waiter metrics.
type MetricsRecorder interface {
	RecordSignalReceived(ctx context.Context, queue string)
	RecordSignalRequeued(ctx context.Context)
	RecordSignalDeadLettered(ctx context.Context)
	RecordWaiterRegistered(ctx context.Context, delta int64)
}

// Waiter owns the dispatch table from correlation id to pending operation
// and the single consumer of the completion queue that feeds it.
//
// A signal whose id has no local waiter is requeued (another gateway
// instance may own it) a bounded number of times and then dead-lettered.
// Signals for ids this instance gave up on are dead-lettered at once.
type Waiter struct {
	broker  bus.Broker
	cfg     Config
	logger  *slog.Logger
	metrics MetricsRecorder

	mu        sync.Mutex
	connected bool
	pending   map[string]*Pending
	settled   map[string]settledEntry
	bounces   map[string]*bounce
	lastPrune time.Time

	resolved     atomic.Int64
	requeued     atomic.Int64
	deadLettered atomic.Int64
	failed       atomic.Int64

	requeues sync.WaitGroup
}

type settledEntry struct {
	at        time.Time
	abandoned bool
}

type bounce struct {
	count int
	first time.Time
}

// Stats holds waiter statistics.
type Stats struct {
	Pending      int
	Resolved     int64
	Requeued     int64
	DeadLettered int64
	Failed       int64
}

// NewWaiter creates a waiter. Run must be started before Register succeeds.
func NewWaiter(broker bus.Broker, cfg Config, metrics MetricsRecorder) *Waiter {
	return &Waiter{
		broker:  broker,
		cfg:     cfg.withDefaults(),
		logger:  slog.With("component", "completion"),
		metrics: metrics,
		pending: make(map[string]*Pending),
		settled: make(map[string]settledEntry),
		bounces: make(map[string]*bounce),
	}
}

// Pending is a registered wait for one correlation id.
type Pending struct {
	id     string
	waiter *Waiter
	done   chan struct{}
	once   sync.Once
	err    error
}

// ID returns the correlation id.
func (p *Pending) ID() string {
	return p.id
}

// Wait blocks until the completion signal arrives, the consumer is lost, or
// ctx is done. On ctx expiry the registration is abandoned and ctx.Err() is
// returned, unless a signal already claimed it.
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		if !p.waiter.abandon(p) {
			// claimed by handle or failAll; finish follows the unlock
			<-p.done
			return p.err
		}
		return ctx.Err()
	}
}

// Cancel abandons the registration if it has not completed. Safe to call
// more than once and after completion.
func (p *Pending) Cancel() {
	p.waiter.abandon(p)
}

func (p *Pending) finish(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

// Register adds a waiter for id. It must be called before the id is
// published anywhere, so a fast completion cannot be missed.
func (w *Waiter) Register(id string) (*Pending, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.connected {
		return nil, apperrors.SignalBus("completion.register", errNotConnected)
	}
	if _, exists := w.pending[id]; exists {
		return nil, apperrors.Conflict("waiter", id, "already registered")
	}
	w.pruneLocked(time.Now())

	p := &Pending{id: id, waiter: w, done: make(chan struct{})}
	w.pending[id] = p
	if w.metrics != nil {
		w.metrics.RecordWaiterRegistered(context.Background(), 1)
	}
	return p, nil
}

// abandon removes p if it is still pending. It reports false when p was
// already claimed.
func (w *Waiter) abandon(p *Pending) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.pending[p.id] != p {
		return false
	}
	delete(w.pending, p.id)
	w.settled[p.id] = settledEntry{at: time.Now(), abandoned: true}
	p.finish(context.Canceled)
	if w.metrics != nil {
		w.metrics.RecordWaiterRegistered(context.Background(), -1)
	}
	return true
}

// Run consumes the completion queue until ctx is done. When the consumer
// stream is lost every pending wait fails immediately and the consumer is
// re-established with backoff.
func (w *Waiter) Run(ctx context.Context) error {
	defer w.requeues.Wait()

	attempt := 0
	for {
		msgs, err := w.broker.Consume(ctx, w.cfg.Queue)
		if err == nil {
			attempt = 0
			w.setConnected()
			w.logger.Info("Consuming completion signals", "queue", w.cfg.Queue)

			for msg := range msgs {
				w.handle(ctx, msg)
			}
			err = errors.New("consumer stream closed")
		}

		if ctx.Err() != nil {
			w.disconnect(ctx.Err())
			w.logger.Info("Completion consumer stopped", "stats", w.Stats())
			return nil
		}

		attempt++
		w.disconnect(err)
		w.logger.Warn("Completion consumer lost", "queue", w.cfg.Queue, "attempt", attempt, "error", err)
		if backoff.Sleep(ctx, backoff.Exponential(attempt, &w.cfg.Reconnect)) != nil {
			return nil
		}
	}
}

func (w *Waiter) setConnected() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.connected = true
}

// disconnect fails every pending wait with a signal bus error.
func (w *Waiter) disconnect(cause error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.connected = false
	if len(w.pending) == 0 {
		return
	}

	err := apperrors.SignalBus("completion.consume", cause)
	now := time.Now()
	n := int64(len(w.pending))
	for id, p := range w.pending {
		p.finish(err)
		delete(w.pending, id)
		w.settled[id] = settledEntry{at: now, abandoned: true}
		w.failed.Add(1)
	}
	if w.metrics != nil {
		w.metrics.RecordWaiterRegistered(context.Background(), -n)
	}
}

func (w *Waiter) handle(ctx context.Context, msg *bus.Message) {
	id := strings.TrimSpace(msg.String())
	logger := w.logger.With("correlationId", id)
	if w.metrics != nil {
		w.metrics.RecordSignalReceived(ctx, w.cfg.Queue)
	}

	w.mu.Lock()
	if p, ok := w.pending[id]; ok {
		delete(w.pending, id)
		w.settled[id] = settledEntry{at: time.Now()}
		delete(w.bounces, id)
		w.mu.Unlock()

		p.finish(nil)
		w.resolved.Add(1)
		if w.metrics != nil {
			w.metrics.RecordWaiterRegistered(ctx, -1)
		}
		if err := msg.Ack(); err != nil {
			logger.Warn("Failed to ack completion signal", "error", err)
		}
		logger.Debug("Completion signal delivered")
		return
	}

	if s, ok := w.settled[id]; ok {
		w.mu.Unlock()
		if !s.abandoned {
			logger.Debug("Duplicate completion signal acknowledged")
			msg.Ack()
			return
		}
		w.deadLetter(msg, logger, "waiter gave up")
		return
	}

	b, ok := w.bounces[id]
	if !ok {
		b = &bounce{first: time.Now()}
		w.bounces[id] = b
	}
	b.count++
	count := b.count
	if count > w.cfg.MaxRequeues {
		delete(w.bounces, id)
	}
	w.mu.Unlock()

	if id == "" || count > w.cfg.MaxRequeues {
		w.deadLetter(msg, logger, "no waiter")
		return
	}

	w.requeued.Add(1)
	if w.metrics != nil {
		w.metrics.RecordSignalRequeued(ctx)
	}
	delay := backoff.Exponential(count, &w.cfg.RequeueDelay)
	logger.Debug("Requeueing unmatched completion signal", "requeues", count, "delay", delay)

	w.requeues.Add(1)
	go func() {
		defer w.requeues.Done()
		// requeue even when ctx ends so the signal is not lost
		backoff.Sleep(ctx, delay)
		if err := msg.Requeue(); err != nil {
			logger.Warn("Failed to requeue completion signal", "error", err)
		}
	}()
}

// deadLetter moves msg to the dead-letter queue, or requeues it if that fails.
func (w *Waiter) deadLetter(msg *bus.Message, logger *slog.Logger, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := w.broker.Publish(ctx, w.cfg.DeadLetterQueue, msg.Body); err != nil {
		logger.Error("Failed to dead-letter completion signal, requeueing", "reason", reason, "error", err)
		msg.Requeue()
		return
	}
	msg.Ack()

	w.deadLettered.Add(1)
	if w.metrics != nil {
		w.metrics.RecordSignalDeadLettered(ctx)
	}
	logger.Warn("Completion signal dead-lettered", "reason", reason, "queue", w.cfg.DeadLetterQueue)
}

// pruneLocked forgets settled ids and bounce counters older than RetainFor.
func (w *Waiter) pruneLocked(now time.Time) {
	if now.Sub(w.lastPrune) < w.cfg.RetainFor/10 {
		return
	}
	w.lastPrune = now

	for id, s := range w.settled {
		if now.Sub(s.at) > w.cfg.RetainFor {
			delete(w.settled, id)
		}
	}
	for id, b := range w.bounces {
		if now.Sub(b.first) > w.cfg.RetainFor {
			delete(w.bounces, id)
		}
	}
}

// Connected reports whether the completion consumer is attached.
func (w *Waiter) Connected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connected
}

// WaitConnected blocks until the completion consumer is established or ctx
// is done.
func (w *Waiter) WaitConnected(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for !w.Connected() {
		select {
		case <-ctx.Done():
			return apperrors.SignalBus("completion.connect", ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

// Ready implements health.ReadinessChecker.
func (w *Waiter) Ready(ctx context.Context) error {
	if !w.Connected() {
		return errNotConnected
	}
	return nil
}

// Stats returns current waiter statistics.
func (w *Waiter) Stats() Stats {
	w.mu.Lock()
	pending := len(w.pending)
	w.mu.Unlock()

	return Stats{
		Pending:      pending,
		Resolved:     w.resolved.Load(),
		Requeued:     w.requeued.Load(),
		DeadLettered: w.deadLettered.Load(),
		Failed:       w.failed.Load(),
	}
}
