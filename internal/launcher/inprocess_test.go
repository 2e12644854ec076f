package launcher

import (
	"context"
	"errors"
	"imagerelay/internal/apperrors"
	"imagerelay/internal/bus"
	"imagerelay/internal/testutil"
	"imagerelay/pkg/backoff"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// blockingWatcher records calls and blocks each watch until released.
type blockingWatcher struct {
	mu       sync.Mutex
	started  []string
	release  chan struct{}
	finished atomic.Int64
	err      error
}

func newBlockingWatcher() *blockingWatcher {
	return &blockingWatcher{release: make(chan struct{})}
}

func (w *blockingWatcher) Watch(ctx context.Context, id string) error {
	w.mu.Lock()
	w.started = append(w.started, id)
	w.mu.Unlock()
	defer w.finished.Add(1)

	select {
	case <-w.release:
		return w.err
	case <-ctx.Done():
		return apperrors.Canceled("watch", ctx.Err())
	}
}

func (w *blockingWatcher) Started() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.started...)
}

type lifecycleMetrics struct {
	started, completed, failed atomic.Int64
}

func (m *lifecycleMetrics) RecordWatcherStarted(ctx context.Context, mode string) { m.started.Add(1) }
func (m *lifecycleMetrics) RecordWatcherFinished(ctx context.Context, completed bool, kind string) {
	if completed {
		m.completed.Add(1)
	} else {
		m.failed.Add(1)
	}
}

func TestInProcess_LaunchRunsWatcher(t *testing.T) {
	t.Parallel()
	w := newBlockingWatcher()
	metrics := &lifecycleMetrics{}
	l := NewInProcess(w, NewRegistry(time.Minute), 4, metrics)
	defer l.Close()

	if err := l.Launch(context.Background(), "corr-1"); err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	testutil.MustWaitFor(t, func() bool { return len(w.Started()) == 1 })
	if l.Running() != 1 {
		t.Errorf("expected 1 running, got %d", l.Running())
	}

	close(w.release)
	testutil.MustWaitFor(t, func() bool { return l.Running() == 0 })
	testutil.MustWaitForCount(t, &metrics.completed, 1)
	if metrics.started.Load() != 1 {
		t.Errorf("expected 1 start recorded, got %d", metrics.started.Load())
	}
}

func TestInProcess_DuplicateLaunchConflicts(t *testing.T) {
	t.Parallel()
	w := newBlockingWatcher()
	l := NewInProcess(w, NewRegistry(time.Minute), 4, nil)
	defer l.Close()

	l.Launch(context.Background(), "corr-1")
	if err := l.Launch(context.Background(), "corr-1"); !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("expected conflict, got %v", err)
	}

	// still a conflict after the watch finished
	close(w.release)
	testutil.MustWaitFor(t, func() bool { return w.finished.Load() == 1 })
	if err := l.Launch(context.Background(), "corr-1"); !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("expected conflict after finish, got %v", err)
	}
	if n := len(w.Started()); n != 1 {
		t.Errorf("expected exactly one watch, got %d", n)
	}
}

func TestInProcess_BoundedConcurrency(t *testing.T) {
	t.Parallel()
	w := newBlockingWatcher()
	l := NewInProcess(w, NewRegistry(time.Minute), 2, nil)
	defer l.Close()

	l.Launch(context.Background(), "a")
	l.Launch(context.Background(), "b")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := l.Launch(ctx, "c")
	if !errors.Is(err, apperrors.ErrCanceled) {
		t.Fatalf("expected launch to block until ctx expired, got %v", err)
	}

	// the reservation was released, so c can launch once a slot frees
	close(w.release)
	testutil.MustWaitFor(t, func() bool { return l.Running() == 0 })
	if err := l.Launch(context.Background(), "c"); err != nil {
		t.Errorf("expected c to launch, got %v", err)
	}
}

func TestInProcess_FailedWatchRecorded(t *testing.T) {
	t.Parallel()
	w := newBlockingWatcher()
	w.err = apperrors.ConnectionLost("watch", errors.New("gone"))
	metrics := &lifecycleMetrics{}
	l := NewInProcess(w, NewRegistry(time.Minute), 1, metrics)
	defer l.Close()

	l.Launch(context.Background(), "corr-1")
	close(w.release)
	testutil.MustWaitForCount(t, &metrics.failed, 1)
}

func TestInProcess_CloseStopsWatchers(t *testing.T) {
	t.Parallel()
	w := newBlockingWatcher()
	l := NewInProcess(w, NewRegistry(time.Minute), 4, nil)

	l.Launch(context.Background(), "a")
	l.Launch(context.Background(), "b")
	testutil.MustWaitFor(t, func() bool { return len(w.Started()) == 2 })

	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if w.finished.Load() != 2 {
		t.Errorf("expected both watchers stopped, got %d", w.finished.Load())
	}
	if err := l.Ready(context.Background()); err == nil {
		t.Error("expected not ready after close")
	}
	if err := l.Launch(context.Background(), "c"); err == nil {
		t.Error("expected launch after close to fail")
	}
}

// flakyLauncher fails the first n launches.
type flakyLauncher struct {
	failures atomic.Int64
	launched chan string
}

func (f *flakyLauncher) Launch(ctx context.Context, id string) error {
	if f.failures.Add(-1) >= 0 {
		return apperrors.Internal("launch", errors.New("daemon busy"))
	}
	f.launched <- id
	return nil
}
func (f *flakyLauncher) Ready(ctx context.Context) error { return nil }
func (f *flakyLauncher) Close() error                    { return nil }

func runConsumer(t *testing.T, broker bus.Broker, l Launcher) {
	t.Helper()
	c := NewConsumer(broker, "uuid_queue", l, backoff.Config{Initial: time.Millisecond, Max: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestConsumer_LaunchesAndDedupes(t *testing.T) {
	t.Parallel()
	broker := bus.NewMemory(bus.MemoryConfig{})
	defer broker.Close()
	w := newBlockingWatcher()
	l := NewInProcess(w, NewRegistry(time.Minute), 8, nil)
	defer l.Close()
	runConsumer(t, broker, l)

	ctx := context.Background()
	broker.Publish(ctx, "uuid_queue", []byte("corr-1"))
	broker.Publish(ctx, "uuid_queue", []byte("corr-1")) // redelivery
	broker.Publish(ctx, "uuid_queue", []byte("  "))
	broker.Publish(ctx, "uuid_queue", []byte("corr-2\n"))

	testutil.MustWaitFor(t, func() bool { return len(w.Started()) == 2 })
	testutil.MustWaitFor(t, func() bool { return broker.Depth("uuid_queue") == 0 })
	time.Sleep(20 * time.Millisecond)

	started := w.Started()
	if len(started) != 2 {
		t.Fatalf("expected 2 watchers, got %v", started)
	}
	seen := map[string]bool{started[0]: true, started[1]: true}
	if !seen["corr-1"] || !seen["corr-2"] {
		t.Errorf("unexpected watchers %v", started)
	}
}

func TestConsumer_RequeuesFailedLaunch(t *testing.T) {
	t.Parallel()
	broker := bus.NewMemory(bus.MemoryConfig{})
	defer broker.Close()
	l := &flakyLauncher{launched: make(chan string, 1)}
	l.failures.Store(2)
	runConsumer(t, broker, l)

	broker.Publish(context.Background(), "uuid_queue", []byte("corr-9"))

	if got := testutil.MustReceive(t, l.launched, 2*time.Second); got != "corr-9" {
		t.Errorf("expected corr-9, got %q", got)
	}
	if broker.Stats().Requeued != 2 {
		t.Errorf("expected 2 requeues, got %d", broker.Stats().Requeued)
	}
}

func TestConsumer_ReattachesAfterLoss(t *testing.T) {
	t.Parallel()
	broker := bus.NewMemory(bus.MemoryConfig{})
	defer broker.Close()
	l := &flakyLauncher{launched: make(chan string, 2)}
	runConsumer(t, broker, l)

	broker.Publish(context.Background(), "uuid_queue", []byte("before"))
	testutil.MustReceive(t, l.launched, 2*time.Second)

	broker.Disconnect()
	broker.Publish(context.Background(), "uuid_queue", []byte("after"))
	if got := testutil.MustReceive(t, l.launched, 2*time.Second); got != "after" {
		t.Errorf("expected after, got %q", got)
	}
}
