//go:build e2e

package e2e

import (
	"context"
	"imagerelay/internal/api"
	"imagerelay/internal/bus"
	"imagerelay/internal/comfy"
	"imagerelay/internal/completion"
	"imagerelay/internal/health"
	"imagerelay/internal/launcher"
	"imagerelay/internal/relay"
	"imagerelay/internal/storage"
	"imagerelay/internal/testutil"
	"imagerelay/internal/watcher"
	"imagerelay/pkg/backoff"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"
)

// stack is a gateway and a completion watcher wired over an in-memory bus
// against a fake backend.
type stack struct {
	URL     string
	Backend *testutil.FakeBackend
	Broker  *bus.Memory
	Waiter  *completion.Waiter
}

// getTestURL returns the websocket base URL for e2e tests.
// If E2E_GATEWAY_URL is set, tests run against that instance.
// Otherwise, a full stack is created in-process.
func getTestURL(tb testing.TB) (string, *stack) {
	tb.Helper()
	if url := os.Getenv("E2E_GATEWAY_URL"); url != "" {
		tb.Logf("Using external gateway: %s", url)
		return url, nil
	}
	s := createTestStack(tb)
	return s.URL, s
}

func createTestStack(tb testing.TB) *stack {
	tb.Helper()
	backend := testutil.NewFakeBackend(tb)
	backend.AddOutput("job-42", "9", "out_1.png", []byte("B"))

	broker := bus.NewMemory(bus.MemoryConfig{BufferSize: 4096})
	store, err := storage.NewLocal(tb.TempDir(), tb.TempDir())
	if err != nil {
		tb.Fatalf("Failed to create store: %v", err)
	}

	template, err := comfy.LoadTemplate(comfy.WorkflowConfig{})
	if err != nil {
		tb.Fatalf("Failed to load template: %v", err)
	}
	client := comfy.NewClient(comfy.Config{BaseURL: backend.URL(), HTTPTimeout: 5 * time.Second}, store, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	waiter := completion.NewWaiter(broker, completion.Config{Queue: "image_processed"}, nil)
	waiterDone := make(chan struct{})
	go func() {
		defer close(waiterDone)
		waiter.Run(ctx)
	}()

	w := watcher.New(watcher.Config{
		EventStreamURL:  backend.EventStreamURL(),
		CompletionQueue: "image_processed",
		Timeout:         10 * time.Second,
	}, broker, nil)
	l := launcher.NewInProcess(w, launcher.NewRegistry(time.Minute), 64, nil)
	consumer := launcher.NewConsumer(broker, "uuid_queue", l, backoff.Config{Initial: 10 * time.Millisecond, Max: 100 * time.Millisecond})
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		consumer.Run(ctx)
	}()

	svc := relay.NewService(relay.Config{
		StartQueue:        "uuid_queue",
		CompletionTimeout: 10 * time.Second,
		MaxConcurrent:     64,
	}, relay.Deps{
		Store:     store,
		Client:    client,
		Template:  template,
		Waiter:    waiter,
		Publisher: broker,
	})

	checker := health.NewChecker().
		Add("bus", broker).
		Add("completion", waiter).
		Add("storage", store).
		Add("backend", client)
	handler := api.NewHandler(svc, checker, api.HandlerConfig{
		AllowedOrigins:  []string{"*"},
		MaxPayloadBytes: 1 << 20,
	})
	server := httptest.NewServer(api.NewRouter(api.RouterConfig{Handler: handler}))

	go autoComplete(ctx, backend)

	tb.Cleanup(func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		handler.Shutdown(shutdownCtx)
		server.Close()
		cancel()
		<-consumerDone
		l.Close()
		<-waiterDone
		broker.Close()
	})

	testutil.MustWaitFor(tb, waiter.Connected)
	return &stack{
		URL:     "ws" + strings.TrimPrefix(server.URL, "http"),
		Backend: backend,
		Broker:  broker,
		Waiter:  waiter,
	}
}

// autoComplete plays the backend finishing work: every watcher connection
// gets a drained-queue frame once a job has been submitted for it.
func autoComplete(ctx context.Context, backend *testutil.FakeBackend) {
	completed := make(map[string]bool)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, id := range backend.ClientIDs() {
			if completed[id] || backend.Submissions() <= int64(len(completed)) {
				continue
			}
			if backend.SendStatus(id, 0, false) == nil {
				completed[id] = true
			}
		}
	}
}
