package launcher

import (
	"errors"
	"imagerelay/internal/apperrors"
	"sync"
	"testing"
	"time"
)

func TestRegistry_Reserve(t *testing.T) {
	t.Parallel()
	r := NewRegistry(time.Minute)

	if err := r.Reserve("corr-1"); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	ref, exists := r.Ref("corr-1")
	if !exists {
		t.Error("Expected id to exist after reserve")
	}
	if ref != "" {
		t.Errorf("Expected empty ref before commit, got %q", ref)
	}
}

func TestRegistry_ReserveConflicts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		setup func(r *Registry)
	}{
		{"while active", func(r *Registry) { r.Reserve("corr-1") }},
		{"after commit", func(r *Registry) { r.Reserve("corr-1"); r.Commit("corr-1", "container-1") }},
		{"recently finished", func(r *Registry) { r.Reserve("corr-1"); r.Finish("corr-1") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := NewRegistry(time.Minute)
			tt.setup(r)
			if err := r.Reserve("corr-1"); !errors.Is(err, apperrors.ErrConflict) {
				t.Errorf("Expected conflict, got %v", err)
			}
		})
	}
}

func TestRegistry_ReserveAfterRelease(t *testing.T) {
	t.Parallel()
	r := NewRegistry(time.Minute)

	r.Reserve("corr-1")
	r.Release("corr-1")
	if err := r.Reserve("corr-1"); err != nil {
		t.Errorf("Expected reserve after release to succeed, got %v", err)
	}
}

func TestRegistry_ReserveAfterRetention(t *testing.T) {
	t.Parallel()
	r := NewRegistry(10 * time.Millisecond)

	r.Reserve("corr-1")
	r.Finish("corr-1")
	time.Sleep(20 * time.Millisecond)
	if err := r.Reserve("corr-1"); err != nil {
		t.Errorf("Expected reserve after retention to succeed, got %v", err)
	}
}

func TestRegistry_CommitAndActive(t *testing.T) {
	t.Parallel()
	r := NewRegistry(time.Minute)

	r.Reserve("corr-1")
	r.Commit("corr-1", "container-1")
	r.Reserve("corr-2")
	r.Reserve("corr-3")
	r.Finish("corr-3")
	r.Commit("unknown", "ignored")

	active := r.Active()
	if len(active) != 2 {
		t.Fatalf("Expected 2 active, got %d", len(active))
	}
	if active["corr-1"] != "container-1" {
		t.Errorf("Expected container-1, got %q", active["corr-1"])
	}
	if _, ok := r.Ref("unknown"); ok {
		t.Error("Commit must not create entries")
	}
}

func TestRegistry_Prune(t *testing.T) {
	t.Parallel()
	r := NewRegistry(10 * time.Millisecond)

	r.Reserve("done")
	r.Finish("done")
	r.Reserve("running")
	time.Sleep(20 * time.Millisecond)

	if removed := r.Prune(); removed != 1 {
		t.Errorf("Expected 1 pruned, got %d", removed)
	}
	if _, ok := r.Ref("running"); !ok {
		t.Error("Active ids must survive pruning")
	}
}

func TestRegistry_ConcurrentReserve(t *testing.T) {
	t.Parallel()
	r := NewRegistry(time.Minute)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.Reserve("same") == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("Expected exactly one successful reserve, got %d", wins)
	}
}
