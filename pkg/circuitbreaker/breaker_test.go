package circuitbreaker

import (
	"errors"
	"slices"
	"testing"
	"time"
)

func TestNew_WithZeroValues(t *testing.T) {
	t.Parallel()
	b := New(Config{})

	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	if b.State() != Closed {
		t.Error("Expected closed state after 4 failures (default threshold is 5)")
	}

	b.RecordFailure()
	if b.State() != Open {
		t.Error("Expected open state after 5 failures")
	}
}

func TestBreaker_HalfOpenAllowsSingleTrial(t *testing.T) {
	t.Parallel()
	b := New(Config{Threshold: 1, Cooldown: 10 * time.Millisecond})

	b.RecordFailure()
	if b.Allow() {
		t.Fatal("Expected open breaker to reject during cooldown")
	}

	time.Sleep(20 * time.Millisecond)

	if !b.Allow() {
		t.Fatal("Expected first call after cooldown to be allowed")
	}
	if b.State() != HalfOpen {
		t.Errorf("Expected half-open, got %s", b.State())
	}
	if b.Allow() {
		t.Error("Expected concurrent trial to be rejected")
	}

	b.RecordSuccess()
	if b.State() != Closed {
		t.Errorf("Expected closed after successful trial, got %s", b.State())
	}
}

func TestBreaker_ReopensOnFailureInHalfOpen(t *testing.T) {
	t.Parallel()
	b := New(Config{Threshold: 1, Cooldown: 10 * time.Millisecond})

	b.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	b.Allow()
	b.RecordFailure()

	if b.State() != Open {
		t.Errorf("Expected open after failed trial, got %s", b.State())
	}
}

func TestBreaker_Do(t *testing.T) {
	t.Parallel()
	b := New(Config{Threshold: 2, Cooldown: time.Minute})
	clientErr := errors.New("400 bad request")
	serverErr := errors.New("503 unavailable")
	countable := func(err error) bool { return err == serverErr }

	for i := 0; i < 5; i++ {
		if err := b.Do(func() error { return clientErr }, countable); err != clientErr {
			t.Fatalf("expected client error passthrough, got %v", err)
		}
	}
	if b.State() != Closed {
		t.Fatal("non-countable errors must not open the breaker")
	}

	b.Do(func() error { return serverErr }, countable)
	b.Do(func() error { return serverErr }, countable)
	if b.State() != Open {
		t.Fatal("expected breaker to open after countable failures")
	}

	called := false
	err := b.Do(func() error { called = true; return nil }, countable)
	if !errors.Is(err, ErrOpen) {
		t.Errorf("expected ErrOpen, got %v", err)
	}
	if called {
		t.Error("fn must not run while open")
	}
}

func TestBreaker_Reset(t *testing.T) {
	t.Parallel()
	b := New(Config{Threshold: 1})
	b.RecordFailure()
	b.Reset()

	if b.State() != Closed || b.Failures() != 0 {
		t.Errorf("Expected clean closed breaker, got %s with %d failures", b.State(), b.Failures())
	}
}

func TestBreaker_StateString(t *testing.T) {
	t.Parallel()
	tests := map[State]string{
		Closed:    "closed",
		Open:      "open",
		HalfOpen:  "half-open",
		State(42): "unknown",
	}
	for state, want := range tests {
		if state.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", state, state.String(), want)
		}
	}
}

func TestRegistry_OpenKeys(t *testing.T) {
	t.Parallel()
	r := NewRegistry(Config{Threshold: 1, Cooldown: time.Minute})

	if r.Get("upload") != r.Get("upload") {
		t.Fatal("Expected the same breaker for the same key")
	}

	r.Get("view").RecordFailure()
	r.Get("history").RecordFailure()
	r.Get("prompt").RecordSuccess()

	want := []string{"history", "view"}
	if got := r.OpenKeys(); !slices.Equal(got, want) {
		t.Errorf("OpenKeys() = %v, want %v", got, want)
	}
}
