package testutil

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestWaitFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		condition func() func() bool
		want      bool
	}{
		{
			name:      "immediate success",
			condition: func() func() bool { return func() bool { return true } },
			want:      true,
		},
		{
			name: "eventual success",
			condition: func() func() bool {
				n := 0
				return func() bool { n++; return n >= 3 }
			},
			want: true,
		},
		{
			name:      "timeout",
			condition: func() func() bool { return func() bool { return false } },
			want:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := WaitFor(t, tt.condition(), WithTimeout(100*time.Millisecond), WithInterval(5*time.Millisecond))
			if got != tt.want {
				t.Errorf("WaitFor() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWaitFor_ChecksAtDeadline(t *testing.T) {
	t.Parallel()
	start := time.Now()
	got := WaitFor(t, func() bool {
		return time.Since(start) >= 50*time.Millisecond
	}, WithTimeout(50*time.Millisecond), WithInterval(time.Hour))

	if !got {
		t.Error("expected final check at the deadline to succeed")
	}
}

func TestMustWaitForCount(t *testing.T) {
	t.Parallel()
	var counter atomic.Int64
	go func() {
		for i := 0; i < 5; i++ {
			counter.Add(1)
			time.Sleep(time.Millisecond)
		}
	}()

	MustWaitForCount(t, &counter, 5, WithTimeout(time.Second))
}

func TestMustReceive(t *testing.T) {
	t.Parallel()
	ch := make(chan string, 1)
	ch <- "done"

	if got := MustReceive(t, ch, time.Second); got != "done" {
		t.Errorf("expected done, got %q", got)
	}
	MustNotReceive(t, ch, 10*time.Millisecond)
}

func TestOptions(t *testing.T) {
	t.Parallel()
	o := resolve([]WaitOption{WithTimeout(time.Minute), WithInterval(time.Second), WithMessage("thing")})

	if o.Timeout != time.Minute || o.Interval != time.Second || o.Message != "thing" {
		t.Errorf("unexpected options %+v", o)
	}
	if d := defaultOptions(); d.Timeout != 5*time.Second || d.Interval != 10*time.Millisecond {
		t.Errorf("unexpected defaults %+v", d)
	}
}
