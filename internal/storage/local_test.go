package storage

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
)

func newTestLocal(t *testing.T) (*Local, string) {
	t.Helper()
	root := t.TempDir()
	l, err := NewLocal(filepath.Join(root, "uploads"), filepath.Join(root, "output"))
	if err != nil {
		t.Fatalf("NewLocal failed: %v", err)
	}
	return l, root
}

func TestLocal_SaveWritesIntoBucketDir(t *testing.T) {
	t.Parallel()
	l, root := newTestLocal(t)

	loc, err := l.Save(context.Background(), Outputs, "job-42_out_1.png", []byte("B"))
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if want := filepath.Join(root, "output", "job-42_out_1.png"); loc != want {
		t.Errorf("expected location %s, got %s", want, loc)
	}

	got, err := os.ReadFile(loc)
	if err != nil {
		t.Fatalf("read back failed: %v", err)
	}
	if !bytes.Equal(got, []byte("B")) {
		t.Errorf("unexpected content %q", got)
	}

	// no temp files left behind
	entries, _ := os.ReadDir(filepath.Join(root, "output"))
	if len(entries) != 1 {
		t.Errorf("expected exactly one file, got %d", len(entries))
	}
}

func TestLocal_SaveOverwrites(t *testing.T) {
	t.Parallel()
	l, _ := newTestLocal(t)
	ctx := context.Background()

	l.Save(ctx, Uploads, "a.png", []byte("first"))
	loc, err := l.Save(ctx, Uploads, "a.png", []byte("second"))
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	got, _ := os.ReadFile(loc)
	if string(got) != "second" {
		t.Errorf("expected overwrite, got %q", got)
	}
}

func TestLocal_SaveRejectsBadInput(t *testing.T) {
	t.Parallel()
	l, _ := newTestLocal(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		bucket Bucket
		file   string
	}{
		{"empty name", Uploads, ""},
		{"absolute path", Uploads, "/etc/passwd"},
		{"traversal", Outputs, "../escape.png"},
		{"nested traversal", Outputs, "a/../../escape.png"},
		{"unknown bucket", Bucket("other"), "x.png"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := l.Save(ctx, tt.bucket, tt.file, []byte("x")); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLocal_SaveHonorsContext(t *testing.T) {
	t.Parallel()
	l, _ := newTestLocal(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := l.Save(ctx, Uploads, "x.png", []byte("x")); err == nil {
		t.Error("expected error for canceled context")
	}
}

func TestLocal_Ready(t *testing.T) {
	t.Parallel()
	l, root := newTestLocal(t)

	if err := l.Ready(context.Background()); err != nil {
		t.Fatalf("expected ready, got %v", err)
	}
	os.RemoveAll(filepath.Join(root, "output"))
	if err := l.Ready(context.Background()); err == nil {
		t.Error("expected not ready after directory removal")
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(context.Background(), Config{Driver: "tape"}); err == nil {
		t.Error("expected error for unknown driver")
	}
}
