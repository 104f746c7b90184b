package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestWatch_FiresOnWriteAndIgnoresSiblings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("a: 1\n"), 0o600); err != nil {
		t.Fatalf("WriteFile error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	if err := Watch(ctx, path, 20*time.Millisecond, func() { calls.Add(1) }); err != nil {
		t.Fatalf("Watch error: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("b: 2\n"), 0o600); err != nil {
		t.Fatalf("WriteFile error: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if calls.Load() != 0 {
		t.Fatalf("sibling write triggered %d reloads", calls.Load())
	}

	if err := AtomicWrite(path, []byte("a: 2\n")); err != nil {
		t.Fatalf("AtomicWrite error: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if calls.Load() == 0 {
		t.Fatal("expected onChange after write")
	}
}
