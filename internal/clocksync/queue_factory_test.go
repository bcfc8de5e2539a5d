package clocksync

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestBuildTaskQueueFromDSNMemory(t *testing.T) {
	queue, err := BuildTaskQueueFromDSN("memory://", 7)
	if err != nil {
		t.Fatalf("build memory queue failed: %v", err)
	}
	if queue == nil {
		t.Fatalf("expected non-nil queue")
	}
	if queue.Capacity() != 7 {
		t.Fatalf("expected queue capacity 7, got %d", queue.Capacity())
	}
}

func TestBuildTaskQueueFromDSNFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.json")
	queue, err := BuildTaskQueueFromDSN("file://"+path, 9)
	if err != nil {
		t.Fatalf("build file queue failed: %v", err)
	}
	if queue == nil || queue.Capacity() != 9 {
		t.Fatalf("expected file queue with capacity 9, got %#v", queue)
	}
}

func TestBuildTaskQueueFromDSNEmptyMeansDefault(t *testing.T) {
	queue, err := BuildTaskQueueFromDSN("  ", 3)
	if err != nil {
		t.Fatalf("empty dsn should not fail: %v", err)
	}
	if queue != nil {
		t.Fatalf("expected nil queue for empty dsn, got %T", queue)
	}
}

func TestBuildTaskQueueFromDSNRejectsUnsupportedScheme(t *testing.T) {
	if _, err := BuildTaskQueueFromDSN("redis://localhost:6379/0", 10); err == nil {
		t.Fatalf("expected unsupported scheme error")
	} else if !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected not implemented error, got %v", err)
	}
	if _, err := BuildTaskQueueFromDSN("gopher://example", 10); err == nil {
		t.Fatalf("expected error for unknown scheme")
	}
}

func TestRegisteredTaskQueueFactoryWins(t *testing.T) {
	called := false
	RegisterTaskQueueFactory("Custom-Test", func(dsn string, capacity int) (TaskQueue, error) {
		called = true
		return NewInMemoryTaskQueue(capacity), nil
	})
	queue, err := BuildTaskQueueFromDSN("custom-test://anything", 5)
	if err != nil {
		t.Fatalf("build via registered factory failed: %v", err)
	}
	if !called {
		t.Fatalf("expected registered factory to be used")
	}
	if queue.Capacity() != 5 {
		t.Fatalf("expected capacity 5, got %d", queue.Capacity())
	}
}
