package clocksync

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// fileTaskQueue keeps pending tasks in a JSON file rewritten atomically on
// every change, so queued work survives a restart of the durable-local
// profile.
type fileTaskQueue struct {
	path         string
	capacity     int
	pollInterval time.Duration
	mu           sync.Mutex
	items        []Task
}

type fileTaskQueueState struct {
	Items []Task `json:"items"`
}

func NewFileTaskQueue(path string, capacity int) (TaskQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = 1024
	}
	q := &fileTaskQueue{
		path:         path,
		capacity:     capacity,
		pollInterval: 10 * time.Millisecond,
		items:        []Task{},
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *fileTaskQueue) TryEnqueue(task Task) bool {
	if !task.valid() {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, task)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return false
	}
	return true
}

func (q *fileTaskQueue) Enqueue(ctx context.Context, task Task) bool {
	for {
		if q.TryEnqueue(task) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileTaskQueue) Dequeue(ctx context.Context) (Task, bool) {
	for {
		if task, ok := q.tryDequeue(); ok {
			return task, true
		}
		select {
		case <-ctx.Done():
			return Task{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

// tryDequeue pops the head only if the shortened queue could be persisted.
func (q *fileTaskQueue) tryDequeue() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Task{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	if err := q.saveLocked(); err != nil {
		q.items = append([]Task{item}, q.items...)
		return Task{}, false
	}
	return item, true
}

func (q *fileTaskQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fileTaskQueue) Capacity() int {
	return q.capacity
}

func (q *fileTaskQueue) Snapshot() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Task(nil), q.items...)
}

func (q *fileTaskQueue) Close() error {
	return nil
}

func (q *fileTaskQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileTaskQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if len(snapshot.Items) > q.capacity {
		q.items = append([]Task(nil), snapshot.Items[len(snapshot.Items)-q.capacity:]...)
		return q.saveLocked()
	}
	q.items = append([]Task(nil), snapshot.Items...)
	return nil
}

func (q *fileTaskQueue) saveLocked() error {
	data, err := json.Marshal(fileTaskQueueState{Items: q.items})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}
