package clocksync

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

type TaskKind string

const (
	TaskCascade  TaskKind = "cascade"
	TaskBackfill TaskKind = "backfill"
	TaskCalendar TaskKind = "calendar"
)

// Task is one queued unit of work. It is serialized as JSON by the durable
// queues, so every field must round-trip.
type Task struct {
	ID            string          `json:"id"`
	Kind          TaskKind        `json:"kind"`
	WorkspaceID   string          `json:"workspaceId,omitempty"`
	Backfill      BackfillKind    `json:"backfill,omitempty"`
	Offset        int             `json:"offset,omitempty"`
	PageCap       int             `json:"pageCap,omitempty"`
	Year          int             `json:"year,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	PriorStatus   string          `json:"priorStatus,omitempty"`
	Attempt       int             `json:"attempt"`
	CorrelationID string          `json:"correlationId,omitempty"`
	EnqueuedAt    string          `json:"enqueuedAt"`
}

func newTaskID() string {
	return uuid.Must(uuid.NewV7()).String()
}

func (t Task) valid() bool {
	return strings.TrimSpace(t.ID) != "" && t.Kind != ""
}

func (t Task) describe() string {
	switch t.Kind {
	case TaskBackfill:
		return string(t.Kind) + ":" + string(t.Backfill)
	default:
		return string(t.Kind)
	}
}

type TaskQueue interface {
	TryEnqueue(task Task) bool
	Enqueue(ctx context.Context, task Task) bool
	Dequeue(ctx context.Context) (Task, bool)
	Depth() int
	Capacity() int
	Close() error
}

type inMemoryTaskQueue struct {
	ch chan Task
}

func NewInMemoryTaskQueue(capacity int) TaskQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &inMemoryTaskQueue{
		ch: make(chan Task, capacity),
	}
}

func (q *inMemoryTaskQueue) TryEnqueue(task Task) bool {
	if q == nil || !task.valid() {
		return false
	}
	select {
	case q.ch <- task:
		return true
	default:
		return false
	}
}

func (q *inMemoryTaskQueue) Enqueue(ctx context.Context, task Task) bool {
	if q == nil || !task.valid() {
		return false
	}
	select {
	case q.ch <- task:
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *inMemoryTaskQueue) Dequeue(ctx context.Context) (Task, bool) {
	if q == nil {
		return Task{}, false
	}
	select {
	case task := <-q.ch:
		return task, true
	case <-ctx.Done():
		return Task{}, false
	}
}

func (q *inMemoryTaskQueue) Depth() int {
	if q == nil {
		return 0
	}
	return len(q.ch)
}

func (q *inMemoryTaskQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return cap(q.ch)
}

func (q *inMemoryTaskQueue) Close() error {
	return nil
}

func nowStamp(loc *time.Location) string {
	return time.Now().In(loc).Format(time.RFC3339Nano)
}
