package clocksync

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultTaskMaxAttempts = 3
	defaultTaskRetryDelay  = 60 * time.Second
	defaultTaskQueueSize   = 1024
)

// TaskRunner executes one task. The engine owns retries.
type TaskRunner interface {
	RunTask(ctx context.Context, task Task) error
}

type TaskRunnerFunc func(ctx context.Context, task Task) error

func (f TaskRunnerFunc) RunTask(ctx context.Context, task Task) error {
	return f(ctx, task)
}

type TaskDeadLetter struct {
	TaskID        string   `json:"taskId"`
	Kind          TaskKind `json:"kind"`
	WorkspaceID   string   `json:"workspaceId,omitempty"`
	CorrelationID string   `json:"correlationId,omitempty"`
	FailedAt      string   `json:"failedAt"`
	AttemptCount  int      `json:"attemptCount"`
	LastError     string   `json:"lastError"`
	Task          Task     `json:"task"`
}

type DeadLetterFeed struct {
	Items      []TaskDeadLetter `json:"items"`
	NextCursor *string          `json:"nextCursor"`
}

type QueueStatus struct {
	Backend         string `json:"backend"`
	Depth           int    `json:"depth"`
	Capacity        int    `json:"capacity"`
	Workers         int    `json:"workers"`
	DeadLetterTotal int    `json:"deadLetterTotal"`
}

type EngineOptions struct {
	Queue          TaskQueue
	QueueBackend   string
	QueueSize      int
	Workers        int
	MaxAttempts    int
	RetryDelay     time.Duration
	DisableWorkers bool
	Audit          *AuditSink
	Location       *time.Location
	Logger         zerolog.Logger
}

// Engine runs queued tasks on a fixed worker pool. A failed task is queued
// again after the retry delay until it has used its attempts, then kept as a
// dead letter.
type Engine struct {
	queue       TaskQueue
	backend     string
	runner      TaskRunner
	audit       *AuditSink
	loc         *time.Location
	log         zerolog.Logger
	workers     int
	maxAttempts int
	retryDelay  time.Duration

	mu          sync.RWMutex
	deadLetters map[string]TaskDeadLetter

	closed      chan struct{}
	closeOnce   sync.Once
	queueCtx    context.Context
	queueCancel context.CancelFunc
	wg          sync.WaitGroup
}

func NewEngine(runner TaskRunner, opts EngineOptions) *Engine {
	queue := opts.Queue
	backend := opts.QueueBackend
	if queue == nil {
		queue = NewInMemoryTaskQueue(opts.QueueSize)
		backend = "memory"
	}
	if backend == "" {
		backend = fmt.Sprintf("%T", queue)
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultTaskMaxAttempts
	}
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultTaskRetryDelay
	}
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	queueCtx, queueCancel := context.WithCancel(context.Background())
	e := &Engine{
		queue:       queue,
		backend:     backend,
		runner:      runner,
		audit:       opts.Audit,
		loc:         loc,
		log:         opts.Logger.With().Str("component", "engine").Logger(),
		workers:     workers,
		maxAttempts: maxAttempts,
		retryDelay:  retryDelay,
		deadLetters: map[string]TaskDeadLetter{},
		closed:      make(chan struct{}),
		queueCtx:    queueCtx,
		queueCancel: queueCancel,
	}
	if !opts.DisableWorkers {
		e.wg.Add(workers)
		for i := 0; i < workers; i++ {
			go func() {
				defer e.wg.Done()
				e.worker()
			}()
		}
	}
	return e
}

// Submit queues task without blocking. A full queue yields ErrQueueFull.
func (e *Engine) Submit(_ context.Context, task Task) (Task, error) {
	select {
	case <-e.closed:
		return Task{}, fmt.Errorf("%w: engine closed", ErrQueueFull)
	default:
	}
	if strings.TrimSpace(task.ID) == "" {
		task.ID = newTaskID()
	}
	if task.CorrelationID == "" {
		task.CorrelationID = task.ID
	}
	task.Attempt = 0
	task.EnqueuedAt = nowStamp(e.loc)
	if !task.valid() {
		return Task{}, fmt.Errorf("%w: task kind required", ErrInvalidInput)
	}
	if !e.queue.TryEnqueue(task) {
		return Task{}, fmt.Errorf("%w: %s task %s", ErrQueueFull, task.describe(), task.ID)
	}
	e.log.Debug().Str("task", task.ID).Str("kind", task.describe()).Msg("task queued")
	return task, nil
}

func (e *Engine) worker() {
	for {
		task, ok := e.queue.Dequeue(e.queueCtx)
		if !ok {
			return
		}
		e.process(task)
	}
}

// RunNext dequeues and runs one task. It is meant for engines built with
// DisableWorkers.
func (e *Engine) RunNext(ctx context.Context) bool {
	task, ok := e.queue.Dequeue(ctx)
	if !ok {
		return false
	}
	e.process(task)
	return true
}

func (e *Engine) process(task Task) {
	task.Attempt++
	logger := e.log.With().
		Str("task", task.ID).
		Str("kind", task.describe()).
		Str("workspace", task.WorkspaceID).
		Int("attempt", task.Attempt).
		Logger()
	start := time.Now()
	err := e.runner.RunTask(e.queueCtx, task)
	if err == nil {
		elapsed := time.Since(start)
		logger.Info().Dur("elapsed", elapsed).Msg("task finished")
		e.record(task, AuditStatusDone, fmt.Sprintf("%s task finished in %s", task.describe(), elapsed.Round(time.Millisecond)), task)
		return
	}
	if e.queueCtx.Err() != nil {
		logger.Warn().Err(err).Msg("task interrupted by shutdown")
		return
	}
	if task.Attempt >= e.maxAttempts {
		logger.Error().Err(err).Msg("task failed permanently")
		e.deadLetter(task, err)
		return
	}
	logger.Warn().Err(err).Dur("retryIn", e.retryDelay).Msg("task failed, retry scheduled")
	e.record(task, AuditStatusRetry, fmt.Sprintf("%s task attempt %d failed, retry in %s: %s", task.describe(), task.Attempt, e.retryDelay, err.Error()), task)
	e.scheduleRetry(task, e.retryDelay)
}

// record writes one audit row for a processed attempt. payload is encoded as
// JSON.
func (e *Engine) record(task Task, status, message string, payload any) {
	if e.audit == nil {
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		e.log.Error().Err(err).Str("task", task.ID).Msg("audit payload not encodable")
	}
	e.audit.Record(AuditRecord{
		StatusCode: status,
		Message:    message,
		Payload:    string(body),
		Caller:     "task:" + task.describe(),
	})
}

func (e *Engine) scheduleRetry(task Task, delay time.Duration) {
	time.AfterFunc(delay, func() {
		select {
		case <-e.closed:
			return
		default:
		}
		if e.queue.TryEnqueue(task) {
			return
		}
		go func() {
			if !e.queue.Enqueue(e.queueCtx, task) {
				e.log.Error().Str("task", task.ID).Msg("retry dropped, queue closed")
			}
		}()
	})
}

func (e *Engine) deadLetter(task Task, cause error) {
	dead := TaskDeadLetter{
		TaskID:        task.ID,
		Kind:          task.Kind,
		WorkspaceID:   task.WorkspaceID,
		CorrelationID: task.CorrelationID,
		FailedAt:      nowStamp(e.loc),
		AttemptCount:  task.Attempt,
		LastError:     cause.Error(),
		Task:          task,
	}
	e.mu.Lock()
	e.deadLetters[task.ID] = dead
	e.mu.Unlock()

	e.record(task, AuditStatusDead, fmt.Sprintf("%s task failed after %d attempts: %s", task.describe(), task.Attempt, cause.Error()), dead)
}

// ListDeadLetters pages newest first; cursor is the last task id of the
// previous page.
func (e *Engine) ListDeadLetters(cursor string, limit int) (DeadLetterFeed, error) {
	if limit <= 0 {
		limit = 100
	}
	e.mu.RLock()
	items := make([]TaskDeadLetter, 0, len(e.deadLetters))
	for _, dead := range e.deadLetters {
		items = append(items, dead)
	}
	e.mu.RUnlock()
	sort.Slice(items, func(i, j int) bool {
		if items[i].FailedAt == items[j].FailedAt {
			return items[i].TaskID < items[j].TaskID
		}
		return items[i].FailedAt > items[j].FailedAt
	})

	start := 0
	if cursor != "" {
		found := false
		for i := range items {
			if items[i].TaskID == cursor {
				start = i + 1
				found = true
				break
			}
		}
		if !found {
			return DeadLetterFeed{}, ErrInvalidInput
		}
	}
	if start >= len(items) {
		return DeadLetterFeed{Items: []TaskDeadLetter{}, NextCursor: nil}, nil
	}
	end := start + limit
	if end > len(items) {
		end = len(items)
	}
	slice := append([]TaskDeadLetter(nil), items[start:end]...)
	var next *string
	if end < len(items) {
		cursorValue := items[end-1].TaskID
		next = &cursorValue
	}
	return DeadLetterFeed{Items: slice, NextCursor: next}, nil
}

func (e *Engine) AcknowledgeDeadLetter(taskID string) error {
	if taskID == "" {
		return ErrInvalidInput
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.deadLetters[taskID]; !ok {
		return ErrNotFound
	}
	delete(e.deadLetters, taskID)
	return nil
}

// ReplayDeadLetter queues the dead task again with a fresh attempt budget.
// The dead letter is removed only when the task was queued.
func (e *Engine) ReplayDeadLetter(ctx context.Context, taskID string) (Task, error) {
	if taskID == "" {
		return Task{}, ErrInvalidInput
	}
	e.mu.RLock()
	dead, ok := e.deadLetters[taskID]
	e.mu.RUnlock()
	if !ok {
		return Task{}, ErrNotFound
	}
	task, err := e.Submit(ctx, dead.Task)
	if err != nil {
		return Task{}, err
	}
	e.mu.Lock()
	delete(e.deadLetters, taskID)
	e.mu.Unlock()
	return task, nil
}

func (e *Engine) QueueStatus() QueueStatus {
	e.mu.RLock()
	dead := len(e.deadLetters)
	e.mu.RUnlock()
	return QueueStatus{
		Backend:         e.backend,
		Depth:           e.queue.Depth(),
		Capacity:        e.queue.Capacity(),
		Workers:         e.workers,
		DeadLetterTotal: dead,
	}
}

func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.closed)
		e.queueCancel()
		_ = e.queue.Close()
		e.wg.Wait()
	})
}
