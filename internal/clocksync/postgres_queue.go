package clocksync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"
)

const (
	postgresTaskQueueTableName = "clocksync_task_queue"
	postgresQueueKey           = "default"
	postgresOperationTimeout   = 5 * time.Second
	postgresQueuePollInterval  = 50 * time.Millisecond
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresTaskQueue shares one table between every process pointed at the
// same DSN. Capacity is enforced under an advisory lock and rows are claimed
// with SKIP LOCKED.
type PostgresTaskQueue struct {
	dsn          string
	driver       string
	tableName    string
	queueKey     string
	capacity     int
	pollInterval time.Duration
	openDB       sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresTaskQueue(dsn string, capacity int) (TaskQueue, error) {
	return newPostgresTaskQueue(dsn, postgresTaskQueueTableName, postgresQueueKey, capacity)
}

func newPostgresTaskQueue(dsn, tableName, queueKey string, capacity int) (*PostgresTaskQueue, error) {
	target, err := ParseStoreDSN(dsn)
	if err != nil {
		return nil, err
	}
	if target.Dialect != dialectPostgres {
		return nil, fmt.Errorf("%w: postgres queue needs a postgres dsn", ErrInvalidInput)
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, ErrInvalidInput
	}
	if strings.TrimSpace(queueKey) == "" {
		queueKey = postgresQueueKey
	}
	if capacity <= 0 {
		capacity = 1024
	}
	return &PostgresTaskQueue{
		dsn:          target.DataSource,
		driver:       target.Driver,
		tableName:    tableName,
		queueKey:     queueKey,
		capacity:     capacity,
		pollInterval: postgresQueuePollInterval,
		openDB:       sql.Open,
	}, nil
}

func (q *PostgresTaskQueue) ensureReady() error {
	if q == nil {
		return ErrInvalidInput
	}
	q.initOnce.Do(func() {
		db, err := q.openDB(q.driver, q.dsn)
		if err != nil {
			q.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		createTableQuery := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				queue_key TEXT NOT NULL,
				payload TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(q.tableName))
		if _, err := db.ExecContext(ctx, createTableQuery); err != nil {
			_ = db.Close()
			q.initErr = err
			return
		}
		indexName := q.tableName + "_queue_key_id_idx"
		createIndexQuery := fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON %s (queue_key, id)",
			postgresQuoteIdentifier(indexName),
			postgresQuoteIdentifier(q.tableName),
		)
		if _, err := db.ExecContext(ctx, createIndexQuery); err != nil {
			_ = db.Close()
			q.initErr = err
			return
		}
		q.db = db
	})
	return q.initErr
}

func (q *PostgresTaskQueue) TryEnqueue(task Task) bool {
	if !task.valid() {
		return false
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return false
	}
	if err := q.ensureReady(); err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return false
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", postgresQueueLockKey(q.tableName, q.queueKey)); err != nil {
		return false
	}
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1", postgresQuoteIdentifier(q.tableName))
	var depth int
	if err := tx.QueryRowContext(ctx, countQuery, q.queueKey).Scan(&depth); err != nil {
		return false
	}
	if depth >= q.capacity {
		return false
	}
	insertQuery := fmt.Sprintf("INSERT INTO %s (queue_key, payload, created_at) VALUES ($1, $2, NOW())", postgresQuoteIdentifier(q.tableName))
	if _, err := tx.ExecContext(ctx, insertQuery, q.queueKey, string(payload)); err != nil {
		return false
	}
	if err := tx.Commit(); err != nil {
		return false
	}
	committed = true
	return true
}

func (q *PostgresTaskQueue) Enqueue(ctx context.Context, task Task) bool {
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

func (q *PostgresTaskQueue) Dequeue(ctx context.Context) (Task, bool) {
	for {
		if task, ok := q.tryDequeue(ctx); ok {
			return task, true
		}
		select {
		case <-ctx.Done():
			return Task{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *PostgresTaskQueue) tryDequeue(ctx context.Context) (Task, bool) {
	if err := q.ensureReady(); err != nil {
		return Task{}, false
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return Task{}, false
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	query := fmt.Sprintf(`
		SELECT id, payload
		FROM %s
		WHERE queue_key = $1
		ORDER BY id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, postgresQuoteIdentifier(q.tableName))
	var id int64
	var payload string
	err = tx.QueryRowContext(ctx, query, q.queueKey).Scan(&id, &payload)
	if errors.Is(err, sql.ErrNoRows) || err != nil {
		return Task{}, false
	}
	deleteQuery := fmt.Sprintf("DELETE FROM %s WHERE id = $1", postgresQuoteIdentifier(q.tableName))
	if _, err := tx.ExecContext(ctx, deleteQuery, id); err != nil {
		return Task{}, false
	}
	if err := tx.Commit(); err != nil {
		return Task{}, false
	}
	committed = true

	var task Task
	if err := json.Unmarshal([]byte(payload), &task); err != nil {
		// A row that no longer decodes is dropped rather than wedging the queue.
		return Task{}, false
	}
	return task, true
}

func (q *PostgresTaskQueue) Depth() int {
	if err := q.ensureReady(); err != nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1", postgresQuoteIdentifier(q.tableName))
	var depth int
	if err := q.db.QueryRowContext(ctx, query, q.queueKey).Scan(&depth); err != nil {
		return 0
	}
	return depth
}

func (q *PostgresTaskQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return q.capacity
}

func (q *PostgresTaskQueue) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}

func postgresQueueLockKey(tableName, queueKey string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(strings.TrimSpace(tableName)))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(strings.TrimSpace(queueKey)))
	return int64(hasher.Sum64())
}
