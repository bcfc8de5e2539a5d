package clocksync

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type TaskQueueFactory func(dsn string, capacity int) (TaskQueue, error)

var taskQueueRegistry = struct {
	mu        sync.RWMutex
	factories map[string]TaskQueueFactory
}{
	factories: map[string]TaskQueueFactory{},
}

// RegisterTaskQueueFactory lets a binary plug in a queue backend for a DSN
// scheme. Registered factories win over the built-in schemes.
func RegisterTaskQueueFactory(scheme string, factory TaskQueueFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	taskQueueRegistry.mu.Lock()
	defer taskQueueRegistry.mu.Unlock()
	taskQueueRegistry.factories[scheme] = factory
}

func lookupTaskQueueFactory(scheme string) (TaskQueueFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	taskQueueRegistry.mu.RLock()
	defer taskQueueRegistry.mu.RUnlock()
	factory, ok := taskQueueRegistry.factories[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// BuildTaskQueueFromDSN returns nil for an empty DSN; the engine then falls
// back to an in-memory queue.
func BuildTaskQueueFromDSN(dsn string, capacity int) (TaskQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupTaskQueueFactory(scheme); ok {
		return factory(dsn, capacity)
	}
	switch scheme {
	case "", "file":
		path, pathErr := queueDSNPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileTaskQueue(path, capacity)
	case "memory", "mem", "inmem":
		return NewInMemoryTaskQueue(capacity), nil
	case "postgres", "postgresql", "pgx":
		return NewPostgresTaskQueue(dsn, capacity)
	case "redis", "rediss", "nats", "sqs", "kafka":
		return nil, fmt.Errorf("%w: task queue backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported task queue scheme: %s", scheme)
	}
}

func queueDSNPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
