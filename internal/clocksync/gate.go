package clocksync

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

type GateClass string

const (
	GateTimesheetRequest GateClass = "timesheet-request"
	GateApprovedCascade  GateClass = "approved-cascade"
	GateEntryRequest     GateClass = "entry-request"
)

func DefaultGateWidths() map[GateClass]int64 {
	return map[GateClass]int64{
		GateTimesheetRequest: 3,
		GateApprovedCascade:  1,
		GateEntryRequest:     1,
	}
}

// Gate bounds the number of in-flight operations per class. Widths are fixed
// at construction.
type Gate struct {
	sems   map[GateClass]*semaphore.Weighted
	widths map[GateClass]int64
}

func NewGate(widths map[GateClass]int64) *Gate {
	merged := DefaultGateWidths()
	for class, width := range widths {
		if width > 0 {
			merged[class] = width
		}
	}
	g := &Gate{
		sems:   make(map[GateClass]*semaphore.Weighted, len(merged)),
		widths: merged,
	}
	for class, width := range merged {
		g.sems[class] = semaphore.NewWeighted(width)
	}
	return g
}

// Acquire blocks until a slot of the class frees or ctx ends. Unknown classes
// are not gated.
func (g *Gate) Acquire(ctx context.Context, class GateClass) (func(), error) {
	sem, ok := g.sems[class]
	if !ok {
		return func() {}, nil
	}
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { sem.Release(1) }, nil
}

func (g *Gate) Width(class GateClass) int64 {
	return g.widths[class]
}

// keyLocks serializes work on one record key. Entries are dropped once no
// holder or waiter is left.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: map[string]*keyLock{}}
}

func (k *keyLocks) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
		return func() {
			<-l.ch
			k.unref(key, l)
		}, nil
	case <-ctx.Done():
		k.unref(key, l)
		return nil, ctx.Err()
	}
}

func (k *keyLocks) unref(key string, l *keyLock) {
	k.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
}
