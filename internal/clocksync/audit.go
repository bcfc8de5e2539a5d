package clocksync

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultAuditStatus = "111"
	AuditStatusDone    = "done"
	AuditStatusRetry   = "retry"
	AuditStatusDead    = "dead"

	defaultAuditBuffer = 256
	auditWriteTimeout  = 5 * time.Second
)

// AuditRecord is one row of the append-only audit log.
type AuditRecord struct {
	ID         int64     `json:"id"`
	StatusCode string    `json:"statusCode"`
	Message    string    `json:"message"`
	Payload    string    `json:"payload"`
	Caller     string    `json:"caller"`
	CreatedAt  time.Time `json:"timestamp"`
}

type AuditWriter interface {
	AppendAudit(ctx context.Context, rec AuditRecord) (AuditRecord, error)
}

type AuditOptions struct {
	Buffer   int
	Location *time.Location
	Logger   zerolog.Logger
}

// AuditSink writes audit records off the caller's path. Record never blocks
// and never reports an error; failures are logged and the record dropped.
type AuditSink struct {
	writer AuditWriter
	loc    *time.Location
	log    zerolog.Logger
	ch     chan AuditRecord

	subMu  sync.Mutex
	nextID int
	subs   map[int]chan AuditRecord

	closeOnce sync.Once
	closeMu   sync.RWMutex
	closed    bool
	done      chan struct{}
}

func NewAuditSink(writer AuditWriter, opts AuditOptions) *AuditSink {
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = defaultAuditBuffer
	}
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	a := &AuditSink{
		writer: writer,
		loc:    loc,
		log:    opts.Logger.With().Str("component", "audit").Logger(),
		ch:     make(chan AuditRecord, buffer),
		subs:   map[int]chan AuditRecord{},
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *AuditSink) Record(rec AuditRecord) {
	if rec.StatusCode == "" {
		rec.StatusCode = DefaultAuditStatus
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	rec.CreatedAt = rec.CreatedAt.In(a.loc)

	a.closeMu.RLock()
	defer a.closeMu.RUnlock()
	if a.closed {
		a.log.Warn().Str("caller", rec.Caller).Str("status", rec.StatusCode).Msg("audit sink closed, record dropped")
		return
	}
	select {
	case a.ch <- rec:
	default:
		a.log.Error().Str("caller", rec.Caller).Str("status", rec.StatusCode).Msg("audit buffer full, record dropped")
	}
}

// Subscribe delivers every record written after the call. Slow subscribers
// miss records instead of stalling the sink.
func (a *AuditSink) Subscribe(buffer int) (<-chan AuditRecord, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan AuditRecord, buffer)
	a.subMu.Lock()
	id := a.nextID
	a.nextID++
	a.subs[id] = ch
	a.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			a.subMu.Lock()
			if _, ok := a.subs[id]; ok {
				delete(a.subs, id)
				close(ch)
			}
			a.subMu.Unlock()
		})
	}
}

// Close stops accepting records and waits for the buffered ones to be written.
func (a *AuditSink) Close() {
	a.closeOnce.Do(func() {
		a.closeMu.Lock()
		a.closed = true
		close(a.ch)
		a.closeMu.Unlock()
		<-a.done

		a.subMu.Lock()
		for id, ch := range a.subs {
			delete(a.subs, id)
			close(ch)
		}
		a.subMu.Unlock()
	})
}

func (a *AuditSink) run() {
	defer close(a.done)
	for rec := range a.ch {
		ctx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
		written, err := a.writer.AppendAudit(ctx, rec)
		cancel()
		if err != nil {
			a.log.Error().Err(err).Str("caller", rec.Caller).Str("status", rec.StatusCode).Msg("audit write failed")
			continue
		}
		a.publish(written)
	}
}

func (a *AuditSink) publish(rec AuditRecord) {
	a.subMu.Lock()
	defer a.subMu.Unlock()
	for _, ch := range a.subs {
		select {
		case ch <- rec:
		default:
		}
	}
}
