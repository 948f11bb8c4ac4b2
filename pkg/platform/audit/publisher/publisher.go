// Package publisher dispatches audit records without making the producer wait.
//
// Records are handed to a bounded channel drained by a single worker
// goroutine. A full buffer drops the record with a warning; store and sink
// failures are logged by the worker. Neither ever reaches the caller of Emit.
package publisher

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	id "tally/pkg/domain"
	audit "tally/pkg/platform/audit"
	"tally/pkg/platform/audit/worker"
)

const flushPollInterval = 5 * time.Millisecond

// Publisher emits audit records to a store, optionally mirroring them to a
// sink. Without WithAsyncBuffer it writes inline, which tests rely on for
// deterministic reads.
type Publisher struct {
	store        audit.Store
	sink         audit.Sink
	logger       *slog.Logger
	metrics      *Metrics
	now          func() time.Time
	bufferSize   int
	writeTimeout time.Duration

	worker   *worker.Worker
	mu       sync.RWMutex
	closed   bool
	inbox    chan audit.Record
	done     chan struct{}
	inflight atomic.Int64
	dropped  atomic.Uint64
}

type Option func(*Publisher)

// WithAsyncBuffer enables background dispatch with a buffer of size n.
func WithAsyncBuffer(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.bufferSize = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(p *Publisher) {
		p.metrics = m
	}
}

// WithMirror copies every persisted record to sink.
func WithMirror(sink audit.Sink) Option {
	return func(p *Publisher) {
		p.sink = sink
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Publisher) {
		if now != nil {
			p.now = now
		}
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(p *Publisher) {
		p.writeTimeout = d
	}
}

func NewPublisher(store audit.Store, opts ...Option) *Publisher {
	p := &Publisher{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.bufferSize > 0 {
		p.inbox = make(chan audit.Record, p.bufferSize)
		p.done = make(chan struct{})
	}

	workerOpts := []worker.Option{
		worker.WithLogger(p.logger),
		worker.WithObserver(tracker{p}),
		worker.WithWriteTimeout(p.writeTimeout),
	}
	if p.sink != nil {
		workerOpts = append(workerOpts, worker.WithSink(p.sink))
	}
	p.worker = worker.NewWorker(store, p.inbox, workerOpts...)

	if p.inbox != nil {
		go func() {
			defer close(p.done)
			p.worker.Run()
		}()
	}
	return p
}

// Emit records an audit entry. It never blocks on the store and never
// fails; a record that cannot be queued is dropped and logged.
func (p *Publisher) Emit(ctx context.Context, record audit.Record) {
	record = audit.Normalize(record, p.now())
	p.metrics.Emitted()

	if p.inbox == nil {
		p.worker.Handle(record)
		return
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.drop(ctx, record, "publisher closed")
		return
	}

	p.inflight.Add(1)
	select {
	case p.inbox <- record:
	default:
		p.inflight.Add(-1)
		p.drop(ctx, record, "audit buffer full")
	}
}

func (p *Publisher) drop(ctx context.Context, record audit.Record, reason string) {
	p.dropped.Add(1)
	p.metrics.Dropped()
	p.logger.WarnContext(ctx, "audit record dropped",
		"reason", reason,
		"subject_id", record.SubjectID.String(),
		"action", string(record.Action),
	)
}

// History returns up to limit records for subject, newest first.
func (p *Publisher) History(ctx context.Context, subject id.SubjectID, limit int) ([]audit.Record, error) {
	return p.store.History(ctx, subject, limit)
}

// EraseForSubject waits for queued records to be written, then removes every
// record of subject. Without the wait a record still in the buffer would be
// written after the erase.
func (p *Publisher) EraseForSubject(ctx context.Context, subject id.SubjectID) (int, error) {
	if err := p.Flush(ctx); err != nil {
		return 0, err
	}
	return p.store.EraseForSubject(ctx, subject)
}

// Flush blocks until every queued record has been handled or ctx ends.
func (p *Publisher) Flush(ctx context.Context) error {
	if p.inbox == nil {
		return nil
	}
	ticker := time.NewTicker(flushPollInterval)
	defer ticker.Stop()
	for p.inflight.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Dropped returns how many records were discarded since construction.
func (p *Publisher) Dropped() uint64 {
	return p.dropped.Load()
}

// Close stops accepting records and waits for the buffer to drain. It is
// safe to call more than once.
func (p *Publisher) Close() {
	if p.inbox == nil {
		return
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.done
		return
	}
	p.closed = true
	close(p.inbox)
	p.mu.Unlock()
	<-p.done
}

// tracker forwards worker outcomes to metrics and settles the in-flight count.
type tracker struct {
	p *Publisher
}

func (t tracker) Written() {
	t.p.metrics.Written()
	t.settle()
}

func (t tracker) StoreFailed() {
	t.p.metrics.StoreFailed()
	t.settle()
}

func (t tracker) SinkFailed() {
	t.p.metrics.SinkFailed()
}

func (t tracker) settle() {
	if t.p.inbox != nil {
		t.p.inflight.Add(-1)
	}
}
