package worker

import (
	"context"
	"log/slog"
	"time"

	audit "tally/pkg/platform/audit"
)

// DefaultWriteTimeout bounds a single store or sink write.
const DefaultWriteTimeout = 5 * time.Second

// Observer receives the outcome of each write. Implementations must be
// nil-safe and cheap; the publisher metrics satisfy it.
type Observer interface {
	Written()
	StoreFailed()
	SinkFailed()
}

// Worker consumes audit records from a channel and persists them. Failures
// are logged and reported to the observer, never returned: the producer has
// already moved on by the time a record is written.
type Worker struct {
	store        audit.Store
	sink         audit.Sink
	inbox        <-chan audit.Record
	logger       *slog.Logger
	observer     Observer
	writeTimeout time.Duration
}

type Option func(*Worker)

// WithSink mirrors every persisted record to sink.
func WithSink(sink audit.Sink) Option {
	return func(w *Worker) {
		w.sink = sink
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

func WithObserver(o Observer) Option {
	return func(w *Worker) {
		w.observer = o
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.writeTimeout = d
		}
	}
}

func NewWorker(store audit.Store, inbox <-chan audit.Record, opts ...Option) *Worker {
	w := &Worker{
		store:        store,
		inbox:        inbox,
		logger:       slog.Default(),
		writeTimeout: DefaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run processes records until the inbox is closed and drained.
func (w *Worker) Run() {
	for record := range w.inbox {
		w.Handle(record)
	}
}

// Handle writes one record to the store and then the sink. Each write runs
// under its own timeout, detached from the request that produced the record.
func (w *Worker) Handle(record audit.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), w.writeTimeout)
	defer cancel()

	if err := w.store.Append(ctx, record); err != nil {
		w.logger.ErrorContext(ctx, "audit record write failed",
			"audit_id", record.ID.String(),
			"subject_id", record.SubjectID.String(),
			"action", string(record.Action),
			"error", err,
		)
		if w.observer != nil {
			w.observer.StoreFailed()
		}
		return
	}
	if w.observer != nil {
		w.observer.Written()
	}

	if w.sink == nil {
		return
	}
	if err := w.sink.Append(ctx, record); err != nil {
		w.logger.WarnContext(ctx, "audit mirror write failed",
			"audit_id", record.ID.String(),
			"error", err,
		)
		if w.observer != nil {
			w.observer.SinkFailed()
		}
	}
}
