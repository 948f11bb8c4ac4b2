package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"tally/internal/ledger"
	"tally/internal/ledger/models"
	id "tally/pkg/domain"
	dErrors "tally/pkg/domain-errors"
	audit "tally/pkg/platform/audit"
	"tally/pkg/platform/circuit"
	"tally/pkg/platform/retry"
	"tally/pkg/platform/sentinel"
	"tally/pkg/platform/ttlcache"
)

const (
	// DefaultFillTimeout bounds a shared cache fill. Fills run detached from
	// the caller that started them so other waiters are not cancelled with it.
	DefaultFillTimeout = 10 * time.Second

	systemActor = "system"
	tracerName  = "tally/internal/ledger"
)

// Ledger composes the record store and the TTL cache. Reads go through the
// cache; every write invalidates the cache entry before the store write and
// blocks refills until the write has completed.
type Ledger struct {
	store   ledger.Store
	cache   *ttlcache.Cache[models.Record]
	consent ledger.ConsentChecker
	audit   ledger.AuditTrail
	breaker *circuit.Breaker
	retrier *retry.Retrier

	logger      *slog.Logger
	metrics     *Metrics
	tracer      trace.Tracer
	now         func() time.Time
	fillTimeout time.Duration

	fills singleflight.Group
}

type Option func(*Ledger)

// WithCache shares a cache instance, e.g. so a status endpoint can read its
// stats. A private cache with the default TTL is used otherwise.
func WithCache(c *ttlcache.Cache[models.Record]) Option {
	return func(l *Ledger) {
		if c != nil {
			l.cache = c
		}
	}
}

// WithConsentGate enables the consent check on balance mutations.
func WithConsentGate(c ledger.ConsentChecker) Option {
	return func(l *Ledger) {
		l.consent = c
	}
}

func WithAuditTrail(a ledger.AuditTrail) Option {
	return func(l *Ledger) {
		if a != nil {
			l.audit = a
		}
	}
}

// WithBreaker routes every store call through b.
func WithBreaker(b *circuit.Breaker) Option {
	return func(l *Ledger) {
		l.breaker = b
	}
}

// WithRetrier retries reads and inserts that fail with a transport error.
// Deltas are never retried: a delta whose acknowledgement was lost may
// already be applied.
func WithRetrier(r *retry.Retrier) Option {
	return func(l *Ledger) {
		l.retrier = r
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(l *Ledger) {
		l.metrics = m
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(l *Ledger) {
		if t != nil {
			l.tracer = t
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

func WithFillTimeout(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.fillTimeout = d
		}
	}
}

func New(store ledger.Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:       store,
		audit:       noopAudit{},
		logger:      slog.Default(),
		tracer:      otel.Tracer(tracerName),
		now:         time.Now,
		fillTimeout: DefaultFillTimeout,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.cache == nil {
		l.cache = ttlcache.New[models.Record](ttlcache.WithClock(l.now))
	}
	return l
}

// IsStoreFailure is the breaker failure predicate for store calls: only
// transport failures count, not absent records or constraint violations.
func IsStoreFailure(err error) bool {
	return errors.Is(err, sentinel.ErrUnavailable) || errors.Is(err, context.DeadlineExceeded)
}

// CacheStats exposes the record cache counters.
func (l *Ledger) CacheStats() ttlcache.Stats {
	return l.cache.Stats()
}

// Get returns the record for subject without creating it.
func (l *Ledger) Get(ctx context.Context, subject id.SubjectID) (rec *models.Record, err error) {
	ctx, span := l.startSpan(ctx, "ledger.Get", subject)
	defer func(start time.Time) { l.finish(span, "get", start, err) }(l.now())

	if subject.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "subject id required")
	}
	return l.load(ctx, subject, false)
}

// GetOrCreate returns the record for subject, creating a zero-balance record
// on first sight. Concurrent misses for the same subject share one store
// round trip.
func (l *Ledger) GetOrCreate(ctx context.Context, subject id.SubjectID) (rec *models.Record, err error) {
	ctx, span := l.startSpan(ctx, "ledger.GetOrCreate", subject)
	defer func(start time.Time) { l.finish(span, "get_or_create", start, err) }(l.now())

	if subject.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "subject id required")
	}
	return l.load(ctx, subject, true)
}

func (l *Ledger) load(ctx context.Context, subject id.SubjectID, create bool) (*models.Record, error) {
	key := subject.String()
	if r, ok := l.cache.Get(key); ok {
		trace.SpanFromContext(ctx).SetAttributes(attribute.Bool("cache_hit", true))
		return &r, nil
	}

	gen := l.cache.Generation(key)
	flight := key + "#" + strconv.FormatUint(gen, 10) + "#" + strconv.FormatBool(create)
	ch := l.fills.DoChan(flight, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.fillTimeout)
		defer cancel()

		r, err := l.fetch(fctx, subject, create)
		if err != nil {
			return nil, err
		}
		l.cache.SetIfGeneration(key, *r, gen)
		return *r, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		r := res.Val.(models.Record)
		return &r, nil
	}
}

func (l *Ledger) fetch(ctx context.Context, subject id.SubjectID, create bool) (*models.Record, error) {
	r, err := l.fetchRecord(ctx, subject)
	if err == nil || !create || !errors.Is(err, ledger.ErrRecordNotFound) {
		return r, err
	}

	err = l.read(ctx, func(ctx context.Context) error {
		return l.store.Insert(ctx, subject, 0)
	})
	switch {
	case err == nil:
		l.audit.Emit(ctx, audit.Record{
			SubjectID:   subject,
			Action:      audit.ActionRecordCreated,
			DataType:    audit.DataTypeBalance,
			PerformedBy: systemActor,
			Details:     map[string]any{"initial": int64(0)},
		})
		l.logger.InfoContext(ctx, "ledger record created", "subject_id", subject.String())
	case errors.Is(err, sentinel.ErrConflict):
		// Created by a concurrent caller or another process.
	default:
		return nil, translate(err, "create record")
	}
	return l.fetchRecord(ctx, subject)
}

func (l *Ledger) fetchRecord(ctx context.Context, subject id.SubjectID) (*models.Record, error) {
	var r *models.Record
	err := l.read(ctx, func(ctx context.Context) error {
		var err error
		r, err = l.store.Fetch(ctx, subject)
		return err
	})
	if err != nil {
		return nil, translate(err, "fetch record")
	}
	return r, nil
}

// ApplyDelta adds delta to the subject's balance in one atomic store
// operation and returns the balance before and after.
//
// ApplyDelta never creates a record: a subject that has no record yet fails
// with ledger.ErrRecordNotFound. Call GetOrCreate first when the subject may
// be new. A delta that would overflow the balance fails with
// ledger.ErrBalanceOutOfRange and leaves the balance unchanged.
//
// The subject must have consented unless opts.BypassConsent is set. The
// audit record is dispatched after the write and never fails the call.
func (l *Ledger) ApplyDelta(ctx context.Context, subject id.SubjectID, delta int64, opts models.DeltaOptions) (res *models.DeltaResult, err error) {
	ctx, span := l.startSpan(ctx, "ledger.ApplyDelta", subject)
	span.SetAttributes(attribute.Int64("delta", delta), attribute.Bool("bypass_consent", opts.BypassConsent))
	defer func(start time.Time) { l.finish(span, "apply_delta", start, err) }(l.now())

	if subject.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "subject id required")
	}
	if err := l.requireConsent(ctx, subject, opts.BypassConsent); err != nil {
		return nil, err
	}

	var before, after int64
	done := l.cache.BeginWrite(subject.String())
	err = l.guard(ctx, func(ctx context.Context) error {
		var err error
		before, after, err = l.store.ApplyDelta(ctx, subject, delta)
		return err
	})
	done()
	if err != nil {
		return nil, translate(err, "apply delta")
	}
	l.metrics.addPoints(delta)

	l.audit.Emit(ctx, audit.Record{
		SubjectID:   subject,
		Action:      audit.ActionBalanceAdjusted,
		DataType:    audit.DataTypeBalance,
		PerformedBy: actor(opts.PerformedBy),
		Purpose:     opts.Reason,
		Details: map[string]any{
			"before":         before,
			"after":          after,
			"delta":          delta,
			"bypass_consent": opts.BypassConsent,
		},
	})
	l.logger.InfoContext(ctx, "balance adjusted",
		"subject_id", subject.String(),
		"delta", delta,
		"before", before,
		"after", after,
		"performed_by", actor(opts.PerformedBy),
	)
	return &models.DeltaResult{Before: before, After: after, Delta: delta}, nil
}

// SetLabels replaces the rank and path labels. Labels are derived by the
// host from the balance, so no consent check applies.
func (l *Ledger) SetLabels(ctx context.Context, subject id.SubjectID, rank, path, performedBy string) (err error) {
	ctx, span := l.startSpan(ctx, "ledger.SetLabels", subject)
	defer func(start time.Time) { l.finish(span, "set_labels", start, err) }(l.now())

	if subject.IsNil() {
		return dErrors.New(dErrors.CodeInvalidInput, "subject id required")
	}

	done := l.cache.BeginWrite(subject.String())
	err = l.guard(ctx, func(ctx context.Context) error {
		return l.store.SetLabels(ctx, subject, rank, path)
	})
	done()
	if err != nil {
		return translate(err, "set labels")
	}

	l.audit.Emit(ctx, audit.Record{
		SubjectID:   subject,
		Action:      audit.ActionLabelsChanged,
		DataType:    audit.DataTypeLabels,
		PerformedBy: actor(performedBy),
		Details:     map[string]any{"rank_label": rank, "path_label": path},
	})
	return nil
}

// Erase serves a data-deletion request: it removes the record, its cache
// entry, and the subject's audit history. A subject with no record still has
// its audit history erased.
func (l *Ledger) Erase(ctx context.Context, subject id.SubjectID, performedBy string) (res *models.EraseResult, err error) {
	ctx, span := l.startSpan(ctx, "ledger.Erase", subject)
	defer func(start time.Time) { l.finish(span, "erase", start, err) }(l.now())

	if subject.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "subject id required")
	}

	res = &models.EraseResult{}
	done := l.cache.BeginWrite(subject.String())
	err = l.guard(ctx, func(ctx context.Context) error {
		return l.store.Delete(ctx, subject)
	})
	done()
	switch {
	case err == nil:
		res.RecordRemoved = true
	case errors.Is(err, sentinel.ErrNotFound):
	default:
		return nil, translate(err, "delete record")
	}

	n, err := l.audit.EraseForSubject(ctx, subject)
	if err != nil {
		return nil, translate(err, "erase audit history")
	}
	res.AuditRecords = n

	l.logger.InfoContext(ctx, "subject erased",
		"subject_id", subject.String(),
		"record_removed", res.RecordRemoved,
		"audit_records", n,
		"performed_by", actor(performedBy),
	)
	return res, nil
}

// Ping checks the store.
func (l *Ledger) Ping(ctx context.Context) error {
	return l.store.Ping(ctx)
}

func (l *Ledger) requireConsent(ctx context.Context, subject id.SubjectID, bypass bool) error {
	if l.consent == nil {
		return nil
	}
	if bypass {
		l.logger.InfoContext(ctx, "consent check bypassed", "subject_id", subject.String())
		return nil
	}
	ok, err := l.consent.HasConsent(ctx, subject)
	if err != nil {
		return fmt.Errorf("check consent: %w", err)
	}
	if !ok {
		l.metrics.incConsentRejected()
		return ledger.ErrConsentRequired
	}
	return nil
}

// guard runs fn through the breaker when one is configured.
func (l *Ledger) guard(ctx context.Context, fn func(ctx context.Context) error) error {
	if l.breaker == nil {
		return fn(ctx)
	}
	return l.breaker.Execute(ctx, fn)
}

// read runs an idempotent store call with retries on transport failures.
func (l *Ledger) read(ctx context.Context, fn func(ctx context.Context) error) error {
	if l.retrier == nil {
		return l.guard(ctx, fn)
	}
	return l.retrier.Do(ctx, func(ctx context.Context) error {
		err := l.guard(ctx, fn)
		if err != nil && (!IsStoreFailure(err) || circuit.IsOpen(err)) {
			return retry.Stop(err)
		}
		return err
	})
}

func (l *Ledger) startSpan(ctx context.Context, name string, subject id.SubjectID) (context.Context, trace.Span) {
	return l.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("subject_id", subject.String())))
}

func (l *Ledger) finish(span trace.Span, op string, start time.Time, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	l.metrics.observe(op, start, err)
}

// translate maps store and breaker errors onto the ledger error set, keeping
// the cause reachable through errors.Is / errors.As.
func translate(err error, op string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ledger.ErrRecordNotFound), errors.Is(err, ledger.ErrStoreUnavailable):
		return err
	case errors.Is(err, sentinel.ErrNotFound):
		return fmt.Errorf("%s: %w: %w", op, ledger.ErrRecordNotFound, err)
	case errors.Is(err, sentinel.ErrOutOfRange):
		return fmt.Errorf("%s: %w: %w", op, ledger.ErrBalanceOutOfRange, err)
	case circuit.IsOpen(err), IsStoreFailure(err):
		return fmt.Errorf("%s: %w: %w", op, ledger.ErrStoreUnavailable, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func actor(performedBy string) string {
	if performedBy == "" {
		return systemActor
	}
	return performedBy
}

type noopAudit struct{}

func (noopAudit) Emit(context.Context, audit.Record) {}

func (noopAudit) EraseForSubject(context.Context, id.SubjectID) (int, error) {
	return 0, nil
}
