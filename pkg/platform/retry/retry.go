// Package retry re-runs failing operations with capped exponential backoff
// and jitter.
//
// Attempt 0 runs immediately; up to MaxRetries further attempts follow, each
// after a delay that starts at InitialDelay, grows by Base, and never exceeds
// MaxDelay (jitter included). When every attempt fails the last error is
// returned exactly as the operation produced it.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// jitterFactor spreads each delay uniformly over ±25%.
const jitterFactor = 0.25

// Policy configures retry timing.
type Policy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Base         float64
	Jitter       bool
	// AttemptTimeout bounds each attempt. Zero leaves the caller's deadline as
	// the only bound. An attempt that times out is a failed attempt.
	AttemptTimeout time.Duration
}

// DefaultPolicy returns the policy used when callers do not override it.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:   3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Base:         2.0,
		Jitter:       true,
	}
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = d.InitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.Base < 1 {
		p.Base = d.Base
	}
	return p
}

// backOff builds a fresh delay schedule for one Do call.
func (p Policy) backOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialDelay
	eb.MaxInterval = p.MaxDelay
	eb.Multiplier = p.Base
	eb.RandomizationFactor = 0
	if p.Jitter {
		eb.RandomizationFactor = jitterFactor
	}
	return &cappedBackOff{inner: eb, max: p.MaxDelay}
}

// cappedBackOff clamps jittered delays to the policy maximum; the exponential
// schedule caps the base interval but jitter is applied after that cap.
type cappedBackOff struct {
	inner backoff.BackOff
	max   time.Duration
}

func (c *cappedBackOff) NextBackOff() time.Duration {
	next := c.inner.NextBackOff()
	if next == backoff.Stop {
		return next
	}
	return min(next, c.max)
}

func (c *cappedBackOff) Reset() {
	c.inner.Reset()
}

// Retrier runs operations under a Policy.
type Retrier struct {
	name    string
	policy  Policy
	logger  *slog.Logger
	metrics *Metrics
}

// Option configures a Retrier.
type Option func(*Retrier)

// WithName labels log lines and metrics.
func WithName(name string) Option {
	return func(r *Retrier) {
		r.name = name
	}
}

// WithLogger logs each scheduled retry at debug level.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Retrier) {
		r.logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *Metrics) Option {
	return func(r *Retrier) {
		r.metrics = m
	}
}

// New creates a Retrier. Invalid policy fields fall back to DefaultPolicy values.
func New(policy Policy, opts ...Option) *Retrier {
	r := &Retrier{name: "default", policy: policy.normalized()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the effective policy.
func (r *Retrier) Policy() Policy {
	return r.policy
}

// Do runs op until it succeeds, returns an error wrapped by Stop, the context
// ends, or MaxRetries+1 attempts have failed.
func (r *Retrier) Do(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := Value(ctx, r, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Value is Do for operations that return a value.
func Value[T any](ctx context.Context, r *Retrier, op func(ctx context.Context) (T, error)) (T, error) {
	attempt := 0
	operation := func() (T, error) {
		attempt++
		r.metrics.incAttempts(r.name)
		if r.policy.AttemptTimeout <= 0 {
			return op(ctx)
		}
		attemptCtx, cancel := context.WithTimeout(ctx, r.policy.AttemptTimeout)
		defer cancel()
		return op(attemptCtx)
	}

	notify := func(err error, next time.Duration) {
		if r.logger != nil {
			r.logger.DebugContext(ctx, "retrying operation",
				"operation", r.name,
				"attempt", attempt,
				"delay", next,
				"error", err,
			)
		}
	}

	v, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(r.policy.backOff()),
		backoff.WithMaxTries(uint(r.policy.MaxRetries+1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify),
	)
	if err == nil {
		return v, nil
	}
	// A stop marker on the final attempt is returned as-is by the backoff loop.
	if perm, ok := err.(*backoff.PermanentError); ok {
		err = perm.Unwrap()
	}
	if attempt == r.policy.MaxRetries+1 && !errors.Is(err, context.Canceled) {
		r.metrics.incExhausted(r.name)
	}
	return v, err
}

// Stop marks err as not worth retrying. Do returns err itself, unwrapped.
func Stop(err error) error {
	return backoff.Permanent(err)
}
