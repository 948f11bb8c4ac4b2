// Package circuit implements a three-state circuit breaker shared by all
// callers of one external dependency.
//
// Closed lets calls through and counts consecutive failures. At the failure
// threshold the breaker opens and rejects calls with *OpenError without
// invoking them. The first call after the recovery timeout moves the breaker
// to half-open and runs as the single probe: success closes the breaker,
// failure reopens it with a fresh cooldown. Errors the failure predicate does
// not recognise pass through without affecting state.
package circuit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultFailureThreshold = 5
	DefaultRecoveryTimeout  = 60 * time.Second
)

// State is the breaker position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrOpen is matched by every rejection returned while the breaker is open or
// a half-open probe is already in flight.
var ErrOpen = errors.New("circuit breaker open")

// errPanicked stands in for the outcome of a call that panicked.
var errPanicked = errors.New("circuit breaker: call panicked")

// OpenError reports a rejected call and the cooldown left before a probe is
// admitted.
type OpenError struct {
	Name      string
	Remaining time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q open, retry in %s", e.Name, e.Remaining.Round(time.Millisecond))
}

func (e *OpenError) Is(target error) bool {
	return target == ErrOpen
}

// IsOpen reports whether err is a breaker rejection.
func IsOpen(err error) bool {
	return errors.Is(err, ErrOpen)
}

// StateChange describes a transition reported to hooks.
type StateChange struct {
	From State
	To   State
}

// Opened reports whether the transition tripped the breaker.
func (c StateChange) Opened() bool { return c.To == StateOpen }

// Closed reports whether the transition restored normal operation.
func (c StateChange) Closed() bool { return c.To == StateClosed }

// Snapshot is a read-only view used by status reporting.
type Snapshot struct {
	Name          string        `json:"name"`
	State         string        `json:"state"`
	Failures      int           `json:"failures"`
	LastFailureAt time.Time     `json:"last_failure_at,omitzero"`
	Remaining     time.Duration `json:"remaining_ns"`
}

// Breaker guards one dependency. The zero value is not usable; call New.
type Breaker struct {
	mu sync.Mutex

	name             string
	failureThreshold int
	recoveryTimeout  time.Duration
	isFailure        func(error) bool
	clock            func() time.Time
	logger           *slog.Logger
	metrics          *Metrics
	onStateChange    func(name string, change StateChange)

	state         State
	failures      int
	lastFailureAt time.Time
	probing       bool
	// generation changes on every transition so outcomes of calls admitted
	// under an earlier state are ignored.
	generation uint64
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithFailureThreshold sets the consecutive failures that open the breaker.
func WithFailureThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.failureThreshold = n
		}
	}
}

// WithRecoveryTimeout sets how long the breaker stays open before a probe.
func WithRecoveryTimeout(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.recoveryTimeout = d
		}
	}
}

// WithFailurePredicate selects which errors count as failures. Errors for
// which fn returns false propagate without changing breaker state.
func WithFailurePredicate(fn func(error) bool) Option {
	return func(b *Breaker) {
		if fn != nil {
			b.isFailure = fn
		}
	}
}

// WithClock injects the time source.
func WithClock(clock func() time.Time) Option {
	return func(b *Breaker) {
		if clock != nil {
			b.clock = clock
		}
	}
}

// WithLogger sets a logger for state transitions.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Breaker) {
		b.logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *Metrics) Option {
	return func(b *Breaker) {
		b.metrics = m
	}
}

// WithStateChangeHook registers fn to run after every transition. It is
// called outside the breaker lock.
func WithStateChangeHook(fn func(name string, change StateChange)) Option {
	return func(b *Breaker) {
		b.onStateChange = fn
	}
}

// DefaultFailurePredicate counts every error except caller cancellation.
// Deadline expiry is a failure: a timed-out attempt says the dependency is slow.
func DefaultFailurePredicate(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// New creates a closed breaker.
func New(name string, opts ...Option) *Breaker {
	b := &Breaker{
		name:             name,
		failureThreshold: DefaultFailureThreshold,
		recoveryTimeout:  DefaultRecoveryTimeout,
		isFailure:        DefaultFailurePredicate,
		clock:            time.Now,
		state:            StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.metrics.setState(b.name, StateClosed)
	return b
}

// Name returns the dependency name given to New.
func (b *Breaker) Name() string {
	return b.name
}

// Execute runs fn if the breaker admits the call and records its outcome.
// A rejected call returns *OpenError and fn is not invoked.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	gen, err := b.admit()
	if err != nil {
		return err
	}
	completed := false
	defer func() {
		if !completed {
			// fn panicked: count it as a failure so the half-open slot is
			// released, then let the panic continue.
			b.record(gen, errPanicked, true)
		}
	}()
	callErr := fn(ctx)
	completed = true
	b.record(gen, callErr, false)
	return callErr
}

// Run is Execute for functions that return a value.
func Run[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := b.Execute(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		out = v
		return err
	})
	return out, err
}

func (b *Breaker) admit() (uint64, error) {
	b.mu.Lock()
	var change *StateChange
	defer func() {
		b.mu.Unlock()
		if change != nil {
			b.notify(*change)
		}
	}()

	now := b.clock()
	switch b.state {
	case StateClosed:
		return b.generation, nil
	case StateOpen:
		elapsed := now.Sub(b.lastFailureAt)
		if elapsed < b.recoveryTimeout {
			b.metrics.incRejected(b.name)
			return 0, &OpenError{Name: b.name, Remaining: b.recoveryTimeout - elapsed}
		}
		c := b.transition(StateHalfOpen)
		change = &c
		b.probing = true
		return b.generation, nil
	default: // half-open
		if b.probing {
			b.metrics.incRejected(b.name)
			return 0, &OpenError{Name: b.name}
		}
		b.probing = true
		return b.generation, nil
	}
}

func (b *Breaker) record(gen uint64, err error, forceFailure bool) {
	b.mu.Lock()
	var change *StateChange
	defer func() {
		b.mu.Unlock()
		if change != nil {
			b.notify(*change)
		}
	}()

	if gen != b.generation {
		return
	}

	failed := err != nil && (forceFailure || b.isFailure(err))
	if failed {
		b.metrics.incFailures(b.name)
	}

	switch b.state {
	case StateClosed:
		switch {
		case err == nil:
			b.failures = 0
		case failed:
			b.failures++
			b.lastFailureAt = b.clock()
			if b.failures >= b.failureThreshold {
				c := b.transition(StateOpen)
				change = &c
			}
		}
	case StateHalfOpen:
		b.probing = false
		switch {
		case err == nil:
			b.failures = 0
			c := b.transition(StateClosed)
			change = &c
		case failed:
			b.failures++
			b.lastFailureAt = b.clock()
			c := b.transition(StateOpen)
			change = &c
		}
	}
}

// transition must be called with mu held.
func (b *Breaker) transition(to State) StateChange {
	c := StateChange{From: b.state, To: to}
	b.state = to
	b.generation++
	b.metrics.setState(b.name, to)
	return c
}

func (b *Breaker) notify(c StateChange) {
	if b.logger != nil {
		if c.Opened() {
			b.logger.Warn("circuit breaker opened",
				"breaker", b.name,
				"from", c.From.String(),
				"recovery_timeout", b.recoveryTimeout,
			)
		} else {
			b.logger.Info("circuit breaker state changed",
				"breaker", b.name,
				"from", c.From.String(),
				"to", c.To.String(),
			)
		}
	}
	if b.onStateChange != nil {
		b.onStateChange(b.name, c)
	}
}

// State returns the current position. An open breaker whose cooldown has
// elapsed still reports StateOpen until the next call moves it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// IsOpen returns true while calls are being rejected outright.
func (b *Breaker) IsOpen() bool {
	return b.State() == StateOpen
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Snapshot returns the breaker state for reporting.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Snapshot{
		Name:          b.name,
		State:         b.state.String(),
		Failures:      b.failures,
		LastFailureAt: b.lastFailureAt,
	}
	if b.state == StateOpen {
		s.Remaining = max(b.recoveryTimeout-b.clock().Sub(b.lastFailureAt), 0)
	}
	return s
}

// Reset manually closes the breaker.
func (b *Breaker) Reset() {
	b.mu.Lock()
	var change *StateChange
	if b.state != StateClosed {
		c := b.transition(StateClosed)
		change = &c
	}
	b.failures = 0
	b.probing = false
	b.mu.Unlock()
	if change != nil {
		b.notify(*change)
	}
}
