package circuit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errTransport = errors.New("connection reset")
	errBadInput  = errors.New("bad input")
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func fail(ctx context.Context) error    { return errTransport }
func succeed(ctx context.Context) error { return nil }

func TestBreaker_InitialState(t *testing.T) {
	b := New("test")
	assert.False(t, b.IsOpen())
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, "test", b.Name())
	assert.Zero(t, b.Failures())
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	ctx := context.Background()
	b := New("test", WithFailureThreshold(3), WithClock(newClock().Now))

	for range 2 {
		err := b.Execute(ctx, fail)
		require.ErrorIs(t, err, errTransport)
		assert.False(t, b.IsOpen())
	}

	err := b.Execute(ctx, fail)
	require.ErrorIs(t, err, errTransport)
	assert.True(t, b.IsOpen())

	var invoked bool
	err = b.Execute(ctx, func(context.Context) error {
		invoked = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, invoked, "open breaker must not invoke the operation")
	assert.True(t, IsOpen(err))

	var openErr *OpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, "test", openErr.Name)
	assert.Equal(t, DefaultRecoveryTimeout, openErr.Remaining)
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	ctx := context.Background()
	b := New("test", WithFailureThreshold(3))

	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	assert.Equal(t, 2, b.Failures())

	require.NoError(t, b.Execute(ctx, succeed))
	assert.Zero(t, b.Failures())

	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	assert.False(t, b.IsOpen(), "count was reset by the success")

	_ = b.Execute(ctx, fail)
	assert.True(t, b.IsOpen())
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	ctx := context.Background()

	t.Run("probe success closes", func(t *testing.T) {
		clock := newClock()
		b := New("test", WithFailureThreshold(1), WithRecoveryTimeout(time.Minute), WithClock(clock.Now))
		_ = b.Execute(ctx, fail)
		require.True(t, b.IsOpen())

		clock.Advance(59 * time.Second)
		err := b.Execute(ctx, succeed)
		require.True(t, IsOpen(err), "still cooling down")

		var openErr *OpenError
		require.ErrorAs(t, err, &openErr)
		assert.Equal(t, time.Second, openErr.Remaining)

		clock.Advance(time.Second)
		require.NoError(t, b.Execute(ctx, succeed))
		assert.Equal(t, StateClosed, b.State())
		assert.Zero(t, b.Failures())
	})

	t.Run("probe failure reopens with fresh cooldown", func(t *testing.T) {
		clock := newClock()
		b := New("test", WithFailureThreshold(1), WithRecoveryTimeout(time.Minute), WithClock(clock.Now))
		_ = b.Execute(ctx, fail)

		clock.Advance(time.Minute)
		err := b.Execute(ctx, fail)
		require.ErrorIs(t, err, errTransport, "probe is invoked")
		assert.Equal(t, StateOpen, b.State())

		clock.Advance(30 * time.Second)
		err = b.Execute(ctx, succeed)
		var openErr *OpenError
		require.ErrorAs(t, err, &openErr)
		assert.Equal(t, 30*time.Second, openErr.Remaining)
	})
}

func TestBreaker_HalfOpenAdmitsSingleProbe(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	b := New("test", WithFailureThreshold(1), WithRecoveryTimeout(time.Second), WithClock(clock.Now))
	_ = b.Execute(ctx, fail)
	clock.Advance(time.Second)

	release := make(chan struct{})
	probeStarted := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Execute(ctx, func(context.Context) error {
			close(probeStarted)
			<-release
			return nil
		})
	}()
	<-probeStarted

	assert.Equal(t, StateHalfOpen, b.State())
	err := b.Execute(ctx, succeed)
	assert.True(t, IsOpen(err), "second caller is rejected while the probe is in flight")

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_PanicInHalfOpenReopens(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	b := New("test",
		WithFailureThreshold(1),
		WithRecoveryTimeout(time.Second),
		WithClock(clock.Now),
		WithFailurePredicate(func(err error) bool { return errors.Is(err, errTransport) }),
	)
	_ = b.Execute(ctx, func(context.Context) error { return errTransport })
	clock.Advance(2 * time.Second)

	assert.PanicsWithValue(t, "store driver bug", func() {
		_ = b.Execute(ctx, func(context.Context) error { panic("store driver bug") })
	})
	assert.Equal(t, StateOpen, b.State(), "a panic in half-open reopens the breaker")

	clock.Advance(time.Hour)
	called := false
	err := b.Execute(ctx, func(context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called, "the next trial call is admitted after the cooldown")
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_PanicInClosedStateCountsAsFailure(t *testing.T) {
	b := New("test", WithFailureThreshold(1))
	assert.Panics(t, func() {
		_ = b.Execute(context.Background(), func(context.Context) error { panic("boom") })
	})
	assert.True(t, b.IsOpen())
}

func TestBreaker_IgnoresUnexpectedErrors(t *testing.T) {
	ctx := context.Background()
	b := New("test",
		WithFailureThreshold(1),
		WithFailurePredicate(func(err error) bool { return errors.Is(err, errTransport) }),
	)

	for range 5 {
		err := b.Execute(ctx, func(context.Context) error { return errBadInput })
		require.ErrorIs(t, err, errBadInput)
	}
	assert.Equal(t, StateClosed, b.State())
	assert.Zero(t, b.Failures())

	_ = b.Execute(ctx, fail)
	assert.True(t, b.IsOpen())
}

func TestBreaker_CancellationIsNotAFailure(t *testing.T) {
	b := New("test", WithFailureThreshold(1))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Execute(ctx, func(ctx context.Context) error { return ctx.Err() })
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, b.IsOpen())

	err = b.Execute(context.Background(), func(context.Context) error { return context.DeadlineExceeded })
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, b.IsOpen(), "timeouts count as failures")
}

func TestBreaker_Reset(t *testing.T) {
	b := New("test", WithFailureThreshold(1))
	_ = b.Execute(context.Background(), fail)
	assert.True(t, b.IsOpen())

	b.Reset()
	assert.False(t, b.IsOpen())
	assert.Equal(t, StateClosed, b.State())
	assert.Zero(t, b.Failures())
}

func TestBreaker_StateChangeHook(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	var changes []StateChange
	b := New("test",
		WithFailureThreshold(1),
		WithRecoveryTimeout(time.Second),
		WithClock(clock.Now),
		WithStateChangeHook(func(name string, c StateChange) {
			assert.Equal(t, "test", name)
			changes = append(changes, c)
		}),
	)

	_ = b.Execute(ctx, fail)
	clock.Advance(time.Second)
	_ = b.Execute(ctx, succeed)

	require.Len(t, changes, 3)
	assert.True(t, changes[0].Opened())
	assert.Equal(t, StateChange{From: StateOpen, To: StateHalfOpen}, changes[1])
	assert.True(t, changes[2].Closed())
}

func TestRun_ReturnsValue(t *testing.T) {
	b := New("test")
	v, err := Run(context.Background(), b, func(context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestBreaker_ConcurrentCallers(t *testing.T) {
	ctx := context.Background()
	b := New("test", WithFailureThreshold(10))

	var wg sync.WaitGroup
	var invoked atomic.Int32
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Execute(ctx, func(context.Context) error {
				invoked.Add(1)
				return errTransport
			})
		}()
	}
	wg.Wait()

	assert.True(t, b.IsOpen())
	assert.GreaterOrEqual(t, invoked.Load(), int32(10))
}

func TestBreaker_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	b := New("profiles", WithFailureThreshold(1), WithMetrics(m))

	_ = b.Execute(context.Background(), fail)
	_ = b.Execute(context.Background(), succeed)

	assert.InDelta(t, float64(StateOpen), testutil.ToFloat64(m.State.WithLabelValues("profiles")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Rejected.WithLabelValues("profiles")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Failures.WithLabelValues("profiles")), 0)
}
