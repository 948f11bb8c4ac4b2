package service

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tally/internal/ledger"
	"tally/internal/ledger/models"
	"tally/internal/ledger/store/memory"
	id "tally/pkg/domain"
	dErrors "tally/pkg/domain-errors"
	"tally/pkg/platform/audit/publisher"
	auditmemory "tally/pkg/platform/audit/store/memory"
)

type consentSet map[id.SubjectID]bool

func (c consentSet) HasConsent(_ context.Context, subject id.SubjectID) (bool, error) {
	return c[subject], nil
}

// countingStore counts Fetch calls on top of the in-memory store.
type countingStore struct {
	*memory.InMemoryStore
	fetches atomic.Int64
}

func (s *countingStore) Fetch(ctx context.Context, subject id.SubjectID) (*models.Record, error) {
	s.fetches.Add(1)
	return s.InMemoryStore.Fetch(ctx, subject)
}

func newLedger(t *testing.T, opts ...Option) (*Ledger, *memory.InMemoryStore, *auditmemory.InMemoryStore) {
	t.Helper()
	store := memory.NewInMemoryStore()
	auditStore := auditmemory.NewInMemoryStore()
	pub := publisher.NewPublisher(auditStore, publisher.WithLogger(discard))
	t.Cleanup(pub.Close)
	base := []Option{WithLogger(discard), WithAuditTrail(pub)}
	return New(store, append(base, opts...)...), store, auditStore
}

func TestLedger_ConcurrentDeltasLoseNothing(t *testing.T) {
	ctx := context.Background()
	l, _, auditStore := newLedger(t)

	_, err := l.GetOrCreate(ctx, "hot")
	require.NoError(t, err)

	const callers = 100
	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.ApplyDelta(ctx, "hot", 1, models.DeltaOptions{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := l.GetOrCreate(ctx, "hot")
	require.NoError(t, err)
	assert.Equal(t, int64(callers), got.Balance)
	assert.Equal(t, got.Balance, got.SecondaryBalance)
	// One record_created plus one balance_adjusted per delta.
	assert.Equal(t, callers+1, auditStore.Count())
}

func TestLedger_WriteThenReadNeverStale(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newLedger(t)

	_, err := l.GetOrCreate(ctx, "u1")
	require.NoError(t, err)

	for i := 1; i <= 50; i++ {
		res, err := l.ApplyDelta(ctx, "u1", 1, models.DeltaOptions{})
		require.NoError(t, err)

		got, err := l.GetOrCreate(ctx, "u1")
		require.NoError(t, err)
		require.Equal(t, res.After, got.Balance, "read after delta %d served a pre-write value", i)
	}
}

// TestLedger_ReadersDuringWritesNeverSeeOlderThanAcknowledged runs readers
// concurrently with writers. Once a writer has been acknowledged with a
// value, no read that starts afterwards may return anything lower.
func TestLedger_ReadersDuringWritesNeverSeeOlderThanAcknowledged(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newLedger(t)
	_, err := l.GetOrCreate(ctx, "u1")
	require.NoError(t, err)

	var acknowledged atomic.Int64
	var wg sync.WaitGroup
	stop := make(chan struct{})

	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				floor := acknowledged.Load()
				got, err := l.GetOrCreate(ctx, "u1")
				if !assert.NoError(t, err) {
					return
				}
				if got.Balance < floor {
					t.Errorf("read %d after %d was acknowledged", got.Balance, floor)
					return
				}
			}
		}()
	}

	var writers sync.WaitGroup
	for range 4 {
		writers.Add(1)
		go func() {
			defer writers.Done()
			for range 50 {
				res, err := l.ApplyDelta(ctx, "u1", 1, models.DeltaOptions{})
				if !assert.NoError(t, err) {
					return
				}
				for {
					cur := acknowledged.Load()
					if res.After <= cur || acknowledged.CompareAndSwap(cur, res.After) {
						break
					}
				}
			}
		}()
	}
	writers.Wait()
	close(stop)
	wg.Wait()

	got, err := l.GetOrCreate(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(200), got.Balance)
}

func TestLedger_ConsentGate(t *testing.T) {
	ctx := context.Background()
	l, store, _ := newLedger(t, WithConsentGate(consentSet{"opted-in": true}))

	require.NoError(t, store.Insert(ctx, "stranger", 10))

	_, err := l.ApplyDelta(ctx, "stranger", 5, models.DeltaOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledger.ErrConsentRequired))

	r, err := store.Fetch(ctx, "stranger")
	require.NoError(t, err)
	assert.Equal(t, int64(10), r.Balance, "rejected delta must not change the balance")

	res, err := l.ApplyDelta(ctx, "stranger", 5, models.DeltaOptions{BypassConsent: true, PerformedBy: "system"})
	require.NoError(t, err)
	assert.Equal(t, int64(15), res.After)
}

func TestLedger_ApplyDeltaRequiresExistingRecord(t *testing.T) {
	ctx := context.Background()
	l, store, _ := newLedger(t)

	_, err := l.ApplyDelta(ctx, "newcomer", 5, models.DeltaOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledger.ErrRecordNotFound))
	assert.True(t, dErrors.HasCode(err, dErrors.CodeNotFound))

	_, err = store.Fetch(ctx, "newcomer")
	require.Error(t, err, "a failed delta must not create the record")

	_, err = l.GetOrCreate(ctx, "newcomer")
	require.NoError(t, err)
	res, err := l.ApplyDelta(ctx, "newcomer", 5, models.DeltaOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.After)
}

func TestLedger_ApplyDeltaOverflowIsRejected(t *testing.T) {
	ctx := context.Background()
	l, store, _ := newLedger(t)
	require.NoError(t, store.Insert(ctx, "whale", math.MaxInt64-1))

	_, err := l.ApplyDelta(ctx, "whale", 2, models.DeltaOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledger.ErrBalanceOutOfRange))
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	assert.False(t, errors.Is(err, ledger.ErrStoreUnavailable))

	got, err := l.GetOrCreate(ctx, "whale")
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64-1), got.Balance)
}

func TestLedger_RacingDeltasExample(t *testing.T) {
	ctx := context.Background()
	l, store, _ := newLedger(t)
	require.NoError(t, store.Insert(ctx, "u1", 100))

	for range 20 {
		_, _, err := store.ApplyDelta(ctx, "u1", 100-mustBalance(t, store, "u1"))
		require.NoError(t, err)

		var wg sync.WaitGroup
		var plus *models.DeltaResult
		wg.Add(2)
		go func() {
			defer wg.Done()
			var err error
			plus, err = l.ApplyDelta(ctx, "u1", 50, models.DeltaOptions{Reason: "event"})
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := l.ApplyDelta(ctx, "u1", -20, models.DeltaOptions{})
			assert.NoError(t, err)
		}()
		wg.Wait()

		assert.Equal(t, int64(50), plus.Delta)
		assert.Equal(t, plus.Before+50, plus.After)
		assert.Contains(t, []int64{100, 80}, plus.Before)
		assert.Equal(t, int64(130), mustBalance(t, store, "u1"))
	}
}

func TestLedger_ConcurrentMissesShareOneFetch(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{InMemoryStore: memory.NewInMemoryStore()}
	require.NoError(t, store.Insert(ctx, "u1", 7))
	l := New(store, WithLogger(discard))

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := l.GetOrCreate(ctx, "u1")
			assert.NoError(t, err)
			assert.Equal(t, int64(7), got.Balance)
		}()
	}
	wg.Wait()

	// Callers arriving after the first fill hit the cache; callers racing
	// the first miss share its flight. Either way far fewer than 50 fetches.
	assert.Less(t, store.fetches.Load(), int64(50))
	stats := l.CacheStats()
	assert.Equal(t, uint64(50), stats.Hits+stats.Misses)
}

func TestLedger_EraseRemovesAuditHistory(t *testing.T) {
	ctx := context.Background()
	l, store, auditStore := newLedger(t)

	_, err := l.GetOrCreate(ctx, "u1")
	require.NoError(t, err)
	_, err = l.ApplyDelta(ctx, "u1", 3, models.DeltaOptions{})
	require.NoError(t, err)
	require.Equal(t, 2, auditStore.Count())

	res, err := l.Erase(ctx, "u1", "admin")
	require.NoError(t, err)
	assert.True(t, res.RecordRemoved)
	assert.Equal(t, 2, res.AuditRecords)
	assert.Zero(t, store.Len())
	assert.Zero(t, auditStore.Count())

	_, err = l.Get(ctx, "u1")
	assert.True(t, errors.Is(err, ledger.ErrRecordNotFound))
}

func mustBalance(t *testing.T, store *memory.InMemoryStore, subject id.SubjectID) int64 {
	t.Helper()
	r, err := store.Fetch(context.Background(), subject)
	require.NoError(t, err)
	return r.Balance
}
