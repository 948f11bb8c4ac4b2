package memory

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tally/pkg/platform/sentinel"
)

func TestInMemoryStore_InsertFetch(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()

	_, err := store.Fetch(ctx, "u1")
	assert.True(t, errors.Is(err, sentinel.ErrNotFound))

	require.NoError(t, store.Insert(ctx, "u1", 0))
	err = store.Insert(ctx, "u1", 0)
	assert.True(t, errors.Is(err, sentinel.ErrConflict))

	r, err := store.Fetch(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, r.Balance)

	r.Balance = 999
	again, err := store.Fetch(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, again.Balance, "fetched records are copies")
}

func TestInMemoryStore_ApplyDelta(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()

	_, _, err := store.ApplyDelta(ctx, "missing", 1)
	assert.True(t, errors.Is(err, sentinel.ErrNotFound))

	require.NoError(t, store.Insert(ctx, "u1", 100))
	before, after, err := store.ApplyDelta(ctx, "u1", 50)
	require.NoError(t, err)
	assert.Equal(t, int64(100), before)
	assert.Equal(t, int64(150), after)

	r, err := store.Fetch(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, r.Balance, r.SecondaryBalance)
}

func TestInMemoryStore_ApplyDeltaOverflow(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	require.NoError(t, store.Insert(ctx, "rich", math.MaxInt64))
	require.NoError(t, store.Insert(ctx, "poor", math.MinInt64))

	_, _, err := store.ApplyDelta(ctx, "rich", 1)
	assert.True(t, errors.Is(err, sentinel.ErrOutOfRange))
	_, _, err = store.ApplyDelta(ctx, "poor", -1)
	assert.True(t, errors.Is(err, sentinel.ErrOutOfRange))

	r, err := store.Fetch(ctx, "rich")
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), r.Balance)
	assert.Equal(t, int64(math.MaxInt64), r.SecondaryBalance)
	r, err = store.Fetch(ctx, "poor")
	require.NoError(t, err)
	assert.Equal(t, int64(math.MinInt64), r.Balance)

	before, after, err := store.ApplyDelta(ctx, "rich", -1)
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), before)
	assert.Equal(t, int64(math.MaxInt64-1), after)
}

func TestInMemoryStore_ConcurrentDeltas(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	require.NoError(t, store.Insert(ctx, "u1", 0))

	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := store.ApplyDelta(ctx, "u1", 1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	r, err := store.Fetch(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), r.Balance)
	assert.Equal(t, int64(100), r.SecondaryBalance)
}

func TestInMemoryStore_LabelsAndDelete(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	require.NoError(t, store.Insert(ctx, "u1", 0))

	require.NoError(t, store.SetLabels(ctx, "u1", "gold", "builder"))
	r, err := store.Fetch(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "gold", r.RankLabel)
	assert.Equal(t, "builder", r.PathLabel)

	require.NoError(t, store.Delete(ctx, "u1"))
	assert.True(t, errors.Is(store.Delete(ctx, "u1"), sentinel.ErrNotFound))
	assert.Zero(t, store.Len())
}
