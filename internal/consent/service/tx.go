package service

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	id "tally/pkg/domain"
	dErrors "tally/pkg/domain-errors"
	txcontext "tally/pkg/platform/tx"
)

// ConsentStoreTx serializes read-modify-write sequences on one subject's
// record. fn must use the ctx it is given so stores join the transaction.
type ConsentStoreTx interface {
	RunInTx(ctx context.Context, subject id.SubjectID, fn func(ctx context.Context, store Store) error) error
}

// numConsentShards spreads subjects over independent locks.
const numConsentShards = 128

// defaultConsentTxTimeout bounds a consent transaction without a deadline.
const defaultConsentTxTimeout = 5 * time.Second

type shardedConsentTx struct {
	shards  [numConsentShards]sync.Mutex
	store   Store
	timeout time.Duration
}

// NewShardedTx returns an in-process ConsentStoreTx over store.
func NewShardedTx(store Store) ConsentStoreTx {
	return &shardedConsentTx{store: store, timeout: defaultConsentTxTimeout}
}

func (t *shardedConsentTx) RunInTx(ctx context.Context, subject id.SubjectID, fn func(ctx context.Context, store Store) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	shard := &t.shards[xxhash.Sum64String(subject.String())%numConsentShards]
	shard.Lock()
	defer shard.Unlock()

	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}
	return fn(ctx, t.store)
}

// sqlConsentTx holds the subject's in-process lock and runs fn inside a
// database transaction, so a withdrawal's read and write commit together.
type sqlConsentTx struct {
	locks  *shardedConsentTx
	runner txcontext.Runner
}

// NewSQLTx returns a ConsentStoreTx for a store that reads its transaction
// from the context.
func NewSQLTx(runner txcontext.Runner, store Store) ConsentStoreTx {
	return &sqlConsentTx{
		locks:  &shardedConsentTx{store: store, timeout: defaultConsentTxTimeout},
		runner: runner,
	}
}

func (t *sqlConsentTx) RunInTx(ctx context.Context, subject id.SubjectID, fn func(ctx context.Context, store Store) error) error {
	return t.locks.RunInTx(ctx, subject, func(ctx context.Context, store Store) error {
		return t.runner.RunInTx(ctx, func(ctx context.Context) error {
			return fn(ctx, store)
		})
	})
}
