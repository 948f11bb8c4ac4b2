package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"tally/internal/ledger/models"
	id "tally/pkg/domain"
	"tally/pkg/platform/sentinel"
)

const keyPrefix = "ledger:"

// Each script checks existence and mutates inside one EVAL, which Redis runs
// without interleaving other commands.
var (
	insertScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1],
	'balance', ARGV[1], 'secondary_balance', ARGV[1],
	'rank_label', '', 'path_label', '',
	'created_at', ARGV[2], 'updated_at', ARGV[2])
return 1
`)

	deltaScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return false
end
local after = redis.call('HINCRBY', KEYS[1], 'balance', ARGV[1])
redis.call('HSET', KEYS[1], 'secondary_balance', after, 'updated_at', ARGV[2])
return after
`)

	labelsScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[1], 'rank_label', ARGV[1], 'path_label', ARGV[2], 'updated_at', ARGV[3])
return 1
`)
)

// RedisStore keeps each record in a hash at ledger:<subject>.
type RedisStore struct {
	client redis.UniversalClient
	now    func() time.Time
}

// RedisStoreOption configures a RedisStore.
type RedisStoreOption func(*RedisStore)

// WithClock overrides the timestamp source for created_at / updated_at.
func WithClock(now func() time.Time) RedisStoreOption {
	return func(s *RedisStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewRedis constructs a Redis-backed ledger store.
func NewRedis(client redis.UniversalClient, opts ...RedisStoreOption) *RedisStore {
	s := &RedisStore{client: client, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func key(subject id.SubjectID) string {
	return keyPrefix + subject.String()
}

func (s *RedisStore) Fetch(ctx context.Context, subject id.SubjectID) (*models.Record, error) {
	fields, err := s.client.HGetAll(ctx, key(subject)).Result()
	if err != nil {
		return nil, classify(err, "fetch ledger record")
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("fetch ledger record: %w", sentinel.ErrNotFound)
	}
	return decode(subject, fields)
}

func (s *RedisStore) Insert(ctx context.Context, subject id.SubjectID, initial int64) error {
	created, err := insertScript.Run(ctx, s.client, []string{key(subject)},
		initial, s.now().UnixNano()).Int()
	if err != nil {
		return classify(err, "insert ledger record")
	}
	if created == 0 {
		return fmt.Errorf("insert ledger record: %w", sentinel.ErrConflict)
	}
	return nil
}

func (s *RedisStore) ApplyDelta(ctx context.Context, subject id.SubjectID, delta int64) (int64, int64, error) {
	after, err := deltaScript.Run(ctx, s.client, []string{key(subject)},
		delta, s.now().UnixNano()).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, 0, fmt.Errorf("apply ledger delta: %w", sentinel.ErrNotFound)
	}
	if err != nil {
		return 0, 0, classify(err, "apply ledger delta")
	}
	return after - delta, after, nil
}

func (s *RedisStore) SetLabels(ctx context.Context, subject id.SubjectID, rank, path string) error {
	updated, err := labelsScript.Run(ctx, s.client, []string{key(subject)},
		rank, path, s.now().UnixNano()).Int()
	if err != nil {
		return classify(err, "set ledger labels")
	}
	if updated == 0 {
		return fmt.Errorf("set ledger labels: %w", sentinel.ErrNotFound)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, subject id.SubjectID) error {
	n, err := s.client.Del(ctx, key(subject)).Result()
	if err != nil {
		return classify(err, "delete ledger record")
	}
	if n == 0 {
		return fmt.Errorf("delete ledger record: %w", sentinel.ErrNotFound)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return classify(s.client.Ping(ctx).Err(), "ping redis")
}

func decode(subject id.SubjectID, fields map[string]string) (*models.Record, error) {
	r := &models.Record{
		ID:        subject,
		RankLabel: fields["rank_label"],
		PathLabel: fields["path_label"],
	}
	var err error
	if r.Balance, err = strconv.ParseInt(fields["balance"], 10, 64); err != nil {
		return nil, fmt.Errorf("decode balance: %w", err)
	}
	if r.SecondaryBalance, err = strconv.ParseInt(fields["secondary_balance"], 10, 64); err != nil {
		return nil, fmt.Errorf("decode secondary balance: %w", err)
	}
	r.CreatedAt = decodeTime(fields["created_at"])
	r.UpdatedAt = decodeTime(fields["updated_at"])
	return r, nil
}

func decodeTime(v string) time.Time {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// classify marks everything except server-side command errors and caller
// cancellation as a transport failure. HINCRBY overflow surfaces as a script
// error and maps to ErrOutOfRange.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	var redisErr redis.Error
	if errors.As(err, &redisErr) && strings.Contains(redisErr.Error(), "overflow") {
		return fmt.Errorf("%s: %w: %w", op, sentinel.ErrOutOfRange, err)
	}
	if errors.As(err, &redisErr) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, sentinel.ErrUnavailable, err)
}
