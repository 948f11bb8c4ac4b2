package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tally/internal/ledger/models"
	id "tally/pkg/domain"
	"tally/pkg/platform/sentinel"
)

// InMemoryStore keeps records in a map guarded by one mutex. Every method
// holds the lock for its whole body, which makes ApplyDelta atomic.
type InMemoryStore struct {
	mu      sync.Mutex
	records map[id.SubjectID]*models.Record
	now     func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		records: make(map[id.SubjectID]*models.Record),
		now:     time.Now,
	}
}

func (s *InMemoryStore) Fetch(_ context.Context, subject id.SubjectID) (*models.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[subject]
	if !ok {
		return nil, fmt.Errorf("fetch %s: %w", subject, sentinel.ErrNotFound)
	}
	clone := *r
	return &clone, nil
}

func (s *InMemoryStore) Insert(_ context.Context, subject id.SubjectID, initial int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[subject]; ok {
		return fmt.Errorf("insert %s: %w", subject, sentinel.ErrConflict)
	}
	s.records[subject] = models.NewRecord(subject, initial, s.now())
	return nil
}

func (s *InMemoryStore) ApplyDelta(_ context.Context, subject id.SubjectID, delta int64) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[subject]
	if !ok {
		return 0, 0, fmt.Errorf("apply delta %s: %w", subject, sentinel.ErrNotFound)
	}
	before := r.Balance
	after := before + delta
	if (delta > 0 && after < before) || (delta < 0 && after > before) {
		return 0, 0, fmt.Errorf("apply delta %s: %w", subject, sentinel.ErrOutOfRange)
	}
	r.Balance = after
	r.SecondaryBalance = r.Balance
	r.UpdatedAt = s.now()
	return before, r.Balance, nil
}

func (s *InMemoryStore) SetLabels(_ context.Context, subject id.SubjectID, rank, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[subject]
	if !ok {
		return fmt.Errorf("set labels %s: %w", subject, sentinel.ErrNotFound)
	}
	r.RankLabel = rank
	r.PathLabel = path
	r.UpdatedAt = s.now()
	return nil
}

func (s *InMemoryStore) Delete(_ context.Context, subject id.SubjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[subject]; !ok {
		return fmt.Errorf("delete %s: %w", subject, sentinel.ErrNotFound)
	}
	delete(s.records, subject)
	return nil
}

func (s *InMemoryStore) Ping(context.Context) error {
	return nil
}

// Len returns the number of stored records.
func (s *InMemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
