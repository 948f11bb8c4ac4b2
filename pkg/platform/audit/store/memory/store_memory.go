package memory

import (
	"context"
	"slices"
	"sync"

	id "tally/pkg/domain"
	audit "tally/pkg/platform/audit"
)

type InMemoryStore struct {
	mu      sync.RWMutex
	records map[id.SubjectID][]audit.Record
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[id.SubjectID][]audit.Record)}
}

func (s *InMemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[id.SubjectID][]audit.Record)
}

func (s *InMemoryStore) Append(_ context.Context, record audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.SubjectID] = append(s.records[record.SubjectID], record)
	return nil
}

// History returns the newest records first. Records with equal timestamps
// keep reverse insertion order.
func (s *InMemoryStore) History(_ context.Context, subject id.SubjectID, limit int) ([]audit.Record, error) {
	if limit <= 0 {
		limit = audit.DefaultHistoryLimit
	}
	s.mu.RLock()
	out := slices.Clone(s.records[subject])
	s.mu.RUnlock()

	slices.Reverse(out)
	slices.SortStableFunc(out, func(a, b audit.Record) int {
		return b.Timestamp.Compare(a.Timestamp)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) EraseForSubject(_ context.Context, subject id.SubjectID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.records[subject])
	delete(s.records, subject)
	return n, nil
}

// Count returns the number of stored records across all subjects.
func (s *InMemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, r := range s.records {
		n += len(r)
	}
	return n
}
