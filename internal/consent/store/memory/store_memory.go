package memory

import (
	"context"
	"fmt"
	"sync"

	"tally/internal/consent/models"
	id "tally/pkg/domain"
	"tally/pkg/platform/sentinel"
)

type InMemoryStore struct {
	mu       sync.RWMutex
	consents map[id.SubjectID]models.ConsentRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{consents: make(map[id.SubjectID]models.ConsentRecord)}
}

// Save upserts the subject's record.
func (s *InMemoryStore) Save(_ context.Context, record *models.ConsentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consents[record.SubjectID] = *record
	return nil
}

func (s *InMemoryStore) Find(_ context.Context, subject id.SubjectID) (*models.ConsentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.consents[subject]
	if !ok {
		return nil, fmt.Errorf("find consent %s: %w", subject, sentinel.ErrNotFound)
	}
	return &record, nil
}

// Delete removes the subject's record. Deleting an absent record is not an
// error.
func (s *InMemoryStore) Delete(_ context.Context, subject id.SubjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.consents, subject)
	return nil
}
