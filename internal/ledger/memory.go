package ledger

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store with the same transition semantics as
// the Postgres repository. Used in tests and single-node development.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string]Record{}}
}

func (s *MemoryStore) Get(_ context.Context, subject string) (Record, bool, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return Record{}, false, errors.New("subject is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[subject]
	return rec, ok, nil
}

func (s *MemoryStore) Apply(_ context.Context, t Transition) (Record, error) {
	if err := validateTransition(t); err != nil {
		return Record{}, err
	}
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.records[t.Subject]
	rec := Record{
		Subject:    t.Subject,
		Entry:      t.Entry,
		Stage:      t.Stage,
		OwnerRunID: t.OwnerRunID,
		Status:     t.Status,
		StartedAt:  now,
		UpdatedAt:  now,
	}
	if ok && existing.Entry == t.Entry {
		rec.StartedAt = existing.StartedAt
		if t.Stage.Index() < existing.Stage.Index() {
			rec.Stage = existing.Stage
		}
	}
	s.records[t.Subject] = rec
	return rec, nil
}

func (s *MemoryStore) Delete(_ context.Context, subject string) error {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return errors.New("subject is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, subject)
	return nil
}
