package sharedstate

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store for tests and local development.
type MemoryStore struct {
	mu       sync.Mutex
	statuses map[string]Status
	current  map[string]FailureReport
	history  map[string][]FailureReport
	markers  map[string]Marker
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		statuses: make(map[string]Status),
		current:  make(map[string]FailureReport),
		history:  make(map[string][]FailureReport),
		markers:  make(map[string]Marker),
	}
}

func (s *MemoryStore) ReadStatus(_ context.Context, subject string) (*Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.statuses[subject]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (s *MemoryStore) WriteStatus(_ context.Context, status Status) error {
	if strings.TrimSpace(status.Subject) == "" {
		return fmt.Errorf("sharedstate: status subject is required")
	}
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[status.Subject] = status
	return nil
}

func (s *MemoryStore) CurrentReport(_ context.Context, subject string) (*FailureReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.current[subject]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *MemoryStore) PublishReport(_ context.Context, report FailureReport) error {
	if strings.TrimSpace(report.Subject) == "" {
		return fmt.Errorf("sharedstate: report subject is required")
	}
	if report.ID == "" {
		report.ID = uuid.NewString()
	}
	if report.Timestamp.IsZero() {
		report.Timestamp = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[report.Subject] = append(s.history[report.Subject], report)
	s.current[report.Subject] = report
	return nil
}

// History returns all reports published for the subject, oldest first.
func (s *MemoryStore) History(subject string) []FailureReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]FailureReport, len(s.history[subject]))
	copy(out, s.history[subject])
	return out
}

func (s *MemoryStore) ReadMarker(_ context.Context, subject string, role string) (*Marker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markers[subject+"\x00"+strings.TrimSpace(role)]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (s *MemoryStore) WriteMarker(_ context.Context, subject string, marker Marker) error {
	if strings.TrimSpace(marker.Role) == "" {
		return fmt.Errorf("sharedstate: marker role is required")
	}
	if strings.TrimSpace(marker.RunName) == "" {
		return fmt.Errorf("sharedstate: marker run name is required")
	}
	if marker.CompletedAt.IsZero() {
		marker.CompletedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markers[subject+"\x00"+strings.TrimSpace(marker.Role)] = marker
	return nil
}
