package policystore

import (
	"fmt"
	"sort"
	"sync"

	"titan-control-plane/internal/models"
)

// memoryStore keeps policies and the transition log in memory.
// Backtests and tests use it so runs leave no state behind.
type memoryStore struct {
	mu          sync.RWMutex
	policies    map[models.Mode]models.Policy
	transitions map[uint64]models.TransitionRecord
}

// NewMemoryStore returns an empty in-memory policy store.
func NewMemoryStore() Store {
	return &memoryStore{
		policies:    make(map[models.Mode]models.Policy),
		transitions: make(map[uint64]models.TransitionRecord),
	}
}

func (s *memoryStore) Policy(mode models.Mode) (models.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[mode]
	if !ok {
		return models.Policy{}, fmt.Errorf("%w: mode %s", ErrPolicyNotFound, mode)
	}
	return p, nil
}

func (s *memoryStore) SavePolicies(policies map[models.Mode]models.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for mode, p := range policies {
		s.policies[mode] = p
	}
	return nil
}

func (s *memoryStore) AppendTransition(rec models.TransitionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.transitions[rec.Epoch]; ok {
		return fmt.Errorf("%w: epoch %d", ErrEpochExists, rec.Epoch)
	}
	s.transitions[rec.Epoch] = rec
	return nil
}

func (s *memoryStore) Transitions() ([]models.TransitionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := make([]models.TransitionRecord, 0, len(s.transitions))
	for _, rec := range s.transitions {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Epoch < records[j].Epoch })
	return records, nil
}

func (s *memoryStore) Close() error { return nil }
