package storage

import (
	"context"
	"errors"
	"sync"

	"gridhmm/internal/model"
)

var errNotInitialized = errors.New("store is not initialized")

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	estimates   map[string]model.Estimate
	history     map[string][]float64
	restarts    map[string][]model.RestartRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil
	}
	s.initialized = true
	s.estimates = make(map[string]model.Estimate)
	s.history = make(map[string][]float64)
	s.restarts = make(map[string][]model.RestartRecord)
	return nil
}

func (s *MemoryStore) SaveEstimate(_ context.Context, estimate model.Estimate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	s.estimates[estimate.RunID] = cloneEstimate(estimate)
	return nil
}

func (s *MemoryStore) GetEstimate(_ context.Context, runID string) (model.Estimate, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	estimate, ok := s.estimates[runID]
	if !ok {
		return model.Estimate{}, false, nil
	}
	return cloneEstimate(estimate), true, nil
}

func (s *MemoryStore) SaveLikelihoodHistory(_ context.Context, runID string, history []float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	s.history[runID] = append([]float64(nil), history...)
	return nil
}

func (s *MemoryStore) GetLikelihoodHistory(_ context.Context, runID string) ([]float64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history, ok := s.history[runID]
	if !ok {
		return nil, false, nil
	}
	return append([]float64(nil), history...), true, nil
}

func (s *MemoryStore) SaveRestarts(_ context.Context, runID string, restarts []model.RestartRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	copied := make([]model.RestartRecord, len(restarts))
	for i, r := range restarts {
		r.History = append([]float64(nil), r.History...)
		copied[i] = r
	}
	s.restarts[runID] = copied
	return nil
}

func (s *MemoryStore) GetRestarts(_ context.Context, runID string) ([]model.RestartRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	restarts, ok := s.restarts[runID]
	if !ok {
		return nil, false, nil
	}
	copied := make([]model.RestartRecord, len(restarts))
	for i, r := range restarts {
		r.History = append([]float64(nil), r.History...)
		copied[i] = r
	}
	return copied, true, nil
}

func cloneEstimate(e model.Estimate) model.Estimate {
	e.Walls = append([]string(nil), e.Walls...)
	cells := make([]model.CellParameters, len(e.Cells))
	for i, c := range e.Cells {
		c.Emission = append([]float64(nil), c.Emission...)
		c.Transitions = append([]model.Transition(nil), c.Transitions...)
		cells[i] = c
	}
	e.Cells = cells
	return e
}
