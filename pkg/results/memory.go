package results

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store with in-process storage. Suitable for tests
// and single-node deployments without Redis.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	byEval  map[string][]string
	closed  bool
}

// NewMemoryStore creates an empty in-memory result store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		byEval:  make(map[string][]string),
	}
}

// copyRecord deep-copies via JSON so callers cannot mutate stored state.
func copyRecord(rec *Record) *Record {
	data, _ := json.Marshal(rec)
	var cp Record
	_ = json.Unmarshal(data, &cp)
	return &cp
}

// Create persists a new record.
func (s *MemoryStore) Create(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		return fmt.Errorf("record ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if _, exists := s.records[rec.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, rec.ID)
	}

	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	s.records[rec.ID] = copyRecord(rec)
	s.byEval[rec.EvaluationID] = append(s.byEval[rec.EvaluationID], rec.ID)
	return nil
}

// FindByID returns a copy of the record with the given ID.
func (s *MemoryStore) FindByID(ctx context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return copyRecord(rec), nil
}

// FindByEvaluationID returns copies of all records in one evaluation,
// ordered by creation time.
func (s *MemoryStore) FindByEvaluationID(ctx context.Context, evaluationID string) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	ids := s.byEval[evaluationID]
	out := make([]*Record, 0, len(ids))
	for _, id := range ids {
		if rec, ok := s.records[id]; ok {
			out = append(out, copyRecord(rec))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Update replaces an existing record.
func (s *MemoryStore) Update(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	existing, ok := s.records[rec.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, rec.ID)
	}

	rec.CreatedAt = existing.CreatedAt
	rec.UpdatedAt = time.Now()
	s.records[rec.ID] = copyRecord(rec)
	return nil
}

// Delete removes a record. Missing IDs are a no-op.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	rec, ok := s.records[id]
	if !ok {
		return nil
	}
	delete(s.records, id)

	ids := s.byEval[rec.EvaluationID]
	for i, candidate := range ids {
		if candidate == id {
			s.byEval[rec.EvaluationID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return nil
}

// Close marks the store closed; further calls fail with ErrStoreClosed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
