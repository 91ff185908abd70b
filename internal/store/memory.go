package store

import (
	"context"
	"sort"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/risk-oracle/internal/model"
)

// MemoryStore implements Store in process memory. State is lost on restart.
type MemoryStore struct {
	mu       sync.RWMutex
	seq      uint64
	requests map[uint64]*model.RequestRecord
	byTag    map[string]uint64
	failures []model.FailureRecord
	breaker  *model.BreakerState
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		requests: make(map[uint64]*model.RequestRecord),
		byTag:    make(map[string]uint64),
	}
}

func (s *MemoryStore) Migrate(_ context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) NextRequestID(_ context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq, nil
}

func (s *MemoryStore) CreateRequest(_ context.Context, rec *model.RequestRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[rec.ID]; ok {
		return eris.Errorf("memory: request %d already exists", rec.ID)
	}
	if rec.VerificationTag != "" {
		if _, ok := s.byTag[rec.VerificationTag]; ok {
			return eris.Errorf("memory: verification tag already exists for request %d", rec.ID)
		}
		s.byTag[rec.VerificationTag] = rec.ID
	}
	s.requests[rec.ID] = rec.Clone()
	return nil
}

func (s *MemoryStore) GetRequest(_ context.Context, id uint64) (*model.RequestRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.requests[id]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "memory: get request %d", id)
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) GetRequestByTag(ctx context.Context, tag string) (*model.RequestRecord, error) {
	s.mu.RLock()
	id, ok := s.byTag[tag]
	s.mu.RUnlock()
	if !ok {
		return nil, eris.Wrap(ErrNotFound, "memory: get request by tag")
	}
	return s.GetRequest(ctx, id)
}

func (s *MemoryStore) ListRequests(_ context.Context, filter RequestFilter) ([]model.RequestRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := make([]*model.RequestRecord, 0, len(s.requests))
	for _, rec := range s.requests {
		if matchRequest(rec, filter) {
			recs = append(recs, rec)
		}
	}
	if filter.OldestFirst {
		sort.Slice(recs, func(i, j int) bool {
			if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
				return recs[i].CreatedAt.Before(recs[j].CreatedAt)
			}
			return recs[i].ID < recs[j].ID
		})
	} else {
		sort.Slice(recs, func(i, j int) bool { return recs[i].ID > recs[j].ID })
	}

	if filter.Offset >= len(recs) {
		return nil, nil
	}
	recs = recs[filter.Offset:]
	if limit := listLimit(filter.Limit); len(recs) > limit {
		recs = recs[:limit]
	}
	out := make([]model.RequestRecord, 0, len(recs))
	for _, rec := range recs {
		out = append(out, *rec.Clone())
	}
	return out, nil
}

func (s *MemoryStore) CountRequests(_ context.Context, filter RequestFilter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, rec := range s.requests {
		if matchRequest(rec, filter) {
			n++
		}
	}
	return n, nil
}

func matchRequest(rec *model.RequestRecord, filter RequestFilter) bool {
	switch {
	case filter.Status != "" && rec.Status != filter.Status:
		return false
	case filter.Beneficiary != "" && rec.Beneficiary != filter.Beneficiary:
		return false
	case filter.Submitter != "" && rec.Submitter != filter.Submitter:
		return false
	case !filter.CreatedBefore.IsZero() && rec.CreatedAt.After(filter.CreatedBefore):
		return false
	}
	return true
}

func (s *MemoryStore) CountByStatus(_ context.Context) (map[model.RequestStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[model.RequestStatus]int)
	for _, rec := range s.requests {
		counts[rec.Status]++
	}
	return counts, nil
}

func (s *MemoryStore) UpdateRequest(_ context.Context, rec *model.RequestRecord, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.requests[rec.ID]
	if !ok {
		return eris.Wrapf(ErrNotFound, "memory: update request %d", rec.ID)
	}
	if cur.Version != expectedVersion {
		return eris.Wrapf(ErrConflict, "memory: update request %d", rec.ID)
	}
	rec.Version = expectedVersion + 1
	stored := rec.Clone()
	stored.VerificationTag = cur.VerificationTag
	s.requests[rec.ID] = stored
	return nil
}

func (s *MemoryStore) IncrementRetryCount(_ context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.requests[id]
	if !ok {
		return eris.Wrapf(ErrNotFound, "memory: increment retry count %d", id)
	}
	if rec.IsTerminal() {
		return nil
	}
	rec.RetryCount++
	rec.Version++
	return nil
}

func (s *MemoryStore) RecordFailure(_ context.Context, f *model.FailureRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, *f)
	return nil
}

func (s *MemoryStore) ListFailures(_ context.Context, filter FailureFilter) ([]model.FailureRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.FailureRecord
	limit := listLimit(filter.Limit)
	for i := len(s.failures) - 1; i >= 0 && len(out) < limit; i-- {
		f := s.failures[i]
		if filter.RequestID != 0 && f.RequestID != filter.RequestID {
			continue
		}
		if filter.Source != "" && f.Source != filter.Source {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

func (s *MemoryStore) LoadBreakerState(_ context.Context) (*model.BreakerState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.breaker == nil {
		return nil, nil
	}
	st := *s.breaker
	return &st, nil
}

func (s *MemoryStore) SaveBreakerState(_ context.Context, state model.BreakerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.breaker = &state
	return nil
}
