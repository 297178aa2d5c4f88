package hashes

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store used with STORAGE_DRIVER=memory and in tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	now     func() time.Time
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		now:     time.Now,
	}
}

var _ Store = (*MemoryStore)(nil)

// Create stores a new PENDING record
func (s *MemoryStore) Create(_ context.Context, sub NewSubmission) (*Record, error) {
	now := s.now().UTC()
	rec := &Record{
		ID:           uuid.NewString(),
		Hash:         sub.Hash,
		Difficulty:   sub.Difficulty,
		MinerAddress: sub.MinerAddress,
		Nonce:        cloneString(sub.Nonce),
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	s.mu.Lock()
	s.records[rec.ID] = rec
	s.mu.Unlock()

	return rec.clone(), nil
}

// Update applies u if the record is still PENDING
func (s *MemoryStore) Update(_ context.Context, id string, u Update) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	if err := CheckTransition(rec.Status, u); err != nil {
		return nil, err
	}
	Apply(rec, u, s.now().UTC())
	return rec.clone(), nil
}

// FindByID returns a copy of the record
func (s *MemoryStore) FindByID(_ context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.clone(), nil
}

// FindPending returns eligible PENDING records, highest difficulty first
func (s *MemoryStore) FindPending(_ context.Context, minDifficulty int64, limit int) ([]*Record, error) {
	if limit <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	out := make([]*Record, 0)
	for _, rec := range s.records {
		if rec.Status == StatusPending && rec.Difficulty >= minDifficulty {
			out = append(out, rec.clone())
		}
	}
	s.mu.RUnlock()

	sortByDifficulty(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// List returns records ordered by difficulty descending
func (s *MemoryStore) List(_ context.Context, filter ListFilter) ([]*Record, error) {
	s.mu.RLock()
	out := make([]*Record, 0, len(s.records))
	for _, rec := range s.records {
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		out = append(out, rec.clone())
	}
	s.mu.RUnlock()

	sortByDifficulty(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// sortByDifficulty orders by difficulty desc, then creation time asc so
// equal-difficulty records come out oldest first.
func sortByDifficulty(recs []*Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].Difficulty != recs[j].Difficulty {
			return recs[i].Difficulty > recs[j].Difficulty
		}
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.Before(recs[j].CreatedAt)
		}
		return recs[i].ID < recs[j].ID
	})
}

func (r *Record) clone() *Record {
	c := *r
	c.Nonce = cloneString(r.Nonce)
	c.Signature = cloneString(r.Signature)
	c.Error = cloneString(r.Error)
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
