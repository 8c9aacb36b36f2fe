// Package ledger records one outcome row per finished call.
//
// Only the outcome is stored (who called, how the call ended, how long the
// transcript grew). Transcripts themselves never leave the process.
package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrDuplicate is returned when an outcome for the call was already recorded.
var ErrDuplicate = errors.New("call outcome already recorded")

// Record is the outcome of one call.
type Record struct {
	CallID      string    `json:"call_id"`
	Caller      string    `json:"caller,omitempty"`
	Outcome     string    `json:"outcome"`
	FailureCode string    `json:"failure_code,omitempty"`
	Turns       int       `json:"turns"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at"`
}

// Store persists call outcomes.
type Store interface {
	Put(ctx context.Context, rec Record) error
	List(ctx context.Context, limit int) ([]Record, error)
}

// Verify interface compliance at compile time.
var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps outcomes in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Put(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.CallID]; ok {
		return ErrDuplicate
	}
	s.records[rec.CallID] = rec
	return nil
}

// List returns the most recently ended calls first. A limit of zero or
// less returns every record.
func (s *MemoryStore) List(ctx context.Context, limit int) ([]Record, error) {
	s.mu.Lock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].EndedAt.Equal(out[j].EndedAt) {
			return out[i].CallID < out[j].CallID
		}
		return out[i].EndedAt.After(out[j].EndedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
