// Package store keeps the gateway's server-side call records.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotFound indicates no record exists for the requested SID.
var ErrNotFound = errors.New("call not found")

// maxRecords bounds how many call records a store retains.
const maxRecords = 100

// Call is one server-side call record.
type Call struct {
	SID         string    `json:"sid"`
	To          string    `json:"to"`
	From        string    `json:"from"`
	Status      string    `json:"status"`
	Direction   string    `json:"direction"`
	Duration    int       `json:"duration"`
	DateCreated time.Time `json:"date_created"`
}

// CallStore persists call records. Implementations: MemoryStore, RedisStore.
type CallStore interface {
	// Create stores a new call record.
	Create(ctx context.Context, call Call) error

	// Get returns the record for the given SID.
	Get(ctx context.Context, sid string) (*Call, error)

	// Update replaces an existing record (status/duration changes).
	Update(ctx context.Context, call Call) error

	// List returns up to limit records, newest first.
	List(ctx context.Context, limit int) ([]Call, error)

	// Close releases resources.
	Close() error
}

// MemoryStore is an in-process CallStore. The default when Redis is not
// configured; also used by tests.
type MemoryStore struct {
	mu    sync.RWMutex
	calls map[string]Call
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		calls: make(map[string]Call),
	}
}

func (s *MemoryStore) Create(_ context.Context, call Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[call.SID] = call
	s.evictLocked()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, sid string) (*Call, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	call, ok := s.calls[sid]
	if !ok {
		return nil, ErrNotFound
	}
	return &call, nil
}

func (s *MemoryStore) Update(_ context.Context, call Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calls[call.SID]; !ok {
		return ErrNotFound
	}
	s.calls[call.SID] = call
	return nil
}

func (s *MemoryStore) List(_ context.Context, limit int) ([]Call, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Call, 0, len(s.calls))
	for _, call := range s.calls {
		out = append(out, call)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DateCreated.After(out[j].DateCreated)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// evictLocked drops the oldest records beyond maxRecords. Caller holds mu.
func (s *MemoryStore) evictLocked() {
	if len(s.calls) <= maxRecords {
		return
	}
	all := make([]Call, 0, len(s.calls))
	for _, call := range s.calls {
		all = append(all, call)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].DateCreated.Before(all[j].DateCreated)
	})
	for _, call := range all[:len(all)-maxRecords] {
		delete(s.calls, call.SID)
	}
}
