package state

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned by Store.Load when nothing has been saved yet.
var ErrNotFound = errors.New("state not found")

// Store persists the single ModuleState record.
type Store interface {
	Load(ctx context.Context) (ModuleState, error)
	// Save upserts the record. Saving the same state twice is harmless.
	Save(ctx context.Context, st ModuleState) error
	Close() error
}

// MemoryStore keeps the record in process memory.
type MemoryStore struct {
	mu    sync.Mutex
	st    *ModuleState
	saves int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(ctx context.Context) (ModuleState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st == nil {
		return ModuleState{}, ErrNotFound
	}
	return s.st.Clone(), nil
}

func (s *MemoryStore) Save(ctx context.Context, st ModuleState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := st.Clone()
	s.st = &c
	s.saves++
	return nil
}

// Saves reports how many times Save was called.
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func (s *MemoryStore) Close() error { return nil }
