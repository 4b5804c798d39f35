package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/stellarlinkco/chatfight/internal/logging"
)

// ErrStoreClosed is returned by a LazyStore after Close.
var ErrStoreClosed = errors.New("store closed")

// Opener connects to a backend.
type Opener func(ctx context.Context) (Store, error)

// LazyStore connects on first use and retries on every Load or Save until
// a connection succeeds. It lets the process start while the backend is down.
type LazyStore struct {
	open   Opener
	logger *slog.Logger

	mu     sync.Mutex
	store  Store
	closed bool
}

func NewLazyStore(open Opener, logger *slog.Logger) *LazyStore {
	return &LazyStore{
		open:   open,
		logger: logging.OrDiscard(logger).With("component", "store"),
	}
}

// Connected reports whether the backend has been reached.
func (s *LazyStore) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store != nil
}

func (s *LazyStore) backend(ctx context.Context) (Store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	if s.store != nil {
		return s.store, nil
	}
	store, err := s.open(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect store: %w", err)
	}
	s.store = store
	s.logger.Info("store connected")
	return store, nil
}

func (s *LazyStore) Load(ctx context.Context) (ModuleState, error) {
	store, err := s.backend(ctx)
	if err != nil {
		return ModuleState{}, err
	}
	return store.Load(ctx)
}

func (s *LazyStore) Save(ctx context.Context, st ModuleState) error {
	store, err := s.backend(ctx)
	if err != nil {
		return err
	}
	return store.Save(ctx, st)
}

func (s *LazyStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.store == nil {
		return nil
	}
	store := s.store
	s.store = nil
	return store.Close()
}
