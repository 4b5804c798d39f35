package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stellarlinkco/chatfight/internal/challenge"
	"github.com/stellarlinkco/chatfight/internal/logging"
)

const saveTimeout = 10 * time.Second

// Manager owns the in-memory ModuleState and writes it through to a Store
// after every mutation. Mutations are applied and snapshotted under one lock;
// saves happen outside it and never let an older snapshot overwrite a newer one.
type Manager struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	state   ModuleState
	version uint64

	saveMu       sync.Mutex
	savedVersion uint64
}

// Open loads the persisted state. A missing record or an unreachable store
// is not fatal: the manager starts from Default and logs why.
func Open(ctx context.Context, store Store, logger *slog.Logger) *Manager {
	logger = logging.OrDiscard(logger).With("component", "state")

	initial := Default()
	if store != nil {
		loaded, err := store.Load(ctx)
		switch {
		case err == nil:
			initial = loaded
			initial.normalize()
			logger.Info("state loaded", "enabled", initial.Enabled, "total_responses", initial.Stats.TotalResponses)
		case errors.Is(err, ErrNotFound):
			logger.Info("no saved state, starting disabled")
		default:
			logger.Error("load state failed, starting from defaults", "error", err)
		}
	}
	return NewManager(store, initial, logger)
}

func NewManager(store Store, initial ModuleState, logger *slog.Logger) *Manager {
	initial.normalize()
	return &Manager{
		store:  store,
		logger: logging.OrDiscard(logger),
		now:    time.Now,
		state:  initial,
	}
}

// SetClock replaces the time source (tests).
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Manager) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Enabled
}

// Snapshot returns a copy of the current state.
func (m *Manager) Snapshot() ModuleState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Clone()
}

// RecordSuccess counts an answered challenge and persists.
func (m *Manager) RecordSuccess(ctx context.Context, kind challenge.Kind, answer string) ModuleState {
	return m.mutate(ctx, func(st *ModuleState, now time.Time) {
		st.Stats.RecordResponse(kind, answer, now.UTC())
	})
}

// RecordError counts a failed pipeline execution and persists.
func (m *Manager) RecordError(ctx context.Context) ModuleState {
	return m.mutate(ctx, func(st *ModuleState, _ time.Time) {
		st.Stats.Errors++
	})
}

// Toggle flips the enabled flag, persists, and returns the new value.
func (m *Manager) Toggle(ctx context.Context) bool {
	snap := m.mutate(ctx, func(st *ModuleState, _ time.Time) {
		st.Enabled = !st.Enabled
	})
	return snap.Enabled
}

func (m *Manager) SetEnabled(ctx context.Context, enabled bool) {
	m.mutate(ctx, func(st *ModuleState, _ time.Time) {
		st.Enabled = enabled
	})
}

// Flush saves the current state unconditionally.
func (m *Manager) Flush(ctx context.Context) error {
	m.mu.Lock()
	m.version++
	v := m.version
	snap := m.state.Clone()
	m.mu.Unlock()
	return m.persist(ctx, snap, v)
}

func (m *Manager) mutate(ctx context.Context, fn func(*ModuleState, time.Time)) ModuleState {
	m.mu.Lock()
	fn(&m.state, m.now())
	m.version++
	v := m.version
	snap := m.state.Clone()
	m.mu.Unlock()

	if err := m.persist(ctx, snap, v); err != nil {
		m.logger.Error("persist state failed", "error", err)
	}
	return snap
}

func (m *Manager) persist(ctx context.Context, snap ModuleState, version uint64) error {
	if m.store == nil {
		return nil
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()
	if version <= m.savedVersion {
		return nil
	}

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()
	if err := m.store.Save(saveCtx, snap); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	m.savedVersion = version
	return nil
}
