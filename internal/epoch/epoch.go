// Package epoch holds the tracker's in-memory (current_epoch,
// recovery_epoch) pair as fields of one long-lived value threaded
// through the handlers, not as process-wide globals.
package epoch

import (
	"context"
	"sync"

	"github.com/openunix/nfsdcld/internal/logger"
)

// Store is the subset of the persistent store the Manager delegates to.
// Mutations only update the in-memory cache after the store confirms the
// change committed.
type Store interface {
	Current() uint64
	Recovery() uint64
	GraceStart(ctx context.Context) (current, recovery uint64, err error)
	GraceDone(ctx context.Context) error
}

// Manager holds the cached (current_epoch, recovery_epoch) pair. The
// invariant "in-memory == on-disk" holds at every observable quiescent
// point: mutators write to the store first and only update the cache once
// the store's commit has succeeded.
type Manager struct {
	mu    sync.RWMutex
	store Store

	current  uint64
	recovery uint64
}

// New builds a Manager seeded from the store's current on-disk values,
// as read back by store.Open at startup.
func New(s Store) *Manager {
	m := &Manager{
		store:    s,
		current:  s.Current(),
		recovery: s.Recovery(),
	}
	logger.DebugSub("epoch", "seeded from store", logger.Epoch(m.current), logger.RecoveryEpoch(m.recovery))
	return m
}

// Current returns the cached current_epoch.
func (m *Manager) Current() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Recovery returns the cached recovery_epoch (0 when not in grace).
func (m *Manager) Recovery() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.recovery
}

// InGrace reports whether a grace period is currently active.
func (m *Manager) InGrace() bool {
	return m.Recovery() != 0
}

// GraceStart delegates to the store and, only on success, publishes the
// new (current, recovery) pair to the cache.
func (m *Manager) GraceStart(ctx context.Context) (current, recovery uint64, err error) {
	current, recovery, err = m.store.GraceStart(ctx)
	if err != nil {
		return 0, 0, err
	}

	m.mu.Lock()
	m.current, m.recovery = current, recovery
	m.mu.Unlock()

	logger.Info("epoch manager: grace started", logger.Epoch(current), logger.RecoveryEpoch(recovery))
	return current, recovery, nil
}

// GraceDone delegates to the store and, only on success, clears the
// cached recovery_epoch.
func (m *Manager) GraceDone(ctx context.Context) error {
	if err := m.store.GraceDone(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	m.recovery = 0
	m.mu.Unlock()

	logger.Info("epoch manager: grace done", logger.Epoch(m.Current()))
	return nil
}
