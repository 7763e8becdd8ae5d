package connector

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/feedlinehq/feedline/pkg/config"
	"github.com/feedlinehq/feedline/pkg/connector/core"
	"github.com/feedlinehq/feedline/pkg/errors"
)

// Manager owns the set of live connectors. Lifecycle operations on the
// same connector ID are serialized through a per-ID lock so concurrent
// start/stop calls cannot interleave; operations on different IDs run
// in parallel.
type Manager struct {
	deps   Deps
	logger *zap.Logger

	mu         sync.RWMutex
	connectors map[string]core.Connector
	locks      map[string]*sync.Mutex
}

// NewManager creates an empty manager.
func NewManager(deps Deps, logger *zap.Logger) *Manager {
	if deps.Failures == nil {
		deps.Failures = NopFailureSink{}
	}
	return &Manager{
		deps:       deps,
		logger:     logger.With(zap.String("component", "connector_manager")),
		connectors: make(map[string]core.Connector),
		locks:      make(map[string]*sync.Mutex),
	}
}

// idLock returns the serialization lock for a connector ID, creating it
// on first use. Locks outlive deletion so a concurrent delete/create
// pair stays ordered.
func (m *Manager) idLock(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[id] = lock
	}
	return lock
}

// Create builds and registers a connector from its configuration. The
// connector starts in the stopped state.
func (m *Manager) Create(cfg config.SourceConfig) (core.Connector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	lock := m.idLock(cfg.ID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.RLock()
	_, exists := m.connectors[cfg.ID]
	m.mu.RUnlock()
	if exists {
		return nil, errors.Newf(errors.ErrorTypeValidation, "connector %q already exists", cfg.ID)
	}

	conn, err := NewConnector(cfg, m.deps)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.connectors[cfg.ID] = conn
	m.mu.Unlock()

	m.logger.Info("connector created",
		zap.String("connector_id", cfg.ID),
		zap.String("protocol", string(cfg.Protocol)))
	return conn, nil
}

// Start starts the named connector, delivering messages to cb.
func (m *Manager) Start(ctx context.Context, id string, cb core.MessageCallback) error {
	lock := m.idLock(id)
	lock.Lock()
	defer lock.Unlock()

	conn, err := m.Get(id)
	if err != nil {
		return err
	}
	return conn.Start(ctx, cb)
}

// Stop stops the named connector.
func (m *Manager) Stop(ctx context.Context, id string) error {
	lock := m.idLock(id)
	lock.Lock()
	defer lock.Unlock()

	conn, err := m.Get(id)
	if err != nil {
		return err
	}
	return conn.Stop(ctx)
}

// Delete stops and removes the named connector.
func (m *Manager) Delete(ctx context.Context, id string) error {
	lock := m.idLock(id)
	lock.Lock()
	defer lock.Unlock()

	conn, err := m.Get(id)
	if err != nil {
		return err
	}
	if err := conn.Stop(ctx); err != nil {
		m.logger.Warn("stop during delete failed",
			zap.String("connector_id", id), zap.Error(err))
	}

	m.mu.Lock()
	delete(m.connectors, id)
	m.mu.Unlock()

	m.logger.Info("connector deleted", zap.String("connector_id", id))
	return nil
}

// Get returns the named connector.
func (m *Manager) Get(id string) (core.Connector, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conn, ok := m.connectors[id]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "connector %q not found", id)
	}
	return conn, nil
}

// List returns the registered connector IDs in sorted order.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.connectors))
	for id := range m.connectors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// StopAll stops every connector. Errors are logged per connector and
// the first one is returned.
func (m *Manager) StopAll(ctx context.Context) error {
	var firstErr error
	for _, id := range m.List() {
		if err := m.Stop(ctx, id); err != nil {
			m.logger.Error("failed to stop connector",
				zap.String("connector_id", id), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Snapshots returns the runtime state of every connector keyed by ID.
func (m *Manager) Snapshots() map[string]core.State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]core.State, len(m.connectors))
	for id, conn := range m.connectors {
		out[id] = conn.Snapshot()
	}
	return out
}
