package connector

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedlinehq/feedline/pkg/config"
	"github.com/feedlinehq/feedline/pkg/connector/core"
	"github.com/feedlinehq/feedline/pkg/errors"
	"github.com/feedlinehq/feedline/pkg/testutil"
)

// fakeConnector tracks lifecycle calls for manager tests.
type fakeConnector struct {
	id      string
	state   *core.StateTracker
	started int
	stopped int
	mu      sync.Mutex
}

func (f *fakeConnector) ID() string { return f.id }

func (f *fakeConnector) Start(_ context.Context, _ core.MessageCallback) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
	f.state.SetStatus(core.StatusRunning)
	return nil
}

func (f *fakeConnector) Stop(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	f.state.SetStatus(core.StatusStopped)
	return nil
}

func (f *fakeConnector) Snapshot() core.State { return f.state.Snapshot() }

var registerFakeOnce sync.Once

func registerFakeFactory() {
	registerFakeOnce.Do(func() {
		RegisterFactory(config.ProtocolREST, func(cfg config.SourceConfig, _ Deps) (core.Connector, error) {
			return &fakeConnector{id: cfg.ID, state: core.NewStateTracker()}, nil
		})
	})
}

func sourceConfig(id string) config.SourceConfig {
	return config.SourceConfig{
		ID:       id,
		Protocol: config.ProtocolREST,
		URL:      "https://api.example.com/ticker",
		Interval: time.Second,
	}
}

func TestManagerCreateAndGet(t *testing.T) {
	registerFakeFactory()
	m := NewManager(Deps{}, testutil.NewTestLogger(t))

	conn, err := m.Create(sourceConfig("btc"))
	require.NoError(t, err)
	assert.Equal(t, "btc", conn.ID())

	got, err := m.Get("btc")
	require.NoError(t, err)
	assert.Same(t, conn, got)

	_, err = m.Get("missing")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestManagerRejectsDuplicateID(t *testing.T) {
	registerFakeFactory()
	m := NewManager(Deps{}, testutil.NewTestLogger(t))

	_, err := m.Create(sourceConfig("btc"))
	require.NoError(t, err)

	_, err = m.Create(sourceConfig("btc"))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestManagerRejectsInvalidConfig(t *testing.T) {
	registerFakeFactory()
	m := NewManager(Deps{}, testutil.NewTestLogger(t))

	_, err := m.Create(config.SourceConfig{Protocol: config.ProtocolREST})
	require.Error(t, err)
}

func TestManagerLifecycle(t *testing.T) {
	registerFakeFactory()
	m := NewManager(Deps{}, testutil.NewTestLogger(t))
	ctx := context.Background()

	conn, err := m.Create(sourceConfig("btc"))
	require.NoError(t, err)
	fake := conn.(*fakeConnector)

	require.NoError(t, m.Start(ctx, "btc", func(context.Context, *core.Envelope) {}))
	assert.Equal(t, core.StatusRunning, conn.Snapshot().Status)

	require.NoError(t, m.Stop(ctx, "btc"))
	assert.Equal(t, core.StatusStopped, conn.Snapshot().Status)
	assert.Equal(t, 1, fake.started)
	assert.Equal(t, 1, fake.stopped)
}

func TestManagerDeleteStopsConnector(t *testing.T) {
	registerFakeFactory()
	m := NewManager(Deps{}, testutil.NewTestLogger(t))
	ctx := context.Background()

	conn, err := m.Create(sourceConfig("btc"))
	require.NoError(t, err)
	fake := conn.(*fakeConnector)

	require.NoError(t, m.Start(ctx, "btc", func(context.Context, *core.Envelope) {}))
	require.NoError(t, m.Delete(ctx, "btc"))

	assert.Equal(t, 1, fake.stopped)
	_, err = m.Get("btc")
	require.Error(t, err)
}

func TestManagerList(t *testing.T) {
	registerFakeFactory()
	m := NewManager(Deps{}, testutil.NewTestLogger(t))

	for _, id := range []string{"eth", "btc", "sol"} {
		_, err := m.Create(sourceConfig(id))
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"btc", "eth", "sol"}, m.List())

	snapshots := m.Snapshots()
	assert.Len(t, snapshots, 3)
	assert.Equal(t, core.StatusStopped, snapshots["btc"].Status)
}

func TestManagerStopAll(t *testing.T) {
	registerFakeFactory()
	m := NewManager(Deps{}, testutil.NewTestLogger(t))
	ctx := context.Background()

	for _, id := range []string{"btc", "eth"} {
		_, err := m.Create(sourceConfig(id))
		require.NoError(t, err)
		require.NoError(t, m.Start(ctx, id, func(context.Context, *core.Envelope) {}))
	}

	require.NoError(t, m.StopAll(ctx))
	for _, state := range m.Snapshots() {
		assert.Equal(t, core.StatusStopped, state.Status)
	}
}
