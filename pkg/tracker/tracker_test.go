package tracker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedlinehq/feedline/pkg/store"
	"github.com/feedlinehq/feedline/pkg/testutil"
)

func TestRunOnceOverwritesDriftedCounters(t *testing.T) {
	gateway := store.NewMemoryGateway(testutil.NewTestLogger(t))
	ctx := context.Background()

	_, err := gateway.UpsertRows(ctx, "prices", []store.Row{
		{RecordKey: "prices:btc"},
		{RecordKey: "prices:eth"},
	})
	require.NoError(t, err)

	// Simulate an over-counted write path.
	require.NoError(t, gateway.IncrementCounters(ctx, "prices", 50, 50, 50))

	tr := New(gateway, time.Minute, testutil.NewTestLogger(t))
	tr.RunOnce(ctx)

	c, err := gateway.GetCounters(ctx, "prices")
	require.NoError(t, err)
	assert.Equal(t, int64(2), c.ExtractCount)
	assert.Equal(t, int64(2), c.TransformCount)
	assert.Equal(t, int64(2), c.LoadCount)
}

func TestRunOnceCoversEveryConnector(t *testing.T) {
	gateway := store.NewMemoryGateway(testutil.NewTestLogger(t))
	ctx := context.Background()

	for _, id := range []string{"alpha", "beta"} {
		_, err := gateway.UpsertRows(ctx, id, []store.Row{{RecordKey: id + ":1"}})
		require.NoError(t, err)
	}

	tr := New(gateway, time.Minute, testutil.NewTestLogger(t))
	tr.RunOnce(ctx)

	for _, id := range []string{"alpha", "beta"} {
		c, err := gateway.GetCounters(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(1), c.LoadCount, id)
	}
}

func TestTrackerPeriodicLoop(t *testing.T) {
	gateway := store.NewMemoryGateway(testutil.NewTestLogger(t))
	ctx := context.Background()

	_, err := gateway.UpsertRows(ctx, "prices", []store.Row{{RecordKey: "prices:btc"}})
	require.NoError(t, err)
	require.NoError(t, gateway.IncrementCounters(ctx, "prices", 99, 99, 99))

	tr := New(gateway, 20*time.Millisecond, testutil.NewTestLogger(t))
	tr.Start(ctx)
	defer tr.Stop(ctx) //nolint:errcheck

	testutil.AssertEventually(t, func() bool {
		c, err := gateway.GetCounters(ctx, "prices")
		return err == nil && c.LoadCount == 1
	}, 2*time.Second, "loop should reconcile the drifted counter")
}

func TestTrackerStopIsIdempotent(t *testing.T) {
	gateway := store.NewMemoryGateway(testutil.NewTestLogger(t))
	tr := New(gateway, time.Minute, testutil.NewTestLogger(t))

	ctx := context.Background()
	tr.Start(ctx)
	// A second start is ignored.
	tr.Start(ctx)

	require.NoError(t, tr.Stop(ctx))
	require.NoError(t, tr.Stop(ctx))
}

func TestTrackerDefaultInterval(t *testing.T) {
	gateway := store.NewMemoryGateway(testutil.NewTestLogger(t))
	tr := New(gateway, 0, testutil.NewTestLogger(t))
	assert.Equal(t, 60*time.Second, tr.interval)
}
