package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedlinehq/feedline/pkg/testutil"
)

func newCachedGateway(t *testing.T) (*CachedGateway, *MemoryGateway, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	inner := NewMemoryGateway(testutil.NewTestLogger(t))
	cached := NewCachedGateway(inner, client, 10*time.Minute, testutil.NewTestLogger(t))
	return cached, inner, mr
}

func TestCachedFetchReadsThrough(t *testing.T) {
	cached, inner, mr := newCachedGateway(t)
	ctx := context.Background()

	_, err := inner.UpsertRows(ctx, "prices", []Row{
		{RecordKey: "prices:btc", Checksum: "aa"},
	})
	require.NoError(t, err)

	// Miss fills the cache from the inner gateway.
	got, err := cached.FetchChecksums(ctx, "prices", []string{"prices:btc"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"prices:btc": "aa"}, got)

	cachedValue, err := mr.Get("feedline:cs:prices:prices:btc")
	require.NoError(t, err)
	assert.Equal(t, "aa", cachedValue)

	// A subsequent fetch is served from the cache even if the inner
	// value is gone.
	inner.rows = map[rowKey]Row{}
	got, err = cached.FetchChecksums(ctx, "prices", []string{"prices:btc"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"prices:btc": "aa"}, got)
}

func TestCachedUpsertWritesThrough(t *testing.T) {
	cached, _, mr := newCachedGateway(t)
	ctx := context.Background()

	_, err := cached.UpsertRows(ctx, "prices", []Row{
		{RecordKey: "prices:btc", Checksum: "bb"},
	})
	require.NoError(t, err)

	cachedValue, err := mr.Get("feedline:cs:prices:prices:btc")
	require.NoError(t, err)
	assert.Equal(t, "bb", cachedValue)

	got, err := cached.FetchChecksums(ctx, "prices", []string{"prices:btc"})
	require.NoError(t, err)
	assert.Equal(t, "bb", got["prices:btc"])
}

func TestCachedFetchSurvivesRedisOutage(t *testing.T) {
	cached, inner, mr := newCachedGateway(t)
	ctx := context.Background()

	_, err := inner.UpsertRows(ctx, "prices", []Row{
		{RecordKey: "prices:btc", Checksum: "aa"},
	})
	require.NoError(t, err)

	mr.Close()

	// The cache degrades to the inner gateway.
	got, err := cached.FetchChecksums(ctx, "prices", []string{"prices:btc"})
	require.NoError(t, err)
	assert.Equal(t, "aa", got["prices:btc"])
}

func TestCachedFetchMixedHitsAndMisses(t *testing.T) {
	cached, inner, _ := newCachedGateway(t)
	ctx := context.Background()

	_, err := cached.UpsertRows(ctx, "prices", []Row{
		{RecordKey: "prices:btc", Checksum: "aa"},
	})
	require.NoError(t, err)
	_, err = inner.UpsertRows(ctx, "prices", []Row{
		{RecordKey: "prices:eth", Checksum: "bb"},
	})
	require.NoError(t, err)

	got, err := cached.FetchChecksums(ctx, "prices", []string{"prices:btc", "prices:eth", "prices:gone"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"prices:btc": "aa",
		"prices:eth": "bb",
	}, got)
}
