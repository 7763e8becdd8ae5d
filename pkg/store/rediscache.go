package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// CachedGateway wraps a Gateway with a Redis read-through cache for
// checksum lookups, the hot query on every ingestion batch. Upserts
// write the new checksums through so the cache never serves a stale
// value longer than one failed write.
//
// Cache failures degrade to the underlying gateway; Redis being down
// slows classification but never breaks it.
type CachedGateway struct {
	Gateway

	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewCachedGateway wraps inner with a checksum cache.
func NewCachedGateway(inner Gateway, client *redis.Client, ttl time.Duration, logger *zap.Logger) *CachedGateway {
	return &CachedGateway{
		Gateway: inner,
		client:  client,
		ttl:     ttl,
		logger:  logger.With(zap.String("component", "checksum_cache")),
	}
}

func checksumKey(connectorID, recordKey string) string {
	return "feedline:cs:" + connectorID + ":" + recordKey
}

// FetchChecksums consults the cache first and falls through to the
// gateway for misses in one batch.
func (c *CachedGateway) FetchChecksums(ctx context.Context, connectorID string, keys []string) (map[string]string, error) {
	if len(keys) == 0 {
		return map[string]string{}, nil
	}

	cacheKeys := make([]string, len(keys))
	for i, k := range keys {
		cacheKeys[i] = checksumKey(connectorID, k)
	}

	out := make(map[string]string, len(keys))
	var misses []string

	cached, err := c.client.MGet(ctx, cacheKeys...).Result()
	if err != nil {
		c.logger.Warn("cache read failed, falling through", zap.Error(err))
		misses = keys
	} else {
		for i, v := range cached {
			s, ok := v.(string)
			if !ok {
				misses = append(misses, keys[i])
				continue
			}
			out[keys[i]] = s
		}
	}

	if len(misses) == 0 {
		return out, nil
	}

	fetched, err := c.Gateway.FetchChecksums(ctx, connectorID, misses)
	if err != nil {
		return nil, err
	}

	pipe := c.client.Pipeline()
	for k, checksum := range fetched {
		out[k] = checksum
		pipe.Set(ctx, checksumKey(connectorID, k), checksum, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Debug("cache fill failed", zap.Error(err))
	}
	return out, nil
}

// UpsertRows writes through the gateway and refreshes the cached
// checksums for the written keys.
func (c *CachedGateway) UpsertRows(ctx context.Context, connectorID string, rows []Row) (UpsertResult, error) {
	result, err := c.Gateway.UpsertRows(ctx, connectorID, rows)
	if err != nil {
		// The write may have partially landed; drop the affected keys so
		// the next lookup goes to the source of truth.
		pipe := c.client.Pipeline()
		for _, row := range rows {
			pipe.Del(ctx, checksumKey(connectorID, row.RecordKey))
		}
		if _, delErr := pipe.Exec(ctx); delErr != nil {
			c.logger.Debug("cache invalidation failed", zap.Error(delErr))
		}
		return result, err
	}

	pipe := c.client.Pipeline()
	for _, row := range rows {
		pipe.Set(ctx, checksumKey(connectorID, row.RecordKey), row.Checksum, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Debug("cache refresh failed", zap.Error(err))
	}
	return result, nil
}

// Close closes the cache client and the underlying gateway.
func (c *CachedGateway) Close() {
	if err := c.client.Close(); err != nil {
		c.logger.Debug("cache close failed", zap.Error(err))
	}
	c.Gateway.Close()
}
