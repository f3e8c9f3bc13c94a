package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultCacheKey = "voiceorder:catalog"

// CachedSource fronts another Source with a Redis copy so that session starts
// do not hit the catalog service every time. Redis failures fall through to
// the inner source.
type CachedSource struct {
	inner  Source
	client *redis.Client
	key    string
	ttl    time.Duration
	logger *slog.Logger
}

func NewCachedSource(inner Source, client *redis.Client, ttl time.Duration, logger *slog.Logger) *CachedSource {
	return &CachedSource{
		inner:  inner,
		client: client,
		key:    defaultCacheKey,
		ttl:    ttl,
		logger: logger.With(slog.String("component", "catalog-cache")),
	}
}

func (c *CachedSource) List(ctx context.Context) ([]Item, error) {
	data, err := c.client.Get(ctx, c.key).Bytes()
	switch {
	case err == nil:
		var items []Item
		if uerr := json.Unmarshal(data, &items); uerr == nil && len(items) > 0 {
			return items, nil
		}
		c.logger.Warn("discarding unreadable cached catalog")
	case errors.Is(err, redis.Nil):
	default:
		c.logger.Warn("catalog cache read failed", slog.String("error", err.Error()))
	}

	items, err := c.inner.List(ctx)
	if err != nil {
		return nil, err
	}
	if encoded, merr := json.Marshal(items); merr == nil {
		if serr := c.client.Set(ctx, c.key, encoded, c.ttl).Err(); serr != nil {
			c.logger.Warn("catalog cache write failed", slog.String("error", serr.Error()))
		}
	}
	return items, nil
}

// Invalidate drops the cached copy.
func (c *CachedSource) Invalidate(ctx context.Context) error {
	return c.client.Del(ctx, c.key).Err()
}
