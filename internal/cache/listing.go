package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"katasu/internal/models"
)

type kv interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// ListingCache keeps the first page of a user's published listing and tag
// set in redis. Redis failures degrade to the loader.
type ListingCache struct {
	client kv
	ttl    time.Duration
	logger zerolog.Logger
}

func NewListingCache(client kv, ttl time.Duration, logger zerolog.Logger) *ListingCache {
	return &ListingCache{client: client, ttl: ttl, logger: logger}
}

func imagesKey(userID string) string { return "listing:images:" + userID }

func tagsKey(userID string) string { return "listing:tags:" + userID }

func (c *ListingCache) Images(ctx context.Context, userID string, load func(context.Context) ([]models.Image, error)) ([]models.Image, error) {
	return getOrLoad(ctx, c, imagesKey(userID), load)
}

func (c *ListingCache) Tags(ctx context.Context, userID string, load func(context.Context) ([]string, error)) ([]string, error) {
	return getOrLoad(ctx, c, tagsKey(userID), load)
}

func (c *ListingCache) InvalidateUser(ctx context.Context, userID string) error {
	if err := c.client.Del(ctx, imagesKey(userID), tagsKey(userID)).Err(); err != nil {
		return fmt.Errorf("invalidate listing %s: %w", userID, err)
	}
	return nil
}

func getOrLoad[T any](ctx context.Context, c *ListingCache, key string, load func(context.Context) (T, error)) (T, error) {
	raw, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var cached T
		if err := json.Unmarshal(raw, &cached); err == nil {
			return cached, nil
		}
		c.logger.Warn().Str("key", key).Msg("discarding undecodable listing cache entry")
	case !errors.Is(err, redis.Nil):
		c.logger.Warn().Err(err).Str("key", key).Msg("listing cache read failed")
	}

	value, err := load(ctx)
	if err != nil {
		return value, err
	}

	if encoded, err := json.Marshal(value); err == nil {
		if err := c.client.Set(ctx, key, encoded, c.ttl).Err(); err != nil {
			c.logger.Warn().Err(err).Str("key", key).Msg("listing cache write failed")
		}
	}
	return value, nil
}
