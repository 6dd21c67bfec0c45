// Package cache keeps result queries in Redis. Entries are namespaced by a
// generation counter so a single INCR invalidates every cached query.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nadmax/noos/internal/classify"
	"github.com/nadmax/noos/internal/config"
	"github.com/nadmax/noos/internal/logger"
	"github.com/nadmax/noos/internal/metrics"
	"github.com/nadmax/noos/internal/repository"
	"github.com/nadmax/noos/internal/repository/models"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix     = "noos:results"
	generationKey = keyPrefix + ":generation"
)

func NewRedisClient(cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}

// ResultCache wraps a ResultRepository. Reads are served from Redis when
// possible; writes go to the repository and then invalidate the cache. A Redis
// failure never fails a query, it only falls through to the repository.
type ResultCache struct {
	repository.ResultRepository
	client *redis.Client
	ttl    time.Duration
	log    *logger.Logger
}

func NewResultCache(repo repository.ResultRepository, client *redis.Client, ttl time.Duration, log *logger.Logger) *ResultCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ResultCache{
		ResultRepository: repo,
		client:           client,
		ttl:              ttl,
		log:              log.With("component", "ResultCache"),
	}
}

// InvalidateResults drops every cached query by moving to a new generation.
func (c *ResultCache) InvalidateResults(ctx context.Context) error {
	if err := c.client.Incr(ctx, generationKey).Err(); err != nil {
		return fmt.Errorf("failed to invalidate result cache: %w", err)
	}
	return nil
}

func (c *ResultCache) key(ctx context.Context, query string) (string, error) {
	gen, err := c.client.Get(ctx, generationKey).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", err
	}
	return fmt.Sprintf("%s:%d:%s", keyPrefix, gen, query), nil
}

func cached[T any](ctx context.Context, c *ResultCache, query string, load func() (T, error)) (T, error) {
	key, err := c.key(ctx, query)
	if err != nil {
		c.log.Warn("result cache unavailable", "error", err)
	}

	if key != "" {
		raw, err := c.client.Get(ctx, key).Bytes()
		switch {
		case err == nil:
			var v T
			if err := json.Unmarshal(raw, &v); err == nil {
				metrics.RecordCacheLookup(true)
				return v, nil
			}
			c.log.Warn("dropping undecodable cache entry", "key", key)
		case !errors.Is(err, redis.Nil):
			c.log.Warn("result cache read failed", "key", key, "error", err)
		}
	}

	metrics.RecordCacheLookup(false)
	v, err := load()
	if err != nil || key == "" {
		return v, err
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return v, nil
	}
	if err := c.client.Set(ctx, key, payload, c.ttl).Err(); err != nil {
		c.log.Warn("result cache write failed", "key", key, "error", err)
	}
	return v, nil
}

func (c *ResultCache) SaveResults(ctx context.Context, runID int64, results []classify.NoosResult) error {
	if err := c.ResultRepository.SaveResults(ctx, runID, results); err != nil {
		return err
	}
	c.invalidate(ctx)
	return nil
}

func (c *ResultCache) DeleteRun(ctx context.Context, runID int64) (int64, error) {
	n, err := c.ResultRepository.DeleteRun(ctx, runID)
	if err != nil {
		return n, err
	}
	c.invalidate(ctx)
	return n, nil
}

func (c *ResultCache) invalidate(ctx context.Context) {
	if err := c.InvalidateResults(ctx); err != nil {
		c.log.Warn("stale results may be served until expiry", "error", err)
	}
}

func (c *ResultCache) GetLatestResults(ctx context.Context, limit int) ([]classify.NoosResult, error) {
	return cached(ctx, c, fmt.Sprintf("latest:%d", limit), func() ([]classify.NoosResult, error) {
		return c.ResultRepository.GetLatestResults(ctx, limit)
	})
}

func (c *ResultCache) GetResultsByRun(ctx context.Context, runID int64) ([]classify.NoosResult, error) {
	return cached(ctx, c, fmt.Sprintf("run:%d", runID), func() ([]classify.NoosResult, error) {
		return c.ResultRepository.GetResultsByRun(ctx, runID)
	})
}

func (c *ResultCache) GetResultsByCategory(ctx context.Context, category string, runID int64) ([]classify.NoosResult, error) {
	return cached(ctx, c, fmt.Sprintf("category:%s:%d", category, runID), func() ([]classify.NoosResult, error) {
		return c.ResultRepository.GetResultsByCategory(ctx, category, runID)
	})
}

func (c *ResultCache) GetResultsByType(ctx context.Context, t classify.Type, runID int64) ([]classify.NoosResult, error) {
	return cached(ctx, c, fmt.Sprintf("type:%s:%d", t, runID), func() ([]classify.NoosResult, error) {
		return c.ResultRepository.GetResultsByType(ctx, t, runID)
	})
}

func (c *ResultCache) CountByType(ctx context.Context) (map[classify.Type]int, error) {
	return cached(ctx, c, "counts", func() (map[classify.Type]int, error) {
		return c.ResultRepository.CountByType(ctx)
	})
}

func (c *ResultCache) GetSummary(ctx context.Context, runID int64) ([]models.TypeSummary, error) {
	return cached(ctx, c, fmt.Sprintf("summary:%d", runID), func() ([]models.TypeSummary, error) {
		return c.ResultRepository.GetSummary(ctx, runID)
	})
}

func (c *ResultCache) ListRuns(ctx context.Context, limit int) ([]models.RunInfo, error) {
	return cached(ctx, c, fmt.Sprintf("runs:%d", limit), func() ([]models.RunInfo, error) {
		return c.ResultRepository.ListRuns(ctx, limit)
	})
}

func (c *ResultCache) Close() error {
	return c.client.Close()
}
