// Package daycache caches day views keyed by calendar date. Entries are
// independent: the last write for a day wins and nothing is kept
// consistent across days.
package daycache

import (
	"context"
	"log/slog"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/errgroup"

	"github.com/lifebuffer/lifebuffer/internal/api"
)

// DefaultTTL bounds how stale a cached day can get.
const DefaultTTL = 5 * time.Minute

// Fetcher loads a day from the API.
type Fetcher interface {
	Day(ctx context.Context, date time.Time) (*api.DayResponse, error)
}

// Cache is a TTL cache of days in front of a Fetcher.
type Cache struct {
	cache  *ttlcache.Cache[string, *api.DayResponse]
	fetch  Fetcher
	logger *slog.Logger
}

// New creates a cache and starts its expiry loop. Call Close when done.
func New(fetch Fetcher, ttl time.Duration, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	cache := ttlcache.New(
		ttlcache.WithTTL[string, *api.DayResponse](ttl),
		ttlcache.WithDisableTouchOnHit[string, *api.DayResponse](),
	)

	go cache.Start()

	return &Cache{
		cache:  cache,
		fetch:  fetch,
		logger: logger,
	}
}

// Close stops the expiry loop.
func (c *Cache) Close() {
	c.cache.Stop()
}

func key(date time.Time) string {
	return date.Format(api.DateLayout)
}

// Get returns the cached day or fetches and caches it.
func (c *Cache) Get(ctx context.Context, date time.Time) (*api.DayResponse, error) {
	if item := c.cache.Get(key(date)); item != nil {
		return item.Value(), nil
	}

	day, err := c.fetch.Day(ctx, date)
	if err != nil {
		return nil, err
	}

	c.cache.Set(key(date), day, ttlcache.DefaultTTL)

	return day, nil
}

// Invalidate drops the cached copy of date.
func (c *Cache) Invalidate(date time.Time) {
	c.cache.Delete(key(date))
}

// Clear drops every cached day.
func (c *Cache) Clear() {
	c.cache.DeleteAll()
}

// Navigate returns date and warms the cache with the days either side
// of it. Neighbor failures are logged and otherwise ignored.
func (c *Cache) Navigate(ctx context.Context, date time.Time) (*api.DayResponse, error) {
	var (
		g   errgroup.Group
		day *api.DayResponse
	)

	g.Go(func() error {
		var err error
		day, err = c.Get(ctx, date)

		return err
	})

	for _, offset := range []int{-1, 1} {
		neighbor := date.AddDate(0, 0, offset)

		g.Go(func() error {
			if _, err := c.Get(ctx, neighbor); err != nil {
				c.logger.Debug("day prefetch failed",
					slog.String("date", key(neighbor)),
					slog.String("error", err.Error()),
				)
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return day, nil
}
