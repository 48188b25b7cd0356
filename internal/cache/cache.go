// Package cache provides a stale-while-revalidate read cache over the local
// database. Stale hits are served immediately while a refresh runs in the
// background; invalidation happens explicitly by key or entity when a
// mutation lands.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kampuslab/labsync/internal/db"
	apperrors "github.com/kampuslab/labsync/internal/errors"
	"github.com/kampuslab/labsync/internal/logging"
	"github.com/kampuslab/labsync/internal/metrics"
	"github.com/kampuslab/labsync/internal/models"
)

// FetchFunc loads the authoritative value for a key.
type FetchFunc func(ctx context.Context) (json.RawMessage, error)

// Cache is the stale-while-revalidate read cache.
type Cache struct {
	repo       db.CacheRepository
	defaultTTL time.Duration
	metrics    *metrics.Metrics

	flight singleflight.Group
}

// New creates a Cache. Metrics may be nil.
func New(repo db.CacheRepository, defaultTTL time.Duration, m *metrics.Metrics) *Cache {
	return &Cache{repo: repo, defaultTTL: defaultTTL, metrics: m}
}

// Key builds the cache key for one record. Entity-wide invalidation relies
// on this prefix layout.
func Key(entity models.Entity, recordID string) string {
	return string(entity) + ":" + recordID
}

// Get returns the cached value if present and fresh.
func (c *Cache) Get(key string) (json.RawMessage, bool) {
	entry, err := c.repo.GetCacheEntry(key)
	if err != nil {
		c.miss()
		return nil, false
	}
	if entry.Expired(time.Now().UnixMilli()) {
		c.miss()
		return nil, false
	}
	c.hit()
	return entry.Data, true
}

// Set stores a value under the key. A zero ttl uses the default; a negative
// ttl stores without expiry.
func (c *Cache) Set(key string, data json.RawMessage, ttl time.Duration) error {
	now := time.Now().UnixMilli()
	entry := &models.CacheEntry{
		Key:       key,
		Data:      data,
		Timestamp: now,
	}
	switch {
	case ttl == 0:
		entry.ExpiresAt = now + c.defaultTTL.Milliseconds()
	case ttl > 0:
		entry.ExpiresAt = now + ttl.Milliseconds()
	}
	return c.repo.PutCacheEntry(entry)
}

// Invalidate drops one key.
func (c *Cache) Invalidate(key string) error {
	return c.repo.DeleteCacheEntry(key)
}

// InvalidateRecord drops the cached copy of one record.
func (c *Cache) InvalidateRecord(entity models.Entity, recordID string) {
	if err := c.repo.DeleteCacheEntry(Key(entity, recordID)); err != nil {
		logging.Error("cache invalidation failed", err, map[string]interface{}{
			"entity":    string(entity),
			"record_id": recordID,
		})
	}
}

// InvalidateEntity drops every cached record of an entity kind.
func (c *Cache) InvalidateEntity(entity models.Entity) (int64, error) {
	return c.repo.DeleteCacheByPrefix(string(entity) + ":")
}

// GetOrFetch returns the cached value when fresh, serves a stale value
// immediately while refreshing in the background, and fetches synchronously
// on a miss. Concurrent callers for the same key share one fetch.
func (c *Cache) GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetch FetchFunc) (json.RawMessage, error) {
	entry, err := c.repo.GetCacheEntry(key)
	now := time.Now().UnixMilli()

	switch {
	case err == nil && !entry.Expired(now):
		c.hit()
		return entry.Data, nil

	case err == nil:
		// stale hit: serve it, refresh behind the caller's back
		c.stale()
		go c.refresh(key, ttl, fetch)
		return entry.Data, nil

	case apperrors.CodeOf(err) != apperrors.ErrNotFound:
		return nil, err
	}

	c.miss()
	v, err, _ := c.flight.Do(key, func() (interface{}, error) {
		data, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		if err := c.Set(key, data, ttl); err != nil {
			logging.Error("cache write failed", err, map[string]interface{}{"key": key})
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(json.RawMessage), nil
}

// refresh reloads one key in the background. Failures keep the stale entry
// in place; the next stale hit tries again.
func (c *Cache) refresh(key string, ttl time.Duration, fetch FetchFunc) {
	_, _, _ = c.flight.Do(key, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		data, err := fetch(ctx)
		if err != nil {
			logging.Debug("background cache refresh failed", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
			return nil, err
		}
		if err := c.Set(key, data, ttl); err != nil {
			logging.Error("cache write failed", err, map[string]interface{}{"key": key})
		}
		return data, nil
	})
}

// Purge removes entries past their TTL and returns how many were dropped.
func (c *Cache) Purge() (int64, error) {
	return c.repo.PurgeExpiredCache(time.Now().UnixMilli())
}

func (c *Cache) hit() {
	if c.metrics != nil {
		c.metrics.CacheHits.Inc()
	}
}

func (c *Cache) stale() {
	if c.metrics != nil {
		c.metrics.CacheStale.Inc()
	}
}

func (c *Cache) miss() {
	if c.metrics != nil {
		c.metrics.CacheMisses.Inc()
	}
}
