// Package models provides data model definitions for the LabSync core.
package models

import "encoding/json"

// CacheEntry is a read-only caching unit with an independent lifecycle,
// invalidated explicitly by key or implicitly by TTL expiry.
type CacheEntry struct {
	Key       string          `db:"key" json:"key"`
	Data      json.RawMessage `db:"data" json:"data"`
	Timestamp int64           `db:"timestamp" json:"timestamp"`  // unix millis of the write
	ExpiresAt int64           `db:"expires_at" json:"expires_at"` // unix millis, 0 = never
	Version   int64           `db:"version" json:"version"`
}

// TableName returns the table name for CacheEntry.
func (CacheEntry) TableName() string {
	return "api_cache"
}

// Expired reports whether the entry is past its TTL at the given unix-milli
// instant. Entries without an expiry never expire.
func (e *CacheEntry) Expired(nowMillis int64) bool {
	return e.ExpiresAt != 0 && nowMillis >= e.ExpiresAt
}
