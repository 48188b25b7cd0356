// Package db provides repository interfaces for LabSync data models.
package db

import (
	"github.com/kampuslab/labsync/internal/models"
)

// QueueRepository defines operations for offline queue persistence.
// This interface allows mocking for testing and follows the Interface Segregation Principle.
type QueueRepository interface {
	// CreateQueueItem persists a new queue item.
	CreateQueueItem(item *models.QueueItem) error

	// GetQueueItem retrieves a queue item by ID.
	GetQueueItem(id string) (*models.QueueItem, error)

	// ListQueueItemsByStatus returns queue items in a status, oldest first.
	ListQueueItemsByStatus(status models.QueueStatus) ([]*models.QueueItem, error)

	// ListQueueItems returns every queue item, oldest first.
	ListQueueItems() ([]*models.QueueItem, error)

	// UpdateQueueItem persists an item's mutable fields.
	UpdateQueueItem(item *models.QueueItem) error

	// DeleteQueueItemsByStatus removes all items in a status.
	DeleteQueueItemsByStatus(status models.QueueStatus) (int64, error)

	// CountQueueByStatus returns item counts grouped by status.
	CountQueueByStatus() (map[models.QueueStatus]int, error)
}

// ConflictRepository defines operations for conflict log persistence.
type ConflictRepository interface {
	// CreateConflict persists a pending conflict, idempotent per queue item.
	CreateConflict(c *models.ConflictRecord) (*models.ConflictRecord, error)

	// GetConflict retrieves a conflict record by ID.
	GetConflict(id string) (*models.ConflictRecord, error)

	// GetConflictByQueueItem retrieves the conflict logged for a queue item.
	GetConflictByQueueItem(queueItemID string) (*models.ConflictRecord, error)

	// GetPendingConflict retrieves the pending conflict for a record.
	GetPendingConflict(entity models.Entity, recordID string) (*models.ConflictRecord, error)

	// ListConflicts returns conflicts newest first, optionally filtered.
	ListConflicts(userID string, status models.ConflictStatus) ([]*models.ConflictRecord, error)

	// UpdateConflict persists a conflict's resolution fields.
	UpdateConflict(c *models.ConflictRecord) error

	// CountPendingConflicts returns how many conflicts await resolution.
	CountPendingConflicts() (int, error)
}

// CacheRepository defines operations for read cache persistence.
type CacheRepository interface {
	// PutCacheEntry inserts or replaces a cache entry.
	PutCacheEntry(entry *models.CacheEntry) error

	// GetCacheEntry retrieves a cache entry by key.
	GetCacheEntry(key string) (*models.CacheEntry, error)

	// DeleteCacheEntry removes a cache entry by key.
	DeleteCacheEntry(key string) error

	// DeleteCacheByPrefix removes entries whose key starts with prefix.
	DeleteCacheByPrefix(prefix string) (int64, error)

	// PurgeExpiredCache removes entries past their TTL.
	PurgeExpiredCache(nowMillis int64) (int64, error)
}

// MetadataRepository defines operations for sync metadata persistence.
type MetadataRepository interface {
	// GetSyncMetadata retrieves the singleton metadata row.
	GetSyncMetadata() (*models.SyncMetadata, error)

	// SaveSyncMetadata upserts the singleton metadata row.
	SaveSyncMetadata(m *models.SyncMetadata) error
}

// SyncRepository combines repositories needed by the queue drain path.
// This is a marker interface that groups related repositories for convenience.
type SyncRepository interface {
	QueueRepository
	ConflictRepository
	MetadataRepository
}

// Ensure *Repository implements the interfaces at compile time.
var (
	_ QueueRepository    = (*Repository)(nil)
	_ ConflictRepository = (*Repository)(nil)
	_ CacheRepository    = (*Repository)(nil)
	_ MetadataRepository = (*Repository)(nil)
	_ SyncRepository     = (*Repository)(nil)
)
