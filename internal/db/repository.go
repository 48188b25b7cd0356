// Package db provides CRUD repository operations for LabSync data models.
package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/kampuslab/labsync/internal/errors"
	"github.com/kampuslab/labsync/internal/models"
)

// Repository provides CRUD operations for all models.
// Frequently used queries go through a prepared statement cache.
type Repository struct {
	db *sql.DB

	// Statements are prepared on first use and cached for reuse
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// PrepareStmt gets or creates a prepared statement from cache.
// Key is the query string, value is the prepared statement.
func (r *Repository) PrepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	// Store in cache (if already stored by another goroutine, use existing)
	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// Close closes all cached prepared statements.
// Should be called when the Repository is no longer needed.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

func marshalMap(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}
	return string(data), nil
}

func unmarshalMap(s string) (map[string]any, error) {
	if s == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return m, nil
}

// =====================================================
// QueueItem Operations
// =====================================================

// CreateQueueItem persists a new queue item. ID and timestamps are assigned
// here if unset.
func (r *Repository) CreateQueueItem(item *models.QueueItem) error {
	now := time.Now().Unix()
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CreatedAt == 0 {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	if item.Status == "" {
		item.Status = models.QueueStatusPending
	}

	payload, err := marshalMap(item.Payload)
	if err != nil {
		return err
	}

	query := `
	INSERT INTO sync_queue (id, entity, record_id, operation, payload, base_version,
		timestamp, status, retry_count, error, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = r.db.Exec(query, item.ID, item.Entity, item.RecordID, item.Operation,
		payload, item.BaseVersion, item.Timestamp, item.Status, item.RetryCount,
		item.Error, item.CreatedAt, item.UpdatedAt)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to enqueue item", err)
	}
	return nil
}

const queueItemColumns = `id, entity, record_id, operation, payload, base_version,
	timestamp, status, retry_count, error, created_at, updated_at`

func scanQueueItem(scan func(dest ...any) error) (*models.QueueItem, error) {
	var item models.QueueItem
	var payload string
	err := scan(&item.ID, &item.Entity, &item.RecordID, &item.Operation, &payload,
		&item.BaseVersion, &item.Timestamp, &item.Status, &item.RetryCount,
		&item.Error, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return nil, err
	}
	item.Payload, err = unmarshalMap(payload)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// GetQueueItem retrieves a queue item by ID.
func (r *Repository) GetQueueItem(id string) (*models.QueueItem, error) {
	query := `SELECT ` + queueItemColumns + ` FROM sync_queue WHERE id = ?`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	item, err := scanQueueItem(stmt.QueryRow(id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.New(apperrors.ErrNotFound, "queue item not found: "+id)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to get queue item", err)
	}
	return item, nil
}

// ListQueueItemsByStatus returns all queue items in the given status,
// ordered by local edit time so replay preserves enqueue order. The rowid
// tiebreaker keeps same-millisecond enqueues in insertion order.
func (r *Repository) ListQueueItemsByStatus(status models.QueueStatus) ([]*models.QueueItem, error) {
	query := `SELECT ` + queueItemColumns + ` FROM sync_queue
		WHERE status = ? ORDER BY timestamp ASC, created_at ASC, rowid ASC`
	rows, err := r.db.Query(query, status)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list queue items", err)
	}
	defer rows.Close()

	var items []*models.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows.Scan)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan queue item", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ListQueueItems returns every queue item regardless of status, oldest first.
func (r *Repository) ListQueueItems() ([]*models.QueueItem, error) {
	query := `SELECT ` + queueItemColumns + ` FROM sync_queue
		ORDER BY timestamp ASC, created_at ASC, rowid ASC`
	rows, err := r.db.Query(query)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list queue items", err)
	}
	defer rows.Close()

	var items []*models.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows.Scan)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan queue item", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// UpdateQueueItem persists the item's mutable fields (payload, status,
// retry count, error).
func (r *Repository) UpdateQueueItem(item *models.QueueItem) error {
	item.UpdatedAt = time.Now().Unix()

	payload, err := marshalMap(item.Payload)
	if err != nil {
		return err
	}

	query := `
	UPDATE sync_queue SET payload = ?, base_version = ?, status = ?,
		retry_count = ?, error = ?, updated_at = ?
	WHERE id = ?
	`
	result, err := r.db.Exec(query, payload, item.BaseVersion, item.Status,
		item.RetryCount, item.Error, item.UpdatedAt, item.ID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to update queue item", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperrors.New(apperrors.ErrNotFound, "queue item not found: "+item.ID)
	}
	return nil
}

// DeleteQueueItemsByStatus removes all queue items in the given status and
// returns how many were removed. Used to prune completed history.
func (r *Repository) DeleteQueueItemsByStatus(status models.QueueStatus) (int64, error) {
	result, err := r.db.Exec(`DELETE FROM sync_queue WHERE status = ?`, status)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to delete queue items", err)
	}
	return result.RowsAffected()
}

// CountQueueByStatus returns the number of queue items per status.
func (r *Repository) CountQueueByStatus() (map[models.QueueStatus]int, error) {
	rows, err := r.db.Query(`SELECT status, COUNT(*) FROM sync_queue GROUP BY status`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to count queue items", err)
	}
	defer rows.Close()

	counts := make(map[models.QueueStatus]int)
	for rows.Next() {
		var status models.QueueStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// =====================================================
// ConflictRecord Operations
// =====================================================

const conflictColumns = `id, queue_item_id, user_id, entity, record_id, local_data,
	remote_data, resolution_strategy, resolved_data, resolved_by, resolved_at,
	local_version, remote_version, status, winner, created_at`

func scanConflict(scan func(dest ...any) error) (*models.ConflictRecord, error) {
	var c models.ConflictRecord
	var queueItemID sql.NullString
	var localData, remoteData, resolvedData string
	err := scan(&c.ID, &queueItemID, &c.UserID, &c.Entity, &c.RecordID, &localData,
		&remoteData, &c.ResolutionStrategy, &resolvedData, &c.ResolvedBy, &c.ResolvedAt,
		&c.LocalVersion, &c.RemoteVersion, &c.Status, &c.Winner, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	if queueItemID.Valid {
		c.QueueItemID = queueItemID.String
	}
	if c.LocalData, err = unmarshalMap(localData); err != nil {
		return nil, err
	}
	if c.RemoteData, err = unmarshalMap(remoteData); err != nil {
		return nil, err
	}
	if resolvedData != "" {
		if c.ResolvedData, err = unmarshalMap(resolvedData); err != nil {
			return nil, err
		}
	}
	return &c, nil
}

// CreateConflict persists a new pending conflict record. Appends are
// idempotent per queue item: a duplicate queue_item_id returns the existing
// record. While a conflict is pending its snapshots track the latest
// divergence, so an append that lands on an existing pending row refreshes
// local_data/remote_data and the versions before returning it.
func (r *Repository) CreateConflict(c *models.ConflictRecord) (*models.ConflictRecord, error) {
	if c.QueueItemID != "" {
		existing, err := r.GetConflictByQueueItem(c.QueueItemID)
		if err == nil {
			if existing.Pending() {
				return r.refreshConflictSnapshots(existing, c)
			}
			return existing, nil
		}
		if apperrors.CodeOf(err) != apperrors.ErrNotFound {
			return nil, err
		}
	}

	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt == 0 {
		c.CreatedAt = time.Now().Unix()
	}
	if c.Status == "" {
		c.Status = models.ConflictStatusPending
	}

	localData, err := marshalMap(c.LocalData)
	if err != nil {
		return nil, err
	}
	remoteData, err := marshalMap(c.RemoteData)
	if err != nil {
		return nil, err
	}

	var queueItemID any
	if c.QueueItemID != "" {
		queueItemID = c.QueueItemID
	}

	query := `
	INSERT INTO conflict_log (id, queue_item_id, user_id, entity, record_id,
		local_data, remote_data, resolution_strategy, resolved_data, resolved_by,
		resolved_at, local_version, remote_version, status, winner, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', '', 0, ?, ?, ?, '', ?)
	`
	_, err = r.db.Exec(query, c.ID, queueItemID, c.UserID, c.Entity, c.RecordID,
		localData, remoteData, c.ResolutionStrategy, c.LocalVersion, c.RemoteVersion,
		c.Status, c.CreatedAt)
	if err != nil {
		// One pending conflict per record is enforced by the schema; an
		// insert that hits the surviving row refreshes its snapshots with
		// the newer divergence.
		if existing, gerr := r.GetPendingConflict(c.Entity, c.RecordID); gerr == nil {
			return r.refreshConflictSnapshots(existing, c)
		}
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to create conflict record", err)
	}
	return c, nil
}

// refreshConflictSnapshots overwrites a pending conflict's snapshots and
// versions with a newer divergence for the same record. The manual resolver
// must diff against the latest remote state, not the one first recorded.
func (r *Repository) refreshConflictSnapshots(existing, latest *models.ConflictRecord) (*models.ConflictRecord, error) {
	localData, err := marshalMap(latest.LocalData)
	if err != nil {
		return nil, err
	}
	remoteData, err := marshalMap(latest.RemoteData)
	if err != nil {
		return nil, err
	}

	query := `
	UPDATE conflict_log SET local_data = ?, remote_data = ?,
		local_version = ?, remote_version = ?
	WHERE id = ? AND status = ?
	`
	_, err = r.db.Exec(query, localData, remoteData,
		latest.LocalVersion, latest.RemoteVersion,
		existing.ID, models.ConflictStatusPending)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to refresh conflict snapshots", err)
	}

	existing.LocalData = latest.LocalData
	existing.RemoteData = latest.RemoteData
	existing.LocalVersion = latest.LocalVersion
	existing.RemoteVersion = latest.RemoteVersion
	return existing, nil
}

// GetConflict retrieves a conflict record by ID.
func (r *Repository) GetConflict(id string) (*models.ConflictRecord, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflict_log WHERE id = ?`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	c, err := scanConflict(stmt.QueryRow(id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.New(apperrors.ErrNotFound, "conflict not found: "+id)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to get conflict", err)
	}
	return c, nil
}

// GetConflictByQueueItem retrieves the conflict record logged for a queue item.
func (r *Repository) GetConflictByQueueItem(queueItemID string) (*models.ConflictRecord, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflict_log WHERE queue_item_id = ?`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	c, err := scanConflict(stmt.QueryRow(queueItemID).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.New(apperrors.ErrNotFound, "conflict not found for queue item: "+queueItemID)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to get conflict", err)
	}
	return c, nil
}

// GetPendingConflict retrieves the single pending conflict for a record,
// if one exists.
func (r *Repository) GetPendingConflict(entity models.Entity, recordID string) (*models.ConflictRecord, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflict_log
		WHERE entity = ? AND record_id = ? AND status = 'pending'`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	c, err := scanConflict(stmt.QueryRow(entity, recordID).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.New(apperrors.ErrNotFound,
			fmt.Sprintf("no pending conflict for %s/%s", entity, recordID))
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to get pending conflict", err)
	}
	return c, nil
}

// ListConflicts returns conflict records, newest first. Filters are optional:
// empty userID matches all users, empty status matches all statuses.
func (r *Repository) ListConflicts(userID string, status models.ConflictStatus) ([]*models.ConflictRecord, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflict_log WHERE 1=1`
	var args []any
	if userID != "" {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list conflicts", err)
	}
	defer rows.Close()

	var conflicts []*models.ConflictRecord
	for rows.Next() {
		c, err := scanConflict(rows.Scan)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan conflict", err)
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}

// UpdateConflict persists a conflict's resolution fields.
func (r *Repository) UpdateConflict(c *models.ConflictRecord) error {
	resolvedData, err := marshalMap(c.ResolvedData)
	if err != nil {
		return err
	}
	if c.ResolvedData == nil {
		resolvedData = ""
	}

	query := `
	UPDATE conflict_log SET resolution_strategy = ?, resolved_data = ?,
		resolved_by = ?, resolved_at = ?, status = ?, winner = ?
	WHERE id = ?
	`
	result, err := r.db.Exec(query, c.ResolutionStrategy, resolvedData,
		c.ResolvedBy, c.ResolvedAt, c.Status, c.Winner, c.ID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to update conflict", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperrors.New(apperrors.ErrNotFound, "conflict not found: "+c.ID)
	}
	return nil
}

// CountPendingConflicts returns how many conflicts await resolution.
func (r *Repository) CountPendingConflicts() (int, error) {
	var n int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM conflict_log WHERE status = 'pending'`).Scan(&n)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to count pending conflicts", err)
	}
	return n, nil
}

// =====================================================
// CacheEntry Operations
// =====================================================

// PutCacheEntry inserts or replaces a cache entry.
func (r *Repository) PutCacheEntry(entry *models.CacheEntry) error {
	query := `
	INSERT INTO api_cache (key, data, timestamp, expires_at, version)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		data = excluded.data, timestamp = excluded.timestamp,
		expires_at = excluded.expires_at, version = excluded.version
	`
	_, err := r.db.Exec(query, entry.Key, string(entry.Data), entry.Timestamp,
		entry.ExpiresAt, entry.Version)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to put cache entry", err)
	}
	return nil
}

// GetCacheEntry retrieves a cache entry by key.
func (r *Repository) GetCacheEntry(key string) (*models.CacheEntry, error) {
	query := `SELECT key, data, timestamp, expires_at, version FROM api_cache WHERE key = ?`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	var entry models.CacheEntry
	var data string
	err = stmt.QueryRow(key).Scan(&entry.Key, &data, &entry.Timestamp,
		&entry.ExpiresAt, &entry.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.New(apperrors.ErrNotFound, "cache entry not found: "+key)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to get cache entry", err)
	}
	entry.Data = json.RawMessage(data)
	return &entry, nil
}

// DeleteCacheEntry removes a cache entry by key. Missing keys are not an error.
func (r *Repository) DeleteCacheEntry(key string) error {
	_, err := r.db.Exec(`DELETE FROM api_cache WHERE key = ?`, key)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to delete cache entry", err)
	}
	return nil
}

// DeleteCacheByPrefix removes all cache entries whose key starts with prefix.
func (r *Repository) DeleteCacheByPrefix(prefix string) (int64, error) {
	result, err := r.db.Exec(`DELETE FROM api_cache WHERE key LIKE ? || '%'`, prefix)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to delete cache entries", err)
	}
	return result.RowsAffected()
}

// PurgeExpiredCache removes all entries past their TTL at the given
// unix-milli instant.
func (r *Repository) PurgeExpiredCache(nowMillis int64) (int64, error) {
	result, err := r.db.Exec(`DELETE FROM api_cache WHERE expires_at != 0 AND expires_at <= ?`, nowMillis)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to purge cache", err)
	}
	return result.RowsAffected()
}

// =====================================================
// SyncMetadata Operations
// =====================================================

// GetSyncMetadata retrieves the singleton sync metadata row.
func (r *Repository) GetSyncMetadata() (*models.SyncMetadata, error) {
	query := `SELECT last_sync_time, pending_changes, failed_changes, next_sync_time, sync_enabled
		FROM sync_metadata WHERE id = 1`
	var m models.SyncMetadata
	err := r.db.QueryRow(query).Scan(&m.LastSyncTime, &m.PendingChanges,
		&m.FailedChanges, &m.NextSyncTime, &m.SyncEnabled)
	if errors.Is(err, sql.ErrNoRows) {
		return &models.SyncMetadata{SyncEnabled: true}, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to get sync metadata", err)
	}
	return &m, nil
}

// SaveSyncMetadata upserts the singleton sync metadata row.
func (r *Repository) SaveSyncMetadata(m *models.SyncMetadata) error {
	query := `
	INSERT INTO sync_metadata (id, last_sync_time, pending_changes, failed_changes, next_sync_time, sync_enabled)
	VALUES (1, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		last_sync_time = excluded.last_sync_time,
		pending_changes = excluded.pending_changes,
		failed_changes = excluded.failed_changes,
		next_sync_time = excluded.next_sync_time,
		sync_enabled = excluded.sync_enabled
	`
	_, err := r.db.Exec(query, m.LastSyncTime, m.PendingChanges, m.FailedChanges,
		m.NextSyncTime, m.SyncEnabled)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to save sync metadata", err)
	}
	return nil
}
