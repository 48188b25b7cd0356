package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kampuslab/labsync/internal/errors"
	"github.com/kampuslab/labsync/internal/models"
)

func testRepo(t *testing.T) *Repository {
	t.Helper()
	database, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	require.NoError(t, Setup(database))

	repo := NewRepository(database.DB)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestQueueItemRoundTrip(t *testing.T) {
	repo := testRepo(t)

	item := &models.QueueItem{
		Entity:      models.EntityQuiz,
		RecordID:    "quiz-1",
		Operation:   models.OperationUpdate,
		Payload:     map[string]any{"title": "Week 3", "count": 2.0},
		BaseVersion: 3,
		Timestamp:   1000,
	}
	require.NoError(t, repo.CreateQueueItem(item))
	require.NotEmpty(t, item.ID)

	got, err := repo.GetQueueItem(item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EntityQuiz, got.Entity)
	assert.Equal(t, models.QueueStatusPending, got.Status)
	assert.Equal(t, int64(3), got.BaseVersion)
	assert.Equal(t, "Week 3", got.Payload["title"])
	assert.Equal(t, 2.0, got.Payload["count"])

	got.Status = models.QueueStatusFailed
	got.RetryCount = 2
	got.Error = "store unreachable"
	require.NoError(t, repo.UpdateQueueItem(got))

	again, err := repo.GetQueueItem(item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusFailed, again.Status)
	assert.Equal(t, 2, again.RetryCount)
	assert.Equal(t, "store unreachable", again.Error)
}

func TestQueueItemNotFound(t *testing.T) {
	repo := testRepo(t)
	_, err := repo.GetQueueItem("missing")
	assert.Equal(t, apperrors.ErrNotFound, apperrors.CodeOf(err))

	err = repo.UpdateQueueItem(&models.QueueItem{ID: "missing"})
	assert.Equal(t, apperrors.ErrNotFound, apperrors.CodeOf(err))
}

func TestQueueListPreservesEnqueueOrder(t *testing.T) {
	repo := testRepo(t)

	for i, ts := range []int64{300, 100, 200} {
		item := &models.QueueItem{
			Entity:    models.EntityGrade,
			RecordID:  "grade-1",
			Operation: models.OperationUpdate,
			Payload:   map[string]any{"n": float64(i)},
			Timestamp: ts,
		}
		require.NoError(t, repo.CreateQueueItem(item))
	}

	items, err := repo.ListQueueItemsByStatus(models.QueueStatusPending)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, int64(100), items[0].Timestamp)
	assert.Equal(t, int64(200), items[1].Timestamp)
	assert.Equal(t, int64(300), items[2].Timestamp)
}

func TestQueueSameTimestampKeepsInsertionOrder(t *testing.T) {
	repo := testRepo(t)

	// same-millisecond enqueues share timestamp and created_at; the
	// listing must still replay them in insertion order
	for i := 0; i < 3; i++ {
		item := &models.QueueItem{
			Entity:    models.EntityGrade,
			RecordID:  "grade-1",
			Operation: models.OperationUpdate,
			Payload:   map[string]any{"n": float64(i)},
			Timestamp: 5000,
			CreatedAt: 42,
		}
		require.NoError(t, repo.CreateQueueItem(item))
	}

	items, err := repo.ListQueueItemsByStatus(models.QueueStatusPending)
	require.NoError(t, err)
	require.Len(t, items, 3)
	for i, item := range items {
		assert.Equal(t, float64(i), item.Payload["n"])
	}
}

func TestQueueCountAndPrune(t *testing.T) {
	repo := testRepo(t)

	pending := &models.QueueItem{
		Entity: models.EntityQuiz, RecordID: "a", Operation: models.OperationUpdate,
		Payload: map[string]any{}, Timestamp: 1,
	}
	require.NoError(t, repo.CreateQueueItem(pending))

	done := &models.QueueItem{
		Entity: models.EntityQuiz, RecordID: "b", Operation: models.OperationUpdate,
		Payload: map[string]any{}, Timestamp: 2, Status: models.QueueStatusCompleted,
	}
	require.NoError(t, repo.CreateQueueItem(done))

	counts, err := repo.CountQueueByStatus()
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.QueueStatusPending])
	assert.Equal(t, 1, counts[models.QueueStatusCompleted])

	n, err := repo.DeleteQueueItemsByStatus(models.QueueStatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestConflictAppendIsIdempotentPerQueueItem(t *testing.T) {
	repo := testRepo(t)

	rec := &models.ConflictRecord{
		QueueItemID:   "queue-item-1",
		Entity:        models.EntityQuiz,
		RecordID:      "quiz-1",
		LocalData:     map[string]any{"status": "published"},
		RemoteData:    map[string]any{"status": "draft"},
		LocalVersion:  3,
		RemoteVersion: 4,
	}
	first, err := repo.CreateConflict(rec)
	require.NoError(t, err)

	retry := &models.ConflictRecord{
		QueueItemID:   "queue-item-1",
		Entity:        models.EntityQuiz,
		RecordID:      "quiz-1",
		LocalData:     map[string]any{"status": "published"},
		RemoteData:    map[string]any{"status": "draft"},
		LocalVersion:  3,
		RemoteVersion: 4,
	}
	second, err := repo.CreateConflict(retry)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	pending, err := repo.ListConflicts("", models.ConflictStatusPending)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestConflictReappendRefreshesPendingSnapshots(t *testing.T) {
	repo := testRepo(t)

	first, err := repo.CreateConflict(&models.ConflictRecord{
		QueueItemID:   "queue-item-1",
		Entity:        models.EntityQuiz,
		RecordID:      "quiz-1",
		LocalData:     map[string]any{"status": "published"},
		RemoteData:    map[string]any{"status": "draft"},
		LocalVersion:  3,
		RemoteVersion: 4,
	})
	require.NoError(t, err)

	// the record diverged again while the conflict sat pending; the row
	// must track the latest remote state, not the first one recorded
	refreshed, err := repo.CreateConflict(&models.ConflictRecord{
		QueueItemID:   "queue-item-1",
		Entity:        models.EntityQuiz,
		RecordID:      "quiz-1",
		LocalData:     map[string]any{"status": "published"},
		RemoteData:    map[string]any{"status": "archived"},
		LocalVersion:  3,
		RemoteVersion: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, refreshed.ID)
	assert.Equal(t, "archived", refreshed.RemoteData["status"])
	assert.Equal(t, int64(5), refreshed.RemoteVersion)

	got, err := repo.GetConflict(first.ID)
	require.NoError(t, err)
	assert.Equal(t, "archived", got.RemoteData["status"])
	assert.Equal(t, int64(5), got.RemoteVersion)
	assert.Equal(t, models.ConflictStatusPending, got.Status)
}

func TestResolvedConflictKeepsRecordedSnapshots(t *testing.T) {
	repo := testRepo(t)

	rec, err := repo.CreateConflict(&models.ConflictRecord{
		QueueItemID:   "queue-item-1",
		Entity:        models.EntityQuiz,
		RecordID:      "quiz-1",
		LocalData:     map[string]any{"status": "published"},
		RemoteData:    map[string]any{"status": "draft"},
		LocalVersion:  3,
		RemoteVersion: 4,
	})
	require.NoError(t, err)

	rec.Status = models.ConflictStatusResolved
	rec.Winner = models.WinnerRemote
	rec.ResolvedAt = 1700000000
	require.NoError(t, repo.UpdateConflict(rec))

	// a late retry of the same queue item must not rewrite settled history
	again, err := repo.CreateConflict(&models.ConflictRecord{
		QueueItemID:   "queue-item-1",
		Entity:        models.EntityQuiz,
		RecordID:      "quiz-1",
		LocalData:     map[string]any{"status": "published"},
		RemoteData:    map[string]any{"status": "archived"},
		LocalVersion:  3,
		RemoteVersion: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, rec.ID, again.ID)
	assert.Equal(t, "draft", again.RemoteData["status"])
	assert.Equal(t, int64(4), again.RemoteVersion)
}

func TestOnePendingConflictPerRecord(t *testing.T) {
	repo := testRepo(t)

	_, err := repo.CreateConflict(&models.ConflictRecord{
		Entity:     models.EntityGrade,
		RecordID:   "grade-1",
		LocalData:  map[string]any{"score": 90.0},
		RemoteData: map[string]any{"score": 80.0},
	})
	require.NoError(t, err)

	// a second pending conflict for the same record collapses into the
	// surviving row, carrying the newer snapshots with it
	dup, err := repo.CreateConflict(&models.ConflictRecord{
		Entity:     models.EntityGrade,
		RecordID:   "grade-1",
		LocalData:  map[string]any{"score": 95.0},
		RemoteData: map[string]any{"score": 85.0},
	})
	require.NoError(t, err)

	pending, err := repo.ListConflicts("", models.ConflictStatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, pending[0].ID, dup.ID)
	assert.Equal(t, 95.0, pending[0].LocalData["score"])
	assert.Equal(t, 85.0, pending[0].RemoteData["score"])
}

func TestConflictResolutionRoundTrip(t *testing.T) {
	repo := testRepo(t)

	rec, err := repo.CreateConflict(&models.ConflictRecord{
		UserID:        "user-1",
		Entity:        models.EntityQuiz,
		RecordID:      "quiz-1",
		LocalData:     map[string]any{"status": "published"},
		RemoteData:    map[string]any{"status": "draft"},
		LocalVersion:  3,
		RemoteVersion: 4,
	})
	require.NoError(t, err)

	rec.Status = models.ConflictStatusResolved
	rec.Winner = models.WinnerMerged
	rec.ResolvedData = map[string]any{"status": "published"}
	rec.ResolvedBy = "user-1"
	rec.ResolvedAt = 1700000000
	rec.ResolutionStrategy = "manual"
	require.NoError(t, repo.UpdateConflict(rec))

	got, err := repo.GetConflict(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ConflictStatusResolved, got.Status)
	assert.Equal(t, models.WinnerMerged, got.Winner)
	assert.Equal(t, "published", got.ResolvedData["status"])
	assert.Equal(t, int64(3), got.LocalVersion)
	assert.Equal(t, int64(4), got.RemoteVersion)
	assert.False(t, got.Pending())

	_, err = repo.GetPendingConflict(models.EntityQuiz, "quiz-1")
	assert.Equal(t, apperrors.ErrNotFound, apperrors.CodeOf(err))
}

func TestListConflictsNewestFirst(t *testing.T) {
	repo := testRepo(t)

	older, err := repo.CreateConflict(&models.ConflictRecord{
		Entity: models.EntityQuiz, RecordID: "quiz-1",
		LocalData: map[string]any{}, RemoteData: map[string]any{},
		CreatedAt: 1000,
	})
	require.NoError(t, err)
	newer, err := repo.CreateConflict(&models.ConflictRecord{
		Entity: models.EntityQuiz, RecordID: "quiz-2",
		LocalData: map[string]any{}, RemoteData: map[string]any{},
		CreatedAt: 2000,
	})
	require.NoError(t, err)

	listed, err := repo.ListConflicts("", "")
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, newer.ID, listed[0].ID)
	assert.Equal(t, older.ID, listed[1].ID)
}

func TestCacheEntryLifecycle(t *testing.T) {
	repo := testRepo(t)

	entry := &models.CacheEntry{
		Key:       "quiz:quiz-1",
		Data:      []byte(`{"title":"Week 3"}`),
		Timestamp: 1000,
		ExpiresAt: 2000,
		Version:   4,
	}
	require.NoError(t, repo.PutCacheEntry(entry))

	got, err := repo.GetCacheEntry("quiz:quiz-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"Week 3"}`, string(got.Data))
	assert.True(t, got.Expired(2000))
	assert.False(t, got.Expired(1999))

	// upsert replaces in place
	entry.Data = []byte(`{"title":"Week 4"}`)
	require.NoError(t, repo.PutCacheEntry(entry))
	got, err = repo.GetCacheEntry("quiz:quiz-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"Week 4"}`, string(got.Data))

	require.NoError(t, repo.PutCacheEntry(&models.CacheEntry{
		Key: "quiz:quiz-2", Data: []byte(`{}`), Timestamp: 1000, ExpiresAt: 0,
	}))
	require.NoError(t, repo.PutCacheEntry(&models.CacheEntry{
		Key: "grade:grade-1", Data: []byte(`{}`), Timestamp: 1000, ExpiresAt: 1500,
	}))

	n, err := repo.DeleteCacheByPrefix("quiz:")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = repo.PurgeExpiredCache(1600)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSyncMetadataSingleton(t *testing.T) {
	repo := testRepo(t)

	meta, err := repo.GetSyncMetadata()
	require.NoError(t, err)
	assert.True(t, meta.SyncEnabled)
	assert.Zero(t, meta.LastSyncTime)

	meta.LastSyncTime = 1700000000
	meta.PendingChanges = 4
	meta.FailedChanges = 1
	require.NoError(t, repo.SaveSyncMetadata(meta))

	got, err := repo.GetSyncMetadata()
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000), got.LastSyncTime)
	assert.Equal(t, 4, got.PendingChanges)
	assert.Equal(t, 1, got.FailedChanges)
	assert.False(t, got.LastSync().IsZero())
}
