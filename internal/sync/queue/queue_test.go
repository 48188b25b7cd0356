package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kampuslab/labsync/internal/config"
	"github.com/kampuslab/labsync/internal/db"
	apperrors "github.com/kampuslab/labsync/internal/errors"
	"github.com/kampuslab/labsync/internal/models"
	"github.com/kampuslab/labsync/internal/store"
	"github.com/kampuslab/labsync/internal/sync/conflict"
	"github.com/kampuslab/labsync/internal/sync/conflictlog"
	"github.com/kampuslab/labsync/internal/sync/engine"
)

type queueFixture struct {
	queue *Queue
	repo  *db.Repository
	mem   *store.MemoryStore
	log   *conflictlog.Log
}

func newFixture(t *testing.T, maxRetries int, manualOnly ...models.Entity) *queueFixture {
	return newFixtureCfg(t, config.QueueConfig{MaxRetries: maxRetries}, manualOnly...)
}

func newFixtureCfg(t *testing.T, cfg config.QueueConfig, manualOnly ...models.Entity) *queueFixture {
	t.Helper()
	database, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.Setup(database))

	repo := db.NewRepository(database.DB)
	t.Cleanup(func() { repo.Close() })

	mem := store.NewMemoryStore()
	log := conflictlog.NewLog(repo, mem, nil)
	eng := engine.New(mem, conflict.NewResolver(), log, manualOnly...)

	return &queueFixture{
		queue: New(repo, eng, cfg, nil),
		repo:  repo,
		mem:   mem,
		log:   log,
	}
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

// enqueueAt appends directly through the repository with an explicit
// timestamp so replay order is deterministic in tests.
func (f *queueFixture) enqueueAt(t *testing.T, entity models.Entity, recordID string, payload map[string]any, baseVersion, ts int64) *models.QueueItem {
	t.Helper()
	item := &models.QueueItem{
		Entity:      entity,
		RecordID:    recordID,
		Operation:   models.OperationUpdate,
		Payload:     payload,
		BaseVersion: baseVersion,
		Timestamp:   ts,
	}
	require.NoError(t, f.repo.CreateQueueItem(item))
	return item
}

func TestEnqueueValidatesPayload(t *testing.T) {
	f := newFixture(t, 3)

	_, err := f.queue.Enqueue(models.EntityQuiz, "quiz-1", models.OperationCreate,
		map[string]any{"title": "no class"}, 0)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrValidation, apperrors.CodeOf(err))

	item, err := f.queue.Enqueue(models.EntityQuiz, "quiz-1", models.OperationCreate,
		map[string]any{"title": "Week 3", "class_id": "c1"}, 0)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusPending, item.Status)
	assert.NotZero(t, item.Timestamp)
}

func TestAlwaysQueueFlushesWithoutExplicitDrain(t *testing.T) {
	f := newFixtureCfg(t, config.QueueConfig{MaxRetries: 3, AlwaysQueue: true})
	f.mem.Seed(models.EntityQuiz, "quiz-1", map[string]any{"title": "Week 3", "class_id": "c1"}, 1)

	_, err := f.queue.Enqueue(models.EntityQuiz, "quiz-1", models.OperationUpdate,
		map[string]any{"title": "Week 3 rev"}, 1)
	require.NoError(t, err)

	// no Drain call here; the always-queue policy flushes on its own
	waitFor(t, func() bool {
		counts, err := f.repo.CountQueueByStatus()
		require.NoError(t, err)
		return counts[models.QueueStatusCompleted] == 1
	})

	current, err := f.mem.FetchCurrent(context.Background(), models.EntityQuiz, "quiz-1")
	require.NoError(t, err)
	assert.Equal(t, "Week 3 rev", current.Payload["title"])
	assert.Equal(t, int64(2), current.Version)
}

func TestDrainReplaysEntityItemsInEnqueueOrder(t *testing.T) {
	f := newFixture(t, 3)
	f.mem.Seed(models.EntityQuiz, "quiz-1", map[string]any{"title": "Week 3", "count": 0.0}, 1)

	// two offline edits to the same record, the second based on the version
	// the first will produce
	f.enqueueAt(t, models.EntityQuiz, "quiz-1", map[string]any{"title": "Week 3", "count": 1.0}, 1, 1000)
	f.enqueueAt(t, models.EntityQuiz, "quiz-1", map[string]any{"title": "Week 3", "count": 2.0}, 2, 2000)

	stats, err := f.queue.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Completed)
	assert.Zero(t, stats.Pending)
	assert.Zero(t, stats.Failed)

	current, err := f.mem.FetchCurrent(context.Background(), models.EntityQuiz, "quiz-1")
	require.NoError(t, err)
	assert.Equal(t, 2.0, current.Payload["count"])
	assert.Equal(t, int64(3), current.Version)
}

func TestDrainUpdatesSyncMetadata(t *testing.T) {
	f := newFixture(t, 3)
	f.mem.Seed(models.EntityQuiz, "quiz-1", map[string]any{"title": "Week 3"}, 1)
	f.enqueueAt(t, models.EntityQuiz, "quiz-1", map[string]any{"title": "Week 3 rev"}, 1, 1000)

	_, err := f.queue.Drain(context.Background())
	require.NoError(t, err)

	meta, err := f.repo.GetSyncMetadata()
	require.NoError(t, err)
	assert.NotZero(t, meta.LastSyncTime)
	assert.Zero(t, meta.PendingChanges)
}

func TestDrainParksManualConflictAndKeepsRetrying(t *testing.T) {
	f := newFixture(t, 3, models.EntityGrade)
	f.mem.Seed(models.EntityGrade, "grade-1", map[string]any{
		"student_id": "s1", "class_id": "c1", "score": 80.0,
	}, 4)

	item := f.enqueueAt(t, models.EntityGrade, "grade-1",
		map[string]any{"student_id": "s1", "class_id": "c1", "score": 95.0}, 3, 1000)

	_, err := f.queue.Drain(context.Background())
	require.NoError(t, err)

	got, err := f.repo.GetQueueItem(item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusFailed, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Contains(t, got.Error, "manual resolution")

	pending, err := f.log.ListPending("")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	// a second drain retries the item; the conflict append stays idempotent
	_, err = f.queue.Drain(context.Background())
	require.NoError(t, err)
	pending, err = f.log.ListPending("")
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestTransientFailuresRespectRetryBudget(t *testing.T) {
	f := newFixture(t, 2)
	f.mem.Seed(models.EntityQuiz, "quiz-1", map[string]any{"title": "Week 3"}, 1)
	f.mem.FailWith(errors.New("store unreachable"))

	item := f.enqueueAt(t, models.EntityQuiz, "quiz-1", map[string]any{"title": "rev"}, 1, 1000)

	for i := 1; i <= 2; i++ {
		_, err := f.queue.Drain(context.Background())
		require.NoError(t, err)
		got, err := f.repo.GetQueueItem(item.ID)
		require.NoError(t, err)
		assert.Equal(t, models.QueueStatusFailed, got.Status)
		assert.Equal(t, i, got.RetryCount)
	}

	// budget exhausted: the item is no longer eligible
	stats, err := f.queue.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	got, err := f.repo.GetQueueItem(item.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.RetryCount)

	// an explicit retry resets the budget and the next drain succeeds
	f.mem.FailWith(nil)
	n, err := f.queue.RetryFailed()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stats, err = f.queue.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Completed)
}

func TestValidationFailureExhaustsBudgetImmediately(t *testing.T) {
	f := newFixture(t, 3)

	// bypasses Enqueue validation to model a payload that went bad at rest
	item := &models.QueueItem{
		Entity:    models.EntityQuiz,
		RecordID:  "quiz-1",
		Operation: models.OperationCreate,
		Payload:   map[string]any{"title": "no class"},
		Timestamp: 1000,
	}
	require.NoError(t, f.repo.CreateQueueItem(item))

	_, err := f.queue.Drain(context.Background())
	require.NoError(t, err)

	got, err := f.repo.GetQueueItem(item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusFailed, got.Status)
	assert.Equal(t, 3, got.RetryCount)
}

func TestDrainInvalidatesCachedReads(t *testing.T) {
	f := newFixture(t, 3)
	f.mem.Seed(models.EntityQuiz, "quiz-1", map[string]any{"title": "Week 3"}, 1)

	var mu sync.Mutex
	var invalidated []string
	f.queue.OnInvalidate(func(entity models.Entity, recordID string) {
		mu.Lock()
		defer mu.Unlock()
		invalidated = append(invalidated, string(entity)+":"+recordID)
	})

	f.enqueueAt(t, models.EntityQuiz, "quiz-1", map[string]any{"title": "rev"}, 1, 1000)
	_, err := f.queue.Drain(context.Background())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"quiz:quiz-1"}, invalidated)
}

func TestSubscribeDeliversQueueEvents(t *testing.T) {
	f := newFixture(t, 3)
	f.mem.Seed(models.EntityQuiz, "quiz-1", map[string]any{"title": "Week 3"}, 1)

	events, cancel := f.queue.Subscribe()
	defer cancel()

	_, err := f.queue.Enqueue(models.EntityQuiz, "quiz-1", models.OperationUpdate,
		map[string]any{"title": "rev"}, 1)
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, EventEnqueued, ev.Type)
		assert.Equal(t, "quiz-1", ev.Item.RecordID)
	case <-time.After(time.Second):
		t.Fatal("no enqueue event received")
	}

	_, err = f.queue.Drain(context.Background())
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, EventCompleted, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("no completion event received")
	}
}

func TestPruneCompletedClearsHistory(t *testing.T) {
	f := newFixture(t, 3)
	f.mem.Seed(models.EntityQuiz, "quiz-1", map[string]any{"title": "Week 3"}, 1)
	f.enqueueAt(t, models.EntityQuiz, "quiz-1", map[string]any{"title": "rev"}, 1, 1000)

	_, err := f.queue.Drain(context.Background())
	require.NoError(t, err)

	n, err := f.queue.PruneCompleted()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	stats, err := f.queue.Stats()
	require.NoError(t, err)
	assert.Zero(t, stats.Completed)
}
