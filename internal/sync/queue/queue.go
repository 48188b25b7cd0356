// Package queue provides the durable offline mutation queue. Mutations
// recorded while the store is unreachable are replayed per entity in enqueue
// order once connectivity returns, through the same write path interactive
// saves use.
package queue

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kampuslab/labsync/internal/config"
	"github.com/kampuslab/labsync/internal/db"
	apperrors "github.com/kampuslab/labsync/internal/errors"
	"github.com/kampuslab/labsync/internal/logging"
	"github.com/kampuslab/labsync/internal/metrics"
	"github.com/kampuslab/labsync/internal/models"
	"github.com/kampuslab/labsync/internal/sync/engine"
)

// EventType classifies queue notifications.
type EventType string

const (
	EventEnqueued  EventType = "enqueued"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventConflict  EventType = "conflict"
)

// Event is a queue notification delivered to subscribers.
type Event struct {
	Type EventType
	Item *models.QueueItem
}

// InvalidateFunc is called after a replayed mutation lands so cached reads
// of the record can be dropped.
type InvalidateFunc func(entity models.Entity, recordID string)

// Stats summarizes queue occupancy by status.
type Stats struct {
	Pending   int `json:"pending"`
	Syncing   int `json:"syncing"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Queue is the durable offline mutation queue.
type Queue struct {
	repo       db.SyncRepository
	engine     *engine.Engine
	maxRetries int
	// alwaysQueue flushes immediately after every enqueue, so live writes
	// take the same durable queue-then-replay path as offline ones.
	alwaysQueue bool
	metrics     *metrics.Metrics

	mu         sync.Mutex
	draining   bool
	subs       map[int]chan Event
	nextSub    int
	invalidate []InvalidateFunc
}

// New creates a Queue over the given repository and write engine.
// Metrics may be nil.
func New(repo db.SyncRepository, eng *engine.Engine, cfg config.QueueConfig, m *metrics.Metrics) *Queue {
	return &Queue{
		repo:        repo,
		engine:      eng,
		maxRetries:  cfg.MaxRetries,
		alwaysQueue: cfg.AlwaysQueue,
		metrics:     m,
		subs:        make(map[int]chan Event),
	}
}

// OnInvalidate registers a cache invalidation hook. Must be called before
// the first drain.
func (q *Queue) OnInvalidate(fn InvalidateFunc) {
	q.invalidate = append(q.invalidate, fn)
}

// Enqueue durably appends a mutation. The append validates the payload,
// never blocks on the network, and returns immediately; replay happens on
// the next drain, or right away when the always-queue policy is set.
func (q *Queue) Enqueue(entity models.Entity, recordID string, op models.Operation, payload map[string]any, baseVersion int64) (*models.QueueItem, error) {
	if err := models.ValidatePayload(entity, op, payload); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "refusing to enqueue invalid mutation", err)
	}

	item := &models.QueueItem{
		Entity:      entity,
		RecordID:    recordID,
		Operation:   op,
		Payload:     models.ClonePayload(payload),
		BaseVersion: baseVersion,
		Timestamp:   time.Now().UnixMilli(),
		Status:      models.QueueStatusPending,
	}
	if err := q.repo.CreateQueueItem(item); err != nil {
		return nil, err
	}

	logging.Debug("mutation queued", map[string]interface{}{
		"queue_item_id": item.ID,
		"entity":        string(entity),
		"record_id":     recordID,
		"operation":     string(op),
	})
	q.publish(Event{Type: EventEnqueued, Item: item})
	q.updateDepthGauge()

	if q.alwaysQueue {
		go func() {
			if _, err := q.Drain(context.Background()); err != nil {
				logging.Error("immediate flush after enqueue failed", err, map[string]interface{}{
					"queue_item_id": item.ID,
				})
			}
		}()
	}
	return item, nil
}

// Drain replays every eligible item. Items are grouped by entity; within an
// entity they replay strictly in enqueue order, while entities proceed
// concurrently. At most one drain runs at a time; a second call while one
// is in progress is a no-op.
func (q *Queue) Drain(ctx context.Context) (*Stats, error) {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return nil, nil
	}
	q.draining = true
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
	}()

	start := time.Now()

	items, err := q.eligibleItems()
	if err != nil {
		return nil, err
	}
	if len(items) > 0 {
		logging.Info("draining offline queue", map[string]interface{}{
			"items": len(items),
		})

		byEntity := make(map[models.Entity][]*models.QueueItem)
		for _, item := range items {
			byEntity[item.Entity] = append(byEntity[item.Entity], item)
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, entityItems := range byEntity {
			entityItems := entityItems
			g.Go(func() error {
				for _, item := range entityItems {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					q.replay(gctx, item)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	if q.metrics != nil {
		q.metrics.DrainDuration.Observe(time.Since(start).Seconds())
	}
	q.updateDepthGauge()

	stats, err := q.Stats()
	if err != nil {
		return nil, err
	}
	if err := q.recordMetadata(stats); err != nil {
		logging.Error("failed to record sync metadata", err)
	}
	return stats, nil
}

// eligibleItems returns pending items plus failed items that still have
// retries left, in enqueue order.
func (q *Queue) eligibleItems() ([]*models.QueueItem, error) {
	all, err := q.repo.ListQueueItems()
	if err != nil {
		return nil, err
	}
	var eligible []*models.QueueItem
	for _, item := range all {
		switch item.Status {
		case models.QueueStatusPending:
			eligible = append(eligible, item)
		case models.QueueStatusFailed:
			if item.RetryCount < q.maxRetries {
				eligible = append(eligible, item)
			}
		}
	}
	return eligible, nil
}

// replay pushes one item through the shared write path. Failures are
// isolated per item: a failing mutation never blocks the rest of the drain.
func (q *Queue) replay(ctx context.Context, item *models.QueueItem) {
	item.Status = models.QueueStatusSyncing
	if err := q.repo.UpdateQueueItem(item); err != nil {
		logging.Error("failed to mark queue item syncing", err, map[string]interface{}{
			"queue_item_id": item.ID,
		})
		return
	}

	result, err := q.engine.Apply(ctx, &engine.Mutation{
		Entity:      item.Entity,
		RecordID:    item.RecordID,
		Operation:   item.Operation,
		Payload:     item.Payload,
		BaseVersion: item.BaseVersion,
		Timestamp:   item.Timestamp,
		QueueItemID: item.ID,
	})

	switch {
	case err == nil && result.Outcome == engine.OutcomeConflictLogged:
		q.fail(item, "version conflict awaiting manual resolution", false)
		q.publish(Event{Type: EventConflict, Item: item})
		q.observeReplay(item, "conflict")

	case err == nil:
		item.Status = models.QueueStatusCompleted
		item.Error = ""
		if uerr := q.repo.UpdateQueueItem(item); uerr != nil {
			logging.Error("failed to mark queue item completed", uerr, map[string]interface{}{
				"queue_item_id": item.ID,
			})
			return
		}
		q.notifyInvalidate(item)
		q.publish(Event{Type: EventCompleted, Item: item})
		q.observeReplay(item, "completed")

	case apperrors.CodeOf(err) == apperrors.ErrValidation:
		// Validation failures are fatal for the write and never retried.
		q.fail(item, err.Error(), true)
		q.publish(Event{Type: EventFailed, Item: item})
		q.observeReplay(item, "validation_error")

	default:
		q.fail(item, err.Error(), false)
		q.publish(Event{Type: EventFailed, Item: item})
		q.observeReplay(item, "transient_error")
	}
}

// fail records a failed attempt. Permanent failures exhaust the retry
// budget immediately.
func (q *Queue) fail(item *models.QueueItem, reason string, permanent bool) {
	item.Status = models.QueueStatusFailed
	item.Error = reason
	item.RetryCount++
	if permanent && item.RetryCount < q.maxRetries {
		item.RetryCount = q.maxRetries
	}
	if err := q.repo.UpdateQueueItem(item); err != nil {
		logging.Error("failed to mark queue item failed", err, map[string]interface{}{
			"queue_item_id": item.ID,
		})
		return
	}

	if item.RetryCount >= q.maxRetries {
		logging.Warn("queue item permanently failed", map[string]interface{}{
			"queue_item_id": item.ID,
			"entity":        string(item.Entity),
			"record_id":     item.RecordID,
			"retries":       item.RetryCount,
			"error":         reason,
		})
	}
}

// RetryFailed resets permanently failed items back to pending with a fresh
// retry budget. Returns how many items were reset.
func (q *Queue) RetryFailed() (int, error) {
	failed, err := q.repo.ListQueueItemsByStatus(models.QueueStatusFailed)
	if err != nil {
		return 0, err
	}
	for _, item := range failed {
		item.Status = models.QueueStatusPending
		item.RetryCount = 0
		item.Error = ""
		if err := q.repo.UpdateQueueItem(item); err != nil {
			return 0, err
		}
	}
	q.updateDepthGauge()
	return len(failed), nil
}

// PruneCompleted deletes completed items and returns how many were removed.
func (q *Queue) PruneCompleted() (int64, error) {
	n, err := q.repo.DeleteQueueItemsByStatus(models.QueueStatusCompleted)
	if err != nil {
		return 0, err
	}
	q.updateDepthGauge()
	return n, nil
}

// Stats returns queue occupancy by status.
func (q *Queue) Stats() (*Stats, error) {
	counts, err := q.repo.CountQueueByStatus()
	if err != nil {
		return nil, err
	}
	return &Stats{
		Pending:   counts[models.QueueStatusPending],
		Syncing:   counts[models.QueueStatusSyncing],
		Completed: counts[models.QueueStatusCompleted],
		Failed:    counts[models.QueueStatusFailed],
	}, nil
}

// Subscribe registers for queue events. The returned cancel function
// unregisters and closes the channel.
func (q *Queue) Subscribe() (<-chan Event, func()) {
	q.mu.Lock()
	defer q.mu.Unlock()

	id := q.nextSub
	q.nextSub++
	ch := make(chan Event, 16)
	q.subs[id] = ch

	cancel := func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if c, ok := q.subs[id]; ok {
			close(c)
			delete(q.subs, id)
		}
	}
	return ch, cancel
}

func (q *Queue) publish(ev Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, ch := range q.subs {
		select {
		case ch <- ev:
		default:
			// slow subscriber, drop rather than block replay
		}
	}
}

func (q *Queue) notifyInvalidate(item *models.QueueItem) {
	for _, fn := range q.invalidate {
		fn(item.Entity, item.RecordID)
	}
}

func (q *Queue) observeReplay(item *models.QueueItem, outcome string) {
	if q.metrics == nil {
		return
	}
	q.metrics.ReplayTotal.WithLabelValues(string(item.Entity), outcome).Inc()
}

func (q *Queue) updateDepthGauge() {
	if q.metrics == nil {
		return
	}
	counts, err := q.repo.CountQueueByStatus()
	if err != nil {
		return
	}
	for _, status := range []models.QueueStatus{
		models.QueueStatusPending, models.QueueStatusSyncing,
		models.QueueStatusCompleted, models.QueueStatusFailed,
	} {
		q.metrics.QueueDepth.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

func (q *Queue) recordMetadata(stats *Stats) error {
	meta, err := q.repo.GetSyncMetadata()
	if err != nil {
		return err
	}
	meta.LastSyncTime = time.Now().Unix()
	meta.PendingChanges = stats.Pending
	meta.FailedChanges = stats.Failed
	return q.repo.SaveSyncMetadata(meta)
}
