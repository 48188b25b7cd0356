// Package scheduler drives the offline queue in the background: it drains
// on reconnect, drains periodically as a safety net, and prunes completed
// history.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kampuslab/labsync/internal/cache"
	"github.com/kampuslab/labsync/internal/logging"
	"github.com/kampuslab/labsync/internal/network"
	"github.com/kampuslab/labsync/internal/sync/queue"
)

// Scheduler manages background queue drains and maintenance.
type Scheduler struct {
	queue   *queue.Queue
	monitor *network.Monitor
	cache   *cache.Cache // optional, pruned alongside the queue

	drainInterval time.Duration
	pruneInterval time.Duration

	stopCh          chan struct{}
	wg              sync.WaitGroup
	mu              sync.RWMutex
	isRunning       bool
	lastDrainTime   time.Time
	drainInProgress bool
	unsubscribe     func()
}

// Config holds scheduler configuration.
type Config struct {
	DrainInterval time.Duration // periodic drain while online (default: 1 minute)
	PruneInterval time.Duration // completed-item and cache pruning (default: 15 minutes)
}

// DefaultConfig returns default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		DrainInterval: time.Minute,
		PruneInterval: 15 * time.Minute,
	}
}

// NewScheduler creates a Scheduler. The cache may be nil.
func NewScheduler(q *queue.Queue, monitor *network.Monitor, c *cache.Cache, config *Config) *Scheduler {
	if config == nil {
		config = DefaultConfig()
	}
	return &Scheduler{
		queue:         q,
		monitor:       monitor,
		cache:         c,
		drainInterval: config.DrainInterval,
		pruneInterval: config.PruneInterval,
		stopCh:        make(chan struct{}),
	}
}

// Start launches the background loops: a reconnect watcher, a periodic
// drain, and a periodic prune.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	changes, cancel := s.monitor.Subscribe()
	s.mu.Lock()
	s.unsubscribe = cancel
	s.mu.Unlock()

	s.wg.Add(3)
	go s.reconnectLoop(ctx, changes)
	go s.periodicDrainLoop(ctx)
	go s.pruneLoop(ctx)

	logging.Info("sync scheduler started")
}

// Stop stops the scheduler gracefully.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	unsubscribe := s.unsubscribe
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	close(s.stopCh)
	s.wg.Wait()

	logging.Info("sync scheduler stopped")
}

// reconnectLoop drains the queue whenever connectivity returns. This is the
// primary replay trigger; the periodic drain only catches what a missed
// transition would leave behind.
func (s *Scheduler) reconnectLoop(ctx context.Context, changes <-chan network.Change) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			if change.Previous == network.StatusOffline && change.Status != network.StatusOffline {
				logging.Info("connectivity restored, draining queue")
				go s.runDrain(ctx)
			}
		}
	}
}

// periodicDrainLoop drains on an interval while online.
func (s *Scheduler) periodicDrainLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.drainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.monitor.IsOnline() {
				continue
			}
			go s.runDrain(ctx)
		}
	}
}

// pruneLoop removes completed queue history and expired cache entries.
func (s *Scheduler) pruneLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if n, err := s.queue.PruneCompleted(); err != nil {
				logging.Error("queue pruning failed", err)
			} else if n > 0 {
				logging.Debug("pruned completed queue items", map[string]interface{}{"count": n})
			}
			if s.cache != nil {
				if n, err := s.cache.Purge(); err != nil {
					logging.Error("cache purge failed", err)
				} else if n > 0 {
					logging.Debug("purged expired cache entries", map[string]interface{}{"count": n})
				}
			}
		}
	}
}

// runDrain executes one queue drain with the in-progress guard held.
func (s *Scheduler) runDrain(ctx context.Context) {
	s.mu.Lock()
	if s.drainInProgress {
		s.mu.Unlock()
		logging.Debug("drain already in progress, skipping")
		return
	}
	s.drainInProgress = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.drainInProgress = false
		s.mu.Unlock()
	}()

	drainCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	stats, err := s.queue.Drain(drainCtx)
	if err != nil {
		logging.Error("queue drain failed", err)
		return
	}

	s.mu.Lock()
	s.lastDrainTime = time.Now()
	s.mu.Unlock()

	if stats != nil {
		logging.Info("queue drain completed", map[string]interface{}{
			"pending": stats.Pending,
			"failed":  stats.Failed,
		})
	}
}

// TriggerDrain starts an immediate drain. Returns false if one is already
// in progress.
func (s *Scheduler) TriggerDrain(ctx context.Context) bool {
	s.mu.RLock()
	inProgress := s.drainInProgress
	s.mu.RUnlock()

	if inProgress {
		return false
	}
	go s.runDrain(ctx)
	return true
}

// DrainNow drains and waits for completion. Used by the manual flush path.
func (s *Scheduler) DrainNow(ctx context.Context) (*queue.Stats, error) {
	drainCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	stats, err := s.queue.Drain(drainCtx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.lastDrainTime = time.Now()
	s.mu.Unlock()
	return stats, nil
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	IsRunning       bool
	NetworkStatus   network.Status
	LastDrainTime   *time.Time
	DrainInProgress bool
	QueueStats      *queue.Stats
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() Status {
	s.mu.RLock()
	status := Status{
		IsRunning:       s.isRunning,
		DrainInProgress: s.drainInProgress,
	}
	if !s.lastDrainTime.IsZero() {
		t := s.lastDrainTime
		status.LastDrainTime = &t
	}
	s.mu.RUnlock()

	status.NetworkStatus = s.monitor.Status()
	if stats, err := s.queue.Stats(); err == nil {
		status.QueueStats = stats
	}
	return status
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
