// Package autosave implements the per-record debounced save state machine.
// Each editor session owns one AutoSave; edits accumulate into a held
// snapshot and a debounce timer turns them into at most one in-flight write.
package autosave

import (
	"context"
	"reflect"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kampuslab/labsync/internal/logging"
	"github.com/kampuslab/labsync/internal/metrics"
	"github.com/kampuslab/labsync/internal/models"
	"github.com/kampuslab/labsync/internal/network"
)

// State is the save lifecycle state. Saved and Error both re-enter Saving on
// the next edit or manual trigger; the tagged state makes "saving and error
// at once" unrepresentable.
type State string

const (
	StateIdle   State = "idle"
	StateSaving State = "saving"
	StateSaved  State = "saved"
	StateError  State = "error"
)

// SaveFunc performs the actual write for the held payload at the given base
// version and returns the new version. Failures must be classified through
// the error taxonomy so callers can tell transient faults from validation.
type SaveFunc func(ctx context.Context, payload map[string]any, baseVersion int64) (int64, error)

// EqualFunc decides whether two payloads are the same edit. The default is
// structural equality.
type EqualFunc func(a, b map[string]any) bool

// QueueFallback hands an offline edit to the durable mutation queue. Once
// handed off the queue owns the write; it replays through the shared
// conditional-update path on the next drain.
type QueueFallback func(entity models.Entity, recordID string, payload map[string]any, baseVersion int64) error

// Options configures an AutoSave.
type Options struct {
	Debounce time.Duration
	Enabled  bool
	// OnlineOnly defers debounced saves while the network is down; the
	// pending edit waits for the next online transition.
	OnlineOnly bool
	Online     func() bool
	// QueueFallback, when set, receives edits whose debounce fires while
	// offline instead of leaving them pending for the reconnect save.
	QueueFallback QueueFallback
	Equal         EqualFunc
	OnSaved       func(payload map[string]any, version int64)
	OnError       func(err error, payload map[string]any)
	Metrics       *metrics.Metrics
}

// Outcome is the result of one save attempt. Concurrent callers that joined
// an in-flight save receive the identical outcome.
type Outcome struct {
	State   State
	Version int64
	Err     error
	// Suppressed is true when no write was issued: nothing was unsaved, or
	// the state machine was already torn down.
	Suppressed bool
}

// AutoSave tracks one record's edits and writes them after a quiet period.
type AutoSave struct {
	entity   models.Entity
	recordID string
	save     SaveFunc
	opts     Options

	mu         sync.Mutex
	state      State
	data       map[string]any
	savedData  map[string]any
	version    int64
	hasUnsaved bool
	lastSaved  time.Time
	lastErr    error
	timer      *time.Timer
	closed     bool

	flight singleflight.Group
}

// New creates an AutoSave over the given record snapshot and version.
func New(entity models.Entity, recordID string, initial map[string]any, version int64, save SaveFunc, opts Options) *AutoSave {
	if opts.Equal == nil {
		opts.Equal = func(a, b map[string]any) bool { return reflect.DeepEqual(a, b) }
	}
	if opts.Online == nil {
		opts.Online = func() bool { return true }
	}
	return &AutoSave{
		entity:    entity,
		recordID:  recordID,
		save:      save,
		opts:      opts,
		state:     StateIdle,
		data:      models.ClonePayload(initial),
		savedData: models.ClonePayload(initial),
		version:   version,
	}
}

// UpdateData merges a partial edit into the held snapshot and restarts the
// debounce timer. Calling with values equal to the saved snapshot clears the
// unsaved flag instead of scheduling a save.
func (a *AutoSave) UpdateData(patch map[string]any) {
	a.UpdateWith(func(data map[string]any) map[string]any {
		for k, v := range patch {
			data[k] = v
		}
		return data
	})
}

// UpdateWith applies an updater function to a copy of the held snapshot.
func (a *AutoSave) UpdateWith(update func(map[string]any) map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}

	a.data = update(models.ClonePayload(a.data))
	a.hasUnsaved = !a.opts.Equal(a.data, a.savedData)

	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	if !a.hasUnsaved || !a.opts.Enabled {
		return
	}
	a.timer = time.AfterFunc(a.opts.Debounce, a.debounceFired)
}

// debounceFired runs when the quiet period elapses. Offline with OnlineOnly
// set, the edit is handed to the queue when a fallback is configured;
// otherwise it stays pending for the reconnect path.
func (a *AutoSave) debounceFired() {
	a.mu.Lock()
	if a.closed || !a.hasUnsaved {
		a.mu.Unlock()
		return
	}
	if a.opts.OnlineOnly && !a.opts.Online() {
		a.mu.Unlock()
		a.handleOffline()
		return
	}
	a.mu.Unlock()

	a.Save(context.Background())
}

func (a *AutoSave) handleOffline() {
	if a.opts.QueueFallback == nil {
		logging.Debug("debounced save deferred while offline", map[string]interface{}{
			"entity":    string(a.entity),
			"record_id": a.recordID,
		})
		if a.opts.Metrics != nil {
			a.opts.Metrics.SavesTotal.WithLabelValues("deferred").Inc()
		}
		return
	}

	a.mu.Lock()
	snapshot := models.ClonePayload(a.data)
	baseVersion := a.version
	a.mu.Unlock()

	if err := a.opts.QueueFallback(a.entity, a.recordID, snapshot, baseVersion); err != nil {
		// the edit stays pending; the reconnect save will pick it up
		logging.Error("offline queue handoff failed", err, map[string]interface{}{
			"entity":    string(a.entity),
			"record_id": a.recordID,
		})
		if a.opts.Metrics != nil {
			a.opts.Metrics.SavesTotal.WithLabelValues("deferred").Inc()
		}
		return
	}

	a.mu.Lock()
	if !a.closed {
		a.savedData = snapshot
		a.hasUnsaved = !a.opts.Equal(a.data, a.savedData)
		a.state = StateSaved
	}
	a.mu.Unlock()

	logging.Debug("offline edit handed to queue", map[string]interface{}{
		"entity":    string(a.entity),
		"record_id": a.recordID,
	})
	if a.opts.Metrics != nil {
		a.opts.Metrics.SavesTotal.WithLabelValues("queued").Inc()
	}
}

// Save writes the held snapshot now. At most one save is in flight per
// record: a concurrent call while one is running joins it and receives the
// same outcome instead of issuing a second write.
func (a *AutoSave) Save(ctx context.Context) *Outcome {
	v, _, _ := a.flight.Do("save", func() (interface{}, error) {
		return a.doSave(ctx), nil
	})
	return v.(*Outcome)
}

func (a *AutoSave) doSave(ctx context.Context) *Outcome {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return &Outcome{State: a.state, Suppressed: true}
	}
	if !a.hasUnsaved {
		out := &Outcome{State: a.state, Version: a.version, Suppressed: true}
		a.mu.Unlock()
		return out
	}
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.state = StateSaving
	snapshot := models.ClonePayload(a.data)
	baseVersion := a.version
	a.mu.Unlock()

	start := time.Now()
	newVersion, err := a.save(ctx, snapshot, baseVersion)
	if a.opts.Metrics != nil {
		a.opts.Metrics.SaveDuration.Observe(time.Since(start).Seconds())
	}

	a.mu.Lock()
	if a.closed {
		// owner tore down mid-flight; the result is discarded
		a.mu.Unlock()
		return &Outcome{State: StateIdle, Suppressed: true}
	}

	if err != nil {
		a.state = StateError
		a.lastErr = err
		out := &Outcome{State: StateError, Version: a.version, Err: err}
		a.mu.Unlock()

		if a.opts.Metrics != nil {
			a.opts.Metrics.SavesTotal.WithLabelValues("error").Inc()
		}
		logging.Error("save failed", err, map[string]interface{}{
			"entity":    string(a.entity),
			"record_id": a.recordID,
		})
		if a.opts.OnError != nil {
			a.opts.OnError(err, snapshot)
		}
		return out
	}

	a.state = StateSaved
	a.lastErr = nil
	a.savedData = snapshot
	a.version = newVersion
	a.lastSaved = time.Now()
	// edits may have arrived while the write was in flight
	a.hasUnsaved = !a.opts.Equal(a.data, a.savedData)
	out := &Outcome{State: StateSaved, Version: newVersion}
	a.mu.Unlock()

	if a.opts.Metrics != nil {
		a.opts.Metrics.SavesTotal.WithLabelValues("saved").Inc()
	}
	if a.opts.OnSaved != nil {
		a.opts.OnSaved(snapshot, newVersion)
	}
	return out
}

// SaveIfPending writes only when unsaved changes exist. The reconnect path
// uses it so clean records do not produce writes.
func (a *AutoSave) SaveIfPending(ctx context.Context) *Outcome {
	a.mu.Lock()
	pending := a.hasUnsaved && !a.closed
	a.mu.Unlock()
	if !pending {
		return &Outcome{State: a.State(), Suppressed: true}
	}
	return a.Save(ctx)
}

// WatchConnectivity subscribes the engine to monitor transitions: when
// connectivity returns while an edit is pending, the edit is saved. The
// returned stop function unsubscribes and waits for the watcher to exit.
func (a *AutoSave) WatchConnectivity(monitor *network.Monitor) (stop func()) {
	changes, cancel := monitor.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for change := range changes {
			if change.Previous == network.StatusOffline && change.Status != network.StatusOffline {
				a.SaveIfPending(context.Background())
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// MarkAsSaved marks the held snapshot as saved without writing. Used when
// the record landed out of band, e.g. through queue replay.
func (a *AutoSave) MarkAsSaved(version int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.savedData = models.ClonePayload(a.data)
	a.hasUnsaved = false
	a.state = StateSaved
	a.lastSaved = time.Now()
	if version > a.version {
		a.version = version
	}
}

// Reset discards the pending edit and restores the last-saved snapshot.
func (a *AutoSave) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.data = models.ClonePayload(a.savedData)
	a.hasUnsaved = false
	a.state = StateIdle
	a.lastErr = nil
}

// Close cancels the debounce timer and detaches the state machine. A save
// already in flight runs to completion and its result is discarded.
func (a *AutoSave) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.closed = true
}

// State returns the current lifecycle state.
func (a *AutoSave) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// HasUnsavedChanges reports whether the held snapshot differs from the last
// saved one.
func (a *AutoSave) HasUnsavedChanges() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hasUnsaved
}

// Data returns a copy of the held snapshot.
func (a *AutoSave) Data() map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return models.ClonePayload(a.data)
}

// Version returns the record version the snapshot was last saved at.
func (a *AutoSave) Version() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.version
}

// LastSaved returns when the record last landed; zero if never.
func (a *AutoSave) LastSaved() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastSaved
}

// Err returns the retained error from the last failed save, nil otherwise.
func (a *AutoSave) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastErr
}
