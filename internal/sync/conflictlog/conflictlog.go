// Package conflictlog persists detected conflicts and drives the manual
// resolution workflow. The automatic resolver decides whole documents; this
// package is the only place field-wise reconciliation happens, under the
// user's explicit per-field choices.
package conflictlog

import (
	"context"
	"time"

	"github.com/kampuslab/labsync/internal/db"
	apperrors "github.com/kampuslab/labsync/internal/errors"
	"github.com/kampuslab/labsync/internal/logging"
	"github.com/kampuslab/labsync/internal/metrics"
	"github.com/kampuslab/labsync/internal/models"
	"github.com/kampuslab/labsync/internal/store"
	"github.com/kampuslab/labsync/internal/sync/conflict"
)

// Side is a per-field choice during manual resolution.
type Side string

const (
	SideLocal  Side = "local"
	SideRemote Side = "remote"
)

// bookkeepingFields are never surfaced as field conflicts; they are owned by
// the store, not the editor.
var bookkeepingFields = map[string]struct{}{
	"id":         {},
	"created_at": {},
	"updated_at": {},
	"version":    {},
}

// Log records conflicts for later manual resolution and applies the user's
// decisions back to the versioned store.
type Log struct {
	repo    db.ConflictRepository
	store   store.RecordStore
	metrics *metrics.Metrics
}

// NewLog creates a conflict log over the given repository and store client.
// Metrics may be nil.
func NewLog(repo db.ConflictRepository, recordStore store.RecordStore, m *metrics.Metrics) *Log {
	return &Log{repo: repo, store: recordStore, metrics: m}
}

// AppendParams describes a conflict to record.
type AppendParams struct {
	QueueItemID   string
	UserID        string
	Entity        models.Entity
	RecordID      string
	LocalData     map[string]any
	RemoteData    map[string]any
	LocalVersion  int64
	RemoteVersion int64
}

// Append records a pending conflict. The append is idempotent per queue
// item: replaying a mutation that already logged its conflict returns the
// existing record instead of duplicating it, refreshed with the latest
// snapshots while it is still pending. A failed append is returned to the
// caller, never swallowed; losing a conflict record means silent data loss.
func (l *Log) Append(p AppendParams) (*models.ConflictRecord, error) {
	if !models.KnownEntity(p.Entity) {
		return nil, apperrors.New(apperrors.ErrInvalid, "unknown entity kind: "+string(p.Entity))
	}
	if p.LocalData == nil || p.RemoteData == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "conflict requires both payload snapshots")
	}

	rec := &models.ConflictRecord{
		QueueItemID:   p.QueueItemID,
		UserID:        p.UserID,
		Entity:        p.Entity,
		RecordID:      p.RecordID,
		LocalData:     models.ClonePayload(p.LocalData),
		RemoteData:    models.ClonePayload(p.RemoteData),
		LocalVersion:  p.LocalVersion,
		RemoteVersion: p.RemoteVersion,
		Status:        models.ConflictStatusPending,
	}

	created, err := l.repo.CreateConflict(rec)
	if err != nil {
		return nil, err
	}

	logging.Warn("conflict recorded for manual resolution", map[string]interface{}{
		"conflict_id":    created.ID,
		"entity":         string(p.Entity),
		"record_id":      p.RecordID,
		"local_version":  p.LocalVersion,
		"remote_version": p.RemoteVersion,
	})
	return created, nil
}

// ListPending returns unresolved conflicts newest first. Empty userID lists
// all users.
func (l *Log) ListPending(userID string) ([]*models.ConflictRecord, error) {
	return l.repo.ListConflicts(userID, models.ConflictStatusPending)
}

// List returns all conflicts for a user regardless of status, newest first.
func (l *Log) List(userID string) ([]*models.ConflictRecord, error) {
	return l.repo.ListConflicts(userID, "")
}

// Get returns one conflict record by ID.
func (l *Log) Get(id string) (*models.ConflictRecord, error) {
	return l.repo.GetConflict(id)
}

// FieldConflicts returns the differing fields of a conflict, excluding
// store-owned bookkeeping columns.
func (l *Log) FieldConflicts(rec *models.ConflictRecord) []conflict.FieldDiff {
	all := conflict.DiffFields(rec.LocalData, rec.RemoteData)
	out := all[:0]
	for _, d := range all {
		if _, skip := bookkeepingFields[d.Field]; skip {
			continue
		}
		out = append(out, d)
	}
	return out
}

// Resolve applies the user's per-field choices. Fields without an explicit
// choice take the remote value. The merged payload is written to the store
// unconditionally: the conflict already proves any older expected version
// stale, so the write uses the latest known state. On write failure the
// record stays pending and a RESOLUTION_ERROR is returned so the user can
// retry.
func (l *Log) Resolve(ctx context.Context, conflictID string, choices map[string]Side, resolvedBy string) (*models.ConflictRecord, error) {
	rec, err := l.repo.GetConflict(conflictID)
	if err != nil {
		return nil, err
	}
	if !rec.Pending() {
		return nil, apperrors.New(apperrors.ErrInvalid,
			"conflict already "+string(rec.Status)+": "+conflictID)
	}

	merged, winner := mergeChoices(rec, choices, l.FieldConflicts(rec))

	if _, err := l.store.Put(ctx, rec.Entity, rec.RecordID, merged); err != nil {
		logging.Error("failed to apply conflict resolution", err, map[string]interface{}{
			"conflict_id": conflictID,
			"entity":      string(rec.Entity),
			"record_id":   rec.RecordID,
		})
		return nil, apperrors.Wrap(apperrors.ErrResolution,
			"failed to apply resolution, conflict left pending", err)
	}

	rec.Status = models.ConflictStatusResolved
	rec.Winner = winner
	rec.ResolvedData = merged
	rec.ResolvedBy = resolvedBy
	rec.ResolvedAt = time.Now().Unix()
	rec.ResolutionStrategy = string(conflict.ResolutionStrategyManual)
	if err := l.repo.UpdateConflict(rec); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrResolution,
			"resolution applied but conflict record not updated", err)
	}

	if l.metrics != nil {
		l.metrics.ConflictsResolved.WithLabelValues(string(conflict.ResolutionStrategyManual)).Inc()
	}
	logging.Info("conflict resolved", map[string]interface{}{
		"conflict_id": conflictID,
		"winner":      string(winner),
		"resolved_by": resolvedBy,
	})
	return rec, nil
}

// Reject discards the local changes. Remote data already stands in the
// store, so no write is issued.
func (l *Log) Reject(conflictID, rejectedBy string) (*models.ConflictRecord, error) {
	rec, err := l.repo.GetConflict(conflictID)
	if err != nil {
		return nil, err
	}
	if !rec.Pending() {
		return nil, apperrors.New(apperrors.ErrInvalid,
			"conflict already "+string(rec.Status)+": "+conflictID)
	}

	rec.Status = models.ConflictStatusRejected
	rec.Winner = models.WinnerRemote
	rec.ResolvedBy = rejectedBy
	rec.ResolvedAt = time.Now().Unix()
	if err := l.repo.UpdateConflict(rec); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrResolution,
			"failed to mark conflict rejected", err)
	}

	logging.Info("conflict rejected, local changes discarded", map[string]interface{}{
		"conflict_id": conflictID,
		"rejected_by": rejectedBy,
	})
	return rec, nil
}

// mergeChoices builds the field-wise merged payload. The base is the remote
// snapshot; each field the user assigned to local is taken from the local
// snapshot. Winner is local only if every differing field chose local,
// remote only if every differing field chose remote, merged otherwise.
func mergeChoices(rec *models.ConflictRecord, choices map[string]Side, diffs []conflict.FieldDiff) (map[string]any, models.Winner) {
	merged := models.ClonePayload(rec.RemoteData)

	allLocal := len(diffs) > 0
	allRemote := true
	for _, d := range diffs {
		side := SideRemote
		if s, ok := choices[d.Field]; ok {
			side = s
		}
		if side == SideLocal {
			if v, ok := rec.LocalData[d.Field]; ok {
				merged[d.Field] = v
			} else {
				delete(merged, d.Field)
			}
			allRemote = false
		} else {
			allLocal = false
		}
	}

	switch {
	case allLocal:
		return merged, models.WinnerLocal
	case allRemote:
		return merged, models.WinnerRemote
	default:
		return merged, models.WinnerMerged
	}
}
