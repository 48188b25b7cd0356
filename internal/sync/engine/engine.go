// Package engine implements the single write path every mutation takes to
// the versioned store: conditional update, automatic resolution on version
// mismatch, and conflict logging when automatic resolution is not possible.
// Interactive saves and offline queue replays share this path, so a replayed
// mutation behaves exactly like a live one.
package engine

import (
	"context"

	apperrors "github.com/kampuslab/labsync/internal/errors"
	"github.com/kampuslab/labsync/internal/logging"
	"github.com/kampuslab/labsync/internal/models"
	"github.com/kampuslab/labsync/internal/store"
	"github.com/kampuslab/labsync/internal/sync/conflict"
	"github.com/kampuslab/labsync/internal/sync/conflictlog"
)

// Outcome classifies how a mutation landed.
type Outcome string

const (
	// OutcomeApplied: the conditional update succeeded at the expected version.
	OutcomeApplied Outcome = "applied"
	// OutcomeResolved: a version conflict was decided automatically and the
	// winning document is now in the store.
	OutcomeResolved Outcome = "resolved"
	// OutcomeConflictLogged: automatic resolution was bypassed or failed to
	// stick; the conflict awaits manual resolution.
	OutcomeConflictLogged Outcome = "conflict_logged"
)

// Mutation is one write to apply.
type Mutation struct {
	Entity      models.Entity
	RecordID    string
	Operation   models.Operation
	Payload     map[string]any
	BaseVersion int64
	// Timestamp is the unix-milli instant of the local edit, used by
	// last-write-wins resolution.
	Timestamp int64
	// QueueItemID keys idempotent conflict appends during replay. Empty for
	// interactive saves.
	QueueItemID string
	UserID      string
}

// Result reports the landed state.
type Result struct {
	Outcome    Outcome
	NewVersion int64
	// Resolution is set when the automatic resolver decided the conflict.
	Resolution *conflict.Resolution
	// Conflict is set when the divergence was logged for manual resolution.
	Conflict *models.ConflictRecord
}

// Engine applies mutations through the conditional-update path.
type Engine struct {
	store    store.RecordStore
	resolver *conflict.Resolver
	log      *conflictlog.Log

	// manualOnly entities bypass the automatic resolver entirely; their
	// conflicts always go to the log.
	manualOnly map[models.Entity]bool
}

// New creates an Engine. Entities listed in manualOnly skip automatic
// resolution.
func New(recordStore store.RecordStore, resolver *conflict.Resolver, log *conflictlog.Log, manualOnly ...models.Entity) *Engine {
	m := make(map[models.Entity]bool, len(manualOnly))
	for _, e := range manualOnly {
		m[e] = true
	}
	return &Engine{store: recordStore, resolver: resolver, log: log, manualOnly: m}
}

// Apply lands one mutation. Creates and deletes do not race on versions and
// go straight through; updates take the conditional path. Errors are
// transport or validation failures; a version conflict is an outcome, not
// an error.
func (e *Engine) Apply(ctx context.Context, m *Mutation) (*Result, error) {
	if err := models.ValidatePayload(m.Entity, m.Operation, m.Payload); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "invalid mutation payload", err)
	}

	switch m.Operation {
	case models.OperationCreate:
		rec, err := e.store.Put(ctx, m.Entity, m.RecordID, m.Payload)
		if err != nil {
			return nil, err
		}
		return &Result{Outcome: OutcomeApplied, NewVersion: rec.Version}, nil

	case models.OperationDelete:
		if err := e.store.Delete(ctx, m.Entity, m.RecordID); err != nil {
			return nil, err
		}
		return &Result{Outcome: OutcomeApplied}, nil

	case models.OperationUpdate:
		return e.applyUpdate(ctx, m)

	default:
		return nil, apperrors.New(apperrors.ErrInvalid, "unknown operation: "+string(m.Operation))
	}
}

func (e *Engine) applyUpdate(ctx context.Context, m *Mutation) (*Result, error) {
	res, err := e.store.ConditionalUpdate(ctx, m.Entity, m.RecordID, m.Payload, m.BaseVersion)
	if err != nil {
		return nil, err
	}
	if res.Applied {
		return &Result{Outcome: OutcomeApplied, NewVersion: res.NewVersion}, nil
	}

	remote := res.Conflict
	if e.manualOnly[m.Entity] {
		return e.logConflict(m, remote)
	}

	resolution, err := e.resolver.Resolve(&conflict.Conflict{
		Entity:          m.Entity,
		RecordID:        m.RecordID,
		Local:           m.Payload,
		Remote:          remote.RemoteSnapshot,
		LocalVersion:    m.BaseVersion,
		RemoteVersion:   remote.RemoteVersion,
		LocalTimestamp:  m.Timestamp,
		RemoteTimestamp: remoteTimestamp(remote.RemoteSnapshot),
	})
	if err != nil {
		return e.logConflict(m, remote)
	}

	if resolution.Winner == models.WinnerRemote {
		// The store already holds the winning document; the local edit is
		// discarded.
		return &Result{
			Outcome:    OutcomeResolved,
			NewVersion: remote.RemoteVersion,
			Resolution: resolution,
		}, nil
	}

	// Write the winning document at the version the conflict reported. A
	// second mismatch means the record moved again mid-resolution; that one
	// goes to the log.
	retry, err := e.store.ConditionalUpdate(ctx, m.Entity, m.RecordID, resolution.Data, remote.RemoteVersion)
	if err != nil {
		return nil, err
	}
	if retry.Applied {
		return &Result{
			Outcome:    OutcomeResolved,
			NewVersion: retry.NewVersion,
			Resolution: resolution,
		}, nil
	}
	return e.logConflict(m, retry.Conflict)
}

func (e *Engine) logConflict(m *Mutation, remote *store.Conflict) (*Result, error) {
	rec, err := e.log.Append(conflictlog.AppendParams{
		QueueItemID:   m.QueueItemID,
		UserID:        m.UserID,
		Entity:        m.Entity,
		RecordID:      m.RecordID,
		LocalData:     m.Payload,
		RemoteData:    remote.RemoteSnapshot,
		LocalVersion:  m.BaseVersion,
		RemoteVersion: remote.RemoteVersion,
	})
	if err != nil {
		// A conflict that cannot be persisted must surface; dropping it
		// would silently lose the local edit.
		return nil, err
	}

	logging.Info("mutation parked behind manual resolution", map[string]interface{}{
		"entity":      string(m.Entity),
		"record_id":   m.RecordID,
		"conflict_id": rec.ID,
	})
	return &Result{Outcome: OutcomeConflictLogged, Conflict: rec}, nil
}

// remoteTimestamp extracts the remote document's updated_at for
// last-write-wins comparison. Unknown shapes rank the remote side oldest.
func remoteTimestamp(payload map[string]any) int64 {
	switch v := payload["updated_at"].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	default:
		return 0
	}
}
