// Package store provides access to the versioned record store that holds the
// authoritative copy of every entity row. All writes that race with other
// clients go through conditional updates keyed by a monotonic version.
package store

import (
	"context"

	"github.com/kampuslab/labsync/internal/models"
)

// Conflict carries the remote state returned when a conditional update is
// rejected. RemoteSnapshot is the store's current payload for the record and
// RemoteVersion the version it carries.
type Conflict struct {
	RemoteSnapshot map[string]any `json:"remote_snapshot"`
	RemoteVersion  int64          `json:"remote_version"`
}

// UpdateResult is the outcome of a conditional update. Exactly one of the two
// shapes occurs: Applied with NewVersion set, or rejected with Conflict set.
type UpdateResult struct {
	Applied    bool      `json:"applied"`
	NewVersion int64     `json:"new_version,omitempty"`
	Conflict   *Conflict `json:"conflict,omitempty"`
}

// RecordStore is the write and read surface of the versioned store.
//
// ConditionalUpdate applies the payload only if the record's current version
// equals expectedVersion; a version mismatch is reported through the result's
// Conflict field, not as an error. Errors are reserved for transport and
// validation failures.
type RecordStore interface {
	// ConditionalUpdate writes payload to entity/recordID if the stored
	// version equals expectedVersion, bumping the version by one.
	ConditionalUpdate(ctx context.Context, entity models.Entity, recordID string, payload map[string]any, expectedVersion int64) (*UpdateResult, error)

	// FetchCurrent returns the record's current payload and version.
	FetchCurrent(ctx context.Context, entity models.Entity, recordID string) (*models.VersionedRecord, error)

	// Put writes payload unconditionally, creating the record if absent.
	// Used for creates and for applying manual conflict resolutions.
	Put(ctx context.Context, entity models.Entity, recordID string, payload map[string]any) (*models.VersionedRecord, error)

	// Delete removes the record. Deleting an absent record is not an error.
	Delete(ctx context.Context, entity models.Entity, recordID string) error
}
