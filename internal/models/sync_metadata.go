// Package models provides data model definitions for the LabSync core.
package models

import "time"

// SyncMetadata holds process-wide sync counters, updated after every queue
// drain cycle.
type SyncMetadata struct {
	LastSyncTime   int64 `db:"last_sync_time" json:"last_sync_time"` // unix seconds, 0 = never
	PendingChanges int   `db:"pending_changes" json:"pending_changes"`
	FailedChanges  int   `db:"failed_changes" json:"failed_changes"`
	NextSyncTime   int64 `db:"next_sync_time" json:"next_sync_time,omitempty"`
	SyncEnabled    bool  `db:"sync_enabled" json:"sync_enabled"`
}

// TableName returns the table name for SyncMetadata.
func (SyncMetadata) TableName() string {
	return "sync_metadata"
}

// LastSync returns LastSyncTime as time.Time; zero if no drain has completed.
func (m *SyncMetadata) LastSync() time.Time {
	if m.LastSyncTime == 0 {
		return time.Time{}
	}
	return time.Unix(m.LastSyncTime, 0)
}
