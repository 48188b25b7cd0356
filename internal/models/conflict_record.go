// Package models provides data model definitions for the LabSync core.
package models

import "time"

// ConflictStatus is the lifecycle state of a detected conflict.
// Terminal once it leaves pending.
type ConflictStatus string

const (
	ConflictStatusPending  ConflictStatus = "pending"
	ConflictStatusResolved ConflictStatus = "resolved"
	ConflictStatusRejected ConflictStatus = "rejected"
)

// Winner identifies which side a resolution kept.
type Winner string

const (
	WinnerLocal  Winner = "local"
	WinnerRemote Winner = "remote"
	WinnerMerged Winner = "merged"
	WinnerNone   Winner = ""
)

// ConflictRecord is a detected, unresolved divergence between a local edit
// and the store's current row, persisted for manual resolution.
//
// Invariants: at most one pending record per (entity, record_id);
// ResolvedAt/ResolvedBy are set if and only if the status is not pending.
type ConflictRecord struct {
	ID                 string         `db:"id" json:"id"`
	QueueItemID        string         `db:"queue_item_id" json:"queue_item_id,omitempty"`
	UserID             string         `db:"user_id" json:"user_id"`
	Entity             Entity         `db:"entity" json:"entity"`
	RecordID           string         `db:"record_id" json:"record_id"`
	LocalData          map[string]any `db:"local_data" json:"local_data"`
	RemoteData         map[string]any `db:"remote_data" json:"remote_data"`
	ResolutionStrategy string         `db:"resolution_strategy" json:"resolution_strategy"`
	ResolvedData       map[string]any `db:"resolved_data" json:"resolved_data,omitempty"`
	ResolvedBy         string         `db:"resolved_by" json:"resolved_by,omitempty"`
	ResolvedAt         int64          `db:"resolved_at" json:"resolved_at,omitempty"` // unix seconds, 0 while pending
	LocalVersion       int64          `db:"local_version" json:"local_version"`
	RemoteVersion      int64          `db:"remote_version" json:"remote_version"`
	Status             ConflictStatus `db:"status" json:"status"`
	Winner             Winner         `db:"winner" json:"winner"`
	CreatedAt          int64          `db:"created_at" json:"created_at"`
}

// TableName returns the table name for ConflictRecord.
func (ConflictRecord) TableName() string {
	return "conflict_log"
}

// Pending reports whether the conflict still awaits resolution.
func (c *ConflictRecord) Pending() bool {
	return c.Status == ConflictStatusPending
}

// ResolvedAtTime returns ResolvedAt as time.Time; zero while pending.
func (c *ConflictRecord) ResolvedAtTime() time.Time {
	if c.ResolvedAt == 0 {
		return time.Time{}
	}
	return time.Unix(c.ResolvedAt, 0)
}
