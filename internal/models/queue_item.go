// Package models provides data model definitions for the LabSync core.
package models

// Operation is the kind of mutation recorded in the offline queue.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// QueueStatus is the lifecycle state of a queued mutation.
// Transitions: pending -> syncing -> {completed | failed};
// failed -> syncing on retry, up to the configured cap.
type QueueStatus string

const (
	QueueStatusPending   QueueStatus = "pending"
	QueueStatusSyncing   QueueStatus = "syncing"
	QueueStatusCompleted QueueStatus = "completed"
	QueueStatusFailed    QueueStatus = "failed"
)

// QueueItem is a mutation recorded while the store was unreachable,
// replayed in enqueue order per entity once connectivity returns.
type QueueItem struct {
	ID         string         `db:"id" json:"id"`
	Entity     Entity         `db:"entity" json:"entity"`
	RecordID   string         `db:"record_id" json:"record_id"`
	Operation  Operation      `db:"operation" json:"operation"`
	Payload    map[string]any `db:"payload" json:"payload"`
	// BaseVersion is the record version the payload was edited against.
	// Zero for creates.
	BaseVersion int64       `db:"base_version" json:"base_version"`
	Timestamp   int64       `db:"timestamp" json:"timestamp"` // unix millis of the local edit
	Status      QueueStatus `db:"status" json:"status"`
	RetryCount  int         `db:"retry_count" json:"retry_count"`
	Error       string      `db:"error" json:"error,omitempty"`
	CreatedAt   int64       `db:"created_at" json:"created_at"`
	UpdatedAt   int64       `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for QueueItem.
func (QueueItem) TableName() string {
	return "sync_queue"
}
