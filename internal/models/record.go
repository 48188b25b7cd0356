// Package models provides data model definitions for the LabSync core.
package models

import "time"

// VersionedRecord is a remote-owned row as seen by the sync core.
// Version increments by exactly 1 on every successful conditional write and
// never decreases; it is the sole arbiter of staleness.
type VersionedRecord struct {
	ID        string         `db:"id" json:"id"`
	Version   int64          `db:"version" json:"version"`
	Payload   map[string]any `db:"payload" json:"payload"`
	UpdatedAt time.Time      `db:"updated_at" json:"updated_at"`
}

// Clone returns a deep-enough copy for the sync core: the payload map is
// copied one level, which is all the core ever mutates.
func (r *VersionedRecord) Clone() *VersionedRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Payload = ClonePayload(r.Payload)
	return &c
}

// ClonePayload copies a payload map one level deep.
func ClonePayload(p map[string]any) map[string]any {
	if p == nil {
		return nil
	}
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
