// Package conflict provides automatic conflict resolution for optimistic
// concurrency failures against the versioned record store.
package conflict

import (
	"github.com/kampuslab/labsync/internal/logging"
	"github.com/kampuslab/labsync/internal/models"
)

// ResolutionStrategy identifies how a conflict was decided.
type ResolutionStrategy string

const (
	ResolutionStrategyLastWriteWins ResolutionStrategy = "last_write_wins"
	ResolutionStrategyBusinessRule  ResolutionStrategy = "business_rule"
	ResolutionStrategyManual        ResolutionStrategy = "manual"
)

// Conflict represents a detected divergence between a local edit and the
// store's current row. Timestamps are unix milliseconds of each side's last
// modification.
type Conflict struct {
	Entity          models.Entity
	RecordID        string
	Local           map[string]any
	Remote          map[string]any
	LocalVersion    int64
	RemoteVersion   int64
	LocalTimestamp  int64
	RemoteTimestamp int64
}

// Resolution is the outcome of automatic resolution. Data is the full
// payload to write back; the resolver always decides whole documents, never
// individual fields. Field-wise reconciliation belongs to the manual path.
type Resolution struct {
	Data     map[string]any
	Winner   models.Winner
	Strategy ResolutionStrategy
	Reason   string
}

// RuleFunc is an entity-specific business rule. It returns a whole-document
// decision, or nil when inconclusive so resolution falls through to
// last-write-wins. Rules must be pure: no I/O, no clock reads, no mutation
// of the input maps.
type RuleFunc func(c *Conflict) *Resolution

// Resolver resolves conflicts by consulting registered entity rules first
// and falling back to last-write-wins by timestamp.
//
// Resolve is deterministic: identical inputs always yield identical outputs,
// which queue replay relies on.
type Resolver struct {
	rules map[models.Entity][]RuleFunc
}

// NewResolver creates a Resolver with the default business rules registered.
func NewResolver() *Resolver {
	r := &Resolver{rules: make(map[models.Entity][]RuleFunc)}
	registerDefaultRules(r)
	return r
}

// NewEmptyResolver creates a Resolver with no rules; every conflict falls
// through to last-write-wins.
func NewEmptyResolver() *Resolver {
	return &Resolver{rules: make(map[models.Entity][]RuleFunc)}
}

// RegisterRule appends a rule for an entity kind. Rules run in registration
// order; the first conclusive decision wins.
func (r *Resolver) RegisterRule(entity models.Entity, rule RuleFunc) {
	r.rules[entity] = append(r.rules[entity], rule)
}

// Resolve decides a conflict. Precedence: entity-specific rules, then
// last-write-wins by timestamp. The returned Data is always one side taken
// whole, never a field-level mix.
func (r *Resolver) Resolve(c *Conflict) (*Resolution, error) {
	if c == nil || c.Local == nil || c.Remote == nil {
		return nil, ErrInvalidConflict
	}
	if !models.KnownEntity(c.Entity) {
		return nil, ErrUnknownEntity
	}

	for _, rule := range r.rules[c.Entity] {
		if res := rule(c); res != nil {
			logging.Info("conflict resolved by business rule",
				map[string]interface{}{
					"entity":    string(c.Entity),
					"record_id": c.RecordID,
					"winner":    string(res.Winner),
					"reason":    res.Reason,
				})
			return res, nil
		}
	}

	return r.resolveLastWriteWins(c), nil
}

// resolveLastWriteWins picks the side with the newer modification timestamp.
// Ties go to local, matching the store's bias toward the active editor.
func (r *Resolver) resolveLastWriteWins(c *Conflict) *Resolution {
	var res *Resolution
	if c.LocalTimestamp >= c.RemoteTimestamp {
		res = &Resolution{
			Data:     c.Local,
			Winner:   models.WinnerLocal,
			Strategy: ResolutionStrategyLastWriteWins,
			Reason:   "local is newer",
		}
	} else {
		res = &Resolution{
			Data:     c.Remote,
			Winner:   models.WinnerRemote,
			Strategy: ResolutionStrategyLastWriteWins,
			Reason:   "remote is newer",
		}
	}

	logging.Info("conflict resolved using last-write-wins",
		map[string]interface{}{
			"entity":           string(c.Entity),
			"record_id":        c.RecordID,
			"winner":           string(res.Winner),
			"local_timestamp":  c.LocalTimestamp,
			"remote_timestamp": c.RemoteTimestamp,
		})
	return res
}

// Errors
var (
	ErrInvalidConflict = &ConflictError{Message: "invalid conflict: both payloads must be non-nil"}
	ErrUnknownEntity   = &ConflictError{Message: "unknown entity kind"}
)

// ConflictError represents a conflict resolution error.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// IsConflictError checks if an error is a ConflictError.
func IsConflictError(err error) bool {
	_, ok := err.(*ConflictError)
	return ok
}
