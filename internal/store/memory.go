package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/kampuslab/labsync/internal/errors"
	"github.com/kampuslab/labsync/internal/models"
)

// MemoryStore is an in-process RecordStore with the same compare-and-swap
// semantics as the HTTP client. It backs tests and the standalone demo mode.
type MemoryStore struct {
	mu      sync.Mutex
	records map[models.Entity]map[string]*models.VersionedRecord
	failErr error
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[models.Entity]map[string]*models.VersionedRecord),
	}
}

// FailWith makes every subsequent call return err, simulating an unreachable
// store. Pass nil to restore normal operation.
func (s *MemoryStore) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

// Seed installs a record at the given version without going through the
// write path.
func (s *MemoryStore) Seed(entity models.Entity, recordID string, payload map[string]any, version int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bucket(entity)[recordID] = &models.VersionedRecord{
		ID:        recordID,
		Version:   version,
		Payload:   models.ClonePayload(payload),
		UpdatedAt: time.Now(),
	}
}

// Version returns the current version of a record, 0 if absent.
func (s *MemoryStore) Version(entity models.Entity, recordID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.bucket(entity)[recordID]; ok {
		return rec.Version
	}
	return 0
}

func (s *MemoryStore) bucket(entity models.Entity) map[string]*models.VersionedRecord {
	b, ok := s.records[entity]
	if !ok {
		b = make(map[string]*models.VersionedRecord)
		s.records[entity] = b
	}
	return b
}

// ConditionalUpdate applies payload only if the stored version matches
// expectedVersion. A mismatch returns the remote snapshot in the result.
func (s *MemoryStore) ConditionalUpdate(ctx context.Context, entity models.Entity, recordID string, payload map[string]any, expectedVersion int64) (*UpdateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return nil, s.failErr
	}

	rec, ok := s.bucket(entity)[recordID]
	if !ok {
		return nil, apperrors.New(apperrors.ErrNotFound,
			fmt.Sprintf("record not found: %s/%s", entity, recordID))
	}

	if rec.Version != expectedVersion {
		return &UpdateResult{
			Applied: false,
			Conflict: &Conflict{
				RemoteSnapshot: models.ClonePayload(rec.Payload),
				RemoteVersion:  rec.Version,
			},
		}, nil
	}

	rec.Payload = models.ClonePayload(payload)
	rec.Version++
	rec.UpdatedAt = time.Now()
	return &UpdateResult{Applied: true, NewVersion: rec.Version}, nil
}

// FetchCurrent returns a copy of the record's current state.
func (s *MemoryStore) FetchCurrent(ctx context.Context, entity models.Entity, recordID string) (*models.VersionedRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return nil, s.failErr
	}

	rec, ok := s.bucket(entity)[recordID]
	if !ok {
		return nil, apperrors.New(apperrors.ErrNotFound,
			fmt.Sprintf("record not found: %s/%s", entity, recordID))
	}
	return rec.Clone(), nil
}

// Put writes unconditionally, creating the record at version 1 or bumping
// the existing version.
func (s *MemoryStore) Put(ctx context.Context, entity models.Entity, recordID string, payload map[string]any) (*models.VersionedRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return nil, s.failErr
	}

	b := s.bucket(entity)
	rec, ok := b[recordID]
	if !ok {
		rec = &models.VersionedRecord{ID: recordID}
		b[recordID] = rec
	}
	rec.Payload = models.ClonePayload(payload)
	rec.Version++
	rec.UpdatedAt = time.Now()
	return rec.Clone(), nil
}

// Delete removes the record. Absent records are not an error.
func (s *MemoryStore) Delete(ctx context.Context, entity models.Entity, recordID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	delete(s.bucket(entity), recordID)
	return nil
}

var _ RecordStore = (*MemoryStore)(nil)
