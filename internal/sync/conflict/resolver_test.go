package conflict

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kampuslab/labsync/internal/models"
)

func classConflict(localTS, remoteTS int64) *Conflict {
	return &Conflict{
		Entity:          models.EntityClass,
		RecordID:        "class-1",
		Local:           map[string]any{"name": "Biology Lab A"},
		Remote:          map[string]any{"name": "Biology Lab B"},
		LocalVersion:    3,
		RemoteVersion:   4,
		LocalTimestamp:  localTS,
		RemoteTimestamp: remoteTS,
	}
}

func TestResolveLastWriteWinsLocalNewer(t *testing.T) {
	r := NewResolver()
	res, err := r.Resolve(classConflict(2000, 1000))
	require.NoError(t, err)
	assert.Equal(t, models.WinnerLocal, res.Winner)
	assert.Equal(t, ResolutionStrategyLastWriteWins, res.Strategy)
	assert.Equal(t, "Biology Lab A", res.Data["name"])
}

func TestResolveLastWriteWinsRemoteNewer(t *testing.T) {
	r := NewResolver()
	res, err := r.Resolve(classConflict(1000, 2000))
	require.NoError(t, err)
	assert.Equal(t, models.WinnerRemote, res.Winner)
	assert.Equal(t, "Biology Lab B", res.Data["name"])
}

func TestResolveLastWriteWinsTieGoesLocal(t *testing.T) {
	r := NewResolver()
	res, err := r.Resolve(classConflict(1500, 1500))
	require.NoError(t, err)
	assert.Equal(t, models.WinnerLocal, res.Winner)
}

func TestResolveIsDeterministic(t *testing.T) {
	r := NewResolver()
	first, err := r.Resolve(classConflict(1000, 2000))
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := r.Resolve(classConflict(1000, 2000))
		require.NoError(t, err)
		assert.Equal(t, first.Winner, again.Winner)
		assert.Equal(t, first.Strategy, again.Strategy)
		assert.Equal(t, first.Data, again.Data)
	}
}

func TestResolveInvalidInput(t *testing.T) {
	r := NewResolver()

	_, err := r.Resolve(nil)
	assert.ErrorIs(t, err, ErrInvalidConflict)

	_, err = r.Resolve(&Conflict{Entity: models.EntityQuiz, Local: map[string]any{}})
	assert.ErrorIs(t, err, ErrInvalidConflict)

	_, err = r.Resolve(&Conflict{
		Entity: models.Entity("inventory"),
		Local:  map[string]any{},
		Remote: map[string]any{},
	})
	assert.ErrorIs(t, err, ErrUnknownEntity)
	assert.True(t, IsConflictError(err))
}

func TestQuizPublishRule(t *testing.T) {
	r := NewResolver()

	// local tries to unpublish a quiz already published on the server,
	// even though the local edit is newer
	res, err := r.Resolve(&Conflict{
		Entity:          models.EntityQuiz,
		RecordID:        "quiz-1",
		Local:           map[string]any{"title": "Week 3", "is_published": false},
		Remote:          map[string]any{"title": "Week 3", "is_published": true},
		LocalTimestamp:  9000,
		RemoteTimestamp: 1000,
	})
	require.NoError(t, err)
	assert.Equal(t, models.WinnerRemote, res.Winner)
	assert.Equal(t, ResolutionStrategyBusinessRule, res.Strategy)

	// both unpublished falls through to LWW
	res, err = r.Resolve(&Conflict{
		Entity:          models.EntityQuiz,
		RecordID:        "quiz-1",
		Local:           map[string]any{"title": "Week 3 v2", "is_published": false},
		Remote:          map[string]any{"title": "Week 3", "is_published": false},
		LocalTimestamp:  9000,
		RemoteTimestamp: 1000,
	})
	require.NoError(t, err)
	assert.Equal(t, ResolutionStrategyLastWriteWins, res.Strategy)
	assert.Equal(t, models.WinnerLocal, res.Winner)
}

func TestQuizAttemptLifecycleRule(t *testing.T) {
	r := NewResolver()

	// remote already graded, local still draft: remote wins regardless of
	// timestamps
	res, err := r.Resolve(&Conflict{
		Entity:          models.EntityQuizAttempt,
		RecordID:        "attempt-1",
		Local:           map[string]any{"status": "draft", "answers": []any{"a"}},
		Remote:          map[string]any{"status": "graded", "score": 85.0},
		LocalTimestamp:  9000,
		RemoteTimestamp: 1000,
	})
	require.NoError(t, err)
	assert.Equal(t, models.WinnerRemote, res.Winner)
	assert.Equal(t, "graded", res.Data["status"])

	// local submitted, remote draft: local has progressed further
	res, err = r.Resolve(&Conflict{
		Entity:          models.EntityQuizAttempt,
		RecordID:        "attempt-1",
		Local:           map[string]any{"status": "submitted"},
		Remote:          map[string]any{"status": "draft"},
		LocalTimestamp:  1000,
		RemoteTimestamp: 9000,
	})
	require.NoError(t, err)
	assert.Equal(t, models.WinnerLocal, res.Winner)
}

func TestAttendanceStatusRule(t *testing.T) {
	r := NewResolver()

	// approval status recorded on the server stands, even against a newer
	// local edit
	res, err := r.Resolve(&Conflict{
		Entity:          models.EntityAttendance,
		RecordID:        "attendance-1",
		Local:           map[string]any{"status": "present", "note": "arrived late"},
		Remote:          map[string]any{"status": "absent"},
		LocalTimestamp:  9000,
		RemoteTimestamp: 1000,
	})
	require.NoError(t, err)
	assert.Equal(t, models.WinnerRemote, res.Winner)
	assert.Equal(t, ResolutionStrategyBusinessRule, res.Strategy)
	assert.Equal(t, "absent", res.Data["status"])

	// matching statuses fall through to LWW
	res, err = r.Resolve(&Conflict{
		Entity:          models.EntityAttendance,
		RecordID:        "attendance-1",
		Local:           map[string]any{"status": "present", "note": "arrived late"},
		Remote:          map[string]any{"status": "present"},
		LocalTimestamp:  9000,
		RemoteTimestamp: 1000,
	})
	require.NoError(t, err)
	assert.Equal(t, ResolutionStrategyLastWriteWins, res.Strategy)
	assert.Equal(t, models.WinnerLocal, res.Winner)
}

func TestGradeAuthorityRule(t *testing.T) {
	r := NewResolver()
	res, err := r.Resolve(&Conflict{
		Entity:          models.EntityGrade,
		RecordID:        "grade-1",
		Local:           map[string]any{"score": 95.0},
		Remote:          map[string]any{"score": 78.0},
		LocalTimestamp:  9000,
		RemoteTimestamp: 1000,
	})
	require.NoError(t, err)
	assert.Equal(t, models.WinnerRemote, res.Winner)
	assert.Equal(t, 78.0, res.Data["score"])
}

func TestMaterialPublishRule(t *testing.T) {
	r := NewResolver()
	res, err := r.Resolve(&Conflict{
		Entity:          models.EntityMaterial,
		RecordID:        "material-1",
		Local:           map[string]any{"title": "Slides v2", "is_published": false},
		Remote:          map[string]any{"title": "Slides", "is_published": true},
		LocalTimestamp:  9000,
		RemoteTimestamp: 1000,
	})
	require.NoError(t, err)
	assert.Equal(t, models.WinnerRemote, res.Winner)
}

func TestEmptyResolverFallsBackToLWW(t *testing.T) {
	r := NewEmptyResolver()
	res, err := r.Resolve(&Conflict{
		Entity:          models.EntityQuiz,
		RecordID:        "quiz-1",
		Local:           map[string]any{"is_published": false},
		Remote:          map[string]any{"is_published": true},
		LocalTimestamp:  9000,
		RemoteTimestamp: 1000,
	})
	require.NoError(t, err)
	assert.Equal(t, ResolutionStrategyLastWriteWins, res.Strategy)
	assert.Equal(t, models.WinnerLocal, res.Winner)
}
