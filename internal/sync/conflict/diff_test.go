package conflict

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiffFieldsReportsEveryDifference(t *testing.T) {
	local := map[string]any{
		"title":  "Week 3 Quiz",
		"status": "published",
		"count":  2.0,
	}
	remote := map[string]any{
		"title":  "Week 3 Quiz",
		"status": "draft",
		"owner":  "teacher-1",
	}

	diffs := DiffFields(local, remote)
	require.Len(t, diffs, 3)

	// sorted by field name
	assert.Equal(t, "count", diffs[0].Field)
	assert.Equal(t, 2.0, diffs[0].LocalValue)
	assert.Nil(t, diffs[0].RemoteValue)

	assert.Equal(t, "owner", diffs[1].Field)
	assert.Nil(t, diffs[1].LocalValue)
	assert.Equal(t, "teacher-1", diffs[1].RemoteValue)

	assert.Equal(t, "status", diffs[2].Field)
	assert.Equal(t, "published", diffs[2].LocalValue)
	assert.Equal(t, "draft", diffs[2].RemoteValue)
}

func TestDiffFieldsEqualPayloads(t *testing.T) {
	payload := map[string]any{
		"title": "Lab Report",
		"tags":  []any{"bio", "week4"},
	}
	other := map[string]any{
		"title": "Lab Report",
		"tags":  []any{"bio", "week4"},
	}
	assert.Empty(t, DiffFields(payload, other))
}

func TestDiffFieldsDeepInequality(t *testing.T) {
	local := map[string]any{"answers": map[string]any{"q1": "a"}}
	remote := map[string]any{"answers": map[string]any{"q1": "b"}}

	diffs := DiffFields(local, remote)
	require.Len(t, diffs, 1)
	assert.Equal(t, "answers", diffs[0].Field)
}

func TestDiffFieldsDeterministicOrder(t *testing.T) {
	local := map[string]any{"z": 1, "a": 2, "m": 3}
	remote := map[string]any{"z": 9, "a": 8, "m": 7}

	first := DiffFields(local, remote)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, DiffFields(local, remote))
	}
}

func TestDiffFieldsEmptyInputs(t *testing.T) {
	assert.Empty(t, DiffFields(nil, nil))

	diffs := DiffFields(nil, map[string]any{"x": 1})
	require.Len(t, diffs, 1)
	assert.Equal(t, "x", diffs[0].Field)
}
