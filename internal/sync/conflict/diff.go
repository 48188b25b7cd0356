package conflict

import (
	"reflect"
	"sort"
)

// FieldDiff is one field whose value differs between the local and remote
// payloads. A field present on only one side reports nil for the other.
type FieldDiff struct {
	Field       string `json:"field"`
	LocalValue  any    `json:"local_value"`
	RemoteValue any    `json:"remote_value"`
}

// DiffFields compares two payloads over the union of their keys and returns
// one entry per field whose values are not deeply equal. The result is
// sorted by field name so repeated calls produce identical output.
func DiffFields(local, remote map[string]any) []FieldDiff {
	keys := make(map[string]struct{}, len(local)+len(remote))
	for k := range local {
		keys[k] = struct{}{}
	}
	for k := range remote {
		keys[k] = struct{}{}
	}

	var diffs []FieldDiff
	for k := range keys {
		lv, lok := local[k]
		rv, rok := remote[k]
		if lok && rok && reflect.DeepEqual(lv, rv) {
			continue
		}
		diffs = append(diffs, FieldDiff{Field: k, LocalValue: lv, RemoteValue: rv})
	}

	sort.Slice(diffs, func(i, j int) bool {
		return diffs[i].Field < diffs[j].Field
	})
	return diffs
}
