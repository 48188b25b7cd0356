// Package models provides data model definitions for the LabSync core.
package models

import "fmt"

// Entity is a synchronizable entity kind. The set is fixed: payloads for
// unknown kinds are rejected at the queue and conflict boundaries.
type Entity string

const (
	EntityQuiz         Entity = "quiz"
	EntityQuizQuestion Entity = "quiz_question"
	EntityQuizAttempt  Entity = "quiz_attempt"
	EntityGrade        Entity = "grade"
	EntityAttendance   Entity = "attendance"
	EntityMaterial     Entity = "material"
	EntityClass        Entity = "class"
	EntityEquipment    Entity = "equipment"
	EntityUser         Entity = "user"
)

// entitySchemas lists the fields a payload must carry per entity kind.
// Only presence is checked here; business validation belongs to the server.
var entitySchemas = map[Entity][]string{
	EntityQuiz:         {"title", "class_id"},
	EntityQuizQuestion: {"quiz_id", "number", "question"},
	EntityQuizAttempt:  {"quiz_id", "student_id"},
	EntityGrade:        {"student_id", "class_id"},
	EntityAttendance:   {"student_id", "class_id"},
	EntityMaterial:     {"title", "class_id"},
	EntityClass:        {"name"},
	EntityEquipment:    {"name"},
	EntityUser:         {"email"},
}

// Entities returns all known entity kinds.
func Entities() []Entity {
	out := make([]Entity, 0, len(entitySchemas))
	for e := range entitySchemas {
		out = append(out, e)
	}
	return out
}

// KnownEntity reports whether e is a registered entity kind.
func KnownEntity(e Entity) bool {
	_, ok := entitySchemas[e]
	return ok
}

// ValidatePayload checks a mutation payload against the entity schema.
// Creates must carry every required field; updates are partial, so only the
// entity kind itself is checked.
func ValidatePayload(e Entity, op Operation, payload map[string]any) error {
	required, ok := entitySchemas[e]
	if !ok {
		return fmt.Errorf("unknown entity kind %q", e)
	}
	if op == OperationDelete {
		return nil
	}
	if payload == nil {
		return fmt.Errorf("%s %s: payload is nil", e, op)
	}
	if op != OperationCreate {
		return nil
	}
	for _, field := range required {
		v, present := payload[field]
		if !present || v == nil {
			return fmt.Errorf("%s create: missing required field %q", e, field)
		}
	}
	return nil
}
