package blackboard

import (
	"fmt"
	"regexp"
	"strings"
)

// MaxNameLength bounds task IDs and field names.
const MaxNameLength = 64

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// ValidateName checks a task ID or field name before it becomes part of a key.
// Names are limited to letters, digits, '_', '.' and '-' so they can never contain
// the ':' separator of the key schema.
func ValidateName(kind, name string) error {
	if name == "" {
		return fmt.Errorf("%s is required", kind)
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("%s '%.16s...' is longer than %d characters", kind, name, MaxNameLength)
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%s '%s' may only contain letters, digits, '_', '.' and '-'", kind, name)
	}
	return nil
}

// Key schema shared by every backend. Backends may add their own namespace prefix
// (RedisBackend defaults to "mals:").

// TaskPrefix returns the prefix under which every key of a task lives.
// Pattern: task:{task_id}:
func TaskPrefix(taskID string) string {
	return fmt.Sprintf("task:%s:", taskID)
}

// StateKey returns the key of the serialised State of a task.
// Pattern: task:{task_id}:state
func StateKey(taskID string) string {
	return TaskPrefix(taskID) + "state"
}

// HeadKey returns the key holding the latest artifact of a field.
// The backend version of this key always equals the field version.
// Pattern: task:{task_id}:head:{field}
func HeadKey(taskID, field string) string {
	return HeadPrefix(taskID) + field
}

// FieldHistoryPrefix returns the prefix of all archived versions of a field.
// Pattern: task:{task_id}:field:{field}:v:
func FieldHistoryPrefix(taskID, field string) string {
	return fmt.Sprintf("%sfield:%s:v:", TaskPrefix(taskID), field)
}

// VersionKey returns the key of one archived version of a field. Versions are
// zero padded so lexicographic order matches numeric order.
// Pattern: task:{task_id}:field:{field}:v:{version:08d}
func VersionKey(taskID, field string, version int) string {
	return fmt.Sprintf("%s%08d", FieldHistoryPrefix(taskID, field), version)
}

// HeadPrefix returns the prefix of the head keys of every field of a task.
// Pattern: task:{task_id}:head:
func HeadPrefix(taskID string) string {
	return TaskPrefix(taskID) + "head:"
}

// TaskIDFromStateKey extracts the task ID from a state key, reporting false for any
// other key.
func TaskIDFromStateKey(key string) (string, bool) {
	if !strings.HasPrefix(key, "task:") || !strings.HasSuffix(key, ":state") {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(key, "task:"), ":state")
	if id == "" || strings.Contains(id, ":") {
		return "", false
	}
	return id, true
}
