// Package resolver expands abbreviated task IDs.
package resolver

import (
	"context"
	"fmt"
	"strings"

	"github.com/HebbZhu/multi-agent-living-system/pkg/blackboard"
)

// MinPrefixLength is the minimum length of an abbreviated task ID.
const MinPrefixLength = 6

// ResolveTaskID returns the task whose ID equals ref, or the single task whose ID
// starts with ref.
func ResolveTaskID(ctx context.Context, backend blackboard.Backend, ref string) (string, error) {
	ids, err := blackboard.ListTasks(ctx, backend)
	if err != nil {
		return "", err
	}

	var matches []string
	for _, id := range ids {
		if id == ref {
			return id, nil
		}
		if strings.HasPrefix(id, ref) {
			matches = append(matches, id)
		}
	}

	if len(ref) < MinPrefixLength {
		return "", &NotFoundError{Ref: ref}
	}
	switch len(matches) {
	case 0:
		return "", &NotFoundError{Ref: ref}
	case 1:
		return matches[0], nil
	default:
		return "", &AmbiguousError{Ref: ref, Matches: matches}
	}
}

// NotFoundError indicates no task matched.
type NotFoundError struct {
	Ref string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no task found matching '%s'", e.Ref)
}

// Unwrap lets callers test with blackboard.IsNotFound.
func (e *NotFoundError) Unwrap() error {
	return blackboard.ErrNotFound
}

// AmbiguousError indicates several tasks matched a prefix.
type AmbiguousError struct {
	Ref     string
	Matches []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("ambiguous task ID '%s' matches %d tasks", e.Ref, len(e.Matches))
}

// Suggestion lists up to 10 matches for display.
func (e *AmbiguousError) Suggestion() string {
	var b strings.Builder
	shown := min(len(e.Matches), 10)
	for _, id := range e.Matches[:shown] {
		fmt.Fprintf(&b, "  %s\n", id)
	}
	if len(e.Matches) > shown {
		fmt.Fprintf(&b, "  ...and %d more\n", len(e.Matches)-shown)
	}
	b.WriteString("Use a longer prefix to select one task.")
	return b.String()
}
