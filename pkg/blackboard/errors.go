package blackboard

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a key, task, field or version does not exist.
	ErrNotFound = errors.New("not found")

	// ErrVersionMismatch is returned by a Backend when Set is called with a stale version.
	ErrVersionMismatch = errors.New("version mismatch")

	// ErrFrozen is returned by any mutation once the run has reached a terminal status.
	ErrFrozen = errors.New("blackboard is frozen")

	// ErrFieldUnderReview is returned when committing to a field whose review is pending.
	ErrFieldUnderReview = errors.New("field is pending review")

	// ErrInvalidTransition is returned for an illegal consensus transition.
	ErrInvalidTransition = errors.New("invalid consensus transition")
)

// ConflictError reports an optimistic concurrency failure on commit.
type ConflictError struct {
	Field    string
	Expected int
	Actual   int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on field '%s': expected %d, current %d", e.Field, e.Expected, e.Actual)
}

// ConsensusConflictError reports an attempt to open a second review cycle on a field.
type ConsensusConflictError struct {
	Field    string
	Reviewer string // Reviewer of the cycle already open
}

func (e *ConsensusConflictError) Error() string {
	return fmt.Sprintf("field '%s' already has an open review (reviewer %s)", e.Field, e.Reviewer)
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict reports whether err is a commit version conflict.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
