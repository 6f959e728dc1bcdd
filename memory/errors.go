package memory

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("resource not found")
	ErrResourceExhaustion = errors.New("memory usage could not be reduced to target")
)

type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("resource not found: %s", e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// ResourceExhaustionError is returned when a cleanup pass ran out of
// evictable entries while usage was still above the target threshold.
// Callers about to make a large allocation should fail fast on it.
type ResourceExhaustionError struct {
	Current int64
	Target  int64
}

func (e *ResourceExhaustionError) Error() string {
	return fmt.Sprintf("usage %d bytes still above target %d bytes after cleanup", e.Current, e.Target)
}

func (e *ResourceExhaustionError) Is(target error) bool {
	return target == ErrResourceExhaustion
}
