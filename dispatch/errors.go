package dispatch

import (
	"errors"
	"fmt"
)

// ErrNoAvailableInstance is returned by Dispatch when no instance is
// eligible to receive the request. The caller must retry or queue; the
// scheduler never retries internally.
var ErrNoAvailableInstance = errors.New("no instance available for dispatch")

// InstanceNotFoundError reports removal of an instance id that was never
// registered with the scheduler. The failed removal leaves all scheduler
// state untouched.
type InstanceNotFoundError struct {
	ID string
}

func (e *InstanceNotFoundError) Error() string {
	return fmt.Sprintf("instance %q not found", e.ID)
}

// UnknownPolicyError reports an unrecognized dispatch policy name.
// Raised at construction time only, never during dispatch.
type UnknownPolicyError struct {
	Name string
}

func (e *UnknownPolicyError) Error() string {
	return fmt.Sprintf("unknown dispatch policy %q", e.Name)
}
