package lease

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidOwner indicates the owner identity could not be mapped to a
	// usable slot. The acquire fails before a request is issued.
	ErrInvalidOwner = errors.New("owner identity cannot be mapped to a slot")
	// ErrAcquireTimeout indicates the provider neither granted nor denied
	// the request within the configured bound.
	ErrAcquireTimeout = errors.New("bearer acquisition timed out")
	// ErrAcquireDenied indicates the provider explicitly reported the
	// request as unavailable.
	ErrAcquireDenied = errors.New("bearer acquisition denied")
	// ErrAcquireInterrupted indicates the caller's context was cancelled
	// while waiting. Shared coordinator state is untouched; the caller may
	// retry.
	ErrAcquireInterrupted = errors.New("bearer acquisition interrupted")
)

// AcquisitionError is the typed failure surfaced by Acquire. The reference
// count is not reverted on failure: callers release symmetrically for every
// acquire they made, successful or not.
type AcquisitionError struct {
	Owner     string
	RequestID string
	Err       error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("acquire bearer for owner %s (request %s): %v", e.Owner, e.RequestID, e.Err)
}

func (e *AcquisitionError) Unwrap() error {
	return e.Err
}
