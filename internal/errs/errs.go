package errs

import "errors"

var (
	ErrValidation            = errors.New("validation error")
	ErrNotFound              = errors.New("not found")
	ErrNoAvailableCredential = errors.New("no available credential")
	ErrNoAvailableProxy      = errors.New("no available proxy")
	ErrSigningFailed         = errors.New("signing failed")
	ErrRateLimited           = errors.New("rate limited by platform")
	ErrAuthExpired           = errors.New("credential rejected by platform")
	ErrNetwork               = errors.New("network error")
	ErrPlatformResponse      = errors.New("unexpected platform response")
	ErrNotStartable          = errors.New("task is not startable")
	ErrInvalidTransition     = errors.New("task status transition rejected")
	ErrDuplicate             = errors.New("already exists")
	ErrUnsupportedPlatform   = errors.New("unsupported platform")
	ErrUnsupportedTaskType   = errors.New("unsupported task type")
)

// Cancellation causes attached to a task run context.
var (
	ErrTaskCancelled = errors.New("task cancelled")
	ErrTaskDeleted   = errors.New("task deleted")
	ErrShutdown      = errors.New("service shutting down")
)

// Retryable reports whether a failed platform call may be repeated on the same page.
func Retryable(err error) bool {
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrNetwork) ||
		errors.Is(err, ErrSigningFailed) ||
		errors.Is(err, ErrPlatformResponse)
}
