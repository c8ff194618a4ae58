// Package fault defines the shared error taxonomy for marketplace
// operations. Every failure is local, synchronous, and non-retryable:
// the caller must correct its input or wait for state to change, not
// retry blindly. Domain packages wrap these sentinels with more
// specific conditions so callers can match either level with errors.Is.
package fault

import "errors"

var (
	// ErrUnauthorized means the caller is not allowed to act on the record.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrStateGuard means the operation is invalid for the record's
	// current status (already claimed, not submitted, cannot dispute).
	ErrStateGuard = errors.New("invalid state for operation")

	// ErrValidation means the input shape is bad (zero reward,
	// out-of-range rating, reserved key).
	ErrValidation = errors.New("invalid input")

	// ErrTiming means a deadline or signature authorization has expired.
	ErrTiming = errors.New("deadline or authorization expired")

	// ErrNotFound means the referenced bounty or agent does not exist.
	ErrNotFound = errors.New("not found")

	// ErrPrecondition means an external precondition (payment proof,
	// funded wallet) has not been satisfied.
	ErrPrecondition = errors.New("external precondition unmet")
)
