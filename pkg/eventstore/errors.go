package eventstore

import "errors"

var (
	// ErrNotFound is returned when an event lookup matches nothing.
	ErrNotFound = errors.New("event not found")

	// ErrInvalidInput is returned when an append input is missing required
	// fields or carries unknown enum values.
	ErrInvalidInput = errors.New("invalid append input")

	// ErrAllocationFailure is returned when the sequence allocator cannot
	// produce exactly one sequence for a stream.
	ErrAllocationFailure = errors.New("stream sequence allocation failure")

	// ErrSecretDetected is returned when the scanner finds secret material
	// and the configured mode forbids persisting it.
	ErrSecretDetected = errors.New("secret material detected in event data")

	// ErrHashChainBreak is returned when the stored chain contradicts
	// itself, e.g. a missing predecessor for a non-first sequence.
	ErrHashChainBreak = errors.New("event hash chain break")

	// errIdempotencyConflict signals a concurrent duplicate append; the
	// own-transaction append path converts it into an idempotent replay.
	errIdempotencyConflict = errors.New("idempotency key conflict")
)
