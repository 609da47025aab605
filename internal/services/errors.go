// Package services implements the event pipeline: ingestion, reconciliation,
// orphan retry, and the dead-letter administrative operations. This file
// centralizes common service-level error values so that they can be
// consistently returned by service methods and checked by callers.
//
// These errors are intended for internal use by the service layer and
// translation into user-facing messages or HTTP status codes should be
// performed at the handler layer.
package services

import "errors"

var (
	// ErrEnrollmentNotFound indicates the event's enrollment does not exist
	// yet. This is an expected, transient outcome (the enrollment workflow
	// races the provider callback) and routes events to the orphan queue
	// rather than failing the caller.
	ErrEnrollmentNotFound = errors.New("enrollment not found")

	// ErrDeadLetterNotFound indicates the requested dead-letter entry does
	// not exist.
	ErrDeadLetterNotFound = errors.New("dead letter entry not found")

	// ErrDeadLetterNotReplayable is returned when an entry is not in the
	// failed state, so it cannot be replayed or ignored (for example a
	// replay already in flight, or an entry already replayed).
	ErrDeadLetterNotReplayable = errors.New("dead letter entry is not in a replayable state")
)
