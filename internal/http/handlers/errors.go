// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// These symbolic constants are mapped to HTTP responses via the fail()
// helper and give clients a stable, machine-readable error taxonomy
// alongside the human-readable messages.
//
// Conventions:
//   - Codes are lowercase snake_case.
//   - Generic codes (bad_request, not_found, conflict) mirror common HTTP
//     status semantics.
//   - Domain-specific codes cover outcomes a status alone cannot convey:
//     malformed_event for payloads the normalizer rejected, not_replayable
//     for dead-letter entries outside the failed state.
package handlers

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeNotFound         = "not_found"
	ErrCodeConflict         = "conflict"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"

	// Domain-specific:
	ErrCodeMalformedEvent = "malformed_event"
	ErrCodeNotReplayable  = "not_replayable"
)
