package domain

import "errors"

// Error taxonomy for the verification pipeline. Failures internal to a
// port or stage are absorbed into confidence degradation or review flags;
// only malformed input at the boundary surfaces synchronously.
var (
	// ErrInvalidImage rejects bad input at intake; the caller must re-submit.
	ErrInvalidImage = errors.New("invalid image")

	// ErrRecognitionUnavailable means the recognition port exhausted its
	// retries. Handled internally as a degraded extraction, never a hard
	// failure.
	ErrRecognitionUnavailable = errors.New("recognition port unavailable")

	// ErrExtractionUnavailable means the structured-extraction port
	// exhausted its retries.
	ErrExtractionUnavailable = errors.New("extraction port unavailable")

	// ErrNoCandidates means the order store returned nothing to match
	// against. Routes to manual review; not an error outcome.
	ErrNoCandidates = errors.New("no candidates found")

	// ErrProcessingTimeout is a stage-level deadline; the stage is retried
	// and then dead-lettered.
	ErrProcessingTimeout = errors.New("processing timeout")

	// ErrClaimConflict means a competing decision claimed the candidate
	// first. The losing decision is downgraded to manual review.
	ErrClaimConflict = errors.New("candidate claimed by concurrent decision")

	// ErrNotFound is returned by lookups for unknown records.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidReview rejects a malformed review request at the boundary.
	ErrInvalidReview = errors.New("invalid review request")
)
