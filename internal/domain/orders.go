package domain

import (
	"context"
	"time"
)

// OrderStore is the pipeline's view of the external order system. The
// matching engine only reads candidates; claiming one goes through the
// store's own concurrency control so two extractions racing for the same
// candidate resolve deterministically.
type OrderStore interface {
	// FindCandidates returns pending transactions still awaiting payment,
	// filtered by currency and time window plus optional hints.
	FindCandidates(ctx context.Context, q CandidateQuery) ([]*MatchCandidate, error)

	// ClaimCandidate marks a candidate as claimed by the given extraction
	// via a conditional update. Returns ErrClaimConflict if a competing
	// decision got there first.
	ClaimCandidate(ctx context.Context, candidateID, extractionID string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CandidateQuery filters the pending-transaction lookup.
type CandidateQuery struct {
	Currency string
	Since    time.Time
	Until    time.Time

	// Optional hints narrowing the search.
	Reference string
	Amount    *float64
	BuyerID   string
}
