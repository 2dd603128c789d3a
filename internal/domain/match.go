package domain

import (
	"time"
)

// Candidate status values mirrored from the external order store.
const (
	CandidateAwaitingPayment = "awaiting_payment"
	CandidateClaimed         = "claimed"
	CandidateClosed          = "closed"
)

// MatchCandidate is a pending transaction fetched from the external
// order store. The pipeline only reads it; status changes go through
// the store's own concurrency control.
type MatchCandidate struct {
	ID                string    `json:"id"`
	ExpectedReference string    `json:"expectedReference"`
	ExpectedAmount    float64   `json:"expectedAmount"`
	Currency          string    `json:"currency"`
	BuyerID           string    `json:"buyerId"`
	Status            string    `json:"status"`
	CreatedAt         time.Time `json:"createdAt"`
}

// ScoredCandidate is one candidate's weighted score against an
// extraction, with the signal breakdown kept for audit.
type ScoredCandidate struct {
	CandidateID string   `json:"candidateId"`
	Score       float64  `json:"score"`
	Reasons     []string `json:"reasons,omitempty"`

	// AmountExact is true when the read amount equals the candidate's
	// expected amount within tolerance. Approving outcomes demand it:
	// a candidate can outscore the floor on reference and method alone,
	// which routes work, never money.
	AmountExact         bool `json:"amountExact"`
	AutoApproveEligible bool `json:"autoApproveEligible"`
}

// PaymentMatch is the ranked outcome of matching one extraction against
// the candidate set. Derived data: recomputed if candidates change, and
// never the source of truth once a decision is applied.
type PaymentMatch struct {
	ExtractionID     string            `json:"extractionId"`
	ScoredCandidates []ScoredCandidate `json:"scoredCandidates"`
	BestMatch        *ScoredCandidate  `json:"bestMatch,omitempty"`
	ReviewRequired   bool              `json:"reviewRequired"`

	// TieDetected marks two top candidates scoring within epsilon of
	// each other. A tie never auto-resolves.
	TieDetected bool `json:"tieDetected,omitempty"`

	MatchedAt time.Time `json:"matchedAt"`
}
