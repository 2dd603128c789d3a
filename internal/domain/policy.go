package domain

import "time"

// Guard actions: what a triggered rule forces on the decision.
const (
	GuardActionReview = "review"
	GuardActionReject = "reject"
)

// GuardRule is a configurable CEL expression evaluated against every
// fused extraction before the decision table runs. A triggered rule can
// cap the outcome at manual_review or force a rejection; it can never
// raise an outcome. Threshold tuning is an expected operational
// activity, so rules live in the database and hot-reload via the API.
type GuardRule struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version"`

	// Expression is a CEL expression over the extraction variables
	// (amount, currency, method, reference, confidence, age_seconds, ...)
	// returning a bool.
	Expression string `json:"expression"`

	// Action is "review" or "reject".
	Action string `json:"action"`

	// Reason is the reason code attached when the rule triggers.
	Reason string `json:"reason"`

	// Whether the rule is active
	Enabled bool `json:"enabled"`

	// Audit timestamps
	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// GuardHit records a triggered guard rule on an extraction.
type GuardHit struct {
	RuleID string `json:"ruleId"`
	Action string `json:"action"`
	Reason string `json:"reason"`
}
