package domain

import (
	"time"
)

// Outcome is the terminal result of the decision state machine.
type Outcome string

const (
	OutcomeAutoApproved        Outcome = "auto_approved"
	OutcomeConditionalApproved Outcome = "conditional_approved"
	OutcomeManualReview        Outcome = "manual_review"
	OutcomeRejected            Outcome = "rejected"
)

// Rank orders outcomes from worst to best, used to enforce that a
// higher-confidence extraction never resolves worse than a lower one.
func (o Outcome) Rank() int {
	switch o {
	case OutcomeRejected:
		return 0
	case OutcomeManualReview:
		return 1
	case OutcomeConditionalApproved:
		return 2
	case OutcomeAutoApproved:
		return 3
	}
	return -1
}

// Decision origins. Reviewer decisions supersede automated ones by
// appending a new record linked to the same extraction.
const (
	OriginAutomated = "automated"
	OriginReviewer  = "reviewer"
)

// Reason codes attached to decisions for audit and notification.
const (
	ReasonHighConfidenceMatch = "high_confidence_match"
	ReasonConditionalBand     = "conditional_band"
	ReasonLowConfidence       = "low_confidence"
	ReasonConfidenceFloor     = "confidence_below_floor"
	ReasonNoDataExtracted     = "no_data_extracted"
	ReasonPortDegraded        = "port_degraded"
	ReasonOCRContradiction    = "ocr_contradiction"
	ReasonAmountMismatch      = "amount_mismatch"
	ReasonNoConfidentMatch    = "no_confident_match"
	ReasonScoreTie            = "score_tie"
	ReasonProcessingFailed    = "processing_failed"
	ReasonClaimConflict       = "claim_conflict"
	ReasonGuardRule           = "guard_rule"
	ReasonReviewerApproved    = "reviewer_approved"
	ReasonReviewerRejected    = "reviewer_rejected"
	ReasonReviewerModified    = "reviewer_modified"
)

// Decision records one resolution of an extraction. Decisions are
// append-only: a re-decision (e.g. after manual review) creates a new
// record linked to the same extraction, preserving the audit trail.
type Decision struct {
	ID                 string    `json:"id"`
	ExtractionID       string    `json:"extractionId"`
	JobID              string    `json:"jobId"`
	Outcome            Outcome   `json:"outcome"`
	MatchedCandidateID string    `json:"matchedCandidateId,omitempty"`
	Confidence         float64   `json:"confidence"`
	ReasonCodes        []string  `json:"reasonCodes"`
	Origin             string    `json:"origin"`
	ReviewedBy         string    `json:"reviewedBy,omitempty"`
	Notes              string    `json:"notes,omitempty"`
	DecidedAt          time.Time `json:"decidedAt"`
}

// Approved reports whether the decision closes the order.
func (d *Decision) Approved() bool {
	return d.Outcome == OutcomeAutoApproved || d.Outcome == OutcomeConditionalApproved
}

// ReviewAction is a reviewer's verdict on an extraction.
type ReviewAction string

const (
	ReviewApprove ReviewAction = "approve"
	ReviewReject  ReviewAction = "reject"
	ReviewModify  ReviewAction = "modify"
)

// Valid reports whether a is a known review action.
func (a ReviewAction) Valid() bool {
	switch a {
	case ReviewApprove, ReviewReject, ReviewModify:
		return true
	}
	return false
}

// ReviewRequest is the human reviewer's input, applied as a new Decision.
type ReviewRequest struct {
	ExtractionID        string            `json:"extractionId"`
	Action              ReviewAction      `json:"action"`
	ApprovedCandidateID string            `json:"approvedCandidateId,omitempty"`
	Corrections         *ExtractionFields `json:"corrections,omitempty"`
	Notes               string            `json:"notes,omitempty"`
	ReviewedBy          string            `json:"reviewedBy"`
}
