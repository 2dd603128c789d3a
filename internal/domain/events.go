package domain

import (
	"time"
)

// EventType classifies pipeline events emitted to external collaborators.
type EventType string

const (
	EventPaymentDetected EventType = "payment_detected"
	EventPaymentMatched  EventType = "payment_matched"
	EventReviewRequired  EventType = "review_required"
	EventAutoApproved    EventType = "auto_approved"
)

// PipelineEvent is the envelope published for decision and status
// changes. Delivery is at-least-once; consumers must be idempotent on
// IdempotencyKey (extractionId + outcome).
type PipelineEvent struct {
	Type           EventType `json:"type"`
	ExtractionID   string    `json:"extractionId"`
	CandidateID    string    `json:"candidateId,omitempty"`
	UserID         string    `json:"userId"`
	Outcome        Outcome   `json:"outcome,omitempty"`
	ReasonCodes    []string  `json:"reasonCodes,omitempty"`
	Platforms      []string  `json:"platforms"`
	Priority       Priority  `json:"priority"`
	IdempotencyKey string    `json:"idempotencyKey"`
	CreatedAt      time.Time `json:"createdAt"`
}

// EventForDecision builds the terminal event for a decision.
func EventForDecision(d *Decision, ext *PaymentExtraction, priority Priority) *PipelineEvent {
	typ := EventReviewRequired
	switch d.Outcome {
	case OutcomeAutoApproved, OutcomeConditionalApproved:
		typ = EventAutoApproved
	case OutcomeManualReview:
		typ = EventReviewRequired
	case OutcomeRejected:
		typ = EventReviewRequired
	}
	return &PipelineEvent{
		Type:           typ,
		ExtractionID:   d.ExtractionID,
		CandidateID:    d.MatchedCandidateID,
		UserID:         ext.SubmittedBy,
		Outcome:        d.Outcome,
		ReasonCodes:    d.ReasonCodes,
		Platforms:      []string{ext.SourcePlatform},
		Priority:       priority,
		IdempotencyKey: d.ExtractionID + ":" + string(d.Outcome),
		CreatedAt:      time.Now().UTC(),
	}
}
