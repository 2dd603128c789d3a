// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"time"
)

// Priority partitions the dispatcher queues. High-priority jobs get a
// reserved slice of workers so bulk uploads cannot starve them.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// ProcessingJob is one unit of pipeline work, created at intake.
// It is immutable and consumed exactly once by the dispatcher.
type ProcessingJob struct {
	ID             string             `json:"id"`
	ImageBytes     []byte             `json:"-"`
	Fingerprint    string             `json:"fingerprint"`
	SourcePlatform string             `json:"sourcePlatform"`
	SubmittedBy    string             `json:"submittedBy"`
	Priority       Priority           `json:"priority"`
	Context        *SubmissionContext `json:"context,omitempty"`
	CreatedAt      time.Time          `json:"createdAt"`
}

// SubmissionContext carries the caller's expectation about the proof.
// Its absence means "identify then search"; its presence means
// "verify then confirm".
type SubmissionContext struct {
	ExpectedAmount float64 `json:"expectedAmount"`
	Currency       string  `json:"currency"`
	ReferenceCode  string  `json:"referenceCode,omitempty"`
	BuyerID        string  `json:"buyerId,omitempty"`
}
