package domain

import (
	"time"
)

// OCRResult is the raw output of the recognition port for one job.
// Produced once; never mutated.
type OCRResult struct {
	Text       string     `json:"text"`
	Confidence float64    `json:"confidence"`
	Words      []OCRWord  `json:"words,omitempty"`
	Blocks     []OCRBlock `json:"blocks,omitempty"`
	Language   string     `json:"language,omitempty"`
}

// OCRWord is a single recognized word with its bounding box.
type OCRWord struct {
	Text       string      `json:"text"`
	Confidence float64     `json:"confidence"`
	BBox       BoundingBox `json:"bbox"`
}

// OCRBlock groups words into a layout region.
type OCRBlock struct {
	Text       string      `json:"text"`
	Confidence float64     `json:"confidence"`
	BBox       BoundingBox `json:"bbox"`
}

// BoundingBox is a pixel rectangle in image coordinates.
type BoundingBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"w"`
	Height int `json:"h"`
}

// VisionExtraction is the structured-extraction port's best guess of the
// transaction fields, plus its own confidence and rationale.
// Produced once; never mutated.
type VisionExtraction struct {
	Description string           `json:"description"`
	Fields      ExtractionFields `json:"fields"`
	Confidence  float64          `json:"confidence"`
	Rationale   string           `json:"rationale,omitempty"`
	ModelID     string           `json:"modelId"`
}

// ExtractionFields are the typed transaction facts a vision model can
// read off a payment proof. Pointers distinguish "absent" from zero.
type ExtractionFields struct {
	Method    string     `json:"method,omitempty"`
	Amount    *float64   `json:"amount,omitempty"`
	Currency  string     `json:"currency,omitempty"`
	Sender    string     `json:"sender,omitempty"`
	Recipient string     `json:"recipient,omitempty"`
	Reference string     `json:"reference,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	BankName  string     `json:"bankName,omitempty"`
}

// Provenance tags which port a fused field candidate came from.
type Provenance string

const (
	ProvenanceOCR      Provenance = "ocr"
	ProvenanceVision   Provenance = "vision"
	ProvenanceCombined Provenance = "combined"
)

// FieldCandidate is one fused reading of the payment facts.
type FieldCandidate struct {
	Amount     *float64   `json:"amount,omitempty"`
	Currency   string     `json:"currency,omitempty"`
	Method     string     `json:"method,omitempty"`
	Sender     string     `json:"sender,omitempty"`
	Recipient  string     `json:"recipient,omitempty"`
	Reference  string     `json:"reference,omitempty"`
	Timestamp  *time.Time `json:"timestamp,omitempty"`
	Confidence float64    `json:"confidence"`
	Provenance Provenance `json:"provenance"`
}

// Extraction flags recorded by the fusion engine and policy guards.
// Flags feed the decision table; they never mutate the extraction after
// creation.
const (
	FlagOCRContradiction     = "ocr_contradiction"
	FlagSinglePort           = "single_port"
	FlagNoData               = "no_data"
	FlagTimestampImplausible = "timestamp_implausible"
	FlagLowLegibility        = "low_legibility"
)

// PaymentExtraction is the fused, canonical record of payment facts for
// one job. Append-only: reviewer corrections become new Decision records,
// never edits of the extraction.
type PaymentExtraction struct {
	ID                string            `json:"id"`
	JobID             string            `json:"jobId"`
	Fingerprint       string            `json:"fingerprint"`
	SourcePlatform    string            `json:"sourcePlatform"`
	SubmittedBy       string            `json:"submittedBy"`
	OCR               *OCRResult        `json:"ocr,omitempty"`
	Vision            *VisionExtraction `json:"vision,omitempty"`
	Candidates        []FieldCandidate  `json:"candidates"`
	OverallConfidence float64           `json:"overallConfidence"`
	RequiresReview    bool              `json:"requiresReview"`
	Flags             []string          `json:"flags,omitempty"`
	ProcessingTimeMs  int64             `json:"processingTimeMs"`
	CreatedAt         time.Time         `json:"createdAt"`
}

// Best returns the highest-confidence field candidate, or nil if the
// extraction carries no readable facts.
func (e *PaymentExtraction) Best() *FieldCandidate {
	var best *FieldCandidate
	for i := range e.Candidates {
		if best == nil || e.Candidates[i].Confidence > best.Confidence {
			best = &e.Candidates[i]
		}
	}
	return best
}

// HasFlag reports whether the extraction carries the given flag.
func (e *PaymentExtraction) HasFlag(flag string) bool {
	for _, f := range e.Flags {
		if f == flag {
			return true
		}
	}
	return false
}
