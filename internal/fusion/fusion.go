// Package fusion combines the recognition and structured-extraction
// outcomes for one job into a single PaymentExtraction with an overall
// confidence. A port failing degrades the result; fusion itself never
// fails, and a zero-confidence extraction is still a valid, auditable
// record.
package fusion

import (
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Engine fuses port outcomes under the configured signal weights.
type Engine struct {
	cfg    domain.FusionConfig
	logger *slog.Logger
}

// New creates a fusion engine.
func New(cfg domain.FusionConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{cfg: cfg, logger: logger}
}

// Fuse combines the two tagged port outcomes into one extraction.
//
// Both ports available: vision's typed fields win and OCR text
// corroborates them. One port: its reading alone, capped below the
// auto-approve band. Neither: confidence zero, flagged for review.
func (e *Engine) Fuse(job *domain.ProcessingJob, rec domain.RecognitionOutcome, ext domain.ExtractionOutcome) *domain.PaymentExtraction {
	result := &domain.PaymentExtraction{
		ID:             uuid.New().String(),
		JobID:          job.ID,
		Fingerprint:    job.Fingerprint,
		SourcePlatform: job.SourcePlatform,
		SubmittedBy:    job.SubmittedBy,
		OCR:            rec.OCR,
		Vision:         ext.Vision,
		CreatedAt:      time.Now().UTC(),
	}

	hasOCR := rec.OCR != nil
	hasVision := ext.Vision != nil

	switch {
	case !hasOCR && !hasVision:
		result.OverallConfidence = 0
		result.RequiresReview = true
		result.Flags = append(result.Flags, domain.FlagNoData)
		e.logger.Warn("both ports failed, zero-confidence extraction",
			"job_id", job.ID, "recognition", rec.Reason, "extraction", ext.Reason)
		return result

	case hasVision && hasOCR:
		e.fuseCombined(result, rec.OCR, ext.Vision)

	case hasVision:
		e.fuseVisionOnly(result, ext.Vision)

	default:
		e.fuseOCROnly(result, rec.OCR)
	}

	// A degraded port still corroborates, but its flakiness is worth
	// keeping visible on the record.
	if rec.Status == domain.PortDegraded || ext.Status == domain.PortDegraded {
		result.Flags = append(result.Flags, domain.FlagLowLegibility)
	}

	result.OverallConfidence = clamp01(result.OverallConfidence)
	if result.OverallConfidence == 0 && !result.HasFlag(domain.FlagNoData) {
		result.RequiresReview = true
	}

	e.logger.Info("extraction fused",
		"job_id", job.ID,
		"extraction_id", result.ID,
		"confidence", result.OverallConfidence,
		"flags", result.Flags,
		"requires_review", result.RequiresReview)

	return result
}

// fuseCombined merges both port outputs: vision fields, OCR evidence.
func (e *Engine) fuseCombined(result *domain.PaymentExtraction, ocr *domain.OCRResult, vision *domain.VisionExtraction) {
	fields := vision.Fields
	confidence := e.consistencyScore(result, fields, ocr.Confidence) * vision.Confidence

	corroborated, contradicted := e.corroborate(ocr.Text, fields)
	switch {
	case contradicted:
		confidence -= e.cfg.ContradictionPenalty
		result.Flags = append(result.Flags, domain.FlagOCRContradiction)
		result.RequiresReview = true

		// Keep the raw OCR reading alongside the vision one so a
		// reviewer sees both interpretations.
		if ocrFields, ok := parseOCRFields(ocr.Text); ok {
			result.Candidates = append(result.Candidates, fieldCandidate(ocrFields, ocr.Confidence*0.5, domain.ProvenanceOCR))
		}
	case corroborated:
		confidence += e.cfg.CorroborationBoost
	}

	result.Candidates = append([]domain.FieldCandidate{
		fieldCandidate(fields, clamp01(confidence), domain.ProvenanceCombined),
	}, result.Candidates...)
	result.OverallConfidence = confidence
}

// fuseVisionOnly uses the vision reading alone, capped below the
// auto-approve band because nothing corroborates it.
func (e *Engine) fuseVisionOnly(result *domain.PaymentExtraction, vision *domain.VisionExtraction) {
	confidence := e.consistencyScore(result, vision.Fields, vision.Confidence) * vision.Confidence
	confidence = math.Min(confidence, e.cfg.SinglePortCeiling)

	result.Flags = append(result.Flags, domain.FlagSinglePort)
	result.RequiresReview = true
	result.Candidates = append(result.Candidates, fieldCandidate(vision.Fields, confidence, domain.ProvenanceVision))
	result.OverallConfidence = confidence
}

// fuseOCROnly parses the raw text heuristically, with the same cap.
func (e *Engine) fuseOCROnly(result *domain.PaymentExtraction, ocr *domain.OCRResult) {
	result.Flags = append(result.Flags, domain.FlagSinglePort)
	result.RequiresReview = true

	fields, ok := parseOCRFields(ocr.Text)
	if !ok {
		result.Flags = append(result.Flags, domain.FlagNoData)
		result.OverallConfidence = 0
		return
	}

	confidence := e.consistencyScore(result, fields, ocr.Confidence) * ocr.Confidence
	confidence = math.Min(confidence, e.cfg.SinglePortCeiling)

	result.Candidates = append(result.Candidates, fieldCandidate(fields, confidence, domain.ProvenanceOCR))
	result.OverallConfidence = confidence
}

// consistencyScore weighs the extraction's internal consistency: amount
// precision, reference validity, method identifiability, timestamp
// plausibility, and legibility. It also records the plausibility flags
// it discovers.
func (e *Engine) consistencyScore(result *domain.PaymentExtraction, fields domain.ExtractionFields, legibility float64) float64 {
	amountScore := 0.0
	if fields.Amount != nil && *fields.Amount > 0 {
		amountScore = 1.0
		if fields.Currency == "" {
			amountScore = 0.7
		}
	}

	referenceScore := 0.0
	switch {
	case isPlausibleReference(fields.Reference):
		referenceScore = 1.0
	case fields.Reference != "":
		referenceScore = 0.4
	}

	methodScore := 0.0
	switch {
	case isKnownMethod(fields.Method):
		methodScore = 1.0
	case fields.Method != "":
		methodScore = 0.6
	}

	timestampScore := 0.5 // absent is neutral, not damning
	if fields.Timestamp != nil {
		now := time.Now().UTC()
		tooOld := e.cfg.MaxTimestampAge > 0 && fields.Timestamp.Before(now.Add(-e.cfg.MaxTimestampAge))
		tooNew := e.cfg.MaxTimestampAhead > 0 && fields.Timestamp.After(now.Add(e.cfg.MaxTimestampAhead))
		if tooOld || tooNew {
			timestampScore = 0
			result.Flags = append(result.Flags, domain.FlagTimestampImplausible)
			result.RequiresReview = true
		} else {
			timestampScore = 1.0
		}
	}

	if legibility < 0.5 {
		result.Flags = append(result.Flags, domain.FlagLowLegibility)
	}

	return e.cfg.AmountWeight*amountScore +
		e.cfg.ReferenceWeight*referenceScore +
		e.cfg.MethodWeight*methodScore +
		e.cfg.TimestampWeight*timestampScore +
		e.cfg.LegibilityWeight*legibility
}

// corroborate checks the OCR text for the vision reading's amount and
// reference. Finding them boosts trust; finding a clearly different
// amount is a contradiction.
func (e *Engine) corroborate(ocrText string, fields domain.ExtractionFields) (corroborated, contradicted bool) {
	normalized := normalizeText(ocrText)

	refSeen := false
	if fields.Reference != "" {
		refSeen = strings.Contains(normalized, normalizeText(fields.Reference))
	}

	amountSeen := false
	amountContradicted := false
	if fields.Amount != nil {
		ocrAmounts := findAmounts(ocrText)
		for _, a := range ocrAmounts {
			if math.Abs(a-*fields.Amount) < 0.005 {
				amountSeen = true
				break
			}
		}
		if !amountSeen && len(ocrAmounts) > 0 {
			amountContradicted = true
		}
	}

	if amountContradicted {
		return false, true
	}
	return amountSeen || refSeen, false
}

func fieldCandidate(fields domain.ExtractionFields, confidence float64, prov domain.Provenance) domain.FieldCandidate {
	return domain.FieldCandidate{
		Amount:     fields.Amount,
		Currency:   fields.Currency,
		Method:     fields.Method,
		Sender:     fields.Sender,
		Recipient:  fields.Recipient,
		Reference:  fields.Reference,
		Timestamp:  fields.Timestamp,
		Confidence: clamp01(confidence),
		Provenance: prov,
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
