// Package decision resolves a fused extraction and its match result into
// one of four terminal outcomes. The transition table is configuration,
// not code: threshold tuning is an expected operational activity.
package decision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// contradictionRejectFloor is the recognition confidence above which a
// port contradiction means the system is confident the proof is wrong,
// not merely unsure.
const contradictionRejectFloor = 0.80

// Engine maps (confidence, match, flags, guard hits) to an outcome.
type Engine struct {
	cfg    domain.DecisionConfig
	orders domain.OrderStore
	logger *slog.Logger
}

// New creates a decision engine over the given threshold table.
func New(cfg domain.DecisionConfig, orders domain.OrderStore, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.Bands) == 0 {
		cfg.Bands = domain.DefaultDecisionBands()
	}
	return &Engine{cfg: cfg, orders: orders, logger: logger}
}

// Decide resolves the extraction to an automated decision. It is a pure
// function of its inputs: claiming the matched candidate and persisting
// happen in Apply, so a decision can be recomputed and audited.
func (e *Engine) Decide(ext *domain.PaymentExtraction, match *domain.PaymentMatch, hits []domain.GuardHit) *domain.Decision {
	outcome, reasons := e.resolve(ext, match)

	// Guard hits only ever lower an outcome.
	for _, hit := range hits {
		switch hit.Action {
		case domain.GuardActionReject:
			outcome = domain.OutcomeRejected
		case domain.GuardActionReview:
			outcome = capAtReview(outcome)
		}
		reasons = append(reasons, domain.ReasonGuardRule)
		if hit.Reason != "" {
			reasons = append(reasons, hit.Reason)
		}
	}

	dec := &domain.Decision{
		ID:           uuid.New().String(),
		ExtractionID: ext.ID,
		JobID:        ext.JobID,
		Outcome:      outcome,
		Confidence:   ext.OverallConfidence,
		ReasonCodes:  dedup(reasons),
		Origin:       domain.OriginAutomated,
		DecidedAt:    time.Now().UTC(),
	}
	if match != nil && match.BestMatch != nil {
		dec.MatchedCandidateID = match.BestMatch.CandidateID
	}

	e.logger.Info("decision resolved",
		"extraction_id", ext.ID,
		"outcome", dec.Outcome,
		"confidence", dec.Confidence,
		"matched_candidate", dec.MatchedCandidateID,
		"reasons", dec.ReasonCodes)
	return dec
}

func (e *Engine) resolve(ext *domain.PaymentExtraction, match *domain.PaymentMatch) (domain.Outcome, []string) {
	// A blank proof is a valid, auditable outcome, not a rejection: the
	// submitter may simply have uploaded the wrong file.
	if ext.HasFlag(domain.FlagNoData) {
		return domain.OutcomeManualReview, []string{domain.ReasonNoDataExtracted}
	}

	// Confident contradiction: the readable text disputes the parsed
	// amount. The system is confident the proof is wrong.
	if ext.HasFlag(domain.FlagOCRContradiction) &&
		ext.OCR != nil && ext.OCR.Confidence >= contradictionRejectFloor {
		return domain.OutcomeRejected, []string{domain.ReasonAmountMismatch, domain.ReasonOCRContradiction}
	}

	matched := match != nil && match.BestMatch != nil
	// Approving bands demand an exact amount: a best match that scored
	// despite an amount mismatch routes to a reviewer, never to money.
	creditable := matched && match.BestMatch.AmountExact
	eligible := creditable && match.BestMatch.AutoApproveEligible

	outcome := domain.OutcomeManualReview
	reasons := []string{domain.ReasonNoConfidentMatch}
	demoted := false
	banded := false
	for _, band := range e.cfg.Bands {
		if ext.OverallConfidence < band.Lower {
			continue
		}
		// Once a band's requirements have failed, lower bands are
		// evaluated regardless of their upper bound so a higher
		// confidence can never resolve worse than a lower one.
		if !banded && band.Upper != nil && ext.OverallConfidence >= *band.Upper {
			continue
		}
		banded = true
		if (band.RequireMatch && !creditable) || (band.RequireEligible && !eligible) {
			demoted = true
			continue
		}
		outcome, reasons = band.Outcome, []string{band.Reason}
		if demoted {
			reasons = append(reasons, domain.ReasonNoConfidentMatch)
		}
		break
	}

	if match != nil {
		if match.TieDetected {
			outcome = capAtReview(outcome)
			reasons = append(reasons, domain.ReasonScoreTie)
		} else if match.ReviewRequired {
			outcome = capAtReview(outcome)
			reasons = append(reasons, domain.ReasonNoConfidentMatch)
		}
	}

	// Extraction-level flags cap the outcome at review.
	if ext.RequiresReview {
		outcome = capAtReview(outcome)
	}
	if ext.HasFlag(domain.FlagSinglePort) || ext.HasFlag(domain.FlagLowLegibility) {
		reasons = append(reasons, domain.ReasonPortDegraded)
	}
	if ext.HasFlag(domain.FlagOCRContradiction) {
		reasons = append(reasons, domain.ReasonOCRContradiction)
	}

	return outcome, reasons
}

// Apply claims the matched candidate for an approving decision through
// the order store's conditional update. Losing the claim race downgrades
// the decision to manual review rather than discarding it.
func (e *Engine) Apply(ctx context.Context, dec *domain.Decision) (*domain.Decision, error) {
	if !dec.Approved() || dec.MatchedCandidateID == "" {
		return dec, nil
	}

	err := e.orders.ClaimCandidate(ctx, dec.MatchedCandidateID, dec.ExtractionID)
	if err == nil {
		return dec, nil
	}
	if !errors.Is(err, domain.ErrClaimConflict) {
		return nil, fmt.Errorf("claim candidate %s: %w", dec.MatchedCandidateID, err)
	}

	e.logger.Warn("lost claim race, downgrading to review",
		"extraction_id", dec.ExtractionID,
		"candidate_id", dec.MatchedCandidateID)

	downgraded := *dec
	downgraded.Outcome = domain.OutcomeManualReview
	downgraded.ReasonCodes = dedup(append(append([]string{}, dec.ReasonCodes...), domain.ReasonClaimConflict))
	return &downgraded, nil
}

// Review converts a human verdict into a new decision linked to the same
// extraction. The automated decision is never edited.
func (e *Engine) Review(ctx context.Context, ext *domain.PaymentExtraction, req *domain.ReviewRequest) (*domain.Decision, error) {
	if !req.Action.Valid() {
		return nil, fmt.Errorf("%w: unknown review action %q", domain.ErrInvalidReview, req.Action)
	}
	if req.ReviewedBy == "" {
		return nil, fmt.Errorf("%w: reviewedBy is required", domain.ErrInvalidReview)
	}

	dec := &domain.Decision{
		ID:           uuid.New().String(),
		ExtractionID: ext.ID,
		JobID:        ext.JobID,
		Confidence:   ext.OverallConfidence,
		Origin:       domain.OriginReviewer,
		ReviewedBy:   req.ReviewedBy,
		Notes:        req.Notes,
		DecidedAt:    time.Now().UTC(),
	}

	switch req.Action {
	case domain.ReviewApprove:
		dec.Outcome = domain.OutcomeAutoApproved
		dec.ReasonCodes = []string{domain.ReasonReviewerApproved}
		dec.MatchedCandidateID = req.ApprovedCandidateID
	case domain.ReviewReject:
		dec.Outcome = domain.OutcomeRejected
		dec.ReasonCodes = []string{domain.ReasonReviewerRejected}
	case domain.ReviewModify:
		// Approved under corrected fields; flagged for light audit like
		// any conditional approval.
		dec.Outcome = domain.OutcomeConditionalApproved
		dec.ReasonCodes = []string{domain.ReasonReviewerModified}
		dec.MatchedCandidateID = req.ApprovedCandidateID
	}

	if dec.Approved() && dec.MatchedCandidateID != "" {
		return e.Apply(ctx, dec)
	}
	return dec, nil
}

func capAtReview(o domain.Outcome) domain.Outcome {
	if o.Rank() > domain.OutcomeManualReview.Rank() {
		return domain.OutcomeManualReview
	}
	return o
}

func dedup(reasons []string) []string {
	seen := make(map[string]struct{}, len(reasons))
	out := reasons[:0]
	for _, r := range reasons {
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}
