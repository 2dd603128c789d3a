package decision

import (
	"context"
	"errors"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/orders"
)

func newEngine(store domain.OrderStore) *Engine {
	return New(domain.DecisionConfig{Bands: domain.DefaultDecisionBands()}, store, nil)
}

func extraction(confidence float64, flags ...string) *domain.PaymentExtraction {
	ext := &domain.PaymentExtraction{
		ID:                "ext-1",
		JobID:             "job-1",
		OverallConfidence: confidence,
		Flags:             flags,
	}
	for _, f := range flags {
		switch f {
		case domain.FlagNoData, domain.FlagSinglePort, domain.FlagOCRContradiction, domain.FlagTimestampImplausible:
			ext.RequiresReview = true
		}
	}
	return ext
}

func matchWith(score float64, eligible bool) *domain.PaymentMatch {
	best := domain.ScoredCandidate{
		CandidateID:         "ord-1",
		Score:               score,
		AmountExact:         true,
		AutoApproveEligible: eligible,
	}
	return &domain.PaymentMatch{
		ExtractionID:     "ext-1",
		BestMatch:        &best,
		ScoredCandidates: []domain.ScoredCandidate{best},
	}
}

// mismatchMatch is a best match that cleared the floor on reference and
// method signals while the amount itself disagreed.
func mismatchMatch(score float64) *domain.PaymentMatch {
	best := domain.ScoredCandidate{
		CandidateID: "ord-1",
		Score:       score,
		Reasons:     []string{"amount mismatch", "reference exact", "method identified"},
	}
	return &domain.PaymentMatch{
		ExtractionID:     "ext-1",
		BestMatch:        &best,
		ScoredCandidates: []domain.ScoredCandidate{best},
	}
}

func hasReason(dec *domain.Decision, reason string) bool {
	for _, r := range dec.ReasonCodes {
		if r == reason {
			return true
		}
	}
	return false
}

func TestDecideBands(t *testing.T) {
	engine := newEngine(orders.NewMemoryStore())

	tests := []struct {
		name    string
		conf    float64
		match   *domain.PaymentMatch
		outcome domain.Outcome
		reason  string
	}{
		{"HighConfidenceEligibleAutoApproves", 0.97, matchWith(0.95, true), domain.OutcomeAutoApproved, domain.ReasonHighConfidenceMatch},
		{"HighConfidenceIneligibleFallsToConditional", 0.97, matchWith(0.75, false), domain.OutcomeConditionalApproved, domain.ReasonConditionalBand},
		{"HighConfidenceAmountMismatchReviews", 0.97, mismatchMatch(0.75), domain.OutcomeManualReview, domain.ReasonNoConfidentMatch},
		{"MiddleBandConditional", 0.88, matchWith(0.90, true), domain.OutcomeConditionalApproved, domain.ReasonConditionalBand},
		{"MiddleBandAmountMismatchReviews", 0.88, mismatchMatch(0.62), domain.OutcomeManualReview, domain.ReasonNoConfidentMatch},
		{"LowBandReviews", 0.55, matchWith(0.90, true), domain.OutcomeManualReview, domain.ReasonLowConfidence},
		{"BelowFloorRejects", 0.15, matchWith(0.90, true), domain.OutcomeRejected, domain.ReasonConfidenceFloor},
		{"HighConfidenceUnmatchedReviews", 0.97, &domain.PaymentMatch{ReviewRequired: true}, domain.OutcomeManualReview, domain.ReasonNoConfidentMatch},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			dec := engine.Decide(extraction(tc.conf), tc.match, nil)
			if dec.Outcome != tc.outcome {
				t.Errorf("outcome = %s, want %s (reasons %v)", dec.Outcome, tc.outcome, dec.ReasonCodes)
			}
			if !hasReason(dec, tc.reason) {
				t.Errorf("missing reason %s in %v", tc.reason, dec.ReasonCodes)
			}
			if dec.Origin != domain.OriginAutomated {
				t.Errorf("origin = %s", dec.Origin)
			}
		})
	}
}

func TestDecideBlankImage(t *testing.T) {
	engine := newEngine(orders.NewMemoryStore())

	// Confidence 0 would land in the reject band, but a blank proof is
	// a review case, not a rejection.
	dec := engine.Decide(extraction(0, domain.FlagNoData), nil, nil)
	if dec.Outcome != domain.OutcomeManualReview {
		t.Errorf("blank image outcome = %s, want manual_review", dec.Outcome)
	}
	if !hasReason(dec, domain.ReasonNoDataExtracted) {
		t.Errorf("reasons = %v, want no_data_extracted", dec.ReasonCodes)
	}
}

func TestDecideDegradedNeverAutoApproves(t *testing.T) {
	engine := newEngine(orders.NewMemoryStore())

	ext := extraction(0.97, domain.FlagSinglePort)
	dec := engine.Decide(ext, matchWith(0.95, true), nil)
	if dec.Outcome == domain.OutcomeAutoApproved || dec.Outcome == domain.OutcomeConditionalApproved {
		t.Errorf("degraded extraction approved: %s", dec.Outcome)
	}
	if !hasReason(dec, domain.ReasonPortDegraded) {
		t.Errorf("reasons = %v, want port_degraded", dec.ReasonCodes)
	}
}

func TestDecideConfidentContradictionRejects(t *testing.T) {
	engine := newEngine(orders.NewMemoryStore())

	ext := extraction(0.50, domain.FlagOCRContradiction)
	ext.OCR = &domain.OCRResult{Text: "PHP 800.00", Confidence: 0.95}

	dec := engine.Decide(ext, matchWith(0.70, false), nil)
	if dec.Outcome != domain.OutcomeRejected {
		t.Errorf("confident contradiction outcome = %s, want rejected", dec.Outcome)
	}
	if !hasReason(dec, domain.ReasonAmountMismatch) {
		t.Errorf("reasons = %v, want amount_mismatch", dec.ReasonCodes)
	}

	t.Run("LowRecognitionConfidenceOnlyReviews", func(t *testing.T) {
		ext := extraction(0.50, domain.FlagOCRContradiction)
		ext.OCR = &domain.OCRResult{Text: "blurry", Confidence: 0.40}
		dec := engine.Decide(ext, matchWith(0.70, false), nil)
		if dec.Outcome != domain.OutcomeManualReview {
			t.Errorf("unsure contradiction outcome = %s, want manual_review", dec.Outcome)
		}
	})
}

func TestDecideTie(t *testing.T) {
	engine := newEngine(orders.NewMemoryStore())

	match := &domain.PaymentMatch{TieDetected: true, ReviewRequired: true}
	dec := engine.Decide(extraction(0.92), match, nil)
	if dec.Outcome != domain.OutcomeManualReview {
		t.Errorf("tie outcome = %s, want manual_review", dec.Outcome)
	}
	if !hasReason(dec, domain.ReasonScoreTie) {
		t.Errorf("reasons = %v, want score_tie", dec.ReasonCodes)
	}
}

func TestDecideGuardHits(t *testing.T) {
	engine := newEngine(orders.NewMemoryStore())

	t.Run("ReviewHitCapsApproval", func(t *testing.T) {
		hits := []domain.GuardHit{{RuleID: "gr-1", Action: domain.GuardActionReview, Reason: "high_value"}}
		dec := engine.Decide(extraction(0.97), matchWith(0.95, true), hits)
		if dec.Outcome != domain.OutcomeManualReview {
			t.Errorf("outcome = %s, want manual_review", dec.Outcome)
		}
		if !hasReason(dec, domain.ReasonGuardRule) || !hasReason(dec, "high_value") {
			t.Errorf("reasons = %v", dec.ReasonCodes)
		}
	})

	t.Run("RejectHitForcesRejection", func(t *testing.T) {
		hits := []domain.GuardHit{{RuleID: "gr-2", Action: domain.GuardActionReject, Reason: "contradicted_amount"}}
		dec := engine.Decide(extraction(0.97), matchWith(0.95, true), hits)
		if dec.Outcome != domain.OutcomeRejected {
			t.Errorf("outcome = %s, want rejected", dec.Outcome)
		}
	})

	t.Run("ReviewHitDoesNotRaiseRejection", func(t *testing.T) {
		hits := []domain.GuardHit{{RuleID: "gr-1", Action: domain.GuardActionReview, Reason: "high_value"}}
		dec := engine.Decide(extraction(0.10), matchWith(0.95, true), hits)
		if dec.Outcome != domain.OutcomeRejected {
			t.Errorf("guard review must not raise a rejection, got %s", dec.Outcome)
		}
	})
}

func TestDecideMonotonicOutcomes(t *testing.T) {
	engine := newEngine(orders.NewMemoryStore())
	confidences := []float64{0.05, 0.20, 0.35, 0.60, 0.84, 0.86, 0.94, 0.96, 0.99}

	matches := map[string]*domain.PaymentMatch{
		"EligibleMatch":   matchWith(0.95, true),
		"IneligibleMatch": matchWith(0.75, false),
		"MismatchedMatch": mismatchMatch(0.62),
		"NoMatch":         nil,
	}

	for name, match := range matches {
		t.Run(name, func(t *testing.T) {
			prevRank := -1
			for _, conf := range confidences {
				dec := engine.Decide(extraction(conf), match, nil)
				rank := dec.Outcome.Rank()
				if rank < prevRank {
					t.Errorf("confidence %.2f resolved worse (%s) than a lower confidence", conf, dec.Outcome)
				}
				prevRank = rank
			}
		})
	}
}

func TestDecideAmountMismatchNeverApproves(t *testing.T) {
	engine := newEngine(orders.NewMemoryStore())

	// The conditional band is the dangerous one: its requirements are
	// weaker than auto approval, and a mismatched candidate can clear
	// the match floor on the remaining signals.
	for _, conf := range []float64{0.86, 0.90, 0.94, 0.97} {
		dec := engine.Decide(extraction(conf), mismatchMatch(0.62), nil)
		if dec.Approved() {
			t.Errorf("confidence %.2f approved a mismatched amount: %s (reasons %v)",
				conf, dec.Outcome, dec.ReasonCodes)
		}
	}
}

func TestApplyClaim(t *testing.T) {
	store := orders.NewMemoryStore()
	store.Upsert(&domain.MatchCandidate{ID: "ord-1", ExpectedAmount: 1200, Currency: "PHP"})
	engine := newEngine(store)

	approved := func(extID string) *domain.Decision {
		return &domain.Decision{
			ID:                 "dec-" + extID,
			ExtractionID:       extID,
			Outcome:            domain.OutcomeAutoApproved,
			MatchedCandidateID: "ord-1",
			ReasonCodes:        []string{domain.ReasonHighConfidenceMatch},
		}
	}

	t.Run("WinnerKeepsOutcome", func(t *testing.T) {
		dec, err := engine.Apply(context.Background(), approved("ext-a"))
		if err != nil {
			t.Fatalf("Apply failed: %v", err)
		}
		if dec.Outcome != domain.OutcomeAutoApproved {
			t.Errorf("outcome = %s", dec.Outcome)
		}
	})

	t.Run("LoserDowngradedToReview", func(t *testing.T) {
		dec, err := engine.Apply(context.Background(), approved("ext-b"))
		if err != nil {
			t.Fatalf("losing a claim race is not an error: %v", err)
		}
		if dec.Outcome != domain.OutcomeManualReview {
			t.Errorf("outcome = %s, want manual_review", dec.Outcome)
		}
		if !hasReason(dec, domain.ReasonClaimConflict) {
			t.Errorf("reasons = %v, want claim_conflict", dec.ReasonCodes)
		}
	})

	t.Run("ReviewDecisionDoesNotClaim", func(t *testing.T) {
		dec := &domain.Decision{ID: "dec-r", ExtractionID: "ext-c", Outcome: domain.OutcomeManualReview}
		got, err := engine.Apply(context.Background(), dec)
		if err != nil || got.Outcome != domain.OutcomeManualReview {
			t.Errorf("Apply changed a review decision: %v %v", got, err)
		}
	})
}

func TestReview(t *testing.T) {
	store := orders.NewMemoryStore()
	store.Upsert(&domain.MatchCandidate{ID: "ord-1", ExpectedAmount: 1200, Currency: "PHP"})
	engine := newEngine(store)
	ext := extraction(0.55)

	t.Run("RejectCreatesNewDecision", func(t *testing.T) {
		dec, err := engine.Review(context.Background(), ext, &domain.ReviewRequest{
			ExtractionID: ext.ID,
			Action:       domain.ReviewReject,
			ReviewedBy:   "ops@example.com",
			Notes:        "amount does not match any order",
		})
		if err != nil {
			t.Fatalf("Review failed: %v", err)
		}
		if dec.Outcome != domain.OutcomeRejected || dec.Origin != domain.OriginReviewer {
			t.Errorf("got %s/%s", dec.Outcome, dec.Origin)
		}
		if dec.ReviewedBy != "ops@example.com" {
			t.Errorf("reviewedBy = %s", dec.ReviewedBy)
		}
	})

	t.Run("ApproveClaimsCandidate", func(t *testing.T) {
		dec, err := engine.Review(context.Background(), ext, &domain.ReviewRequest{
			ExtractionID:        ext.ID,
			Action:              domain.ReviewApprove,
			ApprovedCandidateID: "ord-1",
			ReviewedBy:          "ops@example.com",
		})
		if err != nil {
			t.Fatalf("Review failed: %v", err)
		}
		if dec.Outcome != domain.OutcomeAutoApproved {
			t.Errorf("outcome = %s", dec.Outcome)
		}
		if err := store.ClaimCandidate(context.Background(), "ord-1", "ext-other"); !errors.Is(err, domain.ErrClaimConflict) {
			t.Errorf("candidate not claimed, err = %v", err)
		}
	})

	t.Run("InvalidActionRejected", func(t *testing.T) {
		_, err := engine.Review(context.Background(), ext, &domain.ReviewRequest{
			Action:     "escalate",
			ReviewedBy: "ops@example.com",
		})
		if !errors.Is(err, domain.ErrInvalidReview) {
			t.Errorf("err = %v, want ErrInvalidReview", err)
		}
	})

	t.Run("MissingReviewerRejected", func(t *testing.T) {
		_, err := engine.Review(context.Background(), ext, &domain.ReviewRequest{Action: domain.ReviewReject})
		if !errors.Is(err, domain.ErrInvalidReview) {
			t.Errorf("err = %v, want ErrInvalidReview", err)
		}
	})
}
