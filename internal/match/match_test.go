package match

import (
	"context"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/orders"
)

func testMatcher(store domain.OrderStore) *Matcher {
	return New(domain.MatchConfig{
		AmountWeight:     0.30,
		ReferenceWeight:  0.25,
		MethodWeight:     0.20,
		TimestampWeight:  0.15,
		LegibilityWeight: 0.10,
		AmountTolerance:  0.005,
		MinMatchFloor:    0.60,
		EligibleFloor:    0.80,
		TieEpsilon:       1e-9,
		CandidateWindow:  72 * time.Hour,
	}, store, nil)
}

func extraction(amount float64, currency, reference string, ocrConfidence float64) *domain.PaymentExtraction {
	ts := time.Now().UTC().Add(-time.Hour)
	return &domain.PaymentExtraction{
		ID:  "ext-1",
		OCR: &domain.OCRResult{Text: "receipt", Confidence: ocrConfidence},
		Candidates: []domain.FieldCandidate{
			{
				Amount:     &amount,
				Currency:   currency,
				Method:     "gcash",
				Reference:  reference,
				Timestamp:  &ts,
				Confidence: 0.9,
				Provenance: domain.ProvenanceCombined,
			},
		},
		OverallConfidence: 0.9,
	}
}

func seedStore(t *testing.T, candidates ...*domain.MatchCandidate) *orders.MemoryStore {
	t.Helper()
	store := orders.NewMemoryStore()
	for _, c := range candidates {
		if c.CreatedAt.IsZero() {
			c.CreatedAt = time.Now().UTC().Add(-2 * time.Hour)
		}
		store.Upsert(c)
	}
	return store
}

func TestMatchExactCandidate(t *testing.T) {
	store := seedStore(t,
		&domain.MatchCandidate{ID: "ord-1", ExpectedReference: "REF-100", ExpectedAmount: 1200.00, Currency: "PHP"},
		&domain.MatchCandidate{ID: "ord-2", ExpectedReference: "REF-200", ExpectedAmount: 560.00, Currency: "PHP"},
	)

	result, err := testMatcher(store).Match(context.Background(), extraction(1200.00, "PHP", "REF-100", 0.95), nil)
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}

	if result.BestMatch == nil {
		t.Fatal("expected a best match")
	}
	if result.BestMatch.CandidateID != "ord-1" {
		t.Errorf("expected ord-1, got %s", result.BestMatch.CandidateID)
	}
	if !result.BestMatch.AutoApproveEligible {
		t.Error("exact amount and reference should be auto-approve eligible")
	}
	if len(result.ScoredCandidates) != 2 {
		t.Errorf("all candidates must be kept for audit, got %d", len(result.ScoredCandidates))
	}
	if result.ReviewRequired {
		t.Error("clean match should not require review")
	}
}

func TestMatchHintNarrowsCandidates(t *testing.T) {
	store := seedStore(t,
		&domain.MatchCandidate{ID: "ord-1", ExpectedReference: "REF-100", ExpectedAmount: 1200.00, Currency: "PHP"},
		&domain.MatchCandidate{ID: "ord-2", ExpectedReference: "REF-200", ExpectedAmount: 560.00, Currency: "PHP"},
	)

	hint := &domain.SubmissionContext{ReferenceCode: "REF-100", ExpectedAmount: 1200.00}
	result, err := testMatcher(store).Match(context.Background(), extraction(1200.00, "PHP", "REF-100", 0.95), hint)
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}

	if len(result.ScoredCandidates) != 1 {
		t.Fatalf("hint should narrow the candidate set to 1, got %d", len(result.ScoredCandidates))
	}
	if result.BestMatch == nil || result.BestMatch.CandidateID != "ord-1" {
		t.Errorf("expected ord-1 as best match, got %+v", result.BestMatch)
	}
}

func TestMatchAmountMismatchNeverEligible(t *testing.T) {
	store := seedStore(t,
		&domain.MatchCandidate{ID: "ord-1", ExpectedReference: "REF-100", ExpectedAmount: 1200.00, Currency: "PHP"},
	)

	// Reference and method agree but the amount is off by 50 pesos.
	result, err := testMatcher(store).Match(context.Background(), extraction(1150.00, "PHP", "REF-100", 0.95), nil)
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}

	for _, sc := range result.ScoredCandidates {
		if sc.AutoApproveEligible {
			t.Errorf("candidate %s eligible despite amount mismatch", sc.CandidateID)
		}
	}
}

func TestMatchAmountTolerance(t *testing.T) {
	store := seedStore(t,
		&domain.MatchCandidate{ID: "ord-1", ExpectedReference: "REF-100", ExpectedAmount: 1200.00, Currency: "PHP"},
	)

	t.Run("SubUnitRoundingPasses", func(t *testing.T) {
		result, err := testMatcher(store).Match(context.Background(), extraction(1200.004, "PHP", "REF-100", 0.95), nil)
		if err != nil {
			t.Fatalf("Match failed: %v", err)
		}
		if result.BestMatch == nil || !result.BestMatch.AutoApproveEligible {
			t.Error("amount within tolerance should match exactly")
		}
	})

	t.Run("OneCentavoFails", func(t *testing.T) {
		result, err := testMatcher(store).Match(context.Background(), extraction(1200.01, "PHP", "REF-100", 0.95), nil)
		if err != nil {
			t.Fatalf("Match failed: %v", err)
		}
		if result.BestMatch != nil && result.BestMatch.AutoApproveEligible {
			t.Error("amount outside tolerance must not be eligible")
		}
	})
}

func TestMatchFuzzyReferencePenalty(t *testing.T) {
	store := seedStore(t,
		&domain.MatchCandidate{ID: "ord-1", ExpectedReference: "REF-100-XYZ", ExpectedAmount: 1200.00, Currency: "PHP"},
	)

	// OCR dropped the suffix: partial reference.
	result, err := testMatcher(store).Match(context.Background(), extraction(1200.00, "PHP", "REF-100", 0.95), nil)
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}

	if result.BestMatch != nil && result.BestMatch.AutoApproveEligible {
		t.Error("fuzzy reference must never be auto-approve eligible")
	}

	// Compare against the exact-reference score.
	exact, _ := testMatcher(store).Match(context.Background(), extraction(1200.00, "PHP", "REF-100-XYZ", 0.95), nil)
	if exact.BestMatch == nil {
		t.Fatal("exact reference should match")
	}
	if result.ScoredCandidates[0].Score >= exact.BestMatch.Score {
		t.Error("partial reference must score sharply below exact")
	}
}

func TestMatchTieRoutesToReview(t *testing.T) {
	// Two identical pending orders: same amount, no references.
	store := seedStore(t,
		&domain.MatchCandidate{ID: "ord-1", ExpectedAmount: 750.00, Currency: "PHP"},
		&domain.MatchCandidate{ID: "ord-2", ExpectedAmount: 750.00, Currency: "PHP"},
	)

	result, err := testMatcher(store).Match(context.Background(), extraction(750.00, "PHP", "", 0.95), nil)
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}

	if !result.TieDetected {
		t.Error("expected tie detection")
	}
	if !result.ReviewRequired {
		t.Error("tie must route to review")
	}
	if result.BestMatch != nil {
		t.Error("a tie must not produce a best match")
	}
}

func TestMatchNoCandidates(t *testing.T) {
	store := orders.NewMemoryStore()

	result, err := testMatcher(store).Match(context.Background(), extraction(100.00, "PHP", "REF-1", 0.9), nil)
	if err != nil {
		t.Fatalf("empty candidate set is not an error, got %v", err)
	}
	if result.BestMatch != nil {
		t.Error("expected unmatched result")
	}
	if !result.ReviewRequired {
		t.Error("unmatched extraction must route to review")
	}
}

func TestMatchBelowFloorUnmatched(t *testing.T) {
	store := seedStore(t,
		&domain.MatchCandidate{ID: "ord-1", ExpectedReference: "OTHER-REF", ExpectedAmount: 9999.00, Currency: "PHP"},
	)

	result, err := testMatcher(store).Match(context.Background(), extraction(100.00, "PHP", "REF-1", 0.5), nil)
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}

	if result.BestMatch != nil {
		t.Errorf("weak candidate must not become bestMatch, score %f", result.ScoredCandidates[0].Score)
	}
	if !result.ReviewRequired {
		t.Error("unmatched extraction must route to review")
	}
}

func TestMatchNoReadableFields(t *testing.T) {
	store := seedStore(t,
		&domain.MatchCandidate{ID: "ord-1", ExpectedAmount: 100.00, Currency: "PHP"},
	)

	blank := &domain.PaymentExtraction{ID: "ext-blank", OverallConfidence: 0, RequiresReview: true}
	result, err := testMatcher(store).Match(context.Background(), blank, nil)
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}
	if result.BestMatch != nil || !result.ReviewRequired {
		t.Error("extraction without fields must be unmatched and reviewed")
	}
}
