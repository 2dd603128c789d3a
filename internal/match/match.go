// Package match scores a fused extraction against the pending
// transactions from the order store and ranks the candidates. Every
// scored candidate is kept for audit; bestMatch is only set when the
// top score clears the matching floor and is not tied.
package match

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Matcher scores candidates under the configured signal weights.
type Matcher struct {
	cfg    domain.MatchConfig
	store  domain.OrderStore
	logger *slog.Logger
}

// New creates a matcher over the given order store.
func New(cfg domain.MatchConfig, store domain.OrderStore, logger *slog.Logger) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Matcher{cfg: cfg, store: store, logger: logger}
}

// Match fetches the candidate set for the extraction and scores each
// candidate. An empty candidate set is not an error: it yields an
// unmatched result that routes to manual review.
func (m *Matcher) Match(ctx context.Context, ext *domain.PaymentExtraction, hint *domain.SubmissionContext) (*domain.PaymentMatch, error) {
	result := &domain.PaymentMatch{
		ExtractionID: ext.ID,
		MatchedAt:    time.Now().UTC(),
	}

	best := ext.Best()
	if best == nil {
		result.ReviewRequired = true
		return result, nil
	}

	query := domain.CandidateQuery{
		Currency: best.Currency,
		Since:    time.Now().UTC().Add(-m.cfg.CandidateWindow),
	}
	if hint != nil {
		if query.Currency == "" {
			query.Currency = hint.Currency
		}
		query.BuyerID = hint.BuyerID
		query.Reference = hint.ReferenceCode
		if hint.ExpectedAmount > 0 {
			amount := hint.ExpectedAmount
			query.Amount = &amount
		}
	}

	candidates, err := m.store.FindCandidates(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		m.logger.Info("no candidates for extraction", "extraction_id", ext.ID, "currency", query.Currency)
		result.ReviewRequired = true
		return result, nil
	}

	legibility := imageQuality(ext)
	for _, c := range candidates {
		result.ScoredCandidates = append(result.ScoredCandidates, m.score(best, c, legibility))
	}

	// Highest score first; equal scores ordered by ID so ties are
	// deterministic to inspect.
	sort.Slice(result.ScoredCandidates, func(i, j int) bool {
		a, b := result.ScoredCandidates[i], result.ScoredCandidates[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		return a.CandidateID < b.CandidateID
	})

	top := result.ScoredCandidates[0]
	if len(result.ScoredCandidates) > 1 {
		second := result.ScoredCandidates[1]
		if math.Abs(top.Score-second.Score) <= m.cfg.TieEpsilon {
			result.TieDetected = true
			result.ReviewRequired = true
			m.logger.Warn("candidate score tie",
				"extraction_id", ext.ID,
				"first", top.CandidateID, "second", second.CandidateID, "score", top.Score)
			return result, nil
		}
	}

	if top.Score >= m.cfg.MinMatchFloor {
		result.BestMatch = &result.ScoredCandidates[0]
	} else {
		result.ReviewRequired = true
	}

	return result, nil
}

// score computes one candidate's weighted score against the extraction's
// best field reading.
func (m *Matcher) score(fields *domain.FieldCandidate, c *domain.MatchCandidate, legibility float64) domain.ScoredCandidate {
	var reasons []string

	amountScore := 0.0
	amountExact := false
	if fields.Amount != nil {
		if !strings.EqualFold(fields.Currency, c.Currency) && fields.Currency != "" {
			reasons = append(reasons, "currency mismatch")
		} else if math.Abs(*fields.Amount-c.ExpectedAmount) <= m.cfg.AmountTolerance {
			amountScore = 1.0
			amountExact = true
			reasons = append(reasons, "amount exact")
		} else {
			reasons = append(reasons, "amount mismatch")
		}
	} else {
		reasons = append(reasons, "amount unreadable")
	}

	referenceScore := 0.0
	fuzzyReference := false
	switch {
	case fields.Reference == "" || c.ExpectedReference == "":
		reasons = append(reasons, "reference absent")
	case strings.EqualFold(fields.Reference, c.ExpectedReference):
		referenceScore = 1.0
		reasons = append(reasons, "reference exact")
	case partialReference(fields.Reference, c.ExpectedReference):
		// A near-miss reference is worth almost nothing: crediting the
		// wrong buyer costs far more than a manual check.
		referenceScore = 0.2
		fuzzyReference = true
		reasons = append(reasons, "reference partial")
	default:
		reasons = append(reasons, "reference mismatch")
	}

	methodScore := 0.0
	if fields.Method != "" {
		methodScore = 1.0
		reasons = append(reasons, "method identified")
	}

	timestampScore := 0.5
	if fields.Timestamp != nil {
		switch {
		case fields.Timestamp.Before(c.CreatedAt.Add(-time.Hour)):
			// Paid before the order existed.
			timestampScore = 0
			reasons = append(reasons, "timestamp precedes order")
		default:
			timestampScore = 1.0
		}
	}

	score := m.cfg.AmountWeight*amountScore +
		m.cfg.ReferenceWeight*referenceScore +
		m.cfg.MethodWeight*methodScore +
		m.cfg.TimestampWeight*timestampScore +
		m.cfg.LegibilityWeight*legibility

	// Auto-approval demands the signals that cannot coincide by
	// accident: an exact amount, no fuzzy reference, and a score above
	// the eligibility floor.
	eligible := amountExact && !fuzzyReference && score >= m.cfg.EligibleFloor

	return domain.ScoredCandidate{
		CandidateID:         c.ID,
		Score:               score,
		Reasons:             reasons,
		AmountExact:         amountExact,
		AutoApproveEligible: eligible,
	}
}

// partialReference reports whether one reference is a substring or
// prefix of the other, the shape of an OCR misread.
func partialReference(got, want string) bool {
	g, w := strings.ToLower(got), strings.ToLower(want)
	if len(g) < 3 || len(w) < 3 {
		return false
	}
	return strings.Contains(g, w) || strings.Contains(w, g)
}

// imageQuality is the same legibility factor fusion feeds into overall
// confidence, reused so a blurry proof never fully trusts a
// coincidental amount match.
func imageQuality(ext *domain.PaymentExtraction) float64 {
	if ext.OCR != nil {
		return ext.OCR.Confidence
	}
	if ext.Vision != nil {
		return ext.Vision.Confidence
	}
	return 0
}
