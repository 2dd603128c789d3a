package policy

import "github.com/opensource-finance/kestrel/internal/domain"

// BuiltinRules returns the guard rules seeded on first boot. Operators
// tune or replace them through the rule management API; these are the
// conservative defaults.
func BuiltinRules() []*domain.GuardRule {
	return []*domain.GuardRule{
		{
			ID:          "gr-high-value",
			Name:        "High value proof",
			Description: "Any proof above the high-value line gets human eyes regardless of confidence.",
			Version:     "1",
			Expression:  `amount >= 50000.0`,
			Action:      domain.GuardActionReview,
			Reason:      "high_value",
			Enabled:     true,
		},
		{
			ID:          "gr-stale-proof",
			Name:        "Stale payment proof",
			Description: "A screenshot of a payment made more than 7 days ago is likely a resubmission.",
			Version:     "1",
			Expression:  `age_seconds > 604800.0`,
			Action:      domain.GuardActionReview,
			Reason:      "stale_proof",
			Enabled:     true,
		},
		{
			ID:          "gr-contradiction-high-value",
			Name:        "Contradicted high value proof",
			Description: "Port disagreement on an amount above 10k is rejected outright.",
			Version:     "1",
			Expression:  `"ocr_contradiction" in flags && amount >= 10000.0`,
			Action:      domain.GuardActionReject,
			Reason:      "contradicted_amount",
			Enabled:     true,
		},
	}
}
