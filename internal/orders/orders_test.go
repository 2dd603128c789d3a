package orders

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	ctx := context.Background()
	now := time.Now().UTC()

	store.Upsert(&domain.MatchCandidate{
		ID:                "ord-001",
		ExpectedReference: "REF-100",
		ExpectedAmount:    1200.00,
		Currency:          "PHP",
		BuyerID:           "buyer-1",
		CreatedAt:         now.Add(-time.Hour),
	})
	store.Upsert(&domain.MatchCandidate{
		ID:                "ord-002",
		ExpectedReference: "REF-200",
		ExpectedAmount:    999.00,
		Currency:          "USD",
		BuyerID:           "buyer-2",
		CreatedAt:         now.Add(-time.Hour),
	})

	t.Run("FilterByCurrency", func(t *testing.T) {
		found, err := store.FindCandidates(ctx, domain.CandidateQuery{Currency: "php"})
		if err != nil {
			t.Fatalf("FindCandidates failed: %v", err)
		}
		if len(found) != 1 || found[0].ID != "ord-001" {
			t.Errorf("expected only ord-001, got %+v", found)
		}
	})

	t.Run("FilterByReference", func(t *testing.T) {
		found, err := store.FindCandidates(ctx, domain.CandidateQuery{Reference: "ref-200"})
		if err != nil {
			t.Fatalf("FindCandidates failed: %v", err)
		}
		if len(found) != 1 || found[0].ID != "ord-002" {
			t.Errorf("expected case-insensitive reference match, got %+v", found)
		}
	})

	t.Run("FilterByWindow", func(t *testing.T) {
		found, err := store.FindCandidates(ctx, domain.CandidateQuery{Since: now})
		if err != nil {
			t.Fatalf("FindCandidates failed: %v", err)
		}
		if len(found) != 0 {
			t.Errorf("expected nothing inside the window, got %+v", found)
		}
	})

	t.Run("AmountHintBand", func(t *testing.T) {
		amount := 1180.00
		found, err := store.FindCandidates(ctx, domain.CandidateQuery{Amount: &amount})
		if err != nil {
			t.Fatalf("FindCandidates failed: %v", err)
		}
		if len(found) != 1 || found[0].ID != "ord-001" {
			t.Errorf("expected the nearby amount to pass the band, got %+v", found)
		}
	})
}

func TestMemoryStoreClaim(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	ctx := context.Background()

	store.Upsert(&domain.MatchCandidate{
		ID:             "ord-010",
		ExpectedAmount: 50.00,
		Currency:       "PHP",
		CreatedAt:      time.Now().UTC(),
	})

	t.Run("FirstClaimWins", func(t *testing.T) {
		if err := store.ClaimCandidate(ctx, "ord-010", "ext-a"); err != nil {
			t.Fatalf("first claim failed: %v", err)
		}
	})

	t.Run("SameExtractionIsIdempotent", func(t *testing.T) {
		if err := store.ClaimCandidate(ctx, "ord-010", "ext-a"); err != nil {
			t.Errorf("re-claim by the winner should succeed, got %v", err)
		}
	})

	t.Run("CompetitorLoses", func(t *testing.T) {
		err := store.ClaimCandidate(ctx, "ord-010", "ext-b")
		if !errors.Is(err, domain.ErrClaimConflict) {
			t.Errorf("expected ErrClaimConflict, got %v", err)
		}
	})

	t.Run("ClaimedHiddenFromSearch", func(t *testing.T) {
		found, err := store.FindCandidates(ctx, domain.CandidateQuery{Currency: "PHP"})
		if err != nil {
			t.Fatalf("FindCandidates failed: %v", err)
		}
		if len(found) != 0 {
			t.Errorf("expected claimed candidate to be hidden, got %+v", found)
		}
	})

	t.Run("UnknownCandidate", func(t *testing.T) {
		err := store.ClaimCandidate(ctx, "no-such-order", "ext-a")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestSQLStore(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "kestrel-orders-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	defer os.Remove(tmpPath)

	store, err := NewSQLStore(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create SQL store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	now := time.Now().UTC()

	err = store.UpsertCandidate(ctx, &domain.MatchCandidate{
		ID:                "ord-100",
		ExpectedReference: "REF-900",
		ExpectedAmount:    2500.00,
		Currency:          "PHP",
		BuyerID:           "buyer-9",
		CreatedAt:         now,
	})
	if err != nil {
		t.Fatalf("UpsertCandidate failed: %v", err)
	}

	t.Run("FindAndClaim", func(t *testing.T) {
		found, err := store.FindCandidates(ctx, domain.CandidateQuery{
			Currency: "PHP",
			Since:    now.Add(-time.Minute),
		})
		if err != nil {
			t.Fatalf("FindCandidates failed: %v", err)
		}
		if len(found) != 1 || found[0].ID != "ord-100" {
			t.Fatalf("expected ord-100, got %+v", found)
		}

		if err := store.ClaimCandidate(ctx, "ord-100", "ext-1"); err != nil {
			t.Fatalf("ClaimCandidate failed: %v", err)
		}

		// The conditional UPDATE protects the loser.
		err = store.ClaimCandidate(ctx, "ord-100", "ext-2")
		if !errors.Is(err, domain.ErrClaimConflict) {
			t.Errorf("expected ErrClaimConflict, got %v", err)
		}

		// The winner can safely retry.
		if err := store.ClaimCandidate(ctx, "ord-100", "ext-1"); err != nil {
			t.Errorf("winner retry should succeed, got %v", err)
		}
	})

	t.Run("ClaimUnknown", func(t *testing.T) {
		err := store.ClaimCandidate(ctx, "ord-missing", "ext-1")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}
