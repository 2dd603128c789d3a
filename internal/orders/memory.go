package orders

import (
	"context"
	"strings"
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// MemoryStore is an in-memory order view for single-node deployments
// and tests. Candidates are seeded through Upsert.
type MemoryStore struct {
	mu         sync.RWMutex
	candidates map[string]*domain.MatchCandidate
	claimedBy  map[string]string
}

// NewMemoryStore creates an empty in-memory order store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		candidates: make(map[string]*domain.MatchCandidate),
		claimedBy:  make(map[string]string),
	}
}

// Upsert adds or replaces a candidate. New candidates without a status
// default to awaiting payment.
func (s *MemoryStore) Upsert(c *domain.MatchCandidate) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *c
	if cp.Status == "" {
		cp.Status = domain.CandidateAwaitingPayment
	}
	s.candidates[cp.ID] = &cp
}

// FindCandidates returns candidates awaiting payment that satisfy the
// query filters.
func (s *MemoryStore) FindCandidates(ctx context.Context, q domain.CandidateQuery) ([]*domain.MatchCandidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.MatchCandidate
	for _, c := range s.candidates {
		if !matchesQuery(c, q) {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

func matchesQuery(c *domain.MatchCandidate, q domain.CandidateQuery) bool {
	if c.Status != domain.CandidateAwaitingPayment {
		return false
	}
	if q.Currency != "" && !strings.EqualFold(c.Currency, q.Currency) {
		return false
	}
	if !q.Since.IsZero() && c.CreatedAt.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && c.CreatedAt.After(q.Until) {
		return false
	}
	if q.Reference != "" && !strings.EqualFold(c.ExpectedReference, q.Reference) {
		return false
	}
	if q.BuyerID != "" && c.BuyerID != q.BuyerID {
		return false
	}
	if q.Amount != nil {
		// Amount is a hint, not an equality test; keep a generous band
		// and let the matcher score the exact difference.
		lo, hi := *q.Amount*0.9, *q.Amount*1.1
		if c.ExpectedAmount < lo || c.ExpectedAmount > hi {
			return false
		}
	}
	return true
}

// ClaimCandidate transitions a candidate from awaiting payment to
// claimed. Re-claiming by the same extraction is a no-op; losing a race
// to another extraction returns ErrClaimConflict.
func (s *MemoryStore) ClaimCandidate(ctx context.Context, candidateID, extractionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.candidates[candidateID]
	if !ok {
		return domain.ErrNotFound
	}

	if c.Status != domain.CandidateAwaitingPayment {
		if s.claimedBy[candidateID] == extractionID {
			return nil
		}
		return domain.ErrClaimConflict
	}

	c.Status = domain.CandidateClaimed
	s.claimedBy[candidateID] = extractionID
	return nil
}

// Ping always succeeds for the in-memory store.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close releases the candidate set.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candidates = make(map[string]*domain.MatchCandidate)
	s.claimedBy = make(map[string]string)
	return nil
}
