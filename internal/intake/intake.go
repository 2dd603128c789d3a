// Package intake validates and normalizes submitted proof images,
// fingerprints them for deduplication, and produces processing jobs.
// A fingerprint seen inside the dedup window short-circuits to the
// prior extraction instead of reprocessing.
package intake

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image/jpeg"
	"log/slog"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// pendingWindow bounds an in-flight fingerprint reservation. Long enough
// to cover processing with retries, short enough that a crashed job does
// not block resubmission for the whole dedup window.
const pendingWindow = 5 * time.Minute

// Submission is the caller's metadata accompanying the image bytes.
type Submission struct {
	SourcePlatform string
	SubmittedBy    string
	Priority       domain.Priority
	Context        *domain.SubmissionContext
}

// Result is a new job, the prior extraction for a completed duplicate,
// or the job ID of an identical submission still being processed.
type Result struct {
	Job          *domain.ProcessingJob
	Duplicate    *domain.PaymentExtraction
	PendingJobID string
}

// Service validates, normalizes and fingerprints submissions.
type Service struct {
	cfg    domain.IntakeConfig
	cache  domain.Cache
	repo   domain.Repository
	logger *slog.Logger
}

// New creates an intake service.
func New(cfg domain.IntakeConfig, cache domain.Cache, repo domain.Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{cfg: cfg, cache: cache, repo: repo, logger: logger}
}

// Accept validates the image and returns either a processing job or the
// prior extraction when the same proof was processed inside the dedup
// window. Malformed input fails with ErrInvalidImage; everything else is
// handled downstream.
func (s *Service) Accept(ctx context.Context, data []byte, sub Submission) (*Result, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty image", domain.ErrInvalidImage)
	}
	if s.cfg.MaxImageBytes > 0 && len(data) > s.cfg.MaxImageBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit of %d", domain.ErrInvalidImage, len(data), s.cfg.MaxImageBytes)
	}

	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: undecodable image: %v", domain.ErrInvalidImage, err)
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width < s.cfg.MinWidth || height < s.cfg.MinHeight {
		return nil, fmt.Errorf("%w: %dx%d below minimum %dx%d",
			domain.ErrInvalidImage, width, height, s.cfg.MinWidth, s.cfg.MinHeight)
	}

	// Normalize before fingerprinting so a re-encoded or re-scaled copy
	// of the same proof dedups to the same extraction.
	if s.cfg.MaxDimension > 0 && (width > s.cfg.MaxDimension || height > s.cfg.MaxDimension) {
		if width > height {
			img = imaging.Resize(img, s.cfg.MaxDimension, 0, imaging.Lanczos)
		} else {
			img = imaging.Resize(img, 0, s.cfg.MaxDimension, imaging.Lanczos)
		}
	}

	gray := imaging.Grayscale(img)
	sum := sha256.Sum256(gray.Pix)
	fingerprint := hex.EncodeToString(sum[:])

	if prior := s.findDuplicate(ctx, fingerprint); prior != nil {
		s.logger.Info("duplicate submission short-circuited",
			"fingerprint", fingerprint[:12],
			"extraction_id", prior.ID,
			"platform", sub.SourcePlatform)
		return &Result{Duplicate: prior}, nil
	}

	// Reserve the fingerprint before the job exists so two concurrent
	// submissions of the same bytes produce exactly one job.
	jobID := uuid.New().String()
	if owner, won := s.reserveFingerprint(ctx, fingerprint, jobID); !won {
		s.logger.Info("duplicate submission already in flight",
			"fingerprint", fingerprint[:12],
			"job_id", owner,
			"platform", sub.SourcePlatform)
		return &Result{PendingJobID: owner}, nil
	}

	// The ports get the normalized color image; grayscale only feeds
	// the fingerprint.
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		s.releaseFingerprint(ctx, fingerprint)
		return nil, fmt.Errorf("encode normalized image: %w", err)
	}

	priority := sub.Priority
	if !priority.Valid() {
		priority = domain.PriorityNormal
	}

	job := &domain.ProcessingJob{
		ID:             jobID,
		ImageBytes:     buf.Bytes(),
		Fingerprint:    fingerprint,
		SourcePlatform: sub.SourcePlatform,
		SubmittedBy:    sub.SubmittedBy,
		Priority:       priority,
		Context:        sub.Context,
		CreatedAt:      time.Now().UTC(),
	}

	if err := s.repo.SaveJob(ctx, job); err != nil {
		s.releaseFingerprint(ctx, fingerprint)
		return nil, fmt.Errorf("save job: %w", err)
	}

	s.logger.Info("job accepted",
		"job_id", job.ID,
		"fingerprint", fingerprint[:12],
		"platform", job.SourcePlatform,
		"priority", job.Priority,
		"bytes", len(job.ImageBytes))
	return &Result{Job: job}, nil
}

// reserveFingerprint claims an in-flight fingerprint for a job. A cache
// failure opens the race window back up rather than blocking intake.
func (s *Service) reserveFingerprint(ctx context.Context, fingerprint, jobID string) (string, bool) {
	key := "pending:" + fingerprint

	won, err := s.cache.SetNX(ctx, key, []byte(jobID), pendingWindow)
	if err != nil {
		s.logger.Warn("fingerprint reservation failed, proceeding", "error", err)
		return jobID, true
	}
	if won {
		return jobID, true
	}

	owner, err := s.cache.Get(ctx, key)
	if err != nil || len(owner) == 0 {
		return jobID, true
	}
	return string(owner), false
}

// releaseFingerprint drops a reservation whose job never materialized.
func (s *Service) releaseFingerprint(ctx context.Context, fingerprint string) {
	if err := s.cache.Delete(ctx, "pending:"+fingerprint); err != nil {
		s.logger.Warn("fingerprint release failed", "error", err)
	}
}

// RecordFingerprint marks a completed extraction for the dedup window.
// Called by the dispatcher once the extraction is persisted.
func (s *Service) RecordFingerprint(ctx context.Context, fingerprint, extractionID string) {
	if err := s.cache.SetFingerprint(ctx, fingerprint, extractionID, s.cfg.DedupWindow); err != nil {
		s.logger.Warn("fingerprint cache write failed", "error", err)
	}
}

// findDuplicate checks the cache first, then the repository, for a prior
// extraction of the same fingerprint inside the dedup window.
func (s *Service) findDuplicate(ctx context.Context, fingerprint string) *domain.PaymentExtraction {
	if extractionID, err := s.cache.GetFingerprint(ctx, fingerprint); err == nil && extractionID != "" {
		prior, err := s.repo.GetExtraction(ctx, extractionID)
		if err == nil {
			return prior
		}
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.Warn("dedup extraction lookup failed", "error", err)
		}
	}

	since := time.Now().UTC().Add(-s.cfg.DedupWindow)
	prior, err := s.repo.FindExtractionByFingerprint(ctx, fingerprint, since)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.Warn("dedup fingerprint lookup failed", "error", err)
		}
		return nil
	}

	// Cache miss but repository hit: backfill so the next duplicate
	// skips the table scan.
	s.RecordFingerprint(ctx, fingerprint, prior.ID)
	return prior
}
