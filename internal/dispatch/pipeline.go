package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/emit"
	"github.com/opensource-finance/kestrel/internal/fusion"
	"github.com/opensource-finance/kestrel/internal/match"
	"github.com/opensource-finance/kestrel/internal/policy"
	"github.com/opensource-finance/kestrel/internal/ports"
)

// taskHint steers the vision port toward payment proofs.
const taskHint = "payment proof verification"

// FingerprintRecorder marks a fingerprint as processed for the dedup
// window. Satisfied by intake.Service.
type FingerprintRecorder interface {
	RecordFingerprint(ctx context.Context, fingerprint, extractionID string)
}

// Pipeline runs one job through every stage in strict order. Stage
// failures degrade the result rather than failing the job; only
// persistence failures before the extraction exists surface as errors so
// the dispatcher can retry without duplicating records.
type Pipeline struct {
	cfg        domain.DispatchConfig
	guard      *ports.Guard
	recognizer domain.RecognitionPort
	extractor  domain.ExtractionPort
	fusion     *fusion.Engine
	matcher    *match.Matcher
	guards     *policy.Engine
	decider    *decision.Engine
	emitter    *emit.Emitter
	repo       domain.Repository
	dedup      FingerprintRecorder
	logger     *slog.Logger
}

// PipelineDeps wires the pipeline stages.
type PipelineDeps struct {
	Guard      *ports.Guard
	Recognizer domain.RecognitionPort
	Extractor  domain.ExtractionPort
	Fusion     *fusion.Engine
	Matcher    *match.Matcher
	Policy     *policy.Engine
	Decider    *decision.Engine
	Emitter    *emit.Emitter
	Repository domain.Repository
	Dedup      FingerprintRecorder
	Logger     *slog.Logger
}

// NewPipeline assembles the stage sequence.
func NewPipeline(cfg domain.DispatchConfig, deps PipelineDeps) *Pipeline {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		cfg:        cfg,
		guard:      deps.Guard,
		recognizer: deps.Recognizer,
		extractor:  deps.Extractor,
		fusion:     deps.Fusion,
		matcher:    deps.Matcher,
		guards:     deps.Policy,
		decider:    deps.Decider,
		emitter:    deps.Emitter,
		repo:       deps.Repository,
		dedup:      deps.Dedup,
		logger:     logger,
	}
}

// Process runs the job to a persisted decision. Re-running a job whose
// extraction already exists (a retry after a late failure) reuses the
// stored extraction instead of calling the ports again.
func (p *Pipeline) Process(ctx context.Context, job *domain.ProcessingJob) (*domain.Decision, error) {
	start := time.Now()

	ext, err := p.extract(ctx, job)
	if err != nil {
		return nil, err
	}

	if prior := p.priorDecision(ctx, ext); prior != nil {
		p.logger.Info("job already decided, skipping", "job_id", job.ID, "decision_id", prior.ID)
		return prior, nil
	}

	p.emitStage(ctx, func(ctx context.Context) error {
		return p.emitter.EmitExtractionCompleted(ctx, ext, job.Priority)
	})

	matched := p.matchStage(ctx, ext, job)
	hits := p.guards.Evaluate(ctx, ext, matched)

	dec := p.decider.Decide(ext, matched, hits)
	dec, err = p.applyStage(ctx, dec)
	if err != nil {
		return nil, err
	}

	persistCtx, cancel := context.WithTimeout(ctx, p.cfg.PersistTimeout)
	err = p.repo.SaveDecision(persistCtx, dec)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("persist decision: %w", err)
	}

	p.emitStage(ctx, func(ctx context.Context) error {
		return p.emitter.EmitDecision(ctx, dec, ext, job.Priority)
	})

	p.logger.Info("job processed",
		"job_id", job.ID,
		"extraction_id", ext.ID,
		"outcome", dec.Outcome,
		"confidence", dec.Confidence,
		"duration_ms", time.Since(start).Milliseconds())
	return dec, nil
}

// extract runs both ports concurrently, fuses the outcomes and persists
// the extraction. A retry reuses the extraction stored by the earlier
// attempt.
func (p *Pipeline) extract(ctx context.Context, job *domain.ProcessingJob) (*domain.PaymentExtraction, error) {
	if prior, err := p.repo.GetExtractionByJob(ctx, job.ID); err == nil {
		return prior, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("extraction lookup: %w", err)
	}

	start := time.Now()

	var (
		wg  sync.WaitGroup
		rec domain.RecognitionOutcome
		vis domain.ExtractionOutcome
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		rec = p.guard.Recognize(ctx, p.recognizer, job.ImageBytes)
	}()
	go func() {
		defer wg.Done()
		vis = p.guard.Extract(ctx, p.extractor, job.ImageBytes, taskHint)
	}()
	wg.Wait()

	ext := p.fusion.Fuse(job, rec, vis)

	// Round sub-millisecond runs up so stored latency is never zero.
	elapsed := time.Since(start).Milliseconds()
	if elapsed < 1 {
		elapsed = 1
	}
	ext.ProcessingTimeMs = elapsed

	persistCtx, cancel := context.WithTimeout(ctx, p.cfg.PersistTimeout)
	defer cancel()
	if err := p.repo.SaveExtraction(persistCtx, ext); err != nil {
		return nil, fmt.Errorf("persist extraction: %w", err)
	}
	if p.dedup != nil {
		p.dedup.RecordFingerprint(ctx, ext.Fingerprint, ext.ID)
	}
	return ext, nil
}

// matchStage degrades any matching failure to an unmatched review result.
// An unreachable order store must not fail the job.
func (p *Pipeline) matchStage(ctx context.Context, ext *domain.PaymentExtraction, job *domain.ProcessingJob) *domain.PaymentMatch {
	matchCtx, cancel := context.WithTimeout(ctx, p.cfg.MatchingTimeout)
	defer cancel()

	matched, err := p.matcher.Match(matchCtx, ext, job.Context)
	if err != nil {
		p.logger.Warn("matching degraded to review", "extraction_id", ext.ID, "error", err)
		return &domain.PaymentMatch{
			ExtractionID:   ext.ID,
			ReviewRequired: true,
			MatchedAt:      time.Now().UTC(),
		}
	}
	return matched
}

// applyStage claims the matched candidate. A lost race is handled inside
// Apply; any other store failure downgrades to review rather than
// retrying a job whose extraction already exists.
func (p *Pipeline) applyStage(ctx context.Context, dec *domain.Decision) (*domain.Decision, error) {
	applied, err := p.decider.Apply(ctx, dec)
	if err == nil {
		return applied, nil
	}

	p.logger.Error("claim failed, downgrading to review", "decision_id", dec.ID, "error", err)
	downgraded := *dec
	downgraded.Outcome = domain.OutcomeManualReview
	downgraded.ReasonCodes = append(append([]string{}, dec.ReasonCodes...), domain.ReasonProcessingFailed)
	return &downgraded, nil
}

func (p *Pipeline) priorDecision(ctx context.Context, ext *domain.PaymentExtraction) *domain.Decision {
	decisions, err := p.repo.ListDecisionsByExtraction(ctx, ext.ID)
	if err != nil || len(decisions) == 0 {
		return nil
	}
	return decisions[0]
}

// emitStage runs a publish under the emit timeout. Event delivery is
// at-least-once with its own redelivery budget; a final failure is
// logged, never fatal, because the decision record is already durable.
func (p *Pipeline) emitStage(ctx context.Context, publish func(context.Context) error) {
	emitCtx, cancel := context.WithTimeout(ctx, p.cfg.EmitTimeout)
	defer cancel()
	if err := publish(emitCtx); err != nil {
		p.logger.Warn("event emission failed", "error", err)
	}
}
