// Package dispatch schedules accepted jobs onto a bounded worker pool
// partitioned by priority, runs the verification pipeline with bounded
// retries, and dead-letters jobs that keep failing. No accepted job ever
// finishes without a decision record.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrQueueFull rejects a submission when the priority queue is at
// capacity; the caller should surface backpressure, not block.
var ErrQueueFull = errors.New("dispatch queue full")

// ErrStopped rejects submissions during shutdown.
var ErrStopped = errors.New("dispatcher stopped")

// Dispatcher owns the worker pool and the priority queues.
type Dispatcher struct {
	cfg      domain.DispatchConfig
	pipeline *Pipeline
	logger   *slog.Logger

	high   chan *domain.ProcessingJob
	normal chan *domain.ProcessingJob

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a dispatcher over the given pipeline. Start must be called
// before Submit.
func New(cfg domain.DispatchConfig, pipeline *Pipeline, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.HighPriorityWorkers < 0 || cfg.HighPriorityWorkers >= cfg.Workers {
		cfg.HighPriorityWorkers = cfg.Workers / 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:      cfg,
		pipeline: pipeline,
		logger:   logger,
		high:     make(chan *domain.ProcessingJob, cfg.QueueSize),
		normal:   make(chan *domain.ProcessingJob, cfg.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the worker pool. HighPriorityWorkers only take
// high-priority jobs so bulk uploads cannot starve time-sensitive ones;
// the rest prefer high-priority work but drain both queues.
func (d *Dispatcher) Start() {
	for i := 0; i < d.cfg.HighPriorityWorkers; i++ {
		d.wg.Add(1)
		go d.worker(d.high, nil)
	}
	for i := 0; i < d.cfg.Workers-d.cfg.HighPriorityWorkers; i++ {
		d.wg.Add(1)
		go d.worker(d.high, d.normal)
	}
	d.logger.Info("dispatcher started",
		"workers", d.cfg.Workers,
		"high_priority_workers", d.cfg.HighPriorityWorkers,
		"queue_size", d.cfg.QueueSize)
}

// Submit enqueues a job onto its priority queue without blocking.
func (d *Dispatcher) Submit(job *domain.ProcessingJob) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return ErrStopped
	}

	queue := d.normal
	if job.Priority == domain.PriorityHigh {
		queue = d.high
	}
	select {
	case queue <- job:
		return nil
	default:
		return fmt.Errorf("%w: priority %s", ErrQueueFull, job.Priority)
	}
}

// QueueDepths reports the current backlog per queue.
func (d *Dispatcher) QueueDepths() (high, normal int) {
	return len(d.high), len(d.normal)
}

// Stop drains the queues and waits for in-flight jobs. New submissions
// are rejected immediately; queued jobs still run to a decision.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	close(d.high)
	close(d.normal)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("dispatcher drained")
		return nil
	case <-ctx.Done():
		// Give up on the drain; cancel in-flight work.
		d.cancel()
		<-done
		return ctx.Err()
	}
}

// worker consumes jobs until both its queues are closed and drained.
// A nil normal queue makes the worker high-priority only.
func (d *Dispatcher) worker(high, normal <-chan *domain.ProcessingJob) {
	defer d.wg.Done()

	for high != nil || normal != nil {
		// Take high-priority work first when both queues are ready.
		select {
		case job, ok := <-high:
			if !ok {
				high = nil
				continue
			}
			d.run(job)
			continue
		default:
		}

		select {
		case job, ok := <-high:
			if !ok {
				high = nil
				continue
			}
			d.run(job)
		case job, ok := <-normal:
			if !ok {
				normal = nil
				continue
			}
			d.run(job)
		}
	}
}

// run executes a job with bounded retries, then dead-letters it. Handled
// degradations (port outages, unmatched extractions) never reach the
// retry path; only unexpected errors do.
func (d *Dispatcher) run(job *domain.ProcessingJob) {
	var lastErr error
	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-d.ctx.Done():
				d.deadLetter(job, d.ctx.Err())
				return
			case <-time.After(d.cfg.RetryBackoff * time.Duration(attempt)):
			}
		}

		_, lastErr = d.pipeline.Process(d.ctx, job)
		if lastErr == nil {
			return
		}
		d.logger.Warn("job attempt failed",
			"job_id", job.ID, "attempt", attempt+1, "error", lastErr)
	}
	d.deadLetter(job, lastErr)
}

// deadLetter records the failure as a zero-confidence extraction with a
// manual review decision. A job that exhausted retries is surfaced to a
// human, never dropped.
func (d *Dispatcher) deadLetter(job *domain.ProcessingJob, cause error) {
	d.logger.Error("job dead-lettered", "job_id", job.ID, "error", cause)

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.PersistTimeout)
	defer cancel()

	ext, err := d.pipeline.repo.GetExtractionByJob(ctx, job.ID)
	if err != nil {
		ext = &domain.PaymentExtraction{
			ID:             uuid.New().String(),
			JobID:          job.ID,
			Fingerprint:    job.Fingerprint,
			SourcePlatform: job.SourcePlatform,
			SubmittedBy:    job.SubmittedBy,
			RequiresReview: true,
			Flags:          []string{domain.FlagNoData},
			CreatedAt:      time.Now().UTC(),
		}
		if err := d.pipeline.repo.SaveExtraction(ctx, ext); err != nil {
			d.logger.Error("dead letter extraction persist failed", "job_id", job.ID, "error", err)
		}
	}

	dec := &domain.Decision{
		ID:           uuid.New().String(),
		ExtractionID: ext.ID,
		JobID:        job.ID,
		Outcome:      domain.OutcomeManualReview,
		ReasonCodes:  []string{domain.ReasonProcessingFailed},
		Origin:       domain.OriginAutomated,
		Notes:        fmt.Sprintf("processing failed: %v", cause),
		DecidedAt:    time.Now().UTC(),
	}
	if err := d.pipeline.repo.SaveDecision(ctx, dec); err != nil {
		d.logger.Error("dead letter decision persist failed", "job_id", job.ID, "error", err)
	}

	emitCtx, cancel := context.WithTimeout(context.Background(), d.cfg.EmitTimeout)
	defer cancel()
	if err := d.pipeline.emitter.EmitDeadLetter(emitCtx, job, domain.ReasonProcessingFailed); err != nil {
		d.logger.Warn("dead letter event failed", "job_id", job.ID, "error", err)
	}
	if err := d.pipeline.emitter.EmitDecision(emitCtx, dec, ext, job.Priority); err != nil {
		d.logger.Warn("dead letter decision event failed", "job_id", job.ID, "error", err)
	}
}
