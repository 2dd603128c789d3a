// Package emit publishes pipeline events to external notification and
// order collaborators. Delivery is at-least-once with bounded
// redelivery; consumers deduplicate on the event's idempotency key.
package emit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Emitter publishes pipeline events over the configured bus.
type Emitter struct {
	bus    domain.EventBus
	cfg    domain.EmitterConfig
	logger *slog.Logger
}

// New creates an emitter over the given bus.
func New(bus domain.EventBus, cfg domain.EmitterConfig, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRedeliveries <= 0 {
		cfg.MaxRedeliveries = 3
	}
	return &Emitter{bus: bus, cfg: cfg, logger: logger}
}

// EmitDecision publishes the terminal event for a decision. Review
// outcomes additionally land on the review topic so the human-facing
// queue does not have to filter the main stream.
func (e *Emitter) EmitDecision(ctx context.Context, dec *domain.Decision, ext *domain.PaymentExtraction, priority domain.Priority) error {
	event := domain.EventForDecision(dec, ext, priority)

	if err := e.publish(ctx, domain.TopicDecision, event); err != nil {
		return err
	}
	if dec.Outcome == domain.OutcomeManualReview {
		// Redundant delivery is fine here; the review queue is
		// idempotent on the same key.
		if err := e.publish(ctx, domain.TopicReviewRequired, event); err != nil {
			return err
		}
	}
	return nil
}

// EmitJobAccepted publishes the processing-started acknowledgement.
func (e *Emitter) EmitJobAccepted(ctx context.Context, job *domain.ProcessingJob) error {
	event := &domain.PipelineEvent{
		Type:           domain.EventPaymentDetected,
		ExtractionID:   "",
		UserID:         job.SubmittedBy,
		Platforms:      []string{job.SourcePlatform},
		Priority:       job.Priority,
		IdempotencyKey: job.ID + ":accepted",
		CreatedAt:      time.Now().UTC(),
	}
	return e.publish(ctx, domain.TopicJobAccepted, event)
}

// EmitExtractionCompleted publishes the intermediate extraction event.
func (e *Emitter) EmitExtractionCompleted(ctx context.Context, ext *domain.PaymentExtraction, priority domain.Priority) error {
	event := &domain.PipelineEvent{
		Type:           domain.EventPaymentMatched,
		ExtractionID:   ext.ID,
		UserID:         ext.SubmittedBy,
		Platforms:      []string{ext.SourcePlatform},
		Priority:       priority,
		IdempotencyKey: ext.ID + ":extracted",
		CreatedAt:      time.Now().UTC(),
	}
	return e.publish(ctx, domain.TopicExtractionCompleted, event)
}

// EmitDeadLetter publishes a job that exhausted its retries.
func (e *Emitter) EmitDeadLetter(ctx context.Context, job *domain.ProcessingJob, reason string) error {
	payload := map[string]any{
		"jobId":     job.ID,
		"userId":    job.SubmittedBy,
		"platform":  job.SourcePlatform,
		"reason":    reason,
		"failedAt":  time.Now().UTC(),
		"eventKey":  job.ID + ":deadletter",
		"eventType": "processing_failed",
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	return e.deliver(ctx, domain.TopicDeadLetter, data)
}

func (e *Emitter) publish(ctx context.Context, topic string, event *domain.PipelineEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event.IdempotencyKey, err)
	}
	return e.deliver(ctx, topic, data)
}

// deliver retries a failed publish up to the redelivery bound. The bus
// is local or brokered depending on deployment, so transient publish
// failures are expected and absorbed here.
func (e *Emitter) deliver(ctx context.Context, topic string, data []byte) error {
	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRedeliveries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.cfg.RetryDelay):
			}
		}

		lastErr = e.bus.Publish(ctx, topic, data)
		if lastErr == nil {
			if attempt > 0 {
				e.logger.Info("event delivered after retry", "topic", topic, "attempt", attempt+1)
			}
			return nil
		}

		e.logger.Warn("event publish failed",
			"topic", topic, "attempt", attempt+1, "error", lastErr)
	}
	return fmt.Errorf("publish to %s after %d attempts: %w", topic, e.cfg.MaxRedeliveries+1, lastErr)
}
