package emit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// flakyBus fails the first failUntil publishes per topic, then succeeds.
type flakyBus struct {
	mu        sync.Mutex
	failUntil int
	attempts  map[string]int
	published map[string][][]byte
}

func newFlakyBus(failUntil int) *flakyBus {
	return &flakyBus{
		failUntil: failUntil,
		attempts:  make(map[string]int),
		published: make(map[string][][]byte),
	}
}

func (b *flakyBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts[topic]++
	if b.attempts[topic] <= b.failUntil {
		return errors.New("broker unavailable")
	}
	b.published[topic] = append(b.published[topic], payload)
	return nil
}

func (b *flakyBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	return nil, errors.New("not implemented")
}
func (b *flakyBus) Ping(ctx context.Context) error { return nil }
func (b *flakyBus) Close() error                   { return nil }

func (b *flakyBus) events(t *testing.T, topic string) []*domain.PipelineEvent {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*domain.PipelineEvent
	for _, payload := range b.published[topic] {
		var ev domain.PipelineEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			t.Fatalf("bad event payload: %v", err)
		}
		out = append(out, &ev)
	}
	return out
}

func testEmitter(bus domain.EventBus) *Emitter {
	return New(bus, domain.EmitterConfig{MaxRedeliveries: 3, RetryDelay: time.Millisecond}, nil)
}

func testDecision(outcome domain.Outcome) *domain.Decision {
	return &domain.Decision{
		ID:                 "dec-1",
		ExtractionID:       "ext-1",
		JobID:              "job-1",
		Outcome:            outcome,
		MatchedCandidateID: "ord-1",
		Confidence:         0.96,
		ReasonCodes:        []string{domain.ReasonHighConfidenceMatch},
		Origin:             domain.OriginAutomated,
		DecidedAt:          time.Now().UTC(),
	}
}

func testExtraction() *domain.PaymentExtraction {
	return &domain.PaymentExtraction{
		ID:             "ext-1",
		JobID:          "job-1",
		SourcePlatform: "gcash",
		SubmittedBy:    "user-7",
	}
}

func TestEmitDecision(t *testing.T) {
	t.Run("ApprovalGoesToDecisionTopic", func(t *testing.T) {
		bus := newFlakyBus(0)
		err := testEmitter(bus).EmitDecision(context.Background(), testDecision(domain.OutcomeAutoApproved), testExtraction(), domain.PriorityHigh)
		if err != nil {
			t.Fatalf("EmitDecision failed: %v", err)
		}

		events := bus.events(t, domain.TopicDecision)
		if len(events) != 1 {
			t.Fatalf("expected 1 decision event, got %d", len(events))
		}
		ev := events[0]
		if ev.Type != domain.EventAutoApproved {
			t.Errorf("type = %s", ev.Type)
		}
		if ev.IdempotencyKey != "ext-1:auto_approved" {
			t.Errorf("idempotency key = %s", ev.IdempotencyKey)
		}
		if ev.CandidateID != "ord-1" || ev.UserID != "user-7" {
			t.Errorf("event = %+v", ev)
		}
		if got := bus.events(t, domain.TopicReviewRequired); len(got) != 0 {
			t.Errorf("approval must not hit the review topic, got %d", len(got))
		}
	})

	t.Run("ReviewAlsoGoesToReviewTopic", func(t *testing.T) {
		bus := newFlakyBus(0)
		err := testEmitter(bus).EmitDecision(context.Background(), testDecision(domain.OutcomeManualReview), testExtraction(), domain.PriorityNormal)
		if err != nil {
			t.Fatalf("EmitDecision failed: %v", err)
		}
		if got := bus.events(t, domain.TopicReviewRequired); len(got) != 1 {
			t.Fatalf("expected review event, got %d", len(got))
		}
		if got := bus.events(t, domain.TopicDecision); len(got) != 1 {
			t.Fatalf("expected decision event, got %d", len(got))
		}
	})
}

func TestEmitRedelivery(t *testing.T) {
	t.Run("TransientFailureRetried", func(t *testing.T) {
		bus := newFlakyBus(2)
		err := testEmitter(bus).EmitDecision(context.Background(), testDecision(domain.OutcomeRejected), testExtraction(), domain.PriorityLow)
		if err != nil {
			t.Fatalf("expected delivery after retries: %v", err)
		}
		if got := len(bus.events(t, domain.TopicDecision)); got != 1 {
			t.Errorf("expected 1 delivered event, got %d", got)
		}
	})

	t.Run("ExhaustedRedeliveriesSurface", func(t *testing.T) {
		bus := newFlakyBus(100)
		err := testEmitter(bus).EmitDecision(context.Background(), testDecision(domain.OutcomeRejected), testExtraction(), domain.PriorityLow)
		if err == nil {
			t.Fatal("expected error after exhausting redeliveries")
		}
	})

	t.Run("CancellationStopsRetrying", func(t *testing.T) {
		bus := newFlakyBus(100)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := testEmitter(bus).EmitDecision(ctx, testDecision(domain.OutcomeRejected), testExtraction(), domain.PriorityLow)
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	})
}

func TestEmitLifecycleEvents(t *testing.T) {
	bus := newFlakyBus(0)
	emitter := testEmitter(bus)

	job := &domain.ProcessingJob{
		ID:             "job-1",
		SourcePlatform: "gcash",
		SubmittedBy:    "user-7",
		Priority:       domain.PriorityNormal,
	}

	if err := emitter.EmitJobAccepted(context.Background(), job); err != nil {
		t.Fatalf("EmitJobAccepted failed: %v", err)
	}
	accepted := bus.events(t, domain.TopicJobAccepted)
	if len(accepted) != 1 || accepted[0].IdempotencyKey != "job-1:accepted" {
		t.Errorf("accepted events = %v", accepted)
	}

	if err := emitter.EmitExtractionCompleted(context.Background(), testExtraction(), domain.PriorityNormal); err != nil {
		t.Fatalf("EmitExtractionCompleted failed: %v", err)
	}
	if got := bus.events(t, domain.TopicExtractionCompleted); len(got) != 1 {
		t.Errorf("extraction events = %d", len(got))
	}

	if err := emitter.EmitDeadLetter(context.Background(), job, "processing_failed"); err != nil {
		t.Fatalf("EmitDeadLetter failed: %v", err)
	}
	bus.mu.Lock()
	dead := bus.published[domain.TopicDeadLetter]
	bus.mu.Unlock()
	if len(dead) != 1 {
		t.Fatalf("expected dead letter, got %d", len(dead))
	}
	var payload map[string]any
	if err := json.Unmarshal(dead[0], &payload); err != nil {
		t.Fatalf("bad dead letter payload: %v", err)
	}
	if payload["jobId"] != "job-1" || payload["reason"] != "processing_failed" {
		t.Errorf("dead letter = %v", payload)
	}
}
