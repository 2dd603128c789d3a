package domain

import (
	"context"
	"time"
)

// RecognitionPort abstracts the external optical-character-recognition
// service: image in, raw text with per-word confidence out.
type RecognitionPort interface {
	ExtractText(ctx context.Context, image []byte) (*OCRResult, error)
}

// ExtractionPort abstracts the external vision-language model: image and
// a task hint in, typed transaction fields with a rationale out.
type ExtractionPort interface {
	ExtractStructured(ctx context.Context, image []byte, taskHint string) (*VisionExtraction, error)
}

// PortStatus tags the result of a guarded port call so the fusion
// engine's degraded path is enforced by the type system.
type PortStatus string

const (
	PortOK          PortStatus = "ok"
	PortDegraded    PortStatus = "degraded"
	PortUnavailable PortStatus = "unavailable"
)

// RecognitionOutcome is the tagged result of a guarded recognition call.
// OCR is nil when Status is PortUnavailable; a degraded call still
// carries its result, it just cost retries to get.
type RecognitionOutcome struct {
	Status PortStatus `json:"status"`
	OCR    *OCRResult `json:"ocr,omitempty"`
	Reason string     `json:"reason,omitempty"`
}

// ExtractionOutcome is the tagged result of a guarded structured
// extraction call. Vision is nil when Status is PortUnavailable.
type ExtractionOutcome struct {
	Status PortStatus        `json:"status"`
	Vision *VisionExtraction `json:"vision,omitempty"`
	Reason string            `json:"reason,omitempty"`
}

// RetryPolicy is the explicit retry configuration passed into each port
// adapter: bounded attempts with exponential backoff.
type RetryPolicy struct {
	MaxAttempts int           `json:"maxAttempts"`
	BaseDelay   time.Duration `json:"baseDelay"`
	MaxDelay    time.Duration `json:"maxDelay"`
	Multiplier  float64       `json:"multiplier"`
}

// Delay returns the backoff delay before the given 1-based retry attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
	}
	if max := float64(p.MaxDelay); p.MaxDelay > 0 && d > max {
		d = max
	}
	return time.Duration(d)
}

// DefaultRetryPolicy matches the port budgets: three bounded attempts
// with exponential backoff capped at eight seconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    8 * time.Second,
		Multiplier:  2.0,
	}
}
