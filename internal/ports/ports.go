// Package ports holds the adapters for the two external extraction
// services: the recognition (OCR) HTTP service and the vision-language
// model. Both are called through a guard that enforces the per-call
// timeout and retry policy and turns every failure mode into a tagged
// outcome. A port being down degrades the extraction; it never crashes
// the pipeline.
package ports

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// portError wraps an adapter error with its retry classification.
type portError struct {
	err       error
	retryable bool
}

func (e *portError) Error() string { return e.err.Error() }
func (e *portError) Unwrap() error { return e.err }

func retryableErr(err error) error { return &portError{err: err, retryable: true} }
func terminalErr(err error) error  { return &portError{err: err, retryable: false} }

// isRetryable reports whether the guard should attempt the call again.
// Unclassified errors are retried; the attempt budget bounds the damage.
func isRetryable(err error) bool {
	var pe *portError
	if errors.As(err, &pe) {
		return pe.retryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// Guard runs port calls under a timeout and retry policy and maps the
// result onto the ok/degraded/unavailable taxonomy.
type Guard struct {
	cfg    domain.PortsConfig
	logger *slog.Logger
}

// NewGuard creates a guard around the configured port budgets.
func NewGuard(cfg domain.PortsConfig, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{cfg: cfg, logger: logger}
}

// Recognize calls the recognition port under its timeout and retry
// policy. A success on the first attempt is PortOK; a success that cost
// retries is PortDegraded; exhausting the budget is PortUnavailable.
func (g *Guard) Recognize(ctx context.Context, port domain.RecognitionPort, image []byte) domain.RecognitionOutcome {
	result, attempts, err := callGuarded(ctx, g.cfg.RecognitionTimeout, g.cfg.RecognitionRetry,
		func(ctx context.Context) (*domain.OCRResult, error) {
			return port.ExtractText(ctx, image)
		})

	if err != nil {
		g.logger.Warn("recognition port unavailable", "attempts", attempts, "error", err)
		return domain.RecognitionOutcome{
			Status: domain.PortUnavailable,
			Reason: fmt.Sprintf("%v after %d attempts: %v", domain.ErrRecognitionUnavailable, attempts, err),
		}
	}

	if attempts > 1 {
		g.logger.Info("recognition port degraded", "attempts", attempts)
		return domain.RecognitionOutcome{
			Status: domain.PortDegraded,
			OCR:    result,
			Reason: fmt.Sprintf("succeeded after %d attempts", attempts),
		}
	}

	return domain.RecognitionOutcome{Status: domain.PortOK, OCR: result}
}

// Extract calls the structured-extraction port under its timeout and
// retry policy, with the same ok/degraded/unavailable mapping.
func (g *Guard) Extract(ctx context.Context, port domain.ExtractionPort, image []byte, taskHint string) domain.ExtractionOutcome {
	result, attempts, err := callGuarded(ctx, g.cfg.VisionTimeout, g.cfg.VisionRetry,
		func(ctx context.Context) (*domain.VisionExtraction, error) {
			return port.ExtractStructured(ctx, image, taskHint)
		})

	if err != nil {
		g.logger.Warn("extraction port unavailable", "attempts", attempts, "error", err)
		return domain.ExtractionOutcome{
			Status: domain.PortUnavailable,
			Reason: fmt.Sprintf("%v after %d attempts: %v", domain.ErrExtractionUnavailable, attempts, err),
		}
	}

	if attempts > 1 {
		g.logger.Info("extraction port degraded", "attempts", attempts)
		return domain.ExtractionOutcome{
			Status: domain.PortDegraded,
			Vision: result,
			Reason: fmt.Sprintf("succeeded after %d attempts", attempts),
		}
	}

	return domain.ExtractionOutcome{Status: domain.PortOK, Vision: result}
}

// callGuarded runs fn with a per-attempt timeout and the retry policy's
// exponential backoff. It returns the number of attempts actually made.
func callGuarded[T any](ctx context.Context, timeout time.Duration, policy domain.RetryPolicy, fn func(context.Context) (T, error)) (T, int, error) {
	var zero T
	var lastErr error

	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	attempts := 0
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt

		attemptCtx := ctx
		var cancel context.CancelFunc
		if timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		}

		result, err := fn(attemptCtx)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return result, attempts, nil
		}
		lastErr = err

		// The caller going away is not the port's fault; stop retrying.
		if ctx.Err() != nil {
			return zero, attempts, ctx.Err()
		}
		if !isRetryable(err) {
			return zero, attempts, err
		}
		if attempt >= maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return zero, attempts, ctx.Err()
		case <-time.After(policy.Delay(attempt)):
		}
	}

	return zero, attempts, lastErr
}
