package ports

import (
	"context"
	"errors"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// DisabledRecognizer stands in when no recognition service is configured.
// Every call fails terminally, so the guard reports the port unavailable
// without burning the retry budget.
type DisabledRecognizer struct{}

func (DisabledRecognizer) ExtractText(ctx context.Context, image []byte) (*domain.OCRResult, error) {
	return nil, terminalErr(errors.New("recognition port not configured"))
}

// DisabledExtractor stands in when no vision API key is configured.
type DisabledExtractor struct{}

func (DisabledExtractor) ExtractStructured(ctx context.Context, image []byte, taskHint string) (*domain.VisionExtraction, error) {
	return nil, terminalErr(errors.New("extraction port not configured"))
}
