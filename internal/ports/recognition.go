package ports

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// HTTPRecognizer calls a JSON-over-HTTP OCR service. The request carries
// the image base64-encoded; the response mirrors domain.OCRResult.
type HTTPRecognizer struct {
	endpoint string
	apiKey   string
	client   *http.Client
	logger   *slog.Logger
}

// NewHTTPRecognizer creates a recognition adapter for the configured
// endpoint. The HTTP client carries no timeout of its own; the guard's
// per-attempt context enforces the deadline.
func NewHTTPRecognizer(cfg domain.PortsConfig, logger *slog.Logger) *HTTPRecognizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPRecognizer{
		endpoint: cfg.RecognitionEndpoint,
		apiKey:   cfg.RecognitionAPIKey,
		client:   &http.Client{},
		logger:   logger,
	}
}

type recognizeRequest struct {
	Image    string `json:"image"` // base64
	Language string `json:"language,omitempty"`
}

type recognizeResponse struct {
	Text       string            `json:"text"`
	Confidence float64           `json:"confidence"`
	Words      []domain.OCRWord  `json:"words,omitempty"`
	Blocks     []domain.OCRBlock `json:"blocks,omitempty"`
	Language   string            `json:"language,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// ExtractText sends the image to the OCR service and maps the response.
func (r *HTTPRecognizer) ExtractText(ctx context.Context, image []byte) (*domain.OCRResult, error) {
	if r.endpoint == "" {
		return nil, terminalErr(fmt.Errorf("recognition endpoint not configured"))
	}

	reqID := uuid.New().String()
	start := time.Now()

	body, err := json.Marshal(recognizeRequest{
		Image: base64.StdEncoding.EncodeToString(image),
	})
	if err != nil {
		return nil, terminalErr(fmt.Errorf("encode request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, terminalErr(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	r.logger.Debug("recognition request", "req_id", reqID, "bytes", len(image))

	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Warn("recognition send error", "req_id", reqID, "error", err,
			"elapsed_ms", time.Since(start).Milliseconds())
		return nil, retryableErr(err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)

	r.logger.Debug("recognition response", "req_id", reqID, "status", resp.StatusCode,
		"bytes", len(raw), "elapsed_ms", time.Since(start).Milliseconds())

	if resp.StatusCode/100 != 2 {
		err := fmt.Errorf("recognition service returned %d: %s", resp.StatusCode, truncate(raw, 200))
		// Rate limits and server-side faults are worth retrying; the
		// rest means the request itself is wrong.
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, retryableErr(err)
		}
		return nil, terminalErr(err)
	}

	var parsed recognizeResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, terminalErr(fmt.Errorf("decode response: %w", err))
	}
	if parsed.Error != "" {
		return nil, terminalErr(fmt.Errorf("recognition service error: %s", parsed.Error))
	}

	return &domain.OCRResult{
		Text:       parsed.Text,
		Confidence: parsed.Confidence,
		Words:      parsed.Words,
		Blocks:     parsed.Blocks,
		Language:   parsed.Language,
	}, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
