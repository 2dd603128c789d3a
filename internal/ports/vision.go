package ports

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/opensource-finance/kestrel/internal/domain"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GeminiExtractor implements the structured-extraction port against the
// Gemini vision API. It asks for a JSON response constrained by an
// explicit schema, then repairs the usual model JSON quirks before
// unmarshaling.
type GeminiExtractor struct {
	client  *genai.Client
	modelID string
	logger  *slog.Logger
}

// NewGeminiExtractor creates the vision adapter.
func NewGeminiExtractor(ctx context.Context, cfg domain.PortsConfig, logger *slog.Logger) (*GeminiExtractor, error) {
	if cfg.VisionAPIKey == "" {
		return nil, fmt.Errorf("vision API key not configured")
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.VisionAPIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create vision client: %w", err)
	}

	modelID := cfg.VisionModel
	if modelID == "" {
		modelID = "gemini-2.5-flash"
	}

	return &GeminiExtractor{client: client, modelID: modelID, logger: logger}, nil
}

// Close releases the underlying API client.
func (g *GeminiExtractor) Close() error {
	return g.client.Close()
}

// visionResponse mirrors the JSON schema the model is constrained to.
type visionResponse struct {
	Description string   `json:"description"`
	Method      string   `json:"method"`
	Amount      *float64 `json:"amount"`
	Currency    string   `json:"currency"`
	Sender      string   `json:"sender"`
	Recipient   string   `json:"recipient"`
	Reference   string   `json:"reference"`
	Timestamp   string   `json:"timestamp"`
	BankName    string   `json:"bank_name"`
	Confidence  float64  `json:"confidence"`
	Rationale   string   `json:"rationale"`
}

const extractionPrompt = `You are reading a payment proof screenshot (bank transfer slip,
e-wallet receipt, or similar). Extract the transaction facts exactly as
shown. Do not guess: leave a field empty (or amount null) when the image
does not show it. Amounts must be numeric without thousands separators.
Timestamps must be RFC 3339. Confidence is your honest 0-1 estimate that
the extracted fields are correct.`

// ExtractStructured sends the image to the vision model and maps the
// schema-constrained response onto domain fields.
func (g *GeminiExtractor) ExtractStructured(ctx context.Context, image []byte, taskHint string) (*domain.VisionExtraction, error) {
	model := g.client.GenerativeModel(g.modelID)
	model.SetTemperature(0.2)
	model.ResponseMIMEType = "application/json"
	model.ResponseSchema = visionSchema()

	prompt := extractionPrompt
	if taskHint != "" {
		prompt += "\n\nContext from the submitter: " + taskHint
	}

	start := time.Now()
	resp, err := model.GenerateContent(ctx,
		genai.Text(prompt),
		genai.Blob{MIMEType: detectMIME(image), Data: image},
	)
	if err != nil {
		return nil, classifyVisionError(err)
	}

	g.logger.Debug("vision response", "model", g.modelID,
		"elapsed_ms", time.Since(start).Milliseconds())

	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, retryableErr(fmt.Errorf("empty response from vision model"))
	}

	var jsonText string
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			jsonText = string(text)
			break
		}
	}
	if jsonText == "" {
		return nil, retryableErr(fmt.Errorf("no text part in vision response"))
	}

	jsonText = stripFences(jsonText)
	jsonText = fixJSONEscaping(jsonText)

	var parsed visionResponse
	if err := json.Unmarshal([]byte(jsonText), &parsed); err != nil {
		// A truncated response (MAX_TOKENS) parses as garbage; retrying
		// usually yields a complete one.
		if resp.Candidates[0].FinishReason == genai.FinishReasonMaxTokens {
			return nil, retryableErr(fmt.Errorf("vision response truncated: %w", err))
		}
		return nil, terminalErr(fmt.Errorf("decode vision response: %w", err))
	}

	fields := domain.ExtractionFields{
		Method:    strings.ToLower(strings.TrimSpace(parsed.Method)),
		Amount:    parsed.Amount,
		Currency:  strings.ToUpper(strings.TrimSpace(parsed.Currency)),
		Sender:    strings.TrimSpace(parsed.Sender),
		Recipient: strings.TrimSpace(parsed.Recipient),
		Reference: strings.TrimSpace(parsed.Reference),
		BankName:  strings.TrimSpace(parsed.BankName),
	}
	if parsed.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339, parsed.Timestamp); err == nil {
			fields.Timestamp = &ts
		}
	}

	confidence := parsed.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = confidence / 100 // model answered in percent
	}

	return &domain.VisionExtraction{
		Description: parsed.Description,
		Fields:      fields,
		Confidence:  confidence,
		Rationale:   parsed.Rationale,
		ModelID:     g.modelID,
	}, nil
}

func visionSchema() *genai.Schema {
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"description": {
				Type:        genai.TypeString,
				Description: "One sentence describing what kind of payment proof this is",
			},
			"method": {
				Type:        genai.TypeString,
				Description: "Payment method, lowercase (gcash, maya, bank_transfer, paypal, ...). Empty if unclear.",
			},
			"amount": {
				Type:        genai.TypeNumber,
				Description: "Transaction amount as a plain number. Omit if not visible.",
				Nullable:    true,
			},
			"currency": {
				Type:        genai.TypeString,
				Description: "ISO 4217 currency code (PHP, USD, ...). Empty if unclear.",
			},
			"sender": {
				Type:        genai.TypeString,
				Description: "Sender name or account as shown",
			},
			"recipient": {
				Type:        genai.TypeString,
				Description: "Recipient name or account as shown",
			},
			"reference": {
				Type:        genai.TypeString,
				Description: "Transaction reference or confirmation number",
			},
			"timestamp": {
				Type:        genai.TypeString,
				Description: "Transaction timestamp in RFC 3339 format. Empty if not visible.",
			},
			"bank_name": {
				Type:        genai.TypeString,
				Description: "Bank or wallet provider name",
			},
			"confidence": {
				Type:        genai.TypeNumber,
				Description: "Overall confidence 0.0-1.0 that the extracted fields are correct",
			},
			"rationale": {
				Type:        genai.TypeString,
				Description: "Short explanation of what was legible and what was uncertain",
			},
		},
		Required: []string{"description", "confidence"},
	}
}

// classifyVisionError maps Google API errors onto the retryable/terminal
// split the guard acts on.
func classifyVisionError(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 429:
			return retryableErr(fmt.Errorf("vision rate limit: %w", err))
		case apiErr.Code >= 500:
			return retryableErr(fmt.Errorf("vision server error (%d): %w", apiErr.Code, err))
		default:
			return terminalErr(fmt.Errorf("vision request rejected (%d): %w", apiErr.Code, err))
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return retryableErr(err)
	}
	if errors.Is(err, context.Canceled) {
		return terminalErr(err)
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "quota") {
		return terminalErr(fmt.Errorf("vision quota exhausted: %w", err))
	}
	if strings.Contains(msg, "connection") || strings.Contains(msg, "network") ||
		strings.Contains(msg, "timeout") {
		return retryableErr(err)
	}
	return retryableErr(err)
}

// detectMIME sniffs the image format from its magic bytes.
func detectMIME(image []byte) string {
	switch {
	case len(image) >= 8 && string(image[:8]) == "\x89PNG\r\n\x1a\n":
		return "image/png"
	case len(image) >= 3 && image[0] == 0xFF && image[1] == 0xD8 && image[2] == 0xFF:
		return "image/jpeg"
	case len(image) >= 12 && string(image[:4]) == "RIFF" && string(image[8:12]) == "WEBP":
		return "image/webp"
	default:
		return "image/jpeg"
	}
}

// stripFences removes markdown code fences the model sometimes wraps
// around a JSON body despite the response MIME type.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// fixJSONEscaping escapes literal control characters the model sometimes
// emits inside JSON string values, which Go's parser rejects.
func fixJSONEscaping(jsonStr string) string {
	var b strings.Builder
	b.Grow(len(jsonStr))

	inString := false
	escaped := false
	for _, ch := range jsonStr {
		if escaped {
			b.WriteRune(ch)
			escaped = false
			continue
		}
		switch {
		case inString && ch == '\\':
			b.WriteRune(ch)
			escaped = true
		case ch == '"':
			inString = !inString
			b.WriteRune(ch)
		case inString && ch == '\n':
			b.WriteString(`\n`)
		case inString && ch == '\r':
			b.WriteString(`\r`)
		case inString && ch == '\t':
			b.WriteString(`\t`)
		case inString && ch < 0x20:
			b.WriteString(fmt.Sprintf(`\u%04x`, ch))
		default:
			b.WriteRune(ch)
		}
	}
	return b.String()
}
