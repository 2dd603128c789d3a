package fusion

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Heuristic field recovery from raw OCR text, used when the vision port
// is down. Deliberately conservative: a field it cannot find stays
// empty rather than being guessed.

var (
	amountPattern = regexp.MustCompile(`(?:₱|\$|€|PHP|USD|EUR|THB)\s*([0-9][0-9,]*(?:\.[0-9]{1,2})?)|([0-9][0-9,]*\.[0-9]{2})\b`)

	referencePattern = regexp.MustCompile(`(?i)ref(?:erence)?\.?\s*(?:no\.?|number|#)?\s*[:\-]?\s*([A-Z0-9][A-Z0-9\-]{3,})`)

	currencyPattern = regexp.MustCompile(`\b(PHP|USD|EUR|THB|SGD|JPY)\b|(₱)|(\$)|(€)`)
)

var methodKeywords = map[string]string{
	"gcash":         "gcash",
	"maya":          "maya",
	"paymaya":       "maya",
	"paypal":        "paypal",
	"grabpay":       "grabpay",
	"bank transfer": "bank_transfer",
	"instapay":      "bank_transfer",
	"pesonet":       "bank_transfer",
	"wire transfer": "bank_transfer",
}

// parseOCRFields recovers typed fields from raw text. The second return
// is false when nothing recognizable was found.
func parseOCRFields(text string) (domain.ExtractionFields, bool) {
	var fields domain.ExtractionFields

	if amounts := findAmounts(text); len(amounts) > 0 {
		fields.Amount = &amounts[0]
	}
	fields.Currency = findCurrency(text)
	fields.Method = findMethod(text)
	if m := referencePattern.FindStringSubmatch(text); m != nil {
		fields.Reference = m[1]
	}

	found := fields.Amount != nil || fields.Reference != "" || fields.Method != ""
	return fields, found
}

// findAmounts returns every monetary amount present in the text, in
// order of appearance.
func findAmounts(text string) []float64 {
	var out []float64
	for _, m := range amountPattern.FindAllStringSubmatch(text, -1) {
		raw := m[1]
		if raw == "" {
			raw = m[2]
		}
		raw = strings.ReplaceAll(raw, ",", "")
		if v, err := strconv.ParseFloat(raw, 64); err == nil && v > 0 {
			out = append(out, v)
		}
	}
	return out
}

func findCurrency(text string) string {
	m := currencyPattern.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	switch {
	case m[1] != "":
		return m[1]
	case m[2] != "":
		return "PHP"
	case m[3] != "":
		return "USD"
	case m[4] != "":
		return "EUR"
	}
	return ""
}

func findMethod(text string) string {
	lower := strings.ToLower(text)
	for keyword, method := range methodKeywords {
		if strings.Contains(lower, keyword) {
			return method
		}
	}
	return ""
}

// isKnownMethod reports whether the method is one the pipeline
// recognizes.
func isKnownMethod(method string) bool {
	switch method {
	case "gcash", "maya", "paypal", "grabpay", "bank_transfer":
		return true
	}
	return false
}

// isPlausibleReference checks the reference against the loose shape
// payment providers use: at least four alphanumeric characters, dashes
// allowed.
func isPlausibleReference(ref string) bool {
	if len(ref) < 4 {
		return false
	}
	for _, ch := range ref {
		switch {
		case ch >= '0' && ch <= '9':
		case ch >= 'a' && ch <= 'z':
		case ch >= 'A' && ch <= 'Z':
		case ch == '-':
		default:
			return false
		}
	}
	return true
}

// normalizeText lowercases and strips separators so substring checks
// survive OCR spacing quirks.
func normalizeText(s string) string {
	s = strings.ToLower(s)
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\n', '\t', ',', '.', '-', ':':
			return -1
		}
		return r
	}, s)
}
