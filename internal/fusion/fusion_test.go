package fusion

import (
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func testEngine() *Engine {
	return New(domain.FusionConfig{
		AmountWeight:         0.30,
		ReferenceWeight:      0.25,
		MethodWeight:         0.20,
		TimestampWeight:      0.15,
		LegibilityWeight:     0.10,
		SinglePortCeiling:    0.84,
		CorroborationBoost:   0.08,
		ContradictionPenalty: 0.25,
		MaxTimestampAge:      72 * time.Hour,
		MaxTimestampAhead:    time.Hour,
	}, nil)
}

func testJob() *domain.ProcessingJob {
	return &domain.ProcessingJob{
		ID:             "job-1",
		Fingerprint:    "fp-1",
		SourcePlatform: "gcash",
		SubmittedBy:    "user-1",
		Priority:       domain.PriorityNormal,
		CreatedAt:      time.Now().UTC(),
	}
}

func visionOutcome(amount float64, reference string, confidence float64) domain.ExtractionOutcome {
	ts := time.Now().UTC().Add(-time.Hour)
	return domain.ExtractionOutcome{
		Status: domain.PortOK,
		Vision: &domain.VisionExtraction{
			Description: "GCash send money receipt",
			Fields: domain.ExtractionFields{
				Method:    "gcash",
				Amount:    &amount,
				Currency:  "PHP",
				Reference: reference,
				Timestamp: &ts,
			},
			Confidence: confidence,
			ModelID:    "gemini-2.5-flash",
		},
	}
}

func ocrOutcome(text string, confidence float64) domain.RecognitionOutcome {
	return domain.RecognitionOutcome{
		Status: domain.PortOK,
		OCR:    &domain.OCRResult{Text: text, Confidence: confidence},
	}
}

func unavailable() (domain.RecognitionOutcome, domain.ExtractionOutcome) {
	return domain.RecognitionOutcome{Status: domain.PortUnavailable, Reason: "down"},
		domain.ExtractionOutcome{Status: domain.PortUnavailable, Reason: "down"}
}

func TestFuseCombined(t *testing.T) {
	engine := testEngine()

	t.Run("CorroboratedReading", func(t *testing.T) {
		ext := engine.Fuse(testJob(),
			ocrOutcome("GCash Sent ₱1,200.00 Ref No: 9001-2234", 0.93),
			visionOutcome(1200.00, "9001-2234", 0.95))

		if ext.OverallConfidence < 0.9 {
			t.Errorf("corroborated reading should score high, got %f", ext.OverallConfidence)
		}
		if ext.OverallConfidence > 1 {
			t.Errorf("confidence out of bounds: %f", ext.OverallConfidence)
		}
		if ext.HasFlag(domain.FlagOCRContradiction) {
			t.Error("unexpected contradiction flag")
		}
		if ext.RequiresReview {
			t.Error("clean corroborated extraction should not require review")
		}

		best := ext.Best()
		if best == nil || best.Provenance != domain.ProvenanceCombined {
			t.Errorf("expected combined provenance best candidate, got %+v", best)
		}
		if best.Amount == nil || *best.Amount != 1200.00 {
			t.Errorf("expected vision amount to win, got %+v", best.Amount)
		}
	})

	t.Run("AmountContradiction", func(t *testing.T) {
		ext := engine.Fuse(testJob(),
			ocrOutcome("GCash Sent ₱1,500.00 Ref No: 9001-2234", 0.93),
			visionOutcome(1200.00, "9001-2234", 0.95))

		if !ext.HasFlag(domain.FlagOCRContradiction) {
			t.Error("expected contradiction flag")
		}
		if !ext.RequiresReview {
			t.Error("contradiction must require review")
		}
		if len(ext.Candidates) != 2 {
			t.Errorf("expected both readings kept as candidates, got %d", len(ext.Candidates))
		}
	})
}

func TestFuseSinglePort(t *testing.T) {
	engine := testEngine()

	t.Run("VisionOnly", func(t *testing.T) {
		ext := engine.Fuse(testJob(),
			domain.RecognitionOutcome{Status: domain.PortUnavailable, Reason: "ocr down"},
			visionOutcome(1200.00, "9001-2234", 0.98))

		if !ext.HasFlag(domain.FlagSinglePort) {
			t.Error("expected single-port flag")
		}
		if ext.OverallConfidence > 0.84 {
			t.Errorf("single-port confidence must stay below the ceiling, got %f", ext.OverallConfidence)
		}
		if !ext.RequiresReview {
			t.Error("uncorroborated extraction must require review")
		}
	})

	t.Run("OCROnly", func(t *testing.T) {
		ext := engine.Fuse(testJob(),
			ocrOutcome("GCash Sent ₱1,200.00 Ref No: 9001-2234", 0.9),
			domain.ExtractionOutcome{Status: domain.PortUnavailable, Reason: "vision down"})

		if !ext.HasFlag(domain.FlagSinglePort) {
			t.Error("expected single-port flag")
		}
		best := ext.Best()
		if best == nil {
			t.Fatal("expected a parsed candidate from OCR text")
		}
		if best.Amount == nil || *best.Amount != 1200.00 {
			t.Errorf("expected amount 1200.00, got %+v", best.Amount)
		}
		if best.Method != "gcash" {
			t.Errorf("expected gcash method, got %q", best.Method)
		}
		if best.Reference != "9001-2234" {
			t.Errorf("expected reference 9001-2234, got %q", best.Reference)
		}
	})

	t.Run("OCROnlyUnreadable", func(t *testing.T) {
		ext := engine.Fuse(testJob(),
			ocrOutcome("   ", 0.1),
			domain.ExtractionOutcome{Status: domain.PortUnavailable, Reason: "vision down"})

		if ext.OverallConfidence != 0 {
			t.Errorf("unreadable text should score 0, got %f", ext.OverallConfidence)
		}
		if !ext.HasFlag(domain.FlagNoData) {
			t.Error("expected no-data flag")
		}
	})
}

func TestFuseBothPortsDown(t *testing.T) {
	engine := testEngine()
	rec, ext := unavailable()

	result := engine.Fuse(testJob(), rec, ext)

	if result.OverallConfidence != 0 {
		t.Errorf("expected zero confidence, got %f", result.OverallConfidence)
	}
	if !result.RequiresReview {
		t.Error("zero-confidence extraction must require review")
	}
	if !result.HasFlag(domain.FlagNoData) {
		t.Error("expected no-data flag")
	}
	if result.ID == "" || result.JobID != "job-1" {
		t.Error("extraction must still be a complete, linkable record")
	}
}

func TestFuseTimestampPlausibility(t *testing.T) {
	engine := testEngine()
	amount := 500.00
	stale := time.Now().UTC().Add(-30 * 24 * time.Hour)

	ext := engine.Fuse(testJob(),
		ocrOutcome("Maya payment ₱500.00", 0.9),
		domain.ExtractionOutcome{
			Status: domain.PortOK,
			Vision: &domain.VisionExtraction{
				Fields: domain.ExtractionFields{
					Method:    "maya",
					Amount:    &amount,
					Currency:  "PHP",
					Timestamp: &stale,
				},
				Confidence: 0.9,
			},
		})

	if !ext.HasFlag(domain.FlagTimestampImplausible) {
		t.Error("expected implausible-timestamp flag for a month-old proof")
	}
	if !ext.RequiresReview {
		t.Error("implausible timestamp must require review")
	}
}

func TestConfidenceBounds(t *testing.T) {
	engine := testEngine()

	// Maximum corroboration must not push past 1.0.
	ext := engine.Fuse(testJob(),
		ocrOutcome("GCash ₱1,200.00 Ref 9001-2234", 1.0),
		visionOutcome(1200.00, "9001-2234", 1.0))

	if ext.OverallConfidence > 1 || ext.OverallConfidence < 0 {
		t.Errorf("confidence out of [0,1]: %f", ext.OverallConfidence)
	}
}

func TestParseOCRFields(t *testing.T) {
	cases := []struct {
		name   string
		text   string
		found  bool
		amount float64
		method string
	}{
		{"GCashReceipt", "GCash Sent ₱1,200.00 to Juan", true, 1200.00, "gcash"},
		{"BankTransfer", "InstaPay transfer PHP 4,500.00 Ref ABC-123", true, 4500.00, "bank_transfer"},
		{"PlainAmount", "Total 350.75", true, 350.75, ""},
		{"Empty", "", false, 0, ""},
		{"NoFacts", "hello world", false, 0, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fields, found := parseOCRFields(tc.text)
			if found != tc.found {
				t.Fatalf("found = %v, want %v", found, tc.found)
			}
			if !tc.found {
				return
			}
			if tc.amount > 0 && (fields.Amount == nil || *fields.Amount != tc.amount) {
				t.Errorf("amount = %+v, want %f", fields.Amount, tc.amount)
			}
			if fields.Method != tc.method {
				t.Errorf("method = %q, want %q", fields.Method, tc.method)
			}
		})
	}
}
