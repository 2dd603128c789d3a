package ports

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

type fakeRecognizer struct {
	calls     atomic.Int32
	failUntil int32 // attempts before the first success
	err       error
	delay     time.Duration
}

func (f *fakeRecognizer) ExtractText(ctx context.Context, image []byte) (*domain.OCRResult, error) {
	n := f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	if n <= f.failUntil {
		if f.err != nil {
			return nil, f.err
		}
		return nil, retryableErr(fmt.Errorf("transient failure %d", n))
	}
	return &domain.OCRResult{Text: "GCash PHP 1,200.00", Confidence: 0.9}, nil
}

func testGuard(policy domain.RetryPolicy, timeout time.Duration) *Guard {
	return NewGuard(domain.PortsConfig{
		RecognitionTimeout: timeout,
		RecognitionRetry:   policy,
		VisionTimeout:      timeout,
		VisionRetry:        policy,
	}, nil)
}

func fastPolicy(attempts int) domain.RetryPolicy {
	return domain.RetryPolicy{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Multiplier:  2.0,
	}
}

func TestGuardRecognize(t *testing.T) {
	ctx := context.Background()

	t.Run("FirstAttemptIsOK", func(t *testing.T) {
		port := &fakeRecognizer{}
		out := testGuard(fastPolicy(3), time.Second).Recognize(ctx, port, []byte("img"))

		if out.Status != domain.PortOK {
			t.Errorf("expected PortOK, got %s (%s)", out.Status, out.Reason)
		}
		if out.OCR == nil || out.OCR.Text == "" {
			t.Error("expected OCR result")
		}
		if port.calls.Load() != 1 {
			t.Errorf("expected 1 call, got %d", port.calls.Load())
		}
	})

	t.Run("RetriedSuccessIsDegraded", func(t *testing.T) {
		port := &fakeRecognizer{failUntil: 2}
		out := testGuard(fastPolicy(3), time.Second).Recognize(ctx, port, []byte("img"))

		if out.Status != domain.PortDegraded {
			t.Errorf("expected PortDegraded, got %s", out.Status)
		}
		if out.OCR == nil {
			t.Error("degraded outcome should still carry the result")
		}
		if port.calls.Load() != 3 {
			t.Errorf("expected 3 calls, got %d", port.calls.Load())
		}
	})

	t.Run("ExhaustedIsUnavailable", func(t *testing.T) {
		port := &fakeRecognizer{failUntil: 100}
		out := testGuard(fastPolicy(3), time.Second).Recognize(ctx, port, []byte("img"))

		if out.Status != domain.PortUnavailable {
			t.Errorf("expected PortUnavailable, got %s", out.Status)
		}
		if out.OCR != nil {
			t.Error("unavailable outcome must not carry a result")
		}
		if port.calls.Load() != 3 {
			t.Errorf("expected exactly MaxAttempts calls, got %d", port.calls.Load())
		}
		if !strings.Contains(out.Reason, "3 attempts") {
			t.Errorf("expected attempt count in reason, got %q", out.Reason)
		}
	})

	t.Run("TerminalErrorStopsRetrying", func(t *testing.T) {
		port := &fakeRecognizer{failUntil: 100, err: terminalErr(fmt.Errorf("bad image payload"))}
		out := testGuard(fastPolicy(3), time.Second).Recognize(ctx, port, []byte("img"))

		if out.Status != domain.PortUnavailable {
			t.Errorf("expected PortUnavailable, got %s", out.Status)
		}
		if port.calls.Load() != 1 {
			t.Errorf("terminal error should not be retried, got %d calls", port.calls.Load())
		}
	})

	t.Run("PerAttemptTimeout", func(t *testing.T) {
		port := &fakeRecognizer{delay: 200 * time.Millisecond}
		out := testGuard(fastPolicy(2), 10*time.Millisecond).Recognize(ctx, port, []byte("img"))

		if out.Status != domain.PortUnavailable {
			t.Errorf("expected PortUnavailable after timeouts, got %s", out.Status)
		}
		if port.calls.Load() != 2 {
			t.Errorf("timeout is retryable, expected 2 attempts, got %d", port.calls.Load())
		}
	})

	t.Run("CallerCancellation", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		port := &fakeRecognizer{failUntil: 100}
		out := testGuard(fastPolicy(3), time.Second).Recognize(cancelled, port, []byte("img"))

		if out.Status != domain.PortUnavailable {
			t.Errorf("expected PortUnavailable on cancelled context, got %s", out.Status)
		}
	})
}

func TestRetryPolicyDelay(t *testing.T) {
	policy := domain.RetryPolicy{
		MaxAttempts: 4,
		BaseDelay:   time.Second,
		MaxDelay:    8 * time.Second,
		Multiplier:  2.0,
	}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 8 * time.Second}, // capped
	}
	for _, tc := range cases {
		if got := policy.Delay(tc.attempt); got != tc.want {
			t.Errorf("Delay(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestHTTPRecognizer(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer test-key" {
				t.Errorf("expected bearer auth header, got %q", r.Header.Get("Authorization"))
			}
			var req recognizeRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("bad request body: %v", err)
			}
			if req.Image == "" {
				t.Error("expected base64 image in request")
			}
			json.NewEncoder(w).Encode(recognizeResponse{
				Text:       "Sent PHP 1,200.00",
				Confidence: 0.94,
				Language:   "en",
			})
		}))
		defer srv.Close()

		rec := NewHTTPRecognizer(domain.PortsConfig{
			RecognitionEndpoint: srv.URL,
			RecognitionAPIKey:   "test-key",
		}, nil)

		result, err := rec.ExtractText(context.Background(), []byte("fake-image"))
		if err != nil {
			t.Fatalf("ExtractText failed: %v", err)
		}
		if result.Text != "Sent PHP 1,200.00" || result.Confidence != 0.94 {
			t.Errorf("unexpected result: %+v", result)
		}
	})

	t.Run("ServerErrorIsRetryable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusBadGateway)
		}))
		defer srv.Close()

		rec := NewHTTPRecognizer(domain.PortsConfig{RecognitionEndpoint: srv.URL}, nil)
		_, err := rec.ExtractText(context.Background(), []byte("img"))
		if err == nil {
			t.Fatal("expected error")
		}
		if !isRetryable(err) {
			t.Error("5xx should be retryable")
		}
	})

	t.Run("ClientErrorIsTerminal", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "unsupported media", http.StatusUnsupportedMediaType)
		}))
		defer srv.Close()

		rec := NewHTTPRecognizer(domain.PortsConfig{RecognitionEndpoint: srv.URL}, nil)
		_, err := rec.ExtractText(context.Background(), []byte("img"))
		if err == nil {
			t.Fatal("expected error")
		}
		if isRetryable(err) {
			t.Error("4xx should be terminal")
		}
	})

	t.Run("NoEndpointConfigured", func(t *testing.T) {
		rec := NewHTTPRecognizer(domain.PortsConfig{}, nil)
		_, err := rec.ExtractText(context.Background(), []byte("img"))
		if err == nil {
			t.Fatal("expected error for missing endpoint")
		}
		if isRetryable(err) {
			t.Error("missing configuration should be terminal")
		}
	})
}

func TestFixJSONEscaping(t *testing.T) {
	in := "{\"rationale\": \"line one\nline two\ttabbed\"}"
	out := fixJSONEscaping(in)

	var parsed map[string]string
	if err := json.Unmarshal([]byte(out), &parsed); err != nil {
		t.Fatalf("repaired JSON still invalid: %v\n%s", err, out)
	}
	if parsed["rationale"] != "line one\nline two\ttabbed" {
		t.Errorf("content mangled: %q", parsed["rationale"])
	}
}

func TestStripFences(t *testing.T) {
	in := "```json\n{\"a\": 1}\n```"
	if got := stripFences(in); got != `{"a": 1}` {
		t.Errorf("stripFences = %q", got)
	}
}

func TestDetectMIME(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n....")
	if detectMIME(png) != "image/png" {
		t.Error("expected PNG detection")
	}
	jpg := []byte{0xFF, 0xD8, 0xFF, 0xE0}
	if detectMIME(jpg) != "image/jpeg" {
		t.Error("expected JPEG detection")
	}
}
