// Benchmark tool for load-testing a running Kestrel instance.
//
// Usage:
//   go run cmd/benchmark/main.go -url http://localhost:8080 -count 500
//
// This tool:
//  1. Generates synthetic proof images of varying sizes
//  2. Submits them concurrently to POST /submissions
//  3. Polls until every job resolves to a decision
//  4. Reports the outcome distribution, latency and throughput
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"image"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// submitResponse mirrors the POST /submissions response body.
type submitResponse struct {
	JobID       string `json:"jobId"`
	Fingerprint string `json:"fingerprint"`
	Status      string `json:"status"`
	Duplicate   bool   `json:"duplicate"`
}

// extractionResponse carries the fields the poller needs.
type extractionResponse struct {
	ID                string  `json:"id"`
	OverallConfidence float64 `json:"overallConfidence"`
}

// decisionList mirrors GET /extractions/{id}/decisions.
type decisionList struct {
	Decisions []struct {
		Outcome string `json:"outcome"`
	} `json:"decisions"`
	Count int `json:"count"`
}

// metrics aggregates the run.
type metrics struct {
	submitted   int64
	duplicates  int64
	rejected429 int64
	errors      int64

	decided   int64
	undecided int64
	outcomes  sync.Map // outcome -> *int64

	submitLatencyMs  int64
	resolveLatencyMs int64
}

func (m *metrics) countOutcome(outcome string) {
	v, _ := m.outcomes.LoadOrStore(outcome, new(int64))
	atomic.AddInt64(v.(*int64), 1)
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	count := flag.Int("count", 100, "Number of submissions")
	workers := flag.Int("workers", 8, "Number of concurrent submitters")
	timeout := flag.Duration("timeout", 30*time.Second, "Per-job resolution timeout")
	verbose := flag.Bool("verbose", false, "Print each job result")
	flag.Parse()

	fmt.Println("Kestrel benchmark")
	fmt.Printf("  URL:      %s\n", *baseURL)
	fmt.Printf("  Count:    %d\n", *count)
	fmt.Printf("  Workers:  %d\n", *workers)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		os.Exit(1)
	}
	fmt.Println("server is healthy, starting run")

	m := &metrics{}
	start := time.Now()
	runBenchmark(*baseURL, *count, *workers, *timeout, *verbose, m)
	printResults(m, time.Since(start))
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func runBenchmark(baseURL string, count, workers int, timeout time.Duration, verbose bool, m *metrics) {
	work := make(chan int, workers)
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 15 * time.Second}

			for seq := range work {
				submitStart := time.Now()
				resp, err := submit(client, baseURL, seq)
				atomic.AddInt64(&m.submitLatencyMs, time.Since(submitStart).Milliseconds())

				if err != nil {
					atomic.AddInt64(&m.errors, 1)
					if verbose {
						fmt.Printf("ERROR: submission %d: %v\n", seq, err)
					}
					continue
				}
				atomic.AddInt64(&m.submitted, 1)
				if resp.Duplicate {
					atomic.AddInt64(&m.duplicates, 1)
					continue
				}

				outcome, elapsed, err := waitForDecision(client, baseURL, resp.JobID, timeout)
				if err != nil {
					atomic.AddInt64(&m.undecided, 1)
					if verbose {
						fmt.Printf("TIMEOUT: job %s: %v\n", resp.JobID, err)
					}
					continue
				}

				atomic.AddInt64(&m.decided, 1)
				atomic.AddInt64(&m.resolveLatencyMs, elapsed.Milliseconds())
				m.countOutcome(outcome)

				if verbose {
					fmt.Printf("job %s -> %-20s (%v)\n", resp.JobID, outcome, elapsed.Round(time.Millisecond))
				}
			}
		}()
	}

	for seq := 0; seq < count; seq++ {
		work <- seq
	}
	close(work)
	wg.Wait()
}

// submit posts one generated proof image as a multipart submission.
func submit(client *http.Client, baseURL string, seq int) (*submitResponse, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	part, err := w.CreateFormFile("image", fmt.Sprintf("proof-%d.png", seq))
	if err != nil {
		return nil, err
	}
	if err := png.Encode(part, proofImage(seq)); err != nil {
		return nil, err
	}
	w.WriteField("sourcePlatform", "benchmark")
	w.WriteField("submittedBy", fmt.Sprintf("bench-user-%d", seq%16))
	if seq%4 == 0 {
		w.WriteField("priority", "high")
	}
	w.Close()

	req, err := http.NewRequest(http.MethodPost, baseURL+"/submissions", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, data)
	}

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// waitForDecision polls the job's extraction and decision trail.
func waitForDecision(client *http.Client, baseURL, jobID string, timeout time.Duration) (string, time.Duration, error) {
	start := time.Now()
	deadline := start.Add(timeout)

	var extID string
	for time.Now().Before(deadline) {
		if extID == "" {
			resp, err := client.Get(baseURL + "/jobs/" + jobID + "/extraction")
			if err == nil && resp.StatusCode == http.StatusOK {
				var ext extractionResponse
				json.NewDecoder(resp.Body).Decode(&ext)
				extID = ext.ID
			}
			if resp != nil {
				resp.Body.Close()
			}
		}

		if extID != "" {
			resp, err := client.Get(baseURL + "/extractions/" + extID + "/decisions")
			if err == nil && resp.StatusCode == http.StatusOK {
				var list decisionList
				json.NewDecoder(resp.Body).Decode(&list)
				resp.Body.Close()
				if list.Count > 0 {
					return list.Decisions[0].Outcome, time.Since(start), nil
				}
			} else if resp != nil {
				resp.Body.Close()
			}
		}

		time.Sleep(100 * time.Millisecond)
	}

	return "", 0, fmt.Errorf("no decision within %v", timeout)
}

// proofImage renders a unique synthetic image per sequence number. An LCG
// fills the pixels so every image has a distinct fingerprint and does not
// compress away.
func proofImage(seq int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 480, 640))
	state := uint32(seq*2654435761 + 1)
	for i := range img.Pix {
		state = state*1664525 + 1013904223
		img.Pix[i] = uint8(state >> 24)
	}
	// Opaque alpha keeps the JPEG re-encode cheap.
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 255
	}
	return img
}

func printResults(m *metrics, duration time.Duration) {
	fmt.Println()
	fmt.Println("RESULTS")
	fmt.Printf("  Submitted:   %d\n", m.submitted)
	fmt.Printf("  Duplicates:  %d\n", m.duplicates)
	fmt.Printf("  Errors:      %d\n", m.errors)
	fmt.Printf("  Decided:     %d\n", m.decided)
	fmt.Printf("  Undecided:   %d\n", m.undecided)

	fmt.Println("\nOUTCOMES")
	m.outcomes.Range(func(k, v interface{}) bool {
		fmt.Printf("  %-22s %d\n", k.(string), atomic.LoadInt64(v.(*int64)))
		return true
	})

	fmt.Println("\nPERFORMANCE")
	fmt.Printf("  Total duration:     %v\n", duration.Round(time.Millisecond))
	if m.submitted > 0 {
		fmt.Printf("  Avg submit latency: %.2f ms\n", float64(m.submitLatencyMs)/float64(m.submitted))
		fmt.Printf("  Throughput:         %.2f submissions/sec\n", float64(m.submitted)/duration.Seconds())
	}
	if m.decided > 0 {
		fmt.Printf("  Avg time to decide: %.2f ms\n", float64(m.resolveLatencyMs)/float64(m.decided))
	}
	fmt.Println()
}
