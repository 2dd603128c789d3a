package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/dispatch"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/emit"
	"github.com/opensource-finance/kestrel/internal/intake"
	"github.com/opensource-finance/kestrel/internal/policy"
)

// maxMultipartMemory bounds in-memory multipart parsing. Larger uploads
// spill to disk; the intake size ceiling still applies to the image.
const maxMultipartMemory = 32 << 20

// Handler holds dependencies for API handlers.
type Handler struct {
	intake     *intake.Service
	dispatcher *dispatch.Dispatcher
	decider    *decision.Engine
	guards     *policy.Engine
	repo       domain.Repository
	cache      domain.Cache
	emitter    *emit.Emitter
	cfg        domain.ServerConfig
	version    string
}

// NewHandler creates a new API handler.
func NewHandler(cfg domain.ServerConfig, svc *intake.Service, dispatcher *dispatch.Dispatcher, decider *decision.Engine, guards *policy.Engine, repo domain.Repository, cache domain.Cache, emitter *emit.Emitter, version string) *Handler {
	return &Handler{
		intake:     svc,
		dispatcher: dispatcher,
		decider:    decider,
		guards:     guards,
		repo:       repo,
		cache:      cache,
		emitter:    emitter,
		cfg:        cfg,
		version:    version,
	}
}

// SubmitRequest is the JSON request body for POST /submissions. Multipart
// uploads carry the same fields as form values plus an "image" file part.
type SubmitRequest struct {
	ImageBase64    string                    `json:"imageBase64"`
	SourcePlatform string                    `json:"sourcePlatform"`
	SubmittedBy    string                    `json:"submittedBy"`
	Priority       string                    `json:"priority,omitempty"`
	Context        *domain.SubmissionContext `json:"context,omitempty"`
}

// SubmitResponse is the response for POST /submissions.
type SubmitResponse struct {
	JobID       string                    `json:"jobId,omitempty"`
	Fingerprint string                    `json:"fingerprint,omitempty"`
	Priority    domain.Priority           `json:"priority,omitempty"`
	Status      string                    `json:"status"`
	Duplicate   bool                      `json:"duplicate"`
	Extraction  *domain.PaymentExtraction `json:"extraction,omitempty"`
}

// Submit handles POST /submissions: validate the proof image, enqueue a
// processing job, and return immediately. Duplicates inside the dedup
// window short-circuit to the prior extraction.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	image, sub, err := h.readSubmission(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	if !h.allowSubmission(ctx, r, sub.SubmittedBy) {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error": "submission rate limit exceeded",
		})
		return
	}

	res, err := h.intake.Accept(ctx, image, sub)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidImage) {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": err.Error(),
			})
			return
		}
		slog.Error("intake failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "submission failed",
		})
		return
	}

	if res.Duplicate != nil {
		writeJSON(w, http.StatusOK, SubmitResponse{
			Status:     "duplicate",
			Duplicate:  true,
			Extraction: res.Duplicate,
		})
		return
	}

	// Same image, first submission still in flight: point the caller at
	// the job already processing it.
	if res.PendingJobID != "" {
		writeJSON(w, http.StatusAccepted, SubmitResponse{
			JobID:     res.PendingJobID,
			Status:    "processing",
			Duplicate: true,
		})
		return
	}

	if err := h.emitter.EmitJobAccepted(ctx, res.Job); err != nil {
		slog.Warn("failed to emit job accepted event", "job_id", res.Job.ID, "error", err)
	}

	if err := h.dispatcher.Submit(res.Job); err != nil {
		if errors.Is(err, dispatch.ErrQueueFull) || errors.Is(err, dispatch.ErrStopped) {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"error": "processing queue unavailable, retry later",
			})
			return
		}
		slog.Error("dispatch failed", "job_id", res.Job.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "submission failed",
		})
		return
	}

	writeJSON(w, http.StatusAccepted, SubmitResponse{
		JobID:       res.Job.ID,
		Fingerprint: res.Job.Fingerprint,
		Priority:    res.Job.Priority,
		Status:      "accepted",
	})
}

// readSubmission extracts the image bytes and metadata from either a
// multipart upload or a JSON body with a base64 image.
func (h *Handler) readSubmission(r *http.Request) ([]byte, intake.Submission, error) {
	contentType := r.Header.Get("Content-Type")

	if strings.HasPrefix(contentType, "multipart/form-data") {
		if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
			return nil, intake.Submission{}, fmt.Errorf("invalid multipart form: %w", err)
		}
		file, _, err := r.FormFile("image")
		if err != nil {
			return nil, intake.Submission{}, fmt.Errorf("image file part is required")
		}
		defer file.Close()

		image, err := io.ReadAll(file)
		if err != nil {
			return nil, intake.Submission{}, fmt.Errorf("failed to read image: %w", err)
		}

		sub := intake.Submission{
			SourcePlatform: r.FormValue("sourcePlatform"),
			SubmittedBy:    r.FormValue("submittedBy"),
			Priority:       domain.Priority(r.FormValue("priority")),
		}
		if sc := formContext(r); sc != nil {
			sub.Context = sc
		}
		return image, sub, nil
	}

	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, intake.Submission{}, fmt.Errorf("invalid JSON request body")
	}
	image, err := base64.StdEncoding.DecodeString(req.ImageBase64)
	if err != nil {
		return nil, intake.Submission{}, fmt.Errorf("imageBase64 is not valid base64")
	}

	return image, intake.Submission{
		SourcePlatform: req.SourcePlatform,
		SubmittedBy:    req.SubmittedBy,
		Priority:       domain.Priority(req.Priority),
		Context:        req.Context,
	}, nil
}

// formContext builds the submission context from multipart form values.
// Returns nil when the caller supplied no expectation.
func formContext(r *http.Request) *domain.SubmissionContext {
	amount, _ := strconv.ParseFloat(r.FormValue("expectedAmount"), 64)
	currency := r.FormValue("currency")
	reference := r.FormValue("referenceCode")
	buyer := r.FormValue("buyerId")

	if amount <= 0 && currency == "" && reference == "" && buyer == "" {
		return nil
	}
	return &domain.SubmissionContext{
		ExpectedAmount: amount,
		Currency:       currency,
		ReferenceCode:  reference,
		BuyerID:        buyer,
	}
}

// allowSubmission enforces the per-submitter rate limit. Fails open when
// the cache is unreachable.
func (h *Handler) allowSubmission(ctx context.Context, r *http.Request, submitter string) bool {
	if h.cfg.SubmissionsPerMinute <= 0 || h.cache == nil {
		return true
	}
	key := submitter
	if key == "" {
		key = r.RemoteAddr
	}

	count, err := h.cache.IncrementCounter(ctx, "ratelimit:submit:"+key, time.Minute)
	if err != nil {
		slog.Warn("rate limit counter failed", "error", err)
		return true
	}
	return count <= int64(h.cfg.SubmissionsPerMinute)
}

// GetJob retrieves a processing job by ID.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")

	job, err := h.repo.GetJob(r.Context(), jobID)
	if err != nil {
		writeNotFound(w, "job", jobID, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// GetJobExtraction retrieves the extraction produced for a job. Returns
// 404 until the pipeline has processed the job.
func (h *Handler) GetJobExtraction(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")

	ext, err := h.repo.GetExtractionByJob(r.Context(), jobID)
	if err != nil {
		writeNotFound(w, "extraction for job", jobID, err)
		return
	}
	writeJSON(w, http.StatusOK, ext)
}

// GetExtraction retrieves an extraction by ID.
func (h *Handler) GetExtraction(w http.ResponseWriter, r *http.Request) {
	extID := chi.URLParam(r, "id")

	ext, err := h.repo.GetExtraction(r.Context(), extID)
	if err != nil {
		writeNotFound(w, "extraction", extID, err)
		return
	}
	writeJSON(w, http.StatusOK, ext)
}

// ListExtractionDecisions returns the decision audit trail for an
// extraction, oldest first.
func (h *Handler) ListExtractionDecisions(w http.ResponseWriter, r *http.Request) {
	extID := chi.URLParam(r, "id")

	if _, err := h.repo.GetExtraction(r.Context(), extID); err != nil {
		writeNotFound(w, "extraction", extID, err)
		return
	}

	decisions, err := h.repo.ListDecisionsByExtraction(r.Context(), extID)
	if err != nil {
		slog.Error("failed to list decisions", "extraction_id", extID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list decisions",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"decisions": decisions,
		"count":     len(decisions),
	})
}

// GetDecision retrieves a decision by ID.
func (h *Handler) GetDecision(w http.ResponseWriter, r *http.Request) {
	decisionID := chi.URLParam(r, "id")

	dec, err := h.repo.GetDecision(r.Context(), decisionID)
	if err != nil {
		writeNotFound(w, "decision", decisionID, err)
		return
	}
	writeJSON(w, http.StatusOK, dec)
}

// Review handles POST /extractions/{id}/review: a human verdict recorded
// as a new decision on the extraction. The automated decision stays in
// the audit trail untouched.
func (h *Handler) Review(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	extID := chi.URLParam(r, "id")

	ext, err := h.repo.GetExtraction(ctx, extID)
	if err != nil {
		writeNotFound(w, "extraction", extID, err)
		return
	}

	var req domain.ReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	req.ExtractionID = extID

	dec, err := h.decider.Review(ctx, ext, &req)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidReview) {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": err.Error(),
			})
			return
		}
		slog.Error("review failed", "extraction_id", extID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "review failed",
		})
		return
	}

	if err := h.repo.SaveDecision(ctx, dec); err != nil {
		slog.Error("failed to save review decision", "decision_id", dec.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save decision",
		})
		return
	}

	if err := h.emitter.EmitDecision(ctx, dec, ext, domain.PriorityHigh); err != nil {
		slog.Warn("failed to emit review decision event", "decision_id", dec.ID, "error", err)
	}

	slog.Info("review recorded",
		"extraction_id", extID,
		"decision_id", dec.ID,
		"outcome", dec.Outcome,
		"reviewed_by", dec.ReviewedBy,
	)
	writeJSON(w, http.StatusOK, dec)
}

// Stats returns aggregate pipeline counters. The window defaults to the
// last 24 hours; ?since accepts an RFC 3339 timestamp.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	since := time.Now().UTC().Add(-24 * time.Hour)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "since must be an RFC 3339 timestamp",
			})
			return
		}
		since = parsed
	}

	report, err := h.repo.Stats(r.Context(), since)
	if err != nil {
		slog.Error("failed to compute stats", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to compute stats",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"since": since,
		"stats": report,
	})
}

// ListGuardRules returns the guard rules currently loaded in the engine.
// Rules are loaded from the database at startup and can be reloaded via
// POST /policy/rules/reload.
func (h *Handler) ListGuardRules(w http.ResponseWriter, r *http.Request) {
	loaded := h.guards.LoadedRules()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules":  loaded,
		"count":  len(loaded),
		"source": "database",
	})
}

// GetGuardRule retrieves a loaded guard rule by ID.
func (h *Handler) GetGuardRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")

	for _, rule := range h.guards.LoadedRules() {
		if rule.ID == ruleID {
			writeJSON(w, http.StatusOK, rule)
			return
		}
	}

	writeJSON(w, http.StatusNotFound, map[string]string{
		"error": "guard rule not found",
	})
}

// CreateGuardRuleRequest is the request body for creating a guard rule.
type CreateGuardRuleRequest struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Expression  string `json:"expression"`
	Action      string `json:"action"`
	Reason      string `json:"reason"`
	Enabled     bool   `json:"enabled"`
}

// CreateGuardRule validates, persists and hot-loads a new guard rule.
func (h *Handler) CreateGuardRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateGuardRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.ID == "" || req.Name == "" || req.Expression == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "id, name, and expression are required",
		})
		return
	}

	rule := &domain.GuardRule{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		Version:     "1.0.0",
		Expression:  req.Expression,
		Action:      req.Action,
		Reason:      req.Reason,
		Enabled:     req.Enabled,
	}

	if err := h.guards.ValidateRule(rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid guard rule: " + err.Error(),
		})
		return
	}

	if err := h.repo.SaveGuardRule(ctx, rule); err != nil {
		slog.Error("failed to save guard rule", "id", rule.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save guard rule",
		})
		return
	}

	if rule.Enabled {
		if err := h.guards.LoadRule(rule); err != nil {
			slog.Error("failed to load guard rule after save", "id", rule.ID, "error", err)
		}
	}

	slog.Info("guard rule created", "id", rule.ID, "name", rule.Name, "enabled", rule.Enabled)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"rule": rule,
	})
}

// ReloadGuardRules reloads all guard rules from the database into the
// engine. The swap is atomic; a bad rule keeps the old set in effect.
func (h *Handler) ReloadGuardRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	dbRules, err := h.repo.ListGuardRules(ctx)
	if err != nil {
		slog.Error("failed to list guard rules from database", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load guard rules from database",
		})
		return
	}

	if err := h.guards.ReloadRules(dbRules); err != nil {
		slog.Error("failed to reload guard rules into engine", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to reload guard rules: " + err.Error(),
		})
		return
	}

	slog.Info("guard rules reloaded from database", "loaded", h.guards.RuleCount())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "guard rules reloaded successfully",
		"count":   h.guards.RuleCount(),
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	high, normal := h.dispatcher.QueueDepths()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ready":       true,
		"queueHigh":   high,
		"queueNormal": normal,
	})
}

func writeNotFound(w http.ResponseWriter, kind, id string, err error) {
	if !errors.Is(err, domain.ErrNotFound) {
		slog.Error("lookup failed", "kind", kind, "id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "lookup failed",
		})
		return
	}
	writeJSON(w, http.StatusNotFound, map[string]string{
		"error": kind + " not found",
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
