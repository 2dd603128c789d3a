// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var ErrInvalidInput = errors.New("invalid input")

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveJob stores a processing job's metadata. Image bytes are never
// persisted; only the fingerprint survives intake.
func (r *SQLRepository) SaveJob(ctx context.Context, job *domain.ProcessingJob) error {
	if job.ID == "" {
		return fmt.Errorf("%w: job ID is required", ErrInvalidInput)
	}

	var subCtx string
	if job.Context != nil {
		b, _ := json.Marshal(job.Context)
		subCtx = string(b)
	}

	query := `
		INSERT INTO jobs (
			id, fingerprint, source_platform, submitted_by, priority, context, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		job.ID, job.Fingerprint, job.SourcePlatform, job.SubmittedBy,
		string(job.Priority), subCtx, job.CreatedAt,
	)
	return err
}

// GetJob retrieves a job by ID.
func (r *SQLRepository) GetJob(ctx context.Context, jobID string) (*domain.ProcessingJob, error) {
	query := `
		SELECT id, fingerprint, source_platform, submitted_by, priority, context, created_at
		FROM jobs
		WHERE id = ?
	`

	var job domain.ProcessingJob
	var priority, subCtx string

	err := r.db.QueryRowContext(ctx, r.rebind(query), jobID).Scan(
		&job.ID, &job.Fingerprint, &job.SourcePlatform, &job.SubmittedBy,
		&priority, &subCtx, &job.CreatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	job.Priority = domain.Priority(priority)
	if subCtx != "" {
		var sc domain.SubmissionContext
		if err := json.Unmarshal([]byte(subCtx), &sc); err == nil {
			job.Context = &sc
		}
	}

	return &job, nil
}

// SaveExtraction stores a fused extraction. The best candidate's
// currency and method are denormalized into columns so Stats can group
// on them without parsing JSON.
func (r *SQLRepository) SaveExtraction(ctx context.Context, ext *domain.PaymentExtraction) error {
	if ext.ID == "" {
		return fmt.Errorf("%w: extraction ID is required", ErrInvalidInput)
	}

	var ocr, vision string
	if ext.OCR != nil {
		b, _ := json.Marshal(ext.OCR)
		ocr = string(b)
	}
	if ext.Vision != nil {
		b, _ := json.Marshal(ext.Vision)
		vision = string(b)
	}

	candidates, _ := json.Marshal(ext.Candidates)
	flags, _ := json.Marshal(ext.Flags)

	var currency, method string
	if best := ext.Best(); best != nil {
		currency = best.Currency
		method = best.Method
	}

	requiresReview := 0
	if ext.RequiresReview {
		requiresReview = 1
	}

	query := `
		INSERT INTO extractions (
			id, job_id, fingerprint, source_platform, submitted_by,
			ocr, vision, candidates, currency, method,
			overall_confidence, requires_review, flags, processing_time_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		ext.ID, ext.JobID, ext.Fingerprint, ext.SourcePlatform, ext.SubmittedBy,
		ocr, vision, string(candidates), currency, method,
		ext.OverallConfidence, requiresReview, string(flags), ext.ProcessingTimeMs, ext.CreatedAt,
	)
	return err
}

const extractionColumns = `
	id, job_id, fingerprint, source_platform, submitted_by,
	ocr, vision, candidates, overall_confidence, requires_review,
	flags, processing_time_ms, created_at
`

func (r *SQLRepository) scanExtraction(row *sql.Row) (*domain.PaymentExtraction, error) {
	var ext domain.PaymentExtraction
	var ocr, vision, candidates, flags string
	var requiresReview int

	err := row.Scan(
		&ext.ID, &ext.JobID, &ext.Fingerprint, &ext.SourcePlatform, &ext.SubmittedBy,
		&ocr, &vision, &candidates, &ext.OverallConfidence, &requiresReview,
		&flags, &ext.ProcessingTimeMs, &ext.CreatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	ext.RequiresReview = requiresReview == 1
	if ocr != "" {
		var o domain.OCRResult
		if err := json.Unmarshal([]byte(ocr), &o); err == nil {
			ext.OCR = &o
		}
	}
	if vision != "" {
		var v domain.VisionExtraction
		if err := json.Unmarshal([]byte(vision), &v); err == nil {
			ext.Vision = &v
		}
	}
	json.Unmarshal([]byte(candidates), &ext.Candidates)
	if flags != "" {
		json.Unmarshal([]byte(flags), &ext.Flags)
	}

	return &ext, nil
}

// GetExtraction retrieves an extraction by ID.
func (r *SQLRepository) GetExtraction(ctx context.Context, extractionID string) (*domain.PaymentExtraction, error) {
	query := `SELECT ` + extractionColumns + ` FROM extractions WHERE id = ?`
	return r.scanExtraction(r.db.QueryRowContext(ctx, r.rebind(query), extractionID))
}

// GetExtractionByJob retrieves the extraction produced for a job.
func (r *SQLRepository) GetExtractionByJob(ctx context.Context, jobID string) (*domain.PaymentExtraction, error) {
	query := `SELECT ` + extractionColumns + ` FROM extractions WHERE job_id = ? ORDER BY created_at DESC LIMIT 1`
	return r.scanExtraction(r.db.QueryRowContext(ctx, r.rebind(query), jobID))
}

// FindExtractionByFingerprint returns the most recent extraction for a
// fingerprint created at or after since. Backs the dedup window when the
// cache is cold.
func (r *SQLRepository) FindExtractionByFingerprint(ctx context.Context, fingerprint string, since time.Time) (*domain.PaymentExtraction, error) {
	query := `
		SELECT ` + extractionColumns + `
		FROM extractions
		WHERE fingerprint = ? AND created_at >= ?
		ORDER BY created_at DESC
		LIMIT 1
	`
	return r.scanExtraction(r.db.QueryRowContext(ctx, r.rebind(query), fingerprint, since))
}

// SaveDecision appends a decision record. Decisions are never updated.
func (r *SQLRepository) SaveDecision(ctx context.Context, d *domain.Decision) error {
	if d.ID == "" {
		return fmt.Errorf("%w: decision ID is required", ErrInvalidInput)
	}

	reasons, _ := json.Marshal(d.ReasonCodes)

	query := `
		INSERT INTO decisions (
			id, extraction_id, job_id, outcome, matched_candidate_id,
			confidence, reason_codes, origin, reviewed_by, notes, decided_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		d.ID, d.ExtractionID, d.JobID, string(d.Outcome), d.MatchedCandidateID,
		d.Confidence, string(reasons), d.Origin, d.ReviewedBy, d.Notes, d.DecidedAt,
	)
	return err
}

// GetDecision retrieves a decision by ID.
func (r *SQLRepository) GetDecision(ctx context.Context, decisionID string) (*domain.Decision, error) {
	query := `
		SELECT id, extraction_id, job_id, outcome, matched_candidate_id,
			   confidence, reason_codes, origin, reviewed_by, notes, decided_at
		FROM decisions
		WHERE id = ?
	`

	var d domain.Decision
	var outcome, reasons string

	err := r.db.QueryRowContext(ctx, r.rebind(query), decisionID).Scan(
		&d.ID, &d.ExtractionID, &d.JobID, &outcome, &d.MatchedCandidateID,
		&d.Confidence, &reasons, &d.Origin, &d.ReviewedBy, &d.Notes, &d.DecidedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	d.Outcome = domain.Outcome(outcome)
	json.Unmarshal([]byte(reasons), &d.ReasonCodes)

	return &d, nil
}

// ListDecisionsByExtraction returns all decisions for an extraction in
// the order they were made, oldest first. The last entry is current.
func (r *SQLRepository) ListDecisionsByExtraction(ctx context.Context, extractionID string) ([]*domain.Decision, error) {
	query := `
		SELECT id, extraction_id, job_id, outcome, matched_candidate_id,
			   confidence, reason_codes, origin, reviewed_by, notes, decided_at
		FROM decisions
		WHERE extraction_id = ?
		ORDER BY decided_at ASC, id ASC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), extractionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var decisions []*domain.Decision
	for rows.Next() {
		var d domain.Decision
		var outcome, reasons string

		if err := rows.Scan(
			&d.ID, &d.ExtractionID, &d.JobID, &outcome, &d.MatchedCandidateID,
			&d.Confidence, &reasons, &d.Origin, &d.ReviewedBy, &d.Notes, &d.DecidedAt,
		); err != nil {
			return nil, err
		}

		d.Outcome = domain.Outcome(outcome)
		json.Unmarshal([]byte(reasons), &d.ReasonCodes)
		decisions = append(decisions, &d)
	}

	return decisions, rows.Err()
}

// SaveGuardRule upserts a guard rule by (id, version).
func (r *SQLRepository) SaveGuardRule(ctx context.Context, rule *domain.GuardRule) error {
	if rule.ID == "" || rule.Expression == "" {
		return fmt.Errorf("%w: rule ID and expression are required", ErrInvalidInput)
	}

	enabled := 0
	if rule.Enabled {
		enabled = 1
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO guard_rules (
			id, name, description, version, expression, action, reason, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, version) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			expression = excluded.expression,
			action = excluded.action,
			reason = excluded.reason,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, rule.Name, rule.Description, rule.Version,
		rule.Expression, rule.Action, rule.Reason, enabled,
		now, now,
	)
	return err
}

// ListGuardRules retrieves all active guard rules.
func (r *SQLRepository) ListGuardRules(ctx context.Context) ([]*domain.GuardRule, error) {
	query := `
		SELECT id, name, description, version, expression, action, reason, enabled, created_at, updated_at
		FROM guard_rules
		WHERE enabled = 1
		ORDER BY name
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.GuardRule
	for rows.Next() {
		var rule domain.GuardRule
		var enabled int

		if err := rows.Scan(
			&rule.ID, &rule.Name, &rule.Description, &rule.Version,
			&rule.Expression, &rule.Action, &rule.Reason, &enabled,
			&rule.CreatedAt, &rule.UpdatedAt,
		); err != nil {
			return nil, err
		}

		rule.Enabled = enabled == 1
		rules = append(rules, &rule)
	}

	return rules, rows.Err()
}

// Stats aggregates the decision and extraction logs since the given
// time. Only the latest decision per extraction counts toward outcome
// totals, so a reviewed extraction is not double counted.
func (r *SQLRepository) Stats(ctx context.Context, since time.Time) (*domain.StatsReport, error) {
	report := &domain.StatsReport{
		ByPlatform: make(map[string]int64),
		ByCurrency: make(map[string]int64),
		ByMethod:   make(map[string]int64),
	}

	extQuery := `
		SELECT COUNT(*), COALESCE(AVG(overall_confidence), 0), COALESCE(AVG(processing_time_ms), 0)
		FROM extractions
		WHERE created_at >= ?
	`
	err := r.db.QueryRowContext(ctx, r.rebind(extQuery), since).Scan(
		&report.Processed, &report.AvgConfidence, &report.AvgLatencyMs,
	)
	if err != nil {
		return nil, err
	}

	// Latest decision per extraction wins.
	outcomeQuery := `
		SELECT d.outcome,
			   COUNT(*),
			   SUM(CASE WHEN d.matched_candidate_id IS NOT NULL AND d.matched_candidate_id != '' THEN 1 ELSE 0 END),
			   SUM(CASE WHEN d.reason_codes LIKE ? THEN 1 ELSE 0 END)
		FROM decisions d
		WHERE d.decided_at >= ?
		  AND NOT EXISTS (
			SELECT 1 FROM decisions d2
			WHERE d2.extraction_id = d.extraction_id
			  AND (d2.decided_at > d.decided_at OR (d2.decided_at = d.decided_at AND d2.id > d.id))
		  )
		GROUP BY d.outcome
	`
	rows, err := r.db.QueryContext(ctx, r.rebind(outcomeQuery), "%"+domain.ReasonProcessingFailed+"%", since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var outcome string
		var count, matched, failed int64
		if err := rows.Scan(&outcome, &count, &matched, &failed); err != nil {
			return nil, err
		}

		switch domain.Outcome(outcome) {
		case domain.OutcomeAutoApproved:
			report.AutoApproved = count
		case domain.OutcomeConditionalApproved:
			report.ConditionalApproved = count
		case domain.OutcomeManualReview:
			report.ReviewRequired = count
		case domain.OutcomeRejected:
			report.Rejected = count
		}
		report.Matched += matched
		report.Failed += failed
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for col, target := range map[string]map[string]int64{
		"source_platform": report.ByPlatform,
		"currency":        report.ByCurrency,
		"method":          report.ByMethod,
	} {
		if err := r.countBy(ctx, col, since, target); err != nil {
			return nil, err
		}
	}

	return report, nil
}

func (r *SQLRepository) countBy(ctx context.Context, column string, since time.Time, into map[string]int64) error {
	// column comes from a fixed set above, never from user input.
	query := fmt.Sprintf(`
		SELECT %s, COUNT(*)
		FROM extractions
		WHERE created_at >= ? AND %s IS NOT NULL AND %s != ''
		GROUP BY %s
	`, column, column, column, column)

	rows, err := r.db.QueryContext(ctx, r.rebind(query), since)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var count int64
		if err := rows.Scan(&key, &count); err != nil {
			return err
		}
		into[key] = count
	}
	return rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
