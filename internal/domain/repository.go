package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence. Extractions and
// decisions are append-only; nothing in the pipeline updates them in
// place.
type Repository interface {
	// Job operations
	SaveJob(ctx context.Context, job *ProcessingJob) error
	GetJob(ctx context.Context, jobID string) (*ProcessingJob, error)

	// Extraction operations
	SaveExtraction(ctx context.Context, ext *PaymentExtraction) error
	GetExtraction(ctx context.Context, extractionID string) (*PaymentExtraction, error)
	GetExtractionByJob(ctx context.Context, jobID string) (*PaymentExtraction, error)

	// FindExtractionByFingerprint returns the most recent extraction for
	// an image fingerprint created at or after since. Backs the dedup
	// window when the cache is cold.
	FindExtractionByFingerprint(ctx context.Context, fingerprint string, since time.Time) (*PaymentExtraction, error)

	// Decision operations (append-only audit log)
	SaveDecision(ctx context.Context, d *Decision) error
	GetDecision(ctx context.Context, decisionID string) (*Decision, error)
	ListDecisionsByExtraction(ctx context.Context, extractionID string) ([]*Decision, error)

	// Guard rule configuration
	SaveGuardRule(ctx context.Context, rule *GuardRule) error
	ListGuardRules(ctx context.Context) ([]*GuardRule, error)

	// Stats aggregates the decision/extraction log for dashboards.
	Stats(ctx context.Context, since time.Time) (*StatsReport, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// StatsReport is the read model behind GET /stats: aggregate counters
// derived from the decision/extraction log, never mutated directly.
type StatsReport struct {
	Processed           int64   `json:"processed"`
	Matched             int64   `json:"matched"`
	AutoApproved        int64   `json:"autoApproved"`
	ConditionalApproved int64   `json:"conditionalApproved"`
	ReviewRequired      int64   `json:"reviewRequired"`
	Rejected            int64   `json:"rejected"`
	Failed              int64   `json:"failed"`
	AvgConfidence       float64 `json:"avgConfidence"`
	AvgLatencyMs        float64 `json:"avgLatencyMs"`

	ByPlatform map[string]int64 `json:"byPlatform,omitempty"`
	ByCurrency map[string]int64 `json:"byCurrency,omitempty"`
	ByMethod   map[string]int64 `json:"byMethod,omitempty"`
}
