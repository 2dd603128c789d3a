package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaJobs = `
CREATE TABLE IF NOT EXISTS jobs (
    id TEXT PRIMARY KEY,
    fingerprint TEXT NOT NULL,
    source_platform TEXT NOT NULL,
    submitted_by TEXT NOT NULL,
    priority TEXT NOT NULL,
    context TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_fingerprint ON jobs(fingerprint);
CREATE INDEX IF NOT EXISTS idx_jobs_submitted_by ON jobs(submitted_by);
`

const schemaExtractions = `
CREATE TABLE IF NOT EXISTS extractions (
    id TEXT PRIMARY KEY,
    job_id TEXT NOT NULL,
    fingerprint TEXT NOT NULL,
    source_platform TEXT NOT NULL,
    submitted_by TEXT NOT NULL,
    ocr TEXT,
    vision TEXT,
    candidates TEXT NOT NULL,
    currency TEXT,
    method TEXT,
    overall_confidence REAL NOT NULL,
    requires_review INTEGER NOT NULL DEFAULT 0,
    flags TEXT,
    processing_time_ms INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_extractions_job ON extractions(job_id);
CREATE INDEX IF NOT EXISTS idx_extractions_fingerprint ON extractions(fingerprint, created_at);
CREATE INDEX IF NOT EXISTS idx_extractions_created ON extractions(created_at);
`

// Decisions are append-only. A re-decision after manual review inserts a
// new row for the same extraction_id; the latest row by decided_at wins.
const schemaDecisions = `
CREATE TABLE IF NOT EXISTS decisions (
    id TEXT PRIMARY KEY,
    extraction_id TEXT NOT NULL,
    job_id TEXT NOT NULL,
    outcome TEXT NOT NULL,
    matched_candidate_id TEXT,
    confidence REAL NOT NULL,
    reason_codes TEXT NOT NULL,
    origin TEXT NOT NULL,
    reviewed_by TEXT,
    notes TEXT,
    decided_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_decisions_extraction ON decisions(extraction_id, decided_at);
CREATE INDEX IF NOT EXISTS idx_decisions_outcome ON decisions(outcome);
CREATE INDEX IF NOT EXISTS idx_decisions_decided ON decisions(decided_at);
`

const schemaGuardRules = `
CREATE TABLE IF NOT EXISTS guard_rules (
    id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    version TEXT NOT NULL,
    expression TEXT NOT NULL,
    action TEXT NOT NULL,
    reason TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, version)
);

CREATE INDEX IF NOT EXISTS idx_guard_rules_enabled ON guard_rules(enabled);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaJobs,
		schemaExtractions,
		schemaDecisions,
		schemaGuardRules,
	}
}
