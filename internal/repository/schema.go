package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaSessions = `
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    filename TEXT NOT NULL,
    status TEXT NOT NULL,
    total_records INTEGER NOT NULL DEFAULT 0,
    processed_records INTEGER NOT NULL DEFAULT 0,
    error_message TEXT,
    processing_stats TEXT,
    exclusion_applied INTEGER NOT NULL DEFAULT 0,
    whitelist_applied INTEGER NOT NULL DEFAULT 0,
    rules_applied INTEGER NOT NULL DEFAULT 0,
    ml_applied INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at);
`

const schemaRecords = `
CREATE TABLE IF NOT EXISTS records (
    session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    record_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    fields TEXT NOT NULL,
    excluded_by_rule TEXT,
    whitelisted INTEGER NOT NULL DEFAULT 0,
    rule_matches TEXT,
    rule_score REAL,
    rule_level TEXT,
    case_status TEXT NOT NULL DEFAULT 'New',
    notes TEXT NOT NULL DEFAULT '',
    assigned_to TEXT NOT NULL DEFAULT '',
    escalated_at TIMESTAMP,
    anomaly_score REAL,
    risk_score REAL,
    risk_level TEXT,
    ml_explanation TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (session_id, record_id)
);

CREATE INDEX IF NOT EXISTS idx_records_session_seq ON records(session_id, seq);
CREATE INDEX IF NOT EXISTS idx_records_risk_level ON records(session_id, risk_level);
`

const schemaProcessingErrors = `
CREATE TABLE IF NOT EXISTS processing_errors (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    row_num INTEGER NOT NULL,
    message TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_processing_errors_session ON processing_errors(session_id);
`

const schemaRules = `
CREATE TABLE IF NOT EXISTS rules (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL UNIQUE,
    description TEXT NOT NULL DEFAULT '',
    rule_type TEXT NOT NULL,
    conditions TEXT NOT NULL,
    actions TEXT NOT NULL,
    priority INTEGER NOT NULL DEFAULT 1,
    is_active INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rules_type_active ON rules(rule_type, is_active);
`

const schemaWhitelistDomains = `
CREATE TABLE IF NOT EXISTS whitelist_domains (
    domain TEXT PRIMARY KEY,
    is_active INTEGER NOT NULL DEFAULT 1,
    added_by TEXT NOT NULL DEFAULT '',
    notes TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

// expires_at is Unix milliseconds so both drivers compare it numerically.
const schemaSessionLeases = `
CREATE TABLE IF NOT EXISTS session_leases (
    session_id TEXT PRIMARY KEY,
    holder TEXT NOT NULL,
    expires_at BIGINT NOT NULL
);
`

// AllSchemas returns all schema definitions in order.
func AllSchemas() []string {
	return []string{
		schemaSessions,
		schemaRecords,
		schemaProcessingErrors,
		schemaRules,
		schemaWhitelistDomains,
		schemaSessionLeases,
	}
}
