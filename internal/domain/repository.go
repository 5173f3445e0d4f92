// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// Store is the set of persistence operations available both on the
// repository and inside an explicit transaction.
type Store interface {
	// Session operations
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	UpdateSession(ctx context.Context, s *Session) error
	ListSessions(ctx context.Context) ([]*Session, error)

	// Record operations
	InsertRecords(ctx context.Context, records []*Record) error
	ListRecords(ctx context.Context, sessionID string) ([]*Record, error)
	// UpdateRecords persists the classification fields of each record.
	UpdateRecords(ctx context.Context, records []*Record) error
	// ResetStage clears the fields owned by stage for every record in the session.
	ResetStage(ctx context.Context, sessionID string, stage Stage) (int64, error)
	SaveProcessingError(ctx context.Context, e *ProcessingError) error
	ListProcessingErrors(ctx context.Context, sessionID string) ([]*ProcessingError, error)

	// Rule operations. ListRules orders by priority descending, then name.
	CreateRule(ctx context.Context, rule *Rule) error
	UpdateRule(ctx context.Context, rule *Rule) error
	GetRule(ctx context.Context, ruleID string) (*Rule, error)
	GetRuleByName(ctx context.Context, name string) (*Rule, error)
	ListRules(ctx context.Context, filter RuleFilter) ([]*Rule, error)
	DeleteRule(ctx context.Context, ruleID string) error

	// Whitelist operations
	CreateWhitelistDomain(ctx context.Context, d *WhitelistDomain) error
	UpdateWhitelistDomain(ctx context.Context, d *WhitelistDomain) error
	GetWhitelistDomain(ctx context.Context, domain string) (*WhitelistDomain, error)
	ListWhitelistDomains(ctx context.Context, activeOnly bool) ([]*WhitelistDomain, error)
	DeleteWhitelistDomain(ctx context.Context, domain string) error
}

// Tx is an explicit unit of work. Changes become visible on Commit;
// Rollback after Commit is a no-op.
type Tx interface {
	Store
	Commit() error
	Rollback() error
}

// LeaseStore hands out expiring per-session leases so that processes
// sharing one database run at most one workflow per session. A lease is
// owned by an opaque holder token; an expired lease may be taken over.
type LeaseStore interface {
	// AcquireLease reports false while another holder's lease is unexpired.
	AcquireLease(ctx context.Context, sessionID, holder string, ttl time.Duration) (bool, error)
	// RenewLease extends a held lease. It returns ErrNotFound once the
	// holder no longer owns it.
	RenewLease(ctx context.Context, sessionID, holder string, ttl time.Duration) error
	ReleaseLease(ctx context.Context, sessionID, holder string) error
	LeaseHeld(ctx context.Context, sessionID string) (bool, error)
}

// Repository defines the interface for data persistence.
type Repository interface {
	Store
	LeaseStore

	// Begin opens a transactional unit of work.
	Begin(ctx context.Context) (Tx, error)

	Ping(ctx context.Context) error
	Close() error
}
