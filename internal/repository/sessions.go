package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const sessionColumns = `id, filename, status, total_records, processed_records,
	error_message, processing_stats,
	exclusion_applied, whitelist_applied, rules_applied, ml_applied,
	created_at, updated_at`

// CreateSession stores a new session.
func (s *store) CreateSession(ctx context.Context, sess *domain.Session) error {
	stats, err := marshalStats(sess.ProcessingStats)
	if err != nil {
		return err
	}

	query := `INSERT INTO sessions (` + sessionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.q.ExecContext(ctx, s.rebind(query),
		sess.ID, sess.Filename, string(sess.Status),
		sess.TotalRecords, sess.ProcessedRecords,
		sess.ErrorMessage, stats,
		boolToInt(sess.ExclusionApplied), boolToInt(sess.WhitelistApplied),
		boolToInt(sess.RulesApplied), boolToInt(sess.MLApplied),
		sess.CreatedAt.UTC(), sess.UpdatedAt.UTC(),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: session %s", domain.ErrConflict, sess.ID)
	}
	return err
}

// GetSession retrieves a session by ID.
func (s *store) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = ?`
	sess, err := scanSession(s.q.QueryRowContext(ctx, s.rebind(query), sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return sess, err
}

// UpdateSession persists status, counters, stats and stage flags.
func (s *store) UpdateSession(ctx context.Context, sess *domain.Session) error {
	stats, err := marshalStats(sess.ProcessingStats)
	if err != nil {
		return err
	}

	query := `
		UPDATE sessions
		SET filename = ?, status = ?, total_records = ?, processed_records = ?,
		    error_message = ?, processing_stats = ?,
		    exclusion_applied = ?, whitelist_applied = ?, rules_applied = ?, ml_applied = ?,
		    updated_at = ?
		WHERE id = ?
	`

	result, err := s.q.ExecContext(ctx, s.rebind(query),
		sess.Filename, string(sess.Status), sess.TotalRecords, sess.ProcessedRecords,
		sess.ErrorMessage, stats,
		boolToInt(sess.ExclusionApplied), boolToInt(sess.WhitelistApplied),
		boolToInt(sess.RulesApplied), boolToInt(sess.MLApplied),
		sess.UpdatedAt.UTC(), sess.ID,
	)
	if err != nil {
		return err
	}
	return mustAffect(result)
}

// ListSessions returns all sessions, newest first.
func (s *store) ListSessions(ctx context.Context) ([]*domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions ORDER BY created_at DESC, id`

	rows, err := s.q.QueryContext(ctx, s.rebind(query))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// SaveProcessingError records a row-level ingestion failure.
func (s *store) SaveProcessingError(ctx context.Context, e *domain.ProcessingError) error {
	query := `
		INSERT INTO processing_errors (id, session_id, row_num, message, created_at)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := s.q.ExecContext(ctx, s.rebind(query),
		e.ID, e.SessionID, e.Row, e.Message, e.CreatedAt.UTC(),
	)
	return err
}

// ListProcessingErrors returns the ingestion failures of a session.
func (s *store) ListProcessingErrors(ctx context.Context, sessionID string) ([]*domain.ProcessingError, error) {
	query := `
		SELECT id, session_id, row_num, message, created_at
		FROM processing_errors
		WHERE session_id = ?
		ORDER BY row_num, created_at
	`

	rows, err := s.q.QueryContext(ctx, s.rebind(query), sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.ProcessingError
	for rows.Next() {
		var e domain.ProcessingError
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Row, &e.Message, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var sess domain.Session
	var status string
	var errMsg, stats sql.NullString
	var excl, wl, rules, ml int

	if err := row.Scan(
		&sess.ID, &sess.Filename, &status,
		&sess.TotalRecords, &sess.ProcessedRecords,
		&errMsg, &stats,
		&excl, &wl, &rules, &ml,
		&sess.CreatedAt, &sess.UpdatedAt,
	); err != nil {
		return nil, err
	}

	sess.Status = domain.SessionStatus(status)
	sess.ErrorMessage = errMsg.String
	sess.ExclusionApplied = excl == 1
	sess.WhitelistApplied = wl == 1
	sess.RulesApplied = rules == 1
	sess.MLApplied = ml == 1

	if stats.Valid && stats.String != "" {
		if err := json.Unmarshal([]byte(stats.String), &sess.ProcessingStats); err != nil {
			return nil, fmt.Errorf("failed to parse processing stats for %s: %w", sess.ID, err)
		}
	}
	return &sess, nil
}

func marshalStats(stats map[string]any) (any, error) {
	if len(stats) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(stats)
	if err != nil {
		return nil, fmt.Errorf("failed to encode processing stats: %w", err)
	}
	return string(b), nil
}
