package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const recordColumns = `session_id, record_id, fields,
	excluded_by_rule, whitelisted,
	rule_matches, rule_score, rule_level, case_status, notes, assigned_to, escalated_at,
	anomaly_score, risk_score, risk_level, ml_explanation,
	created_at`

// InsertRecords appends records to their sessions, preserving order.
func (s *store) InsertRecords(ctx context.Context, records []*domain.Record) error {
	next := make(map[string]int64)

	query := `INSERT INTO records (seq, ` + recordColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	query = s.rebind(query)

	for _, rec := range records {
		seq, ok := next[rec.SessionID]
		if !ok {
			var err error
			if seq, err = s.maxSeq(ctx, rec.SessionID); err != nil {
				return err
			}
		}
		seq++
		next[rec.SessionID] = seq

		fields, err := json.Marshal(rec.Fields)
		if err != nil {
			return fmt.Errorf("failed to encode fields of record %s: %w", rec.RecordID, err)
		}
		matches, err := marshalMatches(rec.RuleMatches)
		if err != nil {
			return err
		}
		status := rec.CaseStatus
		if status == "" {
			status = domain.CaseNew
		}

		_, err = s.q.ExecContext(ctx, query,
			seq, rec.SessionID, rec.RecordID, string(fields),
			nullString(rec.ExcludedByRule), boolToInt(rec.Whitelisted),
			matches, nullFloat(rec.RuleScore), nullString(rec.RuleLevel),
			string(status), rec.Notes, rec.AssignedTo, nullTime(rec.EscalatedAt),
			nullFloat(rec.AnomalyScore), nullFloat(rec.RiskScore), nullString(rec.RiskLevel), rec.MLExplanation,
			rec.CreatedAt.UTC(),
		)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: record %s already exists in session %s", domain.ErrConflict, rec.RecordID, rec.SessionID)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *store) maxSeq(ctx context.Context, sessionID string) (int64, error) {
	var seq int64
	err := s.q.QueryRowContext(ctx,
		s.rebind(`SELECT COALESCE(MAX(seq), 0) FROM records WHERE session_id = ?`),
		sessionID,
	).Scan(&seq)
	return seq, err
}

// ListRecords returns a session's records in ingestion order.
func (s *store) ListRecords(ctx context.Context, sessionID string) ([]*domain.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM records WHERE session_id = ? ORDER BY seq`

	rows, err := s.q.QueryContext(ctx, s.rebind(query), sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// UpdateRecords persists the classification fields of each record.
func (s *store) UpdateRecords(ctx context.Context, records []*domain.Record) error {
	query := s.rebind(`
		UPDATE records
		SET excluded_by_rule = ?, whitelisted = ?,
		    rule_matches = ?, rule_score = ?, rule_level = ?,
		    case_status = ?, notes = ?, assigned_to = ?, escalated_at = ?,
		    anomaly_score = ?, risk_score = ?, risk_level = ?, ml_explanation = ?
		WHERE session_id = ? AND record_id = ?
	`)

	for _, rec := range records {
		matches, err := marshalMatches(rec.RuleMatches)
		if err != nil {
			return err
		}
		status := rec.CaseStatus
		if status == "" {
			status = domain.CaseNew
		}

		result, err := s.q.ExecContext(ctx, query,
			nullString(rec.ExcludedByRule), boolToInt(rec.Whitelisted),
			matches, nullFloat(rec.RuleScore), nullString(rec.RuleLevel),
			string(status), rec.Notes, rec.AssignedTo, nullTime(rec.EscalatedAt),
			nullFloat(rec.AnomalyScore), nullFloat(rec.RiskScore), nullString(rec.RiskLevel), rec.MLExplanation,
			rec.SessionID, rec.RecordID,
		)
		if err != nil {
			return err
		}
		if err := mustAffect(result); err != nil {
			return fmt.Errorf("record %s in session %s: %w", rec.RecordID, rec.SessionID, err)
		}
	}
	return nil
}

// stageResets holds the SET clause that clears each stage's fields.
var stageResets = map[domain.Stage]string{
	domain.StageExclusion: `excluded_by_rule = NULL`,
	domain.StageWhitelist: `whitelisted = 0`,
	domain.StageRules: `rule_matches = NULL, rule_score = NULL, rule_level = NULL,
		case_status = 'New', notes = '', assigned_to = '', escalated_at = NULL`,
	domain.StageML: `anomaly_score = NULL, risk_score = NULL, risk_level = NULL, ml_explanation = ''`,
}

// ResetStage clears the fields owned by stage for every record in the session.
func (s *store) ResetStage(ctx context.Context, sessionID string, stage domain.Stage) (int64, error) {
	set, ok := stageResets[stage]
	if !ok {
		return 0, fmt.Errorf("%w: unknown stage %q", domain.ErrInvalidInput, stage)
	}

	result, err := s.q.ExecContext(ctx, s.rebind(`UPDATE records SET `+set+` WHERE session_id = ?`), sessionID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func scanRecord(row rowScanner) (*domain.Record, error) {
	var rec domain.Record
	var fields string
	var excluded, matches, ruleLevel, riskLevel sql.NullString
	var ruleScore, anomaly, riskScore sql.NullFloat64
	var escalated sql.NullTime
	var whitelisted int
	var status string

	if err := row.Scan(
		&rec.SessionID, &rec.RecordID, &fields,
		&excluded, &whitelisted,
		&matches, &ruleScore, &ruleLevel, &status, &rec.Notes, &rec.AssignedTo, &escalated,
		&anomaly, &riskScore, &riskLevel, &rec.MLExplanation,
		&rec.CreatedAt,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(fields), &rec.Fields); err != nil {
		return nil, fmt.Errorf("failed to parse fields of record %s: %w", rec.RecordID, err)
	}
	if matches.Valid && matches.String != "" {
		if err := json.Unmarshal([]byte(matches.String), &rec.RuleMatches); err != nil {
			return nil, fmt.Errorf("failed to parse rule matches of record %s: %w", rec.RecordID, err)
		}
	}

	rec.ExcludedByRule = ptrString[string](excluded)
	rec.Whitelisted = whitelisted == 1
	rec.RuleScore = ptrFloat(ruleScore)
	rec.RuleLevel = ptrString[domain.RiskLevel](ruleLevel)
	rec.CaseStatus = domain.CaseStatus(status)
	rec.EscalatedAt = ptrTime(escalated)
	rec.AnomalyScore = ptrFloat(anomaly)
	rec.RiskScore = ptrFloat(riskScore)
	rec.RiskLevel = ptrString[domain.RiskLevel](riskLevel)
	return &rec, nil
}

func marshalMatches(matches []domain.RuleMatch) (any, error) {
	if len(matches) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(matches)
	if err != nil {
		return nil, fmt.Errorf("failed to encode rule matches: %w", err)
	}
	return string(b), nil
}
