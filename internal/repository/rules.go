package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const ruleColumns = `id, name, description, rule_type, conditions, actions,
	priority, is_active, created_at, updated_at`

// CreateRule stores a new rule. Duplicate names map to domain.ErrConflict.
func (s *store) CreateRule(ctx context.Context, rule *domain.Rule) error {
	conditions, actions, err := encodeRule(rule)
	if err != nil {
		return err
	}

	query := `INSERT INTO rules (` + ruleColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.q.ExecContext(ctx, s.rebind(query),
		rule.ID, rule.Name, rule.Description, string(rule.RuleType),
		conditions, actions,
		rule.Priority, boolToInt(rule.IsActive),
		rule.CreatedAt.UTC(), rule.UpdatedAt.UTC(),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: rule %q", domain.ErrConflict, rule.Name)
	}
	return err
}

// UpdateRule replaces a rule definition.
func (s *store) UpdateRule(ctx context.Context, rule *domain.Rule) error {
	conditions, actions, err := encodeRule(rule)
	if err != nil {
		return err
	}

	query := `
		UPDATE rules
		SET name = ?, description = ?, rule_type = ?, conditions = ?, actions = ?,
		    priority = ?, is_active = ?, updated_at = ?
		WHERE id = ?
	`
	result, err := s.q.ExecContext(ctx, s.rebind(query),
		rule.Name, rule.Description, string(rule.RuleType), conditions, actions,
		rule.Priority, boolToInt(rule.IsActive), rule.UpdatedAt.UTC(),
		rule.ID,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: rule %q", domain.ErrConflict, rule.Name)
	}
	if err != nil {
		return err
	}
	return mustAffect(result)
}

// GetRule retrieves a rule by ID.
func (s *store) GetRule(ctx context.Context, ruleID string) (*domain.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM rules WHERE id = ?`
	return s.getRule(ctx, query, ruleID)
}

// GetRuleByName retrieves a rule by its unique name.
func (s *store) GetRuleByName(ctx context.Context, name string) (*domain.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM rules WHERE name = ?`
	return s.getRule(ctx, query, name)
}

func (s *store) getRule(ctx context.Context, query string, arg string) (*domain.Rule, error) {
	rule, err := scanRule(s.q.QueryRowContext(ctx, s.rebind(query), arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return rule, err
}

// ListRules returns rules ordered by priority descending, then name.
func (s *store) ListRules(ctx context.Context, filter domain.RuleFilter) ([]*domain.Rule, error) {
	var where []string
	var args []any
	if filter.Type != "" {
		where = append(where, "rule_type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.ActiveOnly {
		where = append(where, "is_active = 1")
	}

	query := `SELECT ` + ruleColumns + ` FROM rules`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY priority DESC, name, id`

	rows, err := s.q.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// DeleteRule removes a rule.
func (s *store) DeleteRule(ctx context.Context, ruleID string) error {
	result, err := s.q.ExecContext(ctx, s.rebind(`DELETE FROM rules WHERE id = ?`), ruleID)
	if err != nil {
		return err
	}
	return mustAffect(result)
}

func encodeRule(rule *domain.Rule) (string, string, error) {
	conditions, err := json.Marshal(rule.Conditions)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode conditions of rule %q: %w", rule.Name, err)
	}
	actions, err := json.Marshal(rule.Actions)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode actions of rule %q: %w", rule.Name, err)
	}
	return string(conditions), string(actions), nil
}

func scanRule(row rowScanner) (*domain.Rule, error) {
	var rule domain.Rule
	var ruleType, conditions, actions string
	var active int

	if err := row.Scan(
		&rule.ID, &rule.Name, &rule.Description, &ruleType,
		&conditions, &actions,
		&rule.Priority, &active,
		&rule.CreatedAt, &rule.UpdatedAt,
	); err != nil {
		return nil, err
	}

	rule.RuleType = domain.RuleType(ruleType)
	rule.IsActive = active == 1
	if err := json.Unmarshal([]byte(conditions), &rule.Conditions); err != nil {
		return nil, fmt.Errorf("failed to parse conditions of rule %s: %w", rule.ID, err)
	}
	if err := json.Unmarshal([]byte(actions), &rule.Actions); err != nil {
		return nil, fmt.Errorf("failed to parse actions of rule %s: %w", rule.ID, err)
	}
	return &rule, nil
}

// CreateWhitelistDomain stores a new trusted domain.
func (s *store) CreateWhitelistDomain(ctx context.Context, d *domain.WhitelistDomain) error {
	query := `
		INSERT INTO whitelist_domains (domain, is_active, added_by, notes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := s.q.ExecContext(ctx, s.rebind(query),
		d.Domain, boolToInt(d.IsActive), d.AddedBy, d.Notes,
		d.CreatedAt.UTC(), d.UpdatedAt.UTC(),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: domain %s", domain.ErrConflict, d.Domain)
	}
	return err
}

// UpdateWhitelistDomain updates a trusted domain's metadata and active flag.
func (s *store) UpdateWhitelistDomain(ctx context.Context, d *domain.WhitelistDomain) error {
	query := `
		UPDATE whitelist_domains
		SET is_active = ?, added_by = ?, notes = ?, updated_at = ?
		WHERE domain = ?
	`
	result, err := s.q.ExecContext(ctx, s.rebind(query),
		boolToInt(d.IsActive), d.AddedBy, d.Notes, d.UpdatedAt.UTC(), d.Domain,
	)
	if err != nil {
		return err
	}
	return mustAffect(result)
}

// GetWhitelistDomain retrieves a trusted domain.
func (s *store) GetWhitelistDomain(ctx context.Context, name string) (*domain.WhitelistDomain, error) {
	query := `
		SELECT domain, is_active, added_by, notes, created_at, updated_at
		FROM whitelist_domains
		WHERE domain = ?
	`
	d, err := scanWhitelist(s.q.QueryRowContext(ctx, s.rebind(query), name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return d, err
}

// ListWhitelistDomains returns trusted domains in alphabetical order.
func (s *store) ListWhitelistDomains(ctx context.Context, activeOnly bool) ([]*domain.WhitelistDomain, error) {
	query := `SELECT domain, is_active, added_by, notes, created_at, updated_at FROM whitelist_domains`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY domain`

	rows, err := s.q.QueryContext(ctx, s.rebind(query))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.WhitelistDomain
	for rows.Next() {
		d, err := scanWhitelist(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// DeleteWhitelistDomain removes a trusted domain.
func (s *store) DeleteWhitelistDomain(ctx context.Context, name string) error {
	result, err := s.q.ExecContext(ctx, s.rebind(`DELETE FROM whitelist_domains WHERE domain = ?`), name)
	if err != nil {
		return err
	}
	return mustAffect(result)
}

func scanWhitelist(row rowScanner) (*domain.WhitelistDomain, error) {
	var d domain.WhitelistDomain
	var active int
	if err := row.Scan(&d.Domain, &active, &d.AddedBy, &d.Notes, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.IsActive = active == 1
	return &d, nil
}
