package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Service manages rule definitions on top of a repository.
type Service struct {
	repo   domain.Repository
	engine *Engine
	now    func() time.Time
}

// NewService creates a rule management service.
func NewService(repo domain.Repository, engine *Engine) *Service {
	return &Service{
		repo:   repo,
		engine: engine,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Engine returns the engine used for previews.
func (s *Service) Engine() *Engine {
	return s.engine
}

// Create validates and stores a new rule. Names must be unique.
func (s *Service) Create(ctx context.Context, rule *domain.Rule) error {
	rule.Name = strings.TrimSpace(rule.Name)
	if err := CheckRule(rule); err != nil {
		return err
	}

	if _, err := s.repo.GetRuleByName(ctx, rule.Name); err == nil {
		return fmt.Errorf("%w: rule %q", domain.ErrConflict, rule.Name)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return err
	}

	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	now := s.now()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	if err := s.repo.CreateRule(ctx, rule); err != nil {
		return err
	}
	slog.Info("rule created", "rule_id", rule.ID, "rule_name", rule.Name, "rule_type", rule.RuleType)
	return nil
}

// Update replaces an existing rule definition.
func (s *Service) Update(ctx context.Context, rule *domain.Rule) error {
	existing, err := s.repo.GetRule(ctx, rule.ID)
	if err != nil {
		return err
	}

	rule.Name = strings.TrimSpace(rule.Name)
	if err := CheckRule(rule); err != nil {
		return err
	}
	if rule.Name != existing.Name {
		if other, err := s.repo.GetRuleByName(ctx, rule.Name); err == nil && other.ID != rule.ID {
			return fmt.Errorf("%w: rule %q", domain.ErrConflict, rule.Name)
		} else if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
	}

	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = s.now()
	return s.repo.UpdateRule(ctx, rule)
}

// Toggle flips a rule's active flag and returns the updated rule.
func (s *Service) Toggle(ctx context.Context, ruleID string) (*domain.Rule, error) {
	rule, err := s.repo.GetRule(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	rule.IsActive = !rule.IsActive
	rule.UpdatedAt = s.now()
	if err := s.repo.UpdateRule(ctx, rule); err != nil {
		return nil, err
	}
	slog.Info("rule toggled", "rule_id", rule.ID, "is_active", rule.IsActive)
	return rule, nil
}

// Delete removes a rule.
func (s *Service) Delete(ctx context.Context, ruleID string) error {
	return s.repo.DeleteRule(ctx, ruleID)
}

// Get returns a rule by ID.
func (s *Service) Get(ctx context.Context, ruleID string) (*domain.Rule, error) {
	return s.repo.GetRule(ctx, ruleID)
}

// List returns rules in evaluation order.
func (s *Service) List(ctx context.Context, filter domain.RuleFilter) ([]*domain.Rule, error) {
	rules, err := s.repo.ListRules(ctx, filter)
	if err != nil {
		return nil, err
	}
	SortRules(rules)
	return rules, nil
}

// Test previews a candidate rule against a session's records, or against
// the supplied records when sessionID is empty. filter may be empty.
func (s *Service) Test(ctx context.Context, rule *domain.Rule, sessionID string, records []*domain.Record, filter string) (*TestResult, error) {
	if reasons := ValidateCondition(rule.Conditions); len(reasons) > 0 {
		return nil, &domain.ValidationError{Reasons: reasons}
	}

	if sessionID != "" {
		loaded, err := s.repo.ListRecords(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		records = loaded
	}

	if strings.TrimSpace(filter) != "" {
		f, err := CompileSampleFilter(filter)
		if err != nil {
			return nil, err
		}
		if records, err = f.Apply(records); err != nil {
			return nil, err
		}
	}

	return s.engine.TestRule(rule, records), nil
}

// Export returns the portable definitions of all active rules, optionally
// restricted to one rule type.
func (s *Service) Export(ctx context.Context, ruleType domain.RuleType) ([]domain.RuleDefinition, error) {
	rules, err := s.List(ctx, domain.RuleFilter{Type: ruleType, ActiveOnly: true})
	if err != nil {
		return nil, err
	}
	defs := make([]domain.RuleDefinition, 0, len(rules))
	for _, r := range rules {
		defs = append(defs, r.Definition())
	}
	return defs, nil
}

// ImportResult summarizes an import batch.
type ImportResult struct {
	Imported int      `json:"imported"`
	Errors   []string `json:"errors"`
}

// Import stores each definition as a new rule. Definitions whose name
// already exists or whose conditions are invalid are rejected and
// reported; the rest of the batch continues.
func (s *Service) Import(ctx context.Context, defs []domain.RuleDefinition) (*ImportResult, error) {
	result := &ImportResult{Errors: []string{}}

	for i, def := range defs {
		rule := FromDefinition(def)
		label := rule.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i+1)
		}

		err := s.Create(ctx, rule)
		var verr *domain.ValidationError
		switch {
		case err == nil:
			result.Imported++
		case errors.Is(err, domain.ErrConflict):
			result.Errors = append(result.Errors, fmt.Sprintf("rule %q already exists", label))
		case errors.As(err, &verr):
			result.Errors = append(result.Errors, fmt.Sprintf("rule %q: %s", label, strings.Join(verr.Reasons, "; ")))
		default:
			return result, fmt.Errorf("failed to import rule %q: %w", label, err)
		}
	}

	slog.Info("rules imported", "imported", result.Imported, "rejected", len(result.Errors))
	return result, nil
}

// FromDefinition builds a rule applying import defaults: security type, priority 1, active.
func FromDefinition(def domain.RuleDefinition) *domain.Rule {
	rule := &domain.Rule{
		Name:        strings.TrimSpace(def.Name),
		Description: def.Description,
		RuleType:    def.RuleType,
		Conditions:  def.Conditions,
		Actions:     def.Actions,
		Priority:    1,
		IsActive:    true,
	}
	if rule.RuleType == "" {
		rule.RuleType = domain.RuleTypeSecurity
	}
	if def.Priority != nil {
		rule.Priority = *def.Priority
	}
	if def.IsActive != nil {
		rule.IsActive = *def.IsActive
	}
	return rule
}
