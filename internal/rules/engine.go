// Package rules provides the exclusion and security rule engine.
package rules

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// Minimum risk score of a record matched by any security rule.
const SecurityMatchFloor = 0.9

// Engine applies prioritized rules to session records.
type Engine struct {
	evaluator *Evaluator
	now       func() time.Time
}

// NewEngine creates a new rule engine.
func NewEngine() *Engine {
	return &Engine{
		evaluator: NewEvaluator(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the clock used to stamp escalations.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Evaluator returns the engine's condition evaluator.
func (e *Engine) Evaluator() *Evaluator {
	return e.evaluator
}

// Matches reports whether a rule's conditions hold for a record.
func (e *Engine) Matches(rec *domain.Record, rule *domain.Rule) bool {
	return e.evaluator.Evaluate(rec, rule.Conditions)
}

// SortRules orders rules by priority descending, then name and id so
// that equal priorities evaluate deterministically.
func SortRules(rules []*domain.Rule) {
	slices.SortStableFunc(rules, func(a, b *domain.Rule) int {
		if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// activeRules loads the active rules of a type in evaluation order.
func activeRules(ctx context.Context, store domain.Store, ruleType domain.RuleType) ([]*domain.Rule, error) {
	rules, err := store.ListRules(ctx, domain.RuleFilter{Type: ruleType, ActiveOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to load %s rules: %w", ruleType, err)
	}
	SortRules(rules)
	return rules, nil
}

// ApplyExclusion runs the exclusion pass over a session inside store
// and returns the number of newly excluded records.
func (e *Engine) ApplyExclusion(ctx context.Context, store domain.Store, sessionID string) (int, error) {
	rules, err := activeRules(ctx, store, domain.RuleTypeExclusion)
	if err != nil {
		return 0, err
	}
	if len(rules) == 0 {
		slog.Info("no exclusion rules active", "session_id", sessionID)
		return 0, nil
	}

	records, err := store.ListRecords(ctx, sessionID)
	if err != nil {
		return 0, fmt.Errorf("failed to load records: %w", err)
	}

	changed := e.Exclude(records, rules)
	if err := store.UpdateRecords(ctx, changed); err != nil {
		return 0, fmt.Errorf("failed to persist exclusions: %w", err)
	}

	slog.Info("exclusion rules applied",
		"session_id", sessionID,
		"rules", len(rules),
		"excluded", len(changed),
	)
	return len(changed), nil
}

// Exclude marks each not-yet-excluded record with the first rule that
// matches it. Rules must already be in evaluation order. It returns the
// records that changed.
func (e *Engine) Exclude(records []*domain.Record, rules []*domain.Rule) []*domain.Record {
	var changed []*domain.Record
	for _, rec := range records {
		if rec.Excluded() {
			continue
		}
		for _, rule := range rules {
			if e.Matches(rec, rule) {
				name := rule.Name
				rec.ExcludedByRule = &name
				changed = append(changed, rec)
				metrics.RuleMatchesTotal.WithLabelValues(string(domain.RuleTypeExclusion)).Inc()
				break
			}
		}
	}
	return changed
}

// ApplySecurity runs the security pass over a session inside store and
// returns every match summary produced.
func (e *Engine) ApplySecurity(ctx context.Context, store domain.Store, sessionID string) ([]domain.RuleMatch, error) {
	rules, err := activeRules(ctx, store, domain.RuleTypeSecurity)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		slog.Info("no security rules active", "session_id", sessionID)
		return nil, nil
	}

	records, err := store.ListRecords(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load records: %w", err)
	}

	changed, matches := e.Secure(records, rules)
	if err := store.UpdateRecords(ctx, changed); err != nil {
		return nil, fmt.Errorf("failed to persist rule matches: %w", err)
	}

	slog.Info("security rules applied",
		"session_id", sessionID,
		"rules", len(rules),
		"records_matched", len(changed),
		"matches", len(matches),
	)
	return matches, nil
}

// Secure evaluates every security rule against each record that is
// neither excluded nor whitelisted. It returns the changed records and
// the flat list of matches.
func (e *Engine) Secure(records []*domain.Record, rules []*domain.Rule) ([]*domain.Record, []domain.RuleMatch) {
	var changed []*domain.Record
	var all []domain.RuleMatch

	for _, rec := range records {
		if rec.Excluded() || rec.Whitelisted {
			continue
		}

		var matched []domain.RuleMatch
		for _, rule := range rules {
			if !e.Matches(rec, rule) {
				continue
			}
			e.ApplyActions(rec, rule)
			matched = append(matched, domain.RuleMatch{
				RuleID:      rule.ID,
				RuleName:    rule.Name,
				Description: rule.Description,
				Priority:    rule.Priority,
				Actions:     rule.Actions,
			})
			metrics.RuleMatchesTotal.WithLabelValues(string(domain.RuleTypeSecurity)).Inc()
		}
		if len(matched) == 0 {
			continue
		}

		rec.RuleMatches = matched
		critical := domain.RiskCritical
		rec.RuleLevel = &critical
		score := SecurityMatchFloor
		if rec.RuleScore != nil && *rec.RuleScore > score {
			score = *rec.RuleScore
		}
		rec.RuleScore = &score

		changed = append(changed, rec)
		all = append(all, matched...)
	}
	return changed, all
}

// ApplyActions applies a matching rule's actions to the record in fixed
// order: escalate, flag, score_modifier, tag, assign_to.
func (e *Engine) ApplyActions(rec *domain.Record, rule *domain.Rule) {
	a := rule.Actions

	if a.Escalate {
		rec.CaseStatus = domain.CaseEscalated
		now := e.now()
		rec.EscalatedAt = &now
	}

	if a.Flag != nil {
		msg := a.Flag.Message
		if msg == "" {
			msg = "Flagged by rule: " + rule.Name
		}
		appendNote(rec, msg)
	}

	if a.ScoreModifier != nil {
		var score float64
		if rec.RuleScore == nil {
			score = max(*a.ScoreModifier, 0)
		} else {
			score = *rec.RuleScore + *a.ScoreModifier
		}
		score = min(max(score, 0), 1)
		rec.RuleScore = &score
	}

	if a.Tag != "" {
		appendNote(rec, "Tag: "+a.Tag)
	}

	if a.AssignTo != "" {
		rec.AssignedTo = a.AssignTo
	}
}

func appendNote(rec *domain.Record, line string) {
	if rec.Notes == "" {
		rec.Notes = line
		return
	}
	rec.Notes += "\n" + line
}
