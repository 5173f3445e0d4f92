package rules

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ValidateCondition checks a condition tree and returns human-readable
// reasons for every problem found. An empty result means the tree is valid.
func ValidateCondition(c domain.Condition) []string {
	if c.IsZero() {
		return []string{"conditions cannot be empty"}
	}
	var errs []string
	validateNode(c, "condition", &errs)
	return errs
}

func validateNode(c domain.Condition, path string, errs *[]string) {
	switch {
	case c.Group != nil:
		g := c.Group
		if !g.Logic.Valid() {
			*errs = append(*errs, fmt.Sprintf("%s: logic must be 'AND' or 'OR', got %q", path, g.Logic))
		}
		for i, child := range g.Conditions {
			validateNode(child, fmt.Sprintf("%s.conditions[%d]", path, i), errs)
		}
	case c.Leaf != nil:
		validateLeaf(c.Leaf, path, errs)
	default:
		*errs = append(*errs, fmt.Sprintf("%s: node must be a condition or a group", path))
	}
}

func validateLeaf(l *domain.Leaf, path string, errs *[]string) {
	if l.Field == "" {
		*errs = append(*errs, fmt.Sprintf("%s: missing 'field'", path))
	} else if !l.Field.Valid() {
		*errs = append(*errs, fmt.Sprintf("%s: unsupported field %q", path, l.Field))
	}

	if l.Operator == "" {
		*errs = append(*errs, fmt.Sprintf("%s: missing 'operator'", path))
		return
	}
	if !l.Operator.Valid() {
		*errs = append(*errs, fmt.Sprintf("%s: unsupported operator %q", path, l.Operator))
		return
	}

	if l.Operator.NeedsValue() && !l.HasValue() {
		*errs = append(*errs, fmt.Sprintf("%s: 'value' is required for operator %q", path, l.Operator))
		return
	}

	if l.Operator == domain.OpMatchesPattern {
		if _, err := regexp.Compile(l.Value); err != nil {
			*errs = append(*errs, fmt.Sprintf("%s: invalid regex pattern: %v", path, err))
		}
	}
}

// ValidateRule checks a full rule definition.
func ValidateRule(r *domain.Rule) []string {
	if r == nil {
		return []string{"rule is required"}
	}

	var errs []string
	if strings.TrimSpace(r.Name) == "" {
		errs = append(errs, "name is required")
	}
	if !r.RuleType.Valid() {
		errs = append(errs, fmt.Sprintf("rule_type must be 'exclusion' or 'security', got %q", r.RuleType))
	}
	if m := r.Actions.ScoreModifier; m != nil && (math.IsNaN(*m) || math.IsInf(*m, 0)) {
		errs = append(errs, "actions.score_modifier must be a finite number")
	}
	errs = append(errs, ValidateCondition(r.Conditions)...)
	return errs
}

// CheckRule returns a *domain.ValidationError when the rule is invalid.
func CheckRule(r *domain.Rule) error {
	if reasons := ValidateRule(r); len(reasons) > 0 {
		return &domain.ValidationError{Reasons: reasons}
	}
	return nil
}
