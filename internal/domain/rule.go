package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RuleType selects the pipeline stage a rule belongs to.
type RuleType string

const (
	RuleTypeExclusion RuleType = "exclusion"
	RuleTypeSecurity  RuleType = "security"
)

// Valid reports whether t is a supported rule type.
func (t RuleType) Valid() bool {
	return t == RuleTypeExclusion || t == RuleTypeSecurity
}

// Operator is a leaf comparison operator.
type Operator string

const (
	OpEquals         Operator = "equals"
	OpNotEquals      Operator = "not_equals"
	OpContains       Operator = "contains"
	OpNotContains    Operator = "not_contains"
	OpStartsWith     Operator = "starts_with"
	OpEndsWith       Operator = "ends_with"
	OpInList         Operator = "in_list"
	OpNotInList      Operator = "not_in_list"
	OpGreaterThan    Operator = "greater_than"
	OpLessThan       Operator = "less_than"
	OpMatchesPattern Operator = "matches_pattern"
	OpIsEmpty        Operator = "is_empty"
	OpIsNotEmpty     Operator = "is_not_empty"
)

var allOperators = []Operator{
	OpEquals, OpNotEquals, OpContains, OpNotContains, OpStartsWith, OpEndsWith,
	OpInList, OpNotInList, OpGreaterThan, OpLessThan, OpMatchesPattern,
	OpIsEmpty, OpIsNotEmpty,
}

// AllOperators returns every supported operator.
func AllOperators() []Operator {
	out := make([]Operator, len(allOperators))
	copy(out, allOperators)
	return out
}

// Valid reports whether op is supported.
func (op Operator) Valid() bool {
	for _, known := range allOperators {
		if op == known {
			return true
		}
	}
	return false
}

// NeedsValue reports whether the operator reads the comparison value.
func (op Operator) NeedsValue() bool {
	return op != OpIsEmpty && op != OpIsNotEmpty
}

// Logic combines the children of a condition group.
type Logic string

const (
	LogicAnd Logic = "AND"
	LogicOr  Logic = "OR"
)

// Valid reports whether l is AND or OR.
func (l Logic) Valid() bool {
	return l == LogicAnd || l == LogicOr
}

// Leaf is a single field comparison.
type Leaf struct {
	Field         Field    `json:"field"`
	Operator      Operator `json:"operator"`
	Value         string   `json:"value"`
	CaseSensitive bool     `json:"case_sensitive,omitempty"`

	valueSet bool
}

// HasValue reports whether a comparison value was given, even an empty
// one. Decoded leaves count the "value" key; built leaves count a
// non-empty Value unless made with LeafCondition.
func (l *Leaf) HasValue() bool {
	return l.valueSet || l.Value != ""
}

// Group composes child conditions with AND/OR logic.
type Group struct {
	Logic      Logic       `json:"logic"`
	Conditions []Condition `json:"conditions"`
}

// Condition is a tagged variant: exactly one of Leaf or Group is set.
type Condition struct {
	Leaf  *Leaf
	Group *Group
}

// LeafCondition builds a leaf condition.
func LeafCondition(field Field, op Operator, value string) Condition {
	return Condition{Leaf: &Leaf{Field: field, Operator: op, Value: value, valueSet: true}}
}

// GroupCondition builds a group condition.
func GroupCondition(logic Logic, children ...Condition) Condition {
	return Condition{Group: &Group{Logic: logic, Conditions: children}}
}

// IsZero reports whether neither variant is set.
func (c Condition) IsZero() bool {
	return c.Leaf == nil && c.Group == nil
}

// MarshalJSON encodes the populated variant.
func (c Condition) MarshalJSON() ([]byte, error) {
	switch {
	case c.Group != nil:
		g := *c.Group
		if g.Conditions == nil {
			g.Conditions = []Condition{}
		}
		return json.Marshal(g)
	case c.Leaf != nil:
		return json.Marshal(c.Leaf)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON decodes a leaf or group node. A node carrying "logic" or
// "conditions" is a group; anything else is a leaf.
func (c *Condition) UnmarshalJSON(data []byte) error {
	*c = Condition{}
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("condition must be an object: %w", err)
	}

	_, hasLogic := raw["logic"]
	_, hasChildren := raw["conditions"]
	if hasLogic || hasChildren {
		var g Group
		if v, ok := raw["logic"]; ok {
			var logic string
			if err := json.Unmarshal(v, &logic); err != nil {
				return fmt.Errorf("logic must be a string: %w", err)
			}
			g.Logic = Logic(strings.ToUpper(strings.TrimSpace(logic)))
		}
		if v, ok := raw["conditions"]; ok {
			if err := json.Unmarshal(v, &g.Conditions); err != nil {
				return err
			}
		}
		c.Group = &g
		return nil
	}

	var l Leaf
	if v, ok := raw["field"]; ok {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return fmt.Errorf("field must be a string: %w", err)
		}
		l.Field = Field(s)
	}
	if v, ok := raw["operator"]; ok {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return fmt.Errorf("operator must be a string: %w", err)
		}
		l.Operator = Operator(s)
	}
	if v, ok := raw["value"]; ok {
		s, err := scalarString(v)
		if err != nil {
			return fmt.Errorf("value: %w", err)
		}
		l.Value = s
		l.valueSet = true
	}
	if v, ok := raw["case_sensitive"]; ok {
		if err := json.Unmarshal(v, &l.CaseSensitive); err != nil {
			return fmt.Errorf("case_sensitive must be a boolean: %w", err)
		}
	}
	c.Leaf = &l
	return nil
}

// scalarString accepts string, number, bool or null comparison values.
func scalarString(v json.RawMessage) (string, error) {
	var x any
	if err := json.Unmarshal(v, &x); err != nil {
		return "", err
	}
	switch t := x.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(t), nil
	default:
		return "", fmt.Errorf("unsupported value type %T", x)
	}
}

// FlagAction appends a message to the record notes.
type FlagAction struct {
	Message string `json:"message,omitempty"`
}

// UnmarshalJSON accepts either an object or a bare boolean.
func (f *FlagAction) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = FlagAction{}
		return nil
	}
	type plain FlagAction
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*f = FlagAction(p)
	return nil
}

// Actions are the side effects applied when a security rule matches.
type Actions struct {
	Escalate      bool        `json:"escalate,omitempty"`
	Flag          *FlagAction `json:"flag,omitempty"`
	ScoreModifier *float64    `json:"score_modifier,omitempty"`
	Tag           string      `json:"tag,omitempty"`
	AssignTo      string      `json:"assign_to,omitempty"`
}

// Rule is an exclusion or security rule definition.
type Rule struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	RuleType    RuleType  `json:"rule_type"`
	Conditions  Condition `json:"conditions"`
	Actions     Actions   `json:"actions"`
	Priority    int       `json:"priority"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RuleFilter narrows rule listings.
type RuleFilter struct {
	Type       RuleType
	ActiveOnly bool
}

// RuleDefinition is the portable import/export form of a rule.
type RuleDefinition struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	RuleType    RuleType  `json:"rule_type"`
	Conditions  Condition `json:"conditions"`
	Actions     Actions   `json:"actions"`
	Priority    *int      `json:"priority,omitempty"`
	IsActive    *bool     `json:"is_active,omitempty"`
}

// Definition returns the portable form of the rule.
func (r *Rule) Definition() RuleDefinition {
	active := r.IsActive
	priority := r.Priority
	return RuleDefinition{
		Name:        r.Name,
		Description: r.Description,
		RuleType:    r.RuleType,
		Conditions:  r.Conditions,
		Actions:     r.Actions,
		Priority:    &priority,
		IsActive:    &active,
	}
}
