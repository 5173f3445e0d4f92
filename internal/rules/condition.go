package rules

import (
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Evaluator evaluates condition trees against records.
// It is safe for concurrent use; compiled patterns are cached.
type Evaluator struct {
	mu       sync.RWMutex
	patterns map[string]*regexp.Regexp
	invalid  map[string]error
}

// NewEvaluator creates a condition evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{
		patterns: make(map[string]*regexp.Regexp),
		invalid:  make(map[string]error),
	}
}

// Evaluate reports whether the record satisfies the condition.
// It never fails: malformed nodes evaluate to false.
func (e *Evaluator) Evaluate(rec *domain.Record, c domain.Condition) bool {
	switch {
	case c.Group != nil:
		return e.evalGroup(rec, c.Group)
	case c.Leaf != nil:
		return e.evalLeaf(rec, c.Leaf)
	default:
		return false
	}
}

func (e *Evaluator) evalGroup(rec *domain.Record, g *domain.Group) bool {
	if len(g.Conditions) == 0 {
		return false
	}

	switch g.Logic {
	case domain.LogicAnd:
		for _, child := range g.Conditions {
			if !e.Evaluate(rec, child) {
				return false
			}
		}
		return true
	case domain.LogicOr:
		for _, child := range g.Conditions {
			if e.Evaluate(rec, child) {
				return true
			}
		}
		return false
	default:
		slog.Warn("unsupported condition logic", "logic", g.Logic)
		return false
	}
}

func (e *Evaluator) evalLeaf(rec *domain.Record, l *domain.Leaf) bool {
	if !l.Field.Valid() {
		slog.Warn("unsupported condition field", "field", l.Field)
		return false
	}
	if !l.Operator.Valid() {
		slog.Warn("unsupported condition operator", "operator", l.Operator)
		return false
	}

	actual := rec.Value(l.Field)
	expected := l.Value
	if !l.CaseSensitive {
		actual = strings.ToLower(actual)
		expected = strings.ToLower(expected)
	}

	switch l.Operator {
	case domain.OpEquals:
		return actual == expected
	case domain.OpNotEquals:
		return actual != expected
	case domain.OpContains:
		return strings.Contains(actual, expected)
	case domain.OpNotContains:
		return !strings.Contains(actual, expected)
	case domain.OpStartsWith:
		return strings.HasPrefix(actual, expected)
	case domain.OpEndsWith:
		return strings.HasSuffix(actual, expected)
	case domain.OpInList:
		return inList(actual, expected)
	case domain.OpNotInList:
		return !inList(actual, expected)
	case domain.OpGreaterThan:
		return compare(actual, expected) > 0
	case domain.OpLessThan:
		return compare(actual, expected) < 0
	case domain.OpMatchesPattern:
		re, err := e.pattern(l.Value, l.CaseSensitive)
		if err != nil {
			slog.Warn("invalid condition pattern", "pattern", l.Value, "error", err)
			return false
		}
		return re.MatchString(actual)
	case domain.OpIsEmpty:
		return strings.TrimSpace(actual) == ""
	case domain.OpIsNotEmpty:
		return strings.TrimSpace(actual) != ""
	}
	return false
}

// inList splits a comma-separated list and tests membership.
func inList(actual, list string) bool {
	for _, item := range strings.Split(list, ",") {
		if strings.TrimSpace(item) == actual {
			return true
		}
	}
	return false
}

// compare orders two values numerically when both parse as numbers,
// otherwise by character count.
func compare(a, b string) int {
	fa, errA := strconv.ParseFloat(strings.TrimSpace(a), 64)
	fb, errB := strconv.ParseFloat(strings.TrimSpace(b), 64)
	if errA != nil || errB != nil {
		return utf8.RuneCountInString(a) - utf8.RuneCountInString(b)
	}
	switch {
	case fa > fb:
		return 1
	case fa < fb:
		return -1
	}
	return 0
}

// pattern compiles and caches a regular expression. Case-insensitive
// patterns are compiled with the (?i) flag instead of lower-casing the
// source, so escapes such as \D keep their meaning.
func (e *Evaluator) pattern(src string, caseSensitive bool) (*regexp.Regexp, error) {
	key := src
	if !caseSensitive {
		key = "(?i)" + src
	}

	e.mu.RLock()
	re, ok := e.patterns[key]
	err := e.invalid[key]
	e.mu.RUnlock()
	if ok {
		return re, nil
	}
	if err != nil {
		return nil, err
	}

	re, err = regexp.Compile(key)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.invalid[key] = err
		return nil, err
	}
	e.patterns[key] = re
	return re, nil
}
