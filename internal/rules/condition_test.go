package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func testRecord(fields domain.Fields) *domain.Record {
	return &domain.Record{SessionID: "s-1", RecordID: "1", Fields: fields}
}

func TestEvaluateLeaf(t *testing.T) {
	rec := testRecord(domain.Fields{
		domain.FieldSender:                "alice@corp.com",
		domain.FieldSubject:               "Q3 Payroll EXPORT",
		domain.FieldRecipientsEmailDomain: "rival.com",
		domain.FieldLeaver:                "yes",
		domain.FieldTerminationDate:       "2024-05-01",
		domain.FieldAttachments:           "payroll.xlsx",
		domain.FieldBunit:                 "42",
		domain.FieldJustification:         "   ",
	})

	tests := []struct {
		name string
		leaf domain.Leaf
		want bool
	}{
		{"equals folds case", domain.Leaf{Field: domain.FieldSubject, Operator: domain.OpEquals, Value: "q3 payroll export"}, true},
		{"equals case sensitive", domain.Leaf{Field: domain.FieldSubject, Operator: domain.OpEquals, Value: "q3 payroll export", CaseSensitive: true}, false},
		{"not equals", domain.Leaf{Field: domain.FieldLeaver, Operator: domain.OpNotEquals, Value: "no"}, true},
		{"contains", domain.Leaf{Field: domain.FieldSubject, Operator: domain.OpContains, Value: "PAYROLL"}, true},
		{"not contains", domain.Leaf{Field: domain.FieldSubject, Operator: domain.OpNotContains, Value: "invoice"}, true},
		{"starts with", domain.Leaf{Field: domain.FieldSender, Operator: domain.OpStartsWith, Value: "alice"}, true},
		{"ends with", domain.Leaf{Field: domain.FieldAttachments, Operator: domain.OpEndsWith, Value: ".XLSX"}, true},
		{"in list trims items", domain.Leaf{Field: domain.FieldRecipientsEmailDomain, Operator: domain.OpInList, Value: "gmail.com , rival.com,yahoo.com"}, true},
		{"not in list", domain.Leaf{Field: domain.FieldRecipientsEmailDomain, Operator: domain.OpNotInList, Value: "gmail.com,yahoo.com"}, true},
		{"in list misses", domain.Leaf{Field: domain.FieldRecipientsEmailDomain, Operator: domain.OpInList, Value: "gmail.com"}, false},
		{"greater than numeric", domain.Leaf{Field: domain.FieldBunit, Operator: domain.OpGreaterThan, Value: "7"}, true},
		{"less than numeric", domain.Leaf{Field: domain.FieldBunit, Operator: domain.OpLessThan, Value: "100"}, true},
		{"greater than falls back to length", domain.Leaf{Field: domain.FieldSender, Operator: domain.OpGreaterThan, Value: "short"}, true},
		{"less than falls back to length", domain.Leaf{Field: domain.FieldTerminationDate, Operator: domain.OpLessThan, Value: "2024"}, false},
		{"matches pattern", domain.Leaf{Field: domain.FieldSender, Operator: domain.OpMatchesPattern, Value: `^[a-z]+@corp\.com$`}, true},
		{"pattern folds case", domain.Leaf{Field: domain.FieldSubject, Operator: domain.OpMatchesPattern, Value: `Q\d PAYROLL`}, true},
		{"invalid pattern is no match", domain.Leaf{Field: domain.FieldSender, Operator: domain.OpMatchesPattern, Value: `([`}, false},
		{"is empty on blank value", domain.Leaf{Field: domain.FieldJustification, Operator: domain.OpIsEmpty}, true},
		{"is empty on missing field", domain.Leaf{Field: domain.FieldDepartment, Operator: domain.OpIsEmpty, Value: "ignored"}, true},
		{"is not empty", domain.Leaf{Field: domain.FieldSender, Operator: domain.OpIsNotEmpty}, true},
		{"missing field equals empty", domain.Leaf{Field: domain.FieldStatus, Operator: domain.OpEquals, Value: ""}, true},
		{"unknown field", domain.Leaf{Field: "ssn", Operator: domain.OpEquals, Value: "x"}, false},
		{"unknown operator", domain.Leaf{Field: domain.FieldSender, Operator: "sounds_like", Value: "x"}, false},
	}

	ev := NewEvaluator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			leaf := tt.leaf
			got := ev.Evaluate(rec, domain.Condition{Leaf: &leaf})
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCompareCountsCharacters(t *testing.T) {
	tests := []struct {
		name   string
		actual string
		leaf   domain.Leaf
		want   bool
	}{
		{"accented equal length is not greater", "café", domain.Leaf{Field: domain.FieldDepartment, Operator: domain.OpGreaterThan, Value: "abcd"}, false},
		{"accented equal length is not less", "café", domain.Leaf{Field: domain.FieldDepartment, Operator: domain.OpLessThan, Value: "abcd"}, false},
		{"cjk shorter than ascii", "日本", domain.Leaf{Field: domain.FieldDepartment, Operator: domain.OpLessThan, Value: "abc"}, true},
		{"cjk not greater than ascii", "日本", domain.Leaf{Field: domain.FieldDepartment, Operator: domain.OpGreaterThan, Value: "abc"}, false},
		{"emoji counts once", "ok👍", domain.Leaf{Field: domain.FieldDepartment, Operator: domain.OpGreaterThan, Value: "ab"}, true},
	}

	ev := NewEvaluator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := testRecord(domain.Fields{domain.FieldDepartment: tt.actual})
			assert.Equal(t, tt.want, ev.Evaluate(rec, domain.Condition{Leaf: &tt.leaf}))
		})
	}

	assert.Zero(t, compare("café", "abcd"))
	assert.Negative(t, compare("日本", "abc"))
}

func TestEvaluateGroup(t *testing.T) {
	rec := testRecord(domain.Fields{
		domain.FieldLeaver:                "yes",
		domain.FieldRecipientsEmailDomain: "gmail.com",
	})
	leaver := domain.LeafCondition(domain.FieldLeaver, domain.OpEquals, "yes")
	personal := domain.LeafCondition(domain.FieldRecipientsEmailDomain, domain.OpInList, "gmail.com,hotmail.com")
	never := domain.LeafCondition(domain.FieldLeaver, domain.OpEquals, "no")

	ev := NewEvaluator()

	t.Run("AND all true", func(t *testing.T) {
		assert.True(t, ev.Evaluate(rec, domain.GroupCondition(domain.LogicAnd, leaver, personal)))
	})
	t.Run("AND one false", func(t *testing.T) {
		assert.False(t, ev.Evaluate(rec, domain.GroupCondition(domain.LogicAnd, leaver, never)))
	})
	t.Run("OR one true", func(t *testing.T) {
		assert.True(t, ev.Evaluate(rec, domain.GroupCondition(domain.LogicOr, never, personal)))
	})
	t.Run("OR none true", func(t *testing.T) {
		assert.False(t, ev.Evaluate(rec, domain.GroupCondition(domain.LogicOr, never, never)))
	})
	t.Run("empty group is false", func(t *testing.T) {
		assert.False(t, ev.Evaluate(rec, domain.GroupCondition(domain.LogicAnd)))
		assert.False(t, ev.Evaluate(rec, domain.GroupCondition(domain.LogicOr)))
	})
	t.Run("nested", func(t *testing.T) {
		inner := domain.GroupCondition(domain.LogicOr, never, domain.GroupCondition(domain.LogicAnd, leaver, personal))
		assert.True(t, ev.Evaluate(rec, domain.GroupCondition(domain.LogicAnd, leaver, inner)))
	})
	t.Run("bad logic is false", func(t *testing.T) {
		assert.False(t, ev.Evaluate(rec, domain.GroupCondition("XOR", leaver)))
	})
	t.Run("zero condition is false", func(t *testing.T) {
		assert.False(t, ev.Evaluate(rec, domain.Condition{}))
	})
}

func TestEvaluateShortCircuits(t *testing.T) {
	rec := testRecord(domain.Fields{domain.FieldLeaver: "yes"})
	ev := NewEvaluator()

	// The invalid pattern after a deciding child is never compiled.
	bad := domain.Condition{Leaf: &domain.Leaf{Field: domain.FieldSender, Operator: domain.OpMatchesPattern, Value: "(["}}
	assert.False(t, ev.Evaluate(rec, domain.GroupCondition(domain.LogicAnd,
		domain.LeafCondition(domain.FieldLeaver, domain.OpEquals, "no"), bad)))
	assert.True(t, ev.Evaluate(rec, domain.GroupCondition(domain.LogicOr,
		domain.LeafCondition(domain.FieldLeaver, domain.OpEquals, "yes"), bad)))

	ev.mu.RLock()
	defer ev.mu.RUnlock()
	assert.Empty(t, ev.invalid)
}
