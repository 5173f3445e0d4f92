package rules

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func previewRecords() []*domain.Record {
	long := strings.Repeat("s", 150)
	return []*domain.Record{
		{RecordID: "1", Fields: domain.Fields{domain.FieldSender: "a@corp.com", domain.FieldSubject: long, domain.FieldRecipientsEmailDomain: "gmail.com", domain.FieldDepartment: "finance"}},
		{RecordID: "2", Fields: domain.Fields{domain.FieldSender: "b@corp.com", domain.FieldSubject: "hi", domain.FieldRecipientsEmailDomain: "corp.com", domain.FieldDepartment: "finance"}},
		{RecordID: "3", Fields: domain.Fields{domain.FieldSender: "c@corp.com", domain.FieldSubject: "hello", domain.FieldRecipientsEmailDomain: "gmail.com", domain.FieldDepartment: "sales"}},
	}
}

func TestTestRule(t *testing.T) {
	engine := NewEngine()
	records := previewRecords()
	r := rule("", "personal mail", domain.RuleTypeSecurity, 1,
		domain.LeafCondition(domain.FieldRecipientsEmailDomain, domain.OpEquals, "gmail.com"))
	r.Actions = domain.Actions{Escalate: true, Tag: "t"}

	result := engine.TestRule(r, records)

	assert.Equal(t, 3, result.TotalTested)
	assert.Equal(t, 2, result.MatchCount)
	assert.Equal(t, 66.67, result.MatchPercentage)
	require.Len(t, result.Matches, 2)
	assert.Equal(t, "1", result.Matches[0].RecordID)
	assert.Len(t, result.Matches[0].Subject, 100)
	assert.Equal(t, "c@corp.com", result.Matches[1].Sender)

	for _, rec := range records {
		assert.Empty(t, rec.Notes)
		assert.Nil(t, rec.EscalatedAt)
	}
}

func TestTestRuleEmptySample(t *testing.T) {
	result := NewEngine().TestRule(rule("", "x", domain.RuleTypeSecurity, 1,
		domain.LeafCondition(domain.FieldSender, domain.OpIsNotEmpty, "")), nil)

	assert.Equal(t, 0, result.TotalTested)
	assert.Equal(t, 0.0, result.MatchPercentage)
	assert.NotNil(t, result.Matches)
}

func TestSampleFilter(t *testing.T) {
	t.Run("filters by field variables", func(t *testing.T) {
		f, err := CompileSampleFilter(`department == "finance" && record["recipients_email_domain"] != "corp.com"`)
		require.NoError(t, err)

		out, err := f.Apply(previewRecords())
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, "1", out[0].RecordID)
	})

	t.Run("nil filter keeps everything", func(t *testing.T) {
		var f *SampleFilter
		out, err := f.Apply(previewRecords())
		require.NoError(t, err)
		assert.Len(t, out, 3)
	})

	t.Run("non-boolean expression is rejected", func(t *testing.T) {
		_, err := CompileSampleFilter(`sender + "x"`)
		require.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrInvalidInput))
	})

	t.Run("syntax error is rejected", func(t *testing.T) {
		_, err := CompileSampleFilter(`sender ==`)
		require.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrInvalidInput))
	})

	t.Run("unknown variable is rejected", func(t *testing.T) {
		_, err := CompileSampleFilter(`salary > 10`)
		assert.Error(t, err)
	})
}
