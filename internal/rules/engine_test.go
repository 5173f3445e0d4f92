package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func float(v float64) *float64 { return &v }

func rule(id, name string, typ domain.RuleType, priority int, cond domain.Condition) *domain.Rule {
	return &domain.Rule{
		ID:         id,
		Name:       name,
		RuleType:   typ,
		Priority:   priority,
		Conditions: cond,
		IsActive:   true,
	}
}

func TestSortRules(t *testing.T) {
	rules := []*domain.Rule{
		rule("3", "b", domain.RuleTypeSecurity, 5, domain.Condition{}),
		rule("1", "low", domain.RuleTypeSecurity, 1, domain.Condition{}),
		rule("2", "a", domain.RuleTypeSecurity, 5, domain.Condition{}),
		rule("4", "top", domain.RuleTypeSecurity, 10, domain.Condition{}),
	}
	SortRules(rules)

	var names []string
	for _, r := range rules {
		names = append(names, r.Name)
	}
	assert.Equal(t, []string{"top", "a", "b", "low"}, names)
}

func TestExcludeFirstMatchWins(t *testing.T) {
	engine := NewEngine()
	internal := domain.LeafCondition(domain.FieldRecipientsEmailDomain, domain.OpEquals, "corp.com")
	anyone := domain.LeafCondition(domain.FieldSender, domain.OpIsNotEmpty, "")

	rules := []*domain.Rule{
		rule("low", "catch-all", domain.RuleTypeExclusion, 1, anyone),
		rule("high", "internal mail", domain.RuleTypeExclusion, 50, internal),
	}
	SortRules(rules)

	already := "previous rule"
	records := []*domain.Record{
		testRecord(domain.Fields{domain.FieldSender: "a@corp.com", domain.FieldRecipientsEmailDomain: "corp.com"}),
		testRecord(domain.Fields{domain.FieldSender: "b@corp.com", domain.FieldRecipientsEmailDomain: "gmail.com"}),
		testRecord(domain.Fields{domain.FieldRecipientsEmailDomain: "gmail.com"}),
		{RecordID: "4", Fields: domain.Fields{domain.FieldSender: "c@corp.com"}, ExcludedByRule: &already},
	}

	changed := engine.Exclude(records, rules)

	require.Len(t, changed, 2)
	require.NotNil(t, records[0].ExcludedByRule)
	assert.Equal(t, "internal mail", *records[0].ExcludedByRule)
	require.NotNil(t, records[1].ExcludedByRule)
	assert.Equal(t, "catch-all", *records[1].ExcludedByRule)
	assert.Nil(t, records[2].ExcludedByRule)
	assert.Equal(t, "previous rule", *records[3].ExcludedByRule)
}

func TestSecureAccumulatesAllMatches(t *testing.T) {
	engine := NewEngine()
	fixed := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	engine.SetClock(func() time.Time { return fixed })

	rival := rule("r1", "rival domain", domain.RuleTypeSecurity, 10,
		domain.LeafCondition(domain.FieldRecipientsEmailDomain, domain.OpEquals, "rival.com"))
	rival.Actions = domain.Actions{Escalate: true, Flag: &domain.FlagAction{}}

	leaver := rule("r2", "leaver", domain.RuleTypeSecurity, 20,
		domain.LeafCondition(domain.FieldLeaver, domain.OpEquals, "yes"))
	leaver.Actions = domain.Actions{Tag: "leaver", AssignTo: "team-a"}

	payroll := rule("r3", "payroll", domain.RuleTypeSecurity, 5,
		domain.LeafCondition(domain.FieldSubject, domain.OpContains, "payroll"))
	payroll.Actions = domain.Actions{Flag: &domain.FlagAction{Message: "payroll data"}, AssignTo: "team-b"}

	rules := []*domain.Rule{rival, leaver, payroll}
	SortRules(rules)

	excluded := "x"
	hit := testRecord(domain.Fields{
		domain.FieldRecipientsEmailDomain: "rival.com",
		domain.FieldLeaver:                "yes",
		domain.FieldSubject:               "payroll",
	})
	skippedExcluded := &domain.Record{RecordID: "2", Fields: hit.Fields, ExcludedByRule: &excluded}
	skippedWhitelisted := &domain.Record{RecordID: "3", Fields: hit.Fields, Whitelisted: true}
	miss := testRecord(domain.Fields{domain.FieldSubject: "lunch"})

	changed, matches := engine.Secure([]*domain.Record{hit, skippedExcluded, skippedWhitelisted, miss}, rules)

	require.Len(t, changed, 1)
	require.Len(t, matches, 3)
	require.Len(t, hit.RuleMatches, 3)
	assert.Equal(t, "leaver", hit.RuleMatches[0].RuleName)
	assert.Equal(t, "rival domain", hit.RuleMatches[1].RuleName)
	assert.Equal(t, "payroll", hit.RuleMatches[2].RuleName)

	assert.Equal(t, domain.CaseEscalated, hit.CaseStatus)
	assert.Equal(t, fixed, *hit.EscalatedAt)
	assert.Equal(t, "Tag: leaver\nFlagged by rule: rival domain\npayroll data", hit.Notes)
	assert.Equal(t, "team-b", hit.AssignedTo)
	assert.Equal(t, domain.RiskCritical, *hit.RuleLevel)
	assert.GreaterOrEqual(t, *hit.RuleScore, SecurityMatchFloor)

	assert.Nil(t, skippedExcluded.RuleMatches)
	assert.Nil(t, skippedWhitelisted.RuleMatches)
	assert.Nil(t, miss.RuleMatches)
	assert.Nil(t, miss.RuleLevel)
}

func TestSecureKeepsHigherScore(t *testing.T) {
	engine := NewEngine()
	r := rule("r1", "boost", domain.RuleTypeSecurity, 1,
		domain.LeafCondition(domain.FieldLeaver, domain.OpEquals, "yes"))
	r.Actions = domain.Actions{ScoreModifier: float(0.95)}

	rec := testRecord(domain.Fields{domain.FieldLeaver: "yes"})
	engine.Secure([]*domain.Record{rec}, []*domain.Rule{r})

	assert.InDelta(t, 0.95, *rec.RuleScore, 1e-9)
}

func TestApplyActionsScoreModifier(t *testing.T) {
	engine := NewEngine()

	tests := []struct {
		name     string
		prior    *float64
		modifier float64
		want     float64
	}{
		{"clamps to one", float(0.9), 5.0, 1.0},
		{"clamps to zero", float(0.2), -3.0, 0.0},
		{"adds within range", float(0.2), 0.3, 0.5},
		{"nil prior uses modifier", nil, 0.4, 0.4},
		{"nil prior negative modifier", nil, -0.4, 0.0},
		{"nil prior large modifier", nil, 7, 1.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := testRecord(nil)
			rec.RuleScore = tt.prior
			r := rule("r", "mod", domain.RuleTypeSecurity, 1, domain.Condition{})
			r.Actions.ScoreModifier = float(tt.modifier)

			engine.ApplyActions(rec, r)

			require.NotNil(t, rec.RuleScore)
			assert.InDelta(t, tt.want, *rec.RuleScore, 1e-9)
		})
	}
}

func TestApplyActionsOrder(t *testing.T) {
	engine := NewEngine()
	rec := testRecord(nil)
	rec.Notes = "existing"
	rec.AssignedTo = "someone"

	r := rule("r", "combo", domain.RuleTypeSecurity, 1, domain.Condition{})
	r.Actions = domain.Actions{
		Escalate:      true,
		Flag:          &domain.FlagAction{Message: "check"},
		ScoreModifier: float(0.5),
		Tag:           "exfil",
		AssignTo:      "secops",
	}
	engine.ApplyActions(rec, r)

	assert.Equal(t, domain.CaseEscalated, rec.CaseStatus)
	assert.NotNil(t, rec.EscalatedAt)
	assert.Equal(t, "existing\ncheck\nTag: exfil", rec.Notes)
	assert.InDelta(t, 0.5, *rec.RuleScore, 1e-9)
	assert.Equal(t, "secops", rec.AssignedTo)
}
