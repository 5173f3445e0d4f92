package rules

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository/memory"
)

func newTestService() (*Service, *memory.Repository) {
	repo := memory.New()
	return NewService(repo, NewEngine()), repo
}

func TestServiceCreate(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	r := rule("", "  leaver  ", domain.RuleTypeSecurity, 5,
		domain.LeafCondition(domain.FieldLeaver, domain.OpEquals, "yes"))
	require.NoError(t, svc.Create(ctx, r))
	assert.NotEmpty(t, r.ID)
	assert.Equal(t, "leaver", r.Name)
	assert.False(t, r.CreatedAt.IsZero())

	dup := rule("", "leaver", domain.RuleTypeExclusion, 1,
		domain.LeafCondition(domain.FieldLeaver, domain.OpEquals, "no"))
	err := svc.Create(ctx, dup)
	assert.ErrorIs(t, err, domain.ErrConflict)

	invalid := rule("", "broken", domain.RuleTypeSecurity, 1,
		domain.LeafCondition("salary", domain.OpEquals, "1"))
	err = svc.Create(ctx, invalid)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestServiceToggleAndUpdate(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	a := rule("", "a", domain.RuleTypeSecurity, 1, domain.LeafCondition(domain.FieldLeaver, domain.OpIsNotEmpty, ""))
	b := rule("", "b", domain.RuleTypeSecurity, 1, domain.LeafCondition(domain.FieldLeaver, domain.OpIsNotEmpty, ""))
	require.NoError(t, svc.Create(ctx, a))
	require.NoError(t, svc.Create(ctx, b))

	toggled, err := svc.Toggle(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, toggled.IsActive)

	active, err := svc.List(ctx, domain.RuleFilter{ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "b", active[0].Name)

	b.Name = "a"
	assert.ErrorIs(t, svc.Update(ctx, b), domain.ErrConflict)

	b.Name = "renamed"
	b.Priority = 9
	require.NoError(t, svc.Update(ctx, b))
	got, err := svc.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
	assert.Equal(t, 9, got.Priority)

	_, err = svc.Toggle(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestServiceTestAgainstSession(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()

	require.NoError(t, repo.CreateSession(ctx, &domain.Session{ID: "s-1"}))
	for _, rec := range previewRecords() {
		rec.SessionID = "s-1"
		require.NoError(t, repo.InsertRecords(ctx, []*domain.Record{rec}))
	}

	candidate := rule("", "personal", domain.RuleTypeSecurity, 1,
		domain.LeafCondition(domain.FieldRecipientsEmailDomain, domain.OpEquals, "gmail.com"))

	result, err := svc.Test(ctx, candidate, "s-1", nil, "")
	require.NoError(t, err)
	assert.Equal(t, 3, result.TotalTested)
	assert.Equal(t, 2, result.MatchCount)

	filtered, err := svc.Test(ctx, candidate, "s-1", nil, `department == "sales"`)
	require.NoError(t, err)
	assert.Equal(t, 1, filtered.TotalTested)
	assert.Equal(t, 100.0, filtered.MatchPercentage)

	_, err = svc.Test(ctx, candidate, "s-1", nil, `department ==`)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	bad := rule("", "bad", domain.RuleTypeSecurity, 1, domain.LeafCondition(domain.FieldSender, "like", "x"))
	_, err = svc.Test(ctx, bad, "", previewRecords(), "")
	var verr *domain.ValidationError
	assert.True(t, errors.As(err, &verr))

	// Preview never persists anything.
	stored, err := repo.ListRecords(ctx, "s-1")
	require.NoError(t, err)
	for _, rec := range stored {
		assert.Nil(t, rec.RuleMatches)
	}
}

func TestServiceImport(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	require.NoError(t, svc.Create(ctx, rule("", "existing", domain.RuleTypeSecurity, 1,
		domain.LeafCondition(domain.FieldLeaver, domain.OpEquals, "yes"))))

	payload := `[
		{"name": "defaults", "conditions": {"field": "subject", "operator": "contains", "value": "payroll"}},
		{"name": "existing", "conditions": {"field": "subject", "operator": "contains", "value": "x"}},
		{"name": "invalid", "conditions": {"field": "salary", "operator": "equals", "value": "1"}},
		{"name": "explicit", "rule_type": "exclusion", "priority": 0, "is_active": false,
		 "conditions": {"logic": "or", "conditions": [{"field": "sender", "operator": "ends_with", "value": "@corp.com"}]}}
	]`
	var defs []domain.RuleDefinition
	require.NoError(t, json.Unmarshal([]byte(payload), &defs))

	result, err := svc.Import(ctx, defs)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Imported)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], "already exists")
	assert.Contains(t, result.Errors[1], "unsupported field")

	all, err := svc.List(ctx, domain.RuleFilter{})
	require.NoError(t, err)
	byName := map[string]*domain.Rule{}
	for _, r := range all {
		byName[r.Name] = r
	}

	require.Contains(t, byName, "defaults")
	assert.Equal(t, domain.RuleTypeSecurity, byName["defaults"].RuleType)
	assert.Equal(t, 1, byName["defaults"].Priority)
	assert.True(t, byName["defaults"].IsActive)

	require.Contains(t, byName, "explicit")
	assert.Equal(t, domain.RuleTypeExclusion, byName["explicit"].RuleType)
	assert.Equal(t, 0, byName["explicit"].Priority)
	assert.False(t, byName["explicit"].IsActive)
}

func TestServiceExportImportRoundTrip(t *testing.T) {
	src, _ := newTestService()
	ctx := context.Background()

	mod := -0.25
	r := rule("", "payroll", domain.RuleTypeSecurity, 0, domain.GroupCondition(domain.LogicAnd,
		domain.LeafCondition(domain.FieldSubject, domain.OpMatchesPattern, `payroll|salary`),
		domain.LeafCondition(domain.FieldRecipientsEmailDomain, domain.OpNotInList, "corp.com"),
	))
	r.Actions = domain.Actions{ScoreModifier: &mod, Tag: "pii"}
	require.NoError(t, src.Create(ctx, r))

	inactive := rule("", "off", domain.RuleTypeSecurity, 3, domain.LeafCondition(domain.FieldLeaver, domain.OpIsEmpty, ""))
	inactive.IsActive = false
	require.NoError(t, src.Create(ctx, inactive))

	exported, err := src.Export(ctx, "")
	require.NoError(t, err)
	require.Len(t, exported, 1, "only active rules are exported")

	data, err := json.Marshal(exported)
	require.NoError(t, err)
	var defs []domain.RuleDefinition
	require.NoError(t, json.Unmarshal(data, &defs))

	dst, _ := newTestService()
	result, err := dst.Import(ctx, defs)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Imported)

	reexported, err := dst.Export(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, exported, reexported)
}
