package rules

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestValidateCondition(t *testing.T) {
	tests := []struct {
		name     string
		json     string
		wantErrs int
		contains string
	}{
		{"valid leaf", `{"field":"sender","operator":"contains","value":"x"}`, 0, ""},
		{"valid group", `{"logic":"AND","conditions":[{"field":"leaver","operator":"equals","value":"yes"},{"logic":"OR","conditions":[{"field":"subject","operator":"is_empty"}]}]}`, 0, ""},
		{"lower-case logic is accepted", `{"logic":"or","conditions":[{"field":"leaver","operator":"is_not_empty"}]}`, 0, ""},
		{"unknown field", `{"field":"salary","operator":"equals","value":"1"}`, 1, "unsupported field"},
		{"unknown operator", `{"field":"sender","operator":"like","value":"1"}`, 1, "unsupported operator"},
		{"missing value", `{"field":"sender","operator":"equals"}`, 1, "'value' is required"},
		{"is_empty needs no value", `{"field":"sender","operator":"is_empty"}`, 0, ""},
		{"explicit empty value", `{"field":"department","operator":"equals","value":""}`, 0, ""},
		{"blank value", `{"field":"subject","operator":"contains","value":"  "}`, 0, ""},
		{"null value", `{"field":"department","operator":"not_equals","value":null}`, 0, ""},
		{"bad pattern", `{"field":"sender","operator":"matches_pattern","value":"(["}`, 1, "invalid regex"},
		{"bad logic", `{"logic":"XOR","conditions":[{"field":"sender","operator":"is_empty"}]}`, 1, "logic must be"},
		{"nested errors are all reported", `{"logic":"AND","conditions":[{"field":"nope","operator":"equals","value":"1"},{"field":"sender","operator":"bogus"}]}`, 2, "conditions[1]"},
		{"missing field and operator", `{"value":"x"}`, 2, "missing 'field'"},
		{"null", `null`, 1, "cannot be empty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c domain.Condition
			require.NoError(t, json.Unmarshal([]byte(tt.json), &c))

			errs := ValidateCondition(c)
			assert.Len(t, errs, tt.wantErrs, "errors: %v", errs)
			if tt.contains != "" {
				assert.Contains(t, joinLines(errs), tt.contains)
			}
		})
	}
}

func TestValidateBuiltLeafValue(t *testing.T) {
	assert.Empty(t, ValidateCondition(domain.LeafCondition(domain.FieldDepartment, domain.OpEquals, "")))

	bare := domain.Condition{Leaf: &domain.Leaf{Field: domain.FieldDepartment, Operator: domain.OpEquals}}
	errs := ValidateCondition(bare)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "'value' is required")

	// An empty value survives a JSON round trip as present.
	data, err := json.Marshal(domain.LeafCondition(domain.FieldDepartment, domain.OpEquals, ""))
	require.NoError(t, err)
	var decoded domain.Condition
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Empty(t, ValidateCondition(decoded))
}

func joinLines(lines []string) string {
	out := ""
	for _, l := range lines {
		out += l + "\n"
	}
	return out
}

func TestValidateRule(t *testing.T) {
	valid := rule("1", "ok", domain.RuleTypeSecurity, 1,
		domain.LeafCondition(domain.FieldSender, domain.OpContains, "x"))
	assert.Empty(t, ValidateRule(valid))
	assert.NoError(t, CheckRule(valid))

	bad := &domain.Rule{RuleType: "audit"}
	errs := ValidateRule(bad)
	assert.Len(t, errs, 3)

	err := CheckRule(bad)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))

	var verr *domain.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Len(t, verr.Reasons, 3)
}
