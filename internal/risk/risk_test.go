package risk

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestLevel(t *testing.T) {
	tests := []struct {
		score float64
		want  domain.RiskLevel
	}{
		{0, domain.RiskLow},
		{0.39999, domain.RiskLow},
		{0.4, domain.RiskMedium},
		{0.59999, domain.RiskMedium},
		{0.6, domain.RiskHigh},
		{0.79999, domain.RiskHigh},
		{0.8, domain.RiskCritical},
		{1, domain.RiskCritical},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Level(tt.score), "score %v", tt.score)
	}
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 0.0, Clamp(-0.5))
	assert.Equal(t, 1.0, Clamp(5))
	assert.Equal(t, 0.3, Clamp(0.3))
	assert.Equal(t, 0.0, Clamp(math.NaN()))
}

func ptr[T any](v T) *T { return &v }

func TestAggregatorScore(t *testing.T) {
	agg := NewAggregator()

	t.Run("AnomalyOnly", func(t *testing.T) {
		score, level := agg.Score(&domain.Record{}, 0.65)
		assert.Equal(t, 0.65, score)
		assert.Equal(t, domain.RiskHigh, level)
	})

	t.Run("MaxOfSignals", func(t *testing.T) {
		rec := &domain.Record{RuleScore: ptr(0.5)}
		score, level := agg.Score(rec, 0.3)
		assert.Equal(t, 0.5, score)
		assert.Equal(t, domain.RiskMedium, level)

		score, level = agg.Score(rec, 0.85)
		assert.Equal(t, 0.85, score)
		assert.Equal(t, domain.RiskCritical, level)
	})

	t.Run("RuleForcedCriticalIsRetained", func(t *testing.T) {
		rec := &domain.Record{RuleScore: ptr(0.9), RuleLevel: ptr(domain.RiskCritical)}
		score, level := agg.Score(rec, 0.05)
		assert.Equal(t, 0.9, score)
		assert.Equal(t, domain.RiskCritical, level)
	})

	t.Run("CriticalWinsOverLowRuleScore", func(t *testing.T) {
		// A negative score_modifier can push the rule score down after the floor.
		rec := &domain.Record{RuleScore: ptr(0.2), RuleLevel: ptr(domain.RiskCritical)}
		_, level := agg.Score(rec, 0.1)
		assert.Equal(t, domain.RiskCritical, level)
	})

	t.Run("OutOfRangeAnomalyIsClamped", func(t *testing.T) {
		score, level := agg.Score(&domain.Record{}, 7)
		assert.Equal(t, 1.0, score)
		assert.Equal(t, domain.RiskCritical, level)
	})
}

func TestApplyAll(t *testing.T) {
	agg := NewAggregator()
	records := []*domain.Record{
		{RecordID: "1"},
		{RecordID: "2", RuleScore: ptr(0.9), RuleLevel: ptr(domain.RiskCritical), RuleMatches: []domain.RuleMatch{{RuleName: "leaver"}}},
		{RecordID: "3"},
	}
	scores := map[string]domain.AnomalyScore{
		"1": {Score: 0.45, Explanation: "unusual volume"},
		"2": {Score: 0.1},
	}

	counts := agg.ApplyAll(records, scores)
	assert.Equal(t, map[domain.RiskLevel]int{domain.RiskMedium: 1, domain.RiskCritical: 1, domain.RiskLow: 1}, counts)

	assert.Equal(t, 0.45, *records[0].RiskScore)
	assert.Equal(t, "unusual volume", records[0].MLExplanation)

	assert.Equal(t, domain.RiskCritical, *records[1].RiskLevel)
	assert.Equal(t, 0.1, *records[1].AnomalyScore)
	assert.Equal(t, "matched 1 security rule(s)", records[1].MLExplanation)

	assert.Equal(t, 0.0, *records[2].AnomalyScore, "missing scores default to zero")
	assert.Equal(t, domain.RiskLow, *records[2].RiskLevel)
}

func TestRiskWithoutSecurityRulesDependsOnlyOnAnomaly(t *testing.T) {
	agg := NewAggregator()
	for _, s := range []float64{0, 0.2, 0.4, 0.61, 0.8, 0.99} {
		a := &domain.Record{Fields: domain.Fields{domain.FieldSender: "a"}}
		b := &domain.Record{Fields: domain.Fields{domain.FieldSender: "b", domain.FieldLeaver: "yes"}}
		agg.Apply(a, domain.AnomalyScore{Score: s})
		agg.Apply(b, domain.AnomalyScore{Score: s})
		assert.Equal(t, *a.RiskLevel, *b.RiskLevel)
		assert.Equal(t, Level(s), *a.RiskLevel)
	}
}
