// Package risk merges rule-based risk signals with anomaly scores into
// the final risk classification of a record.
package risk

import (
	"fmt"
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Level thresholds. A score at or above a threshold falls into that level.
const (
	CriticalThreshold = 0.8
	HighThreshold     = 0.6
	MediumThreshold   = 0.4
)

// Level buckets a score into a risk level.
func Level(score float64) domain.RiskLevel {
	switch {
	case score >= CriticalThreshold:
		return domain.RiskCritical
	case score >= HighThreshold:
		return domain.RiskHigh
	case score >= MediumThreshold:
		return domain.RiskMedium
	default:
		return domain.RiskLow
	}
}

// Clamp bounds a score to [0,1]. NaN becomes 0.
func Clamp(score float64) float64 {
	if math.IsNaN(score) {
		return 0
	}
	return math.Max(0, math.Min(1, score))
}

// Aggregator produces final risk scores.
type Aggregator struct{}

// NewAggregator creates a risk aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// Score combines the record's rule-based signal with an anomaly score.
// The result is the larger of the two; a rule-forced Critical level is
// kept whatever the anomaly score says.
func (a *Aggregator) Score(rec *domain.Record, anomaly float64) (float64, domain.RiskLevel) {
	anomaly = Clamp(anomaly)

	ruleScore := 0.0
	if rec.RuleScore != nil {
		ruleScore = Clamp(*rec.RuleScore)
	}

	score := math.Max(ruleScore, anomaly)
	if rec.RuleLevel != nil && *rec.RuleLevel == domain.RiskCritical {
		return score, domain.RiskCritical
	}
	return score, Level(score)
}

// Apply writes the final classification onto rec.
func (a *Aggregator) Apply(rec *domain.Record, anomaly domain.AnomalyScore) {
	clamped := Clamp(anomaly.Score)
	score, level := a.Score(rec, clamped)

	rec.AnomalyScore = &clamped
	rec.RiskScore = &score
	rec.RiskLevel = &level
	rec.MLExplanation = explain(rec, anomaly.Explanation)
}

// ApplyAll scores every record. Records the scorer did not return get
// an anomaly score of 0. It returns the per-level counts.
func (a *Aggregator) ApplyAll(records []*domain.Record, scores map[string]domain.AnomalyScore) map[domain.RiskLevel]int {
	counts := make(map[domain.RiskLevel]int, 4)
	for _, rec := range records {
		a.Apply(rec, scores[rec.RecordID])
		counts[*rec.RiskLevel]++
	}
	return counts
}

func explain(rec *domain.Record, anomaly string) string {
	if len(rec.RuleMatches) == 0 {
		return anomaly
	}
	prefix := fmt.Sprintf("matched %d security rule(s)", len(rec.RuleMatches))
	if anomaly == "" {
		return prefix
	}
	return prefix + "; " + anomaly
}
