// Package scorer provides anomaly scorer clients for the risk stage.
package scorer

import (
	"context"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// NopExplanation is reported when no anomaly model is configured.
const NopExplanation = "no anomaly model configured"

// New creates a scorer from configuration.
func New(cfg domain.ScorerConfig) (domain.Scorer, error) {
	switch cfg.Type {
	case "", "none":
		return Nop{}, nil
	case "http":
		s, err := NewHTTPScorer(cfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported scorer type: %s", cfg.Type)
	}
}

// Nop scores every record 0.
type Nop struct{}

// Score implements domain.Scorer.
func (Nop) Score(ctx context.Context, sessionID string, records []*domain.Record) (*domain.ScoreResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	scores := make(map[string]domain.AnomalyScore, len(records))
	for _, rec := range records {
		scores[rec.RecordID] = domain.AnomalyScore{Explanation: NopExplanation}
	}
	return &domain.ScoreResult{
		Scores:          scores,
		ProcessingStats: map[string]any{"model": "none", "records": len(records)},
	}, nil
}

// Static returns fixed scores keyed by record ID. Err, when set, is
// returned instead of a result.
type Static struct {
	Scores map[string]domain.AnomalyScore
	Err    error
}

// Score implements domain.Scorer.
func (s *Static) Score(ctx context.Context, sessionID string, records []*domain.Record) (*domain.ScoreResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Err != nil {
		return nil, s.Err
	}
	scores := make(map[string]domain.AnomalyScore, len(records))
	for _, rec := range records {
		if sc, ok := s.Scores[rec.RecordID]; ok {
			scores[rec.RecordID] = sc
		}
	}
	return &domain.ScoreResult{
		Scores:          scores,
		ProcessingStats: map[string]any{"model": "static", "records": len(records)},
	}, nil
}
