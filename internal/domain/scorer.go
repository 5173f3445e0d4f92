package domain

import "context"

// AnomalyScore is the external model's verdict on one record.
type AnomalyScore struct {
	Score       float64 `json:"anomaly_score"`
	Explanation string  `json:"explanation"`
}

// ScoreResult is the scorer response for a whole session.
type ScoreResult struct {
	Scores          map[string]AnomalyScore `json:"scores"`
	ProcessingStats map[string]any          `json:"processing_stats"`
}

// Scorer produces anomaly scores for a session's records.
// Implementations must honour ctx cancellation.
type Scorer interface {
	Score(ctx context.Context, sessionID string, records []*Record) (*ScoreResult, error)
}
