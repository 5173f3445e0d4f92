package scorer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

const breakerName = "anomaly-scorer"

// HTTPScorer calls a remote anomaly model over HTTP behind a circuit breaker.
type HTTPScorer struct {
	url    string
	client *http.Client
	cb     *gobreaker.CircuitBreaker
}

type scoreRequest struct {
	SessionID string              `json:"session_id"`
	Records   []map[string]string `json:"records"`
}

// NewHTTPScorer creates an HTTP scorer.
func NewHTTPScorer(cfg domain.ScorerConfig) (*HTTPScorer, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: http scorer requires a url", domain.ErrInvalidInput)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxRequests := cfg.BreakerMaxRequests
	if maxRequests == 0 {
		maxRequests = 3
	}
	ratio := cfg.BreakerFailureRatio
	if ratio <= 0 {
		ratio = 0.5
	}

	settings := gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: maxRequests,
		Interval:    cfg.BreakerInterval,
		Timeout:     cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < maxRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= ratio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
			setBreakerState(name, to)
		},
	}
	cb := gobreaker.NewCircuitBreaker(settings)
	setBreakerState(breakerName, cb.State())

	return &HTTPScorer{
		url:    cfg.URL,
		client: &http.Client{Timeout: timeout},
		cb:     cb,
	}, nil
}

// State returns the breaker state.
func (s *HTTPScorer) State() gobreaker.State {
	return s.cb.State()
}

// Score implements domain.Scorer.
func (s *HTTPScorer) Score(ctx context.Context, sessionID string, records []*domain.Record) (*domain.ScoreResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out, err := s.cb.Execute(func() (interface{}, error) {
		return s.do(ctx, sessionID, records)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.ScorerRequestsTotal.WithLabelValues("rejected").Inc()
			return nil, fmt.Errorf("%w: %v", domain.ErrScorerUnavailable, err)
		}
		metrics.ScorerRequestsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	metrics.ScorerRequestsTotal.WithLabelValues("ok").Inc()
	return out.(*domain.ScoreResult), nil
}

func (s *HTTPScorer) do(ctx context.Context, sessionID string, records []*domain.Record) (*domain.ScoreResult, error) {
	payload := scoreRequest{SessionID: sessionID, Records: make([]map[string]string, 0, len(records))}
	for _, rec := range records {
		row := make(map[string]string, len(rec.Fields)+1)
		for f, v := range rec.Fields {
			row[string(f)] = v
		}
		row["record_id"] = rec.RecordID
		payload.Records = append(payload.Records, row)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal scorer request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build scorer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("scorer request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("scorer returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var result domain.ScoreResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode scorer response: %w", err)
	}
	if result.Scores == nil {
		result.Scores = map[string]domain.AnomalyScore{}
	}
	return &result, nil
}

func setBreakerState(name string, state gobreaker.State) {
	var v float64
	switch state {
	case gobreaker.StateHalfOpen:
		v = 1
	case gobreaker.StateOpen:
		v = 2
	}
	metrics.CircuitBreakerState.WithLabelValues(name).Set(v)
}
