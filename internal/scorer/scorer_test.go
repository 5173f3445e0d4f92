package scorer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func sampleRecords() []*domain.Record {
	return []*domain.Record{
		{RecordID: "1", Fields: domain.Fields{domain.FieldSender: "a@corp.com"}},
		{RecordID: "2", Fields: domain.Fields{domain.FieldSender: "b@corp.com"}},
	}
}

func TestNew(t *testing.T) {
	s, err := New(domain.ScorerConfig{Type: "none"})
	require.NoError(t, err)
	assert.IsType(t, Nop{}, s)

	_, err = New(domain.ScorerConfig{Type: "http"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = New(domain.ScorerConfig{Type: "grpc"})
	assert.Error(t, err)
}

func TestNop(t *testing.T) {
	res, err := Nop{}.Score(context.Background(), "s-1", sampleRecords())
	require.NoError(t, err)
	require.Len(t, res.Scores, 2)
	assert.Equal(t, 0.0, res.Scores["1"].Score)
	assert.Equal(t, NopExplanation, res.Scores["2"].Explanation)
}

func TestStatic(t *testing.T) {
	s := &Static{Scores: map[string]domain.AnomalyScore{"1": {Score: 0.7}, "9": {Score: 1}}}
	res, err := s.Score(context.Background(), "s-1", sampleRecords())
	require.NoError(t, err)
	assert.Len(t, res.Scores, 1)
	assert.Equal(t, 0.7, res.Scores["1"].Score)

	boom := errors.New("model offline")
	_, err = (&Static{Err: boom}).Score(context.Background(), "s-1", nil)
	assert.ErrorIs(t, err, boom)
}

func TestHTTPScorer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req scoreRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "s-1", req.SessionID)
		require.Len(t, req.Records, 2)
		assert.Equal(t, "a@corp.com", req.Records[0]["sender"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"scores":{"1":{"anomaly_score":0.82,"explanation":"odd hour"}},"processing_stats":{"model":"iforest"}}`))
	}))
	defer srv.Close()

	s, err := NewHTTPScorer(domain.ScorerConfig{URL: srv.URL, Timeout: time.Second})
	require.NoError(t, err)

	res, err := s.Score(context.Background(), "s-1", sampleRecords())
	require.NoError(t, err)
	assert.Equal(t, 0.82, res.Scores["1"].Score)
	assert.Equal(t, "odd hour", res.Scores["1"].Explanation)
	assert.Equal(t, "iforest", res.ProcessingStats["model"])
}

func TestHTTPScorerBreakerOpens(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "model crashed", http.StatusInternalServerError)
	}))
	defer srv.Close()

	s, err := NewHTTPScorer(domain.ScorerConfig{
		URL:                 srv.URL,
		Timeout:             time.Second,
		BreakerMaxRequests:  2,
		BreakerOpenTimeout:  time.Minute,
		BreakerFailureRatio: 0.5,
	})
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := s.Score(ctx, "s-1", sampleRecords())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "500")
	}
	assert.Equal(t, gobreaker.StateOpen, s.State())

	_, err = s.Score(ctx, "s-1", sampleRecords())
	assert.ErrorIs(t, err, domain.ErrScorerUnavailable)
	assert.Equal(t, int32(2), calls.Load())
}

func TestHTTPScorerHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	s, err := NewHTTPScorer(domain.ScorerConfig{URL: srv.URL, Timeout: 5 * time.Second})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = s.Score(ctx, "s-1", sampleRecords())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
