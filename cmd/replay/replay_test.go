package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatrix(t *testing.T) {
	m := &Matrix{}
	m.Add(true, true)
	m.Add(true, false)
	m.Add(false, false)
	m.Add(false, true)
	m.Add(true, true)

	assert.Equal(t, 5, m.Total())
	assert.InDelta(t, 2.0/3.0, m.Precision(), 1e-9)
	assert.InDelta(t, 2.0/3.0, m.Recall(), 1e-9)
	assert.InDelta(t, 2.0/3.0, m.F1(), 1e-9)
	assert.InDelta(t, 0.6, m.Accuracy(), 1e-9)

	assert.Zero(t, (&Matrix{}).F1())
}

func TestReadLabelledAndSplit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batch.csv")
	csv := "Sender,Subject,IS_INCIDENT\na@corp.com,hello,0\nb@corp.com,payroll,1\nc@corp.com,lunch,true\n"
	require.NoError(t, os.WriteFile(path, []byte(csv), 0o600))

	rows, labels, err := readLabelled(path, "is_incident", 0)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []bool{false, true, true}, labels)
	assert.NotContains(t, rows[0], "is_incident")

	batches := split(rows, labels, 2)
	require.Len(t, batches, 2)
	assert.Equal(t, "1", batches[1].rows[0]["record_id"])
	assert.True(t, batches[1].labels["1"])

	_, _, err = readLabelled(path, "label", 0)
	assert.Error(t, err)
}

func TestReplayBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/sessions":
			_, _ = w.Write([]byte(`{"session": {"id": "s-1", "status": "completed"}}`))
		case strings.HasSuffix(r.URL.Path, "/records"):
			_ = json.NewEncoder(w).Encode(map[string]any{"records": []map[string]any{
				{"record_id": "1", "risk_level": "Critical"},
				{"record_id": "2", "risk_level": "Low"},
				{"record_id": "3", "risk_level": "Medium"},
			}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	b := batch{
		rows:   []map[string]string{{"record_id": "1"}, {"record_id": "2"}, {"record_id": "3"}},
		labels: map[string]bool{"1": true, "2": false, "3": true},
	}
	m, err := replayBatch(context.Background(), newClient(srv.URL, srv.Client()), "x.csv", b, levelRank["High"])
	require.NoError(t, err)
	assert.Equal(t, 1, m.TruePositives)
	assert.Equal(t, 1, m.TrueNegatives)
	assert.Equal(t, 1, m.FalseNegatives)
	assert.Len(t, m.Misses, 1)

	var out bytes.Buffer
	m.Print(&out, 0)
	assert.Contains(t, out.String(), "Recall:     0.5000")
}
