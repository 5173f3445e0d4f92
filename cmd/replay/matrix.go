package main

import (
	"fmt"
	"io"
	"time"
)

var levelRank = map[string]int{
	"":         0,
	"Low":      1,
	"Medium":   2,
	"High":     3,
	"Critical": 4,
}

// Matrix is a confusion matrix of alerts against incident labels.
type Matrix struct {
	TruePositives  int
	FalsePositives int
	TrueNegatives  int
	FalseNegatives int
	Errors         int

	Misses []string
}

// Add records one prediction.
func (m *Matrix) Add(predicted, actual bool) {
	switch {
	case predicted && actual:
		m.TruePositives++
	case predicted && !actual:
		m.FalsePositives++
	case !predicted && !actual:
		m.TrueNegatives++
	default:
		m.FalseNegatives++
	}
}

// Merge adds other's counts to m.
func (m *Matrix) Merge(other *Matrix) {
	m.TruePositives += other.TruePositives
	m.FalsePositives += other.FalsePositives
	m.TrueNegatives += other.TrueNegatives
	m.FalseNegatives += other.FalseNegatives
	m.Errors += other.Errors
}

func (m *Matrix) Total() int {
	return m.TruePositives + m.FalsePositives + m.TrueNegatives + m.FalseNegatives
}

func (m *Matrix) Precision() float64 {
	return ratio(m.TruePositives, m.TruePositives+m.FalsePositives)
}

func (m *Matrix) Recall() float64 {
	return ratio(m.TruePositives, m.TruePositives+m.FalseNegatives)
}

func (m *Matrix) F1() float64 {
	p, r := m.Precision(), m.Recall()
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

func (m *Matrix) Accuracy() float64 {
	return ratio(m.TruePositives+m.TrueNegatives, m.Total())
}

func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

// Print writes the report.
func (m *Matrix) Print(w io.Writer, elapsed time.Duration) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "REPLAY RESULTS")
	fmt.Fprintf(w, "   Records:    %d\n", m.Total())
	fmt.Fprintf(w, "   Rejected:   %d\n", m.Errors)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "                        Predicted")
	fmt.Fprintln(w, "                    Alert     No alert")
	fmt.Fprintf(w, "   Incident      %8d     %8d   (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Fprintf(w, "   Benign        %8d     %8d   (FP, TN)\n", m.FalsePositives, m.TrueNegatives)
	fmt.Fprintln(w)
	fmt.Fprintf(w, "   Precision:  %.4f\n", m.Precision())
	fmt.Fprintf(w, "   Recall:     %.4f\n", m.Recall())
	fmt.Fprintf(w, "   F1-Score:   %.4f\n", m.F1())
	fmt.Fprintf(w, "   Accuracy:   %.4f\n", m.Accuracy())
	fmt.Fprintln(w)
	fmt.Fprintf(w, "   Duration:   %v\n", elapsed.Round(time.Millisecond))
	if secs := elapsed.Seconds(); secs > 0 {
		fmt.Fprintf(w, "   Throughput: %.2f records/sec\n", float64(m.Total())/secs)
	}
}
