// Replay tool for measuring Kestrel against labelled email activity.
//
// Usage:
//
//	go run ./cmd/replay --csv labelled.csv --url http://localhost:8080
//
// The tool splits the CSV into batches, posts each batch as a session,
// reads back the classified records and compares the predicted risk
// level with the label column to report precision and recall.
package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type options struct {
	csvPath   string
	baseURL   string
	label     string
	batchSize int
	workers   int
	limit     int
	threshold string
	verbose   bool
}

func main() {
	var opts options
	cmd := &cobra.Command{
		Use:          "replay",
		Short:        "Replay labelled email activity through Kestrel",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.csvPath, "csv", "", "path to labelled CSV file")
	cmd.Flags().StringVar(&opts.baseURL, "url", "http://localhost:8080", "Kestrel base URL")
	cmd.Flags().StringVar(&opts.label, "label", "is_incident", "label column (1/true marks an incident)")
	cmd.Flags().IntVar(&opts.batchSize, "batch", 500, "rows per session")
	cmd.Flags().IntVar(&opts.workers, "workers", 4, "concurrent sessions")
	cmd.Flags().IntVar(&opts.limit, "limit", 0, "maximum rows to replay (0 = all)")
	cmd.Flags().StringVar(&opts.threshold, "alert-level", "High", "lowest risk level counted as an alert")
	cmd.Flags().BoolVar(&opts.verbose, "verbose", false, "print every misclassified record")
	_ = cmd.MarkFlagRequired("csv")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, out io.Writer, opts options) error {
	alertRank, ok := levelRank[opts.threshold]
	if !ok {
		return fmt.Errorf("unknown risk level %q", opts.threshold)
	}

	client := newClient(opts.baseURL, &http.Client{Timeout: 5 * time.Minute})
	if err := client.health(ctx); err != nil {
		return fmt.Errorf("kestrel not reachable at %s: %w", opts.baseURL, err)
	}
	fmt.Fprintln(out, "✓ Kestrel is healthy")

	rows, labels, err := readLabelled(opts.csvPath, opts.label, opts.limit)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "✓ Loaded %d rows from %s\n", len(rows), opts.csvPath)

	batches := split(rows, labels, opts.batchSize)
	results := make([]*Matrix, len(batches))

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(opts.workers, 1))
	for i, b := range batches {
		g.Go(func() error {
			m, err := replayBatch(gctx, client, fmt.Sprintf("replay-%03d.csv", i+1), b, alertRank)
			if err != nil {
				return fmt.Errorf("batch %d: %w", i+1, err)
			}
			if opts.verbose {
				for _, miss := range m.Misses {
					fmt.Fprintf(out, "✗ %s\n", miss)
				}
			}
			results[i] = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	total := &Matrix{}
	for _, m := range results {
		total.Merge(m)
	}
	total.Print(out, time.Since(start))
	return nil
}

type batch struct {
	rows   []map[string]string
	labels map[string]bool
}

func split(rows []map[string]string, labels []bool, size int) []batch {
	if size <= 0 {
		size = len(rows)
	}
	var out []batch
	for start := 0; start < len(rows); start += size {
		end := min(start+size, len(rows))
		b := batch{labels: make(map[string]bool, end-start)}
		for i := start; i < end; i++ {
			row := rows[i]
			if row["record_id"] == "" {
				// Session record IDs default to the row number within the batch.
				row["record_id"] = strconv.Itoa(i - start + 1)
			}
			b.rows = append(b.rows, row)
			b.labels[row["record_id"]] = labels[i]
		}
		out = append(out, b)
	}
	return out
}

func replayBatch(ctx context.Context, c *client, name string, b batch, alertRank int) (*Matrix, error) {
	id, err := c.createSession(ctx, name, b.rows)
	if err != nil {
		return nil, err
	}
	records, err := c.records(ctx, id)
	if err != nil {
		return nil, err
	}

	m := &Matrix{}
	for _, rec := range records {
		actual, ok := b.labels[rec.RecordID]
		if !ok {
			continue
		}
		predicted := levelRank[rec.RiskLevel] >= alertRank
		m.Add(predicted, actual)
		if predicted != actual {
			m.Misses = append(m.Misses, fmt.Sprintf("%s/%s risk=%s incident=%v", id, rec.RecordID, rec.RiskLevel, actual))
		}
	}
	m.Errors = len(b.rows) - len(records)
	return m, nil
}

func readLabelled(path, label string, limit int) ([]map[string]string, []bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read header: %w", err)
	}
	labelIdx := -1
	for i, col := range header {
		header[i] = strings.ToLower(strings.TrimSpace(col))
		if header[i] == label {
			labelIdx = i
		}
	}
	if labelIdx < 0 {
		return nil, nil, fmt.Errorf("label column %q not found", label)
	}

	var rows []map[string]string
	var labels []bool
	for {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			continue
		}
		row := make(map[string]string, len(header))
		for i, col := range header {
			if i != labelIdx && i < len(rec) {
				row[col] = rec[i]
			}
		}
		incident := false
		if labelIdx < len(rec) {
			v := strings.ToLower(strings.TrimSpace(rec[labelIdx]))
			incident = v == "1" || v == "true" || v == "yes"
		}
		rows = append(rows, row)
		labels = append(labels, incident)

		if limit > 0 && len(rows) >= limit {
			break
		}
	}
	return rows, labels, nil
}
