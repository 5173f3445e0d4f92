package main

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/workflow"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Ingest and classify email activity batches",
	}
	cmd.AddCommand(
		sessionsIngestCmd(),
		sessionsRunCmd(),
		sessionsReprocessCmd(),
		sessionsStatusCmd(),
	)
	return cmd
}

func sessionsIngestCmd() *cobra.Command {
	var run bool
	cmd := &cobra.Command{
		Use:   "ingest FILE",
		Short: "Ingest a CSV or JSON batch into a new session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rows, err := readRows(args[0])
			if err != nil {
				return err
			}

			app, err := newApp()
			if err != nil {
				return err
			}
			defer app.Close()

			sess, err := app.ingester.Ingest(cmd.Context(), filepath.Base(args[0]), rows)
			if err != nil {
				return err
			}
			if run {
				sess, err = app.orchestrator.RunFull(cmd.Context(), sess.ID)
				if err != nil {
					return err
				}
			}
			return printStatus(cmd, app, sess.ID)
		},
	}
	cmd.Flags().BoolVar(&run, "run", true, "run the classification workflow after ingesting")
	return cmd
}

func sessionsRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run SESSION_ID",
		Short: "Run every pending workflow stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp()
			if err != nil {
				return err
			}
			defer app.Close()

			if _, err := app.orchestrator.RunFull(cmd.Context(), args[0]); err != nil {
				return err
			}
			return printStatus(cmd, app, args[0])
		},
	}
}

func sessionsReprocessCmd() *cobra.Command {
	var skip []string
	cmd := &cobra.Command{
		Use:   "reprocess SESSION_ID",
		Short: "Reset and rerun workflow stages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stages := make([]domain.Stage, 0, len(skip))
			for _, s := range skip {
				stage, err := domain.ParseStage(s)
				if err != nil {
					return err
				}
				stages = append(stages, stage)
			}

			app, err := newApp()
			if err != nil {
				return err
			}
			defer app.Close()

			if _, err := app.orchestrator.Reprocess(cmd.Context(), args[0], stages); err != nil {
				return err
			}
			return printStatus(cmd, app, args[0])
		},
	}
	cmd.Flags().StringSliceVar(&skip, "skip", nil, "stages to keep as they are (exclusion, whitelist, rules, ml)")
	return cmd
}

func sessionsStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status SESSION_ID",
		Short: "Show session progress and classification counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp()
			if err != nil {
				return err
			}
			defer app.Close()
			return printStatus(cmd, app, args[0])
		},
	}
}

func printStatus(cmd *cobra.Command, app *App, sessionID string) error {
	status, err := app.orchestrator.Status(cmd.Context(), sessionID)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), status)
}

// readRows loads a batch file. JSON files hold an array of objects;
// anything else is read as CSV with a header row.
func readRows(path string) ([]workflow.Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if strings.EqualFold(filepath.Ext(path), ".json") {
		return decodeJSONRows(f)
	}
	return decodeCSVRows(f)
}

func decodeJSONRows(r io.Reader) ([]workflow.Row, error) {
	var raw []map[string]any
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to parse JSON batch: %w", err)
	}
	rows := make([]workflow.Row, 0, len(raw))
	for _, obj := range raw {
		row := make(workflow.Row, len(obj))
		for k, v := range obj {
			if v == nil {
				continue
			}
			row[k] = fmt.Sprint(v)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func decodeCSVRows(r io.Reader) ([]workflow.Row, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("CSV batch is empty")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}

	var rows []workflow.Row
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read CSV: %w", err)
		}
		row := make(workflow.Row, len(header))
		for i, col := range header {
			if i < len(rec) {
				row[col] = rec[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}
