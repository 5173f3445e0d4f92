package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
)

func rulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage exclusion and security rules",
	}
	cmd.AddCommand(rulesExportCmd(), rulesImportCmd(), rulesValidateCmd())
	return cmd
}

func rulesExportCmd() *cobra.Command {
	var ruleType, out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write active rules as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp()
			if err != nil {
				return err
			}
			defer app.Close()

			defs, err := app.rules.Export(cmd.Context(), domain.RuleType(ruleType))
			if err != nil {
				return err
			}
			return writeJSONFile(out, cmd.OutOrStdout(), defs)
		},
	}
	cmd.Flags().StringVar(&ruleType, "type", "", "only export rules of this type (exclusion, security)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default stdout)")
	return cmd
}

func rulesImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE",
		Short: "Import rule definitions from a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var defs []domain.RuleDefinition
			if err := readJSONFile(args[0], &defs); err != nil {
				return err
			}

			app, err := newApp()
			if err != nil {
				return err
			}
			defer app.Close()

			result, err := app.rules.Import(cmd.Context(), defs)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
}

// rulesValidateCmd checks a definitions file without touching storage.
func rulesValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE",
		Short: "Validate rule definitions without importing them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var defs []domain.RuleDefinition
			if err := readJSONFile(args[0], &defs); err != nil {
				return err
			}

			invalid := 0
			for i, def := range defs {
				reasons := rules.ValidateRule(rules.FromDefinition(def))
				if len(reasons) == 0 {
					continue
				}
				invalid++
				name := def.Name
				if name == "" {
					name = fmt.Sprintf("#%d", i+1)
				}
				for _, r := range reasons {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", name, r)
				}
			}
			if invalid > 0 {
				return fmt.Errorf("%d of %d rules are invalid", invalid, len(defs))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d rules are valid\n", len(defs))
			return nil
		},
	}
}

func readJSONFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

func writeJSONFile(path string, stdout io.Writer, v any) error {
	if path == "" {
		return printJSON(stdout, v)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := printJSON(f, v); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
